package main

import (
	"os"

	"github.com/moolen/lochness/cmd/lochness/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
