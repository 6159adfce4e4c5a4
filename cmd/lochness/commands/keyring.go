package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moolen/lochness/internal/config"
	"github.com/moolen/lochness/internal/keyring"
)

var keyringCmd = &cobra.Command{
	Use:   "keyring",
	Short: "Manage the encrypted credential store",
	Long: `The keyring holds source credentials (Dropbox tokens, Beiwe and
REDCap API keys), SMTP settings and the SSH transfer key, sealed with a
passphrase. Set LOCHNESS_KEYRING_PASS to avoid the interactive prompt.`,
}

var keyringInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an empty keyring file",
	Run:   runKeyringInit,
}

var keyringSetCmd = &cobra.Command{
	Use:   "set <service> <key> <value>",
	Short: "Store one credential value",
	Long: `Store a value under a service entry, e.g.:

  lochness keyring set dropbox.mclean token sl.ABC...
  lochness keyring set smtp host mail.example.org`,
	Args: cobra.ExactArgs(3),
	Run:  runKeyringSet,
}

var keyringGetCmd = &cobra.Command{
	Use:   "get <service> <key>",
	Short: "Print one credential value",
	Args:  cobra.ExactArgs(2),
	Run:   runKeyringGet,
}

var keyringServicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List stored service entries",
	Run:   runKeyringServices,
}

func init() {
	keyringCmd.AddCommand(keyringInitCmd)
	keyringCmd.AddCommand(keyringSetCmd)
	keyringCmd.AddCommand(keyringGetCmd)
	keyringCmd.AddCommand(keyringServicesCmd)
}

func keyringPath() string {
	cfg, err := config.Load(configPath)
	HandleError(err, "Configuration error")
	return cfg.KeyringFile
}

func runKeyringInit(cmd *cobra.Command, args []string) {
	path := keyringPath()
	if _, err := os.Stat(path); err == nil {
		HandleError(fmt.Errorf("keyring file %s already exists", path), "Keyring error")
	}

	passphrase, err := keyring.Passphrase()
	HandleError(err, "Failed to read passphrase")

	err = keyring.New().Save(path, passphrase)
	HandleError(err, "Failed to write keyring")
	fmt.Printf("Created empty keyring at %s\n", path)
}

func runKeyringSet(cmd *cobra.Command, args []string) {
	path := keyringPath()
	passphrase, err := keyring.Passphrase()
	HandleError(err, "Failed to read passphrase")

	kr, err := keyring.Open(path, passphrase)
	HandleError(err, "Failed to open keyring")

	kr.Set(args[0], args[1], args[2])
	err = kr.Save(path, passphrase)
	HandleError(err, "Failed to write keyring")
}

func runKeyringGet(cmd *cobra.Command, args []string) {
	passphrase, err := keyring.Passphrase()
	HandleError(err, "Failed to read passphrase")

	kr, err := keyring.Open(keyringPath(), passphrase)
	HandleError(err, "Failed to open keyring")

	value, err := kr.GetKey(args[0], args[1])
	HandleError(err, "Keyring error")
	fmt.Println(value)
}

func runKeyringServices(cmd *cobra.Command, args []string) {
	passphrase, err := keyring.Passphrase()
	HandleError(err, "Failed to read passphrase")

	kr, err := keyring.Open(keyringPath(), passphrase)
	HandleError(err, "Failed to open keyring")

	for _, service := range kr.Services() {
		fmt.Println(service)
	}
}
