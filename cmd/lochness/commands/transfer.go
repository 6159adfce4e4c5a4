package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moolen/lochness/internal/config"
	"github.com/moolen/lochness/internal/keyring"
	"github.com/moolen/lochness/internal/logging"
	"github.com/moolen/lochness/internal/phoenix"
	"github.com/moolen/lochness/internal/transfer"
)

var (
	transferStudy      string
	transferRemoteRoot string
)

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Push the PHOENIX tree to the configured SSH host",
	Long: `Upload the local PHOENIX hierarchy (or a single study) to
ssh_user@ssh_host over SFTP. Files already current on the remote are
skipped, so repeated transfers only move new data.`,
	Run: runTransfer,
}

func init() {
	transferCmd.Flags().StringVar(&transferStudy, "study", "", "Transfer only this study's subtree")
	transferCmd.Flags().StringVar(&transferRemoteRoot, "remote-root", "PHOENIX", "Remote directory receiving the tree")
}

func runTransfer(cmd *cobra.Command, args []string) {
	if err := setupLog(logLevelFlags); err != nil {
		HandleError(err, "Failed to setup logging")
	}
	logger := logging.GetLogger("transfer")

	cfg, err := config.Load(configPath)
	HandleError(err, "Configuration error")
	if cfg.SSHUser == "" || cfg.SSHHost == "" {
		HandleError(config.NewConfigError("ssh_user and ssh_host must be configured for transfer"), "Configuration error")
	}

	passphrase, err := keyring.Passphrase()
	HandleError(err, "Failed to read keyring passphrase")
	kr, err := keyring.Open(cfg.KeyringFile, passphrase)
	HandleError(err, "Failed to open keyring")

	session, err := transfer.Dial(cfg.SSHUser, cfg.SSHHost, kr)
	HandleError(err, "Failed to connect")
	defer session.Close()

	pusher, err := transfer.NewPusher(session)
	HandleError(err, "Transfer initialization error")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var stats transfer.Stats
	if transferStudy == "" {
		stats, err = pusher.Push(ctx, cfg.PhoenixRoot, transferRemoteRoot)
		HandleError(err, "Transfer failed")
	} else {
		// both branches of the study subtree
		ph := phoenix.New(cfg.PhoenixRoot)
		for _, localRoot := range []string{ph.GeneralPath(transferStudy), ph.ProtectedPath(transferStudy)} {
			rel, err := filepath.Rel(cfg.PhoenixRoot, localRoot)
			HandleError(err, "Transfer failed")
			if _, err := os.Stat(localRoot); err != nil {
				continue
			}
			branchStats, err := pusher.Push(ctx, localRoot, transfer.RemotePath(transferRemoteRoot, rel))
			HandleError(err, "Transfer failed")
			stats.Files += branchStats.Files
			stats.Bytes += branchStats.Bytes
			stats.Skipped += branchStats.Skipped
		}
	}

	logger.InfoWithFields("transfer complete",
		logging.Field("files", stats.Files),
		logging.Field("bytes", stats.Bytes),
		logging.Field("skipped", stats.Skipped))
}
