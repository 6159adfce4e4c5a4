package commands

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/moolen/lochness/internal/config"
	"github.com/moolen/lochness/internal/keyring"
	"github.com/moolen/lochness/internal/lifecycle"
	"github.com/moolen/lochness/internal/logging"
	"github.com/moolen/lochness/internal/metrics"
	"github.com/moolen/lochness/internal/notify"
	"github.com/moolen/lochness/internal/phoenix"
	"github.com/moolen/lochness/internal/source"
	"github.com/moolen/lochness/internal/source/beiwe"
	"github.com/moolen/lochness/internal/source/dropbox"
	"github.com/moolen/lochness/internal/source/redcap"
	syncpkg "github.com/moolen/lochness/internal/sync"
	"github.com/moolen/lochness/internal/tracing"
)

var (
	syncOnce           bool
	syncDryRun         bool
	syncSource         string
	metricsPort        int
	studyConcurrency   int
	tracingEnabled     bool
	tracingEndpoint    string
	tracingTLSCAPath   string
	tracingTLSInsecure bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run the data synchronization daemon",
	Long: `Poll all configured external sources and pull new study data into
the PHOENIX hierarchy. Without --once the daemon keeps polling at the
configured interval and picks up configuration changes on the fly.`,
	Run: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncOnce, "once", false, "Run a single sync cycle and exit")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Log planned downloads without writing anything")
	syncCmd.Flags().StringVar(&syncSource, "source", "", "Sync only the named source, e.g. dropbox (default: all)")
	syncCmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "Port for the Prometheus /metrics endpoint (0 disables)")
	syncCmd.Flags().IntVar(&studyConcurrency, "study-concurrency", 4, "How many studies sync in parallel")
	syncCmd.Flags().BoolVar(&tracingEnabled, "tracing-enabled", false, "Enable OpenTelemetry tracing (default: false)")
	syncCmd.Flags().StringVar(&tracingEndpoint, "tracing-endpoint", "", "OTLP gRPC endpoint for traces (e.g., collector:4317)")
	syncCmd.Flags().StringVar(&tracingTLSCAPath, "tracing-tls-ca", "", "Path to CA certificate for TLS verification (optional)")
	syncCmd.Flags().BoolVar(&tracingTLSInsecure, "tracing-tls-insecure", false, "Skip TLS certificate verification (insecure, use only for testing)")
}

func runSync(cmd *cobra.Command, args []string) {
	if err := setupLog(logLevelFlags); err != nil {
		HandleError(err, "Failed to setup logging")
	}
	logger := logging.GetLogger("daemon")

	cfg, err := config.Load(configPath)
	HandleError(err, "Configuration error")
	redirectOutput(cfg, logger)

	logger.Info("Starting Lochness v%s", Version)

	passphrase, err := keyring.Passphrase()
	HandleError(err, "Failed to read keyring passphrase")
	kr, err := keyring.Open(cfg.KeyringFile, passphrase)
	HandleError(err, "Failed to open keyring")

	ph := phoenix.New(cfg.PhoenixRoot)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	manager := lifecycle.NewManager()

	// Initialize tracing provider
	tracingProvider, err := tracing.NewProvider(tracing.Config{
		Enabled:     tracingEnabled,
		Endpoint:    tracingEndpoint,
		TLSCAPath:   tracingTLSCAPath,
		TLSInsecure: tracingTLSInsecure,
	})
	if err != nil {
		logger.Warn("Failed to initialize tracing (continuing without tracing): %v", err)
		tracingProvider = nil
	}
	if tracingProvider != nil {
		err = manager.Register(tracingProvider)
		HandleError(err, "Tracing registration error")
	}

	sources, err := buildRegistry(cfg, kr, ph, m)
	HandleError(err, "Source initialization error")
	if syncSource != "" {
		sources, err = sources.Filter(syncSource)
		HandleError(err, "Source filter error")
	}
	logger.Info("Configured sources: %s", strings.Join(sources.Names(), ", "))

	var mailer *notify.Mailer
	if cfg.Sender != "" {
		settings, err := notify.SettingsFromKeyring(kr)
		if err != nil {
			var notFound *keyring.ErrNotFound
			if !errors.As(err, &notFound) {
				HandleError(err, "SMTP configuration error")
			}
			logger.Warn("No smtp entry in keyring, error notification disabled")
		} else {
			mailer, err = notify.NewMailer(settings, cfg, m)
			HandleError(err, "Mailer initialization error")
		}
	} else {
		logger.Warn("No sender configured, error notification disabled")
	}

	opts := syncpkg.Options{
		Phoenix:          ph,
		Registry:         sources,
		Metrics:          m,
		PollInterval:     time.Duration(cfg.PollInterval) * time.Second,
		StudyConcurrency: studyConcurrency,
		DryRun:           syncDryRun,
	}
	if mailer != nil {
		opts.Notifier = mailer
	}
	if tracingProvider != nil && tracingProvider.IsEnabled() {
		opts.Tracer = tracingProvider.Tracer("sync")
	}

	scheduler, err := syncpkg.NewScheduler(opts)
	HandleError(err, "Scheduler initialization error")

	if syncOnce {
		runOnce(scheduler, tracingProvider, logger)
		return
	}

	if metricsPort > 0 {
		err = manager.Register(metrics.NewServer(metricsPort, registry))
		HandleError(err, "Metrics server registration error")
	}
	err = manager.Register(scheduler)
	HandleError(err, "Scheduler registration error")

	// Hot reload: poll interval and notification routing follow the
	// config file; source credentials require a restart.
	watcher, err := config.NewWatcher(config.WatcherConfig{FilePath: configPath}, func(newCfg *config.Config) error {
		scheduler.SetPollInterval(time.Duration(newCfg.PollInterval) * time.Second)
		if mailer != nil {
			mailer.UpdateConfig(newCfg)
		}
		return nil
	})
	HandleError(err, "Config watcher error")

	ctx, cancel := context.WithCancel(context.Background())
	err = manager.Start(ctx)
	HandleError(err, "Startup error")
	err = watcher.Start(ctx)
	HandleError(err, "Config watcher error")

	logger.Info("Daemon started, polling every %ds", cfg.PollInterval)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received, gracefully shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := watcher.Stop(); err != nil {
		logger.Error("Error stopping config watcher: %v", err)
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown: %v", err)
	}

	logger.Info("Shutdown complete")
}

func runOnce(scheduler *syncpkg.Scheduler, tracingProvider *tracing.Provider, logger *logging.Logger) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if tracingProvider != nil {
		if err := tracingProvider.Start(ctx); err != nil {
			logger.Warn("Failed to start tracing: %v", err)
		}
		defer tracingProvider.Stop(context.Background())
	}

	if err := scheduler.RunCycle(ctx); err != nil {
		HandleError(err, "Sync cycle failed")
	}
	logger.Info("Sync cycle complete")
}

// buildRegistry wires one source per configured platform. Credentials
// come from the keyring: dropbox.<account> (token), beiwe.<account>
// (url, access_key, secret_key), redcap.<project> (url, token).
func buildRegistry(cfg *config.Config, kr *keyring.Keyring, ph *phoenix.Phoenix, m *metrics.Metrics) (*source.Registry, error) {
	registry := source.NewRegistry()

	if len(cfg.Dropbox) > 0 {
		accounts := make(map[string]dropbox.Account, len(cfg.Dropbox))
		for label, accountCfg := range cfg.Dropbox {
			token, err := kr.GetKey("dropbox."+label, "token")
			if err != nil {
				return nil, fmt.Errorf("dropbox account %s: %w", label, err)
			}
			accounts[label] = dropbox.Account{
				Client:          dropbox.NewClient(token),
				Base:            accountCfg.Base,
				DeleteOnSuccess: accountCfg.DeleteOnSuccess,
			}
		}
		src, err := dropbox.New(accounts, ph, m)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(src); err != nil {
			return nil, err
		}
	}

	if labels := serviceLabels(kr, "beiwe."); len(labels) > 0 {
		clients := make(map[string]beiwe.Client, len(labels))
		for _, label := range labels {
			entry, err := kr.Get("beiwe." + label)
			if err != nil {
				return nil, err
			}
			clients[label] = beiwe.NewClient(entry["url"], entry["access_key"], entry["secret_key"])
		}
		src, err := beiwe.New(clients, cfg.Beiwe.BackfillStart, ph, m)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(src); err != nil {
			return nil, err
		}
	}

	if labels := serviceLabels(kr, "redcap."); len(labels) > 0 {
		clients := make(map[string]redcap.Client, len(labels))
		for _, label := range labels {
			entry, err := kr.Get("redcap." + label)
			if err != nil {
				return nil, err
			}
			clients[label] = redcap.NewClient(entry["url"], entry["token"])
		}
		src, err := redcap.New(clients, cfg.Redcap, ph, m)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(src); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// serviceLabels lists keyring services matching a source prefix, e.g.
// "beiwe.harvard" yields label "harvard" for prefix "beiwe.".
func serviceLabels(kr *keyring.Keyring, prefix string) []string {
	var labels []string
	for _, service := range kr.Services() {
		if strings.HasPrefix(service, prefix) {
			labels = append(labels, strings.TrimPrefix(service, prefix))
		}
	}
	return labels
}

// redirectOutput points the process streams at the files named in the
// configuration. Used when running under a process supervisor without
// its own log capture.
func redirectOutput(cfg *config.Config, logger *logging.Logger) {
	if cfg.Stdout != "" {
		f, err := os.OpenFile(cfg.Stdout, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logger.Error("Failed to open stdout target %s: %v", cfg.Stdout, err)
		} else {
			os.Stdout = f
			log.SetOutput(f)
		}
	}
	if cfg.Stderr != "" {
		f, err := os.OpenFile(cfg.Stderr, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logger.Error("Failed to open stderr target %s: %v", cfg.Stderr, err)
		} else {
			os.Stderr = f
		}
	}
}
