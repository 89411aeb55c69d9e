package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blocklens/blocklens/internal/addrindex"
	"github.com/blocklens/blocklens/internal/addrindex/migrations"
	"github.com/blocklens/blocklens/internal/common"
	"github.com/blocklens/blocklens/internal/config"
	"github.com/blocklens/blocklens/internal/db"
	"github.com/blocklens/blocklens/internal/feed"
	"github.com/blocklens/blocklens/internal/logger"
	"github.com/blocklens/blocklens/internal/metrics"
	"github.com/blocklens/blocklens/internal/rpc"
	pkgconfig "github.com/blocklens/blocklens/pkg/config"
)

const version = "1.0.0"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "blocklens",
	Short: "BlockLens - Bitcoin address indexer",
	Long: `BlockLens maintains a durable per-address index over a bitcoind node:
balances, transaction history, unspent outputs and extended public key
tracking, kept live through ZMQ block notifications.`,
	Version: version,
	RunE:    runIndexer,
}

var xpubCmd = &cobra.Command{
	Use:   "xpub <extended-public-key>",
	Short: "Track an xpub against the index and print its summary",
	Long: `Derives receive and change addresses from the extended public key until
the configured gap limit is exhausted, records them in the index store and
prints the aggregated summary. Run against a built index.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrackXpub,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")
	rootCmd.AddCommand(xpubCmd)
}

func componentLogger(cfg *pkgconfig.Config, component string) *logger.Logger {
	return logger.NewComponentLogger(component, cfg.Logging.LevelFor(component), cfg.Logging.Development)
}

func runIndexer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	log := componentLogger(cfg, common.ComponentEngine)

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsServer := metrics.NewServer(cfg.Metrics, componentLogger(cfg, common.ComponentEngine))
		if err := metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			if err := metricsServer.Stop(context.Background()); err != nil {
				log.Warnf("failed to stop metrics server: %v", err)
			}
		}()
		log.Infof("metrics server started on %s%s", cfg.Metrics.ListenAddress, cfg.Metrics.Path)
	}

	log.Infof("connecting to bitcoind at %s", cfg.RPC.URL)
	client, err := rpc.NewClient(cfg.RPC)
	if err != nil {
		return fmt.Errorf("failed to create RPC client: %w", err)
	}
	defer client.Close()

	bus := feed.NewBus()
	defer bus.Close()

	var listener *feed.ZMQListener
	if cfg.ZMQ.Enabled() {
		listener, err = feed.NewZMQListener(&cfg.ZMQ, bus, componentLogger(cfg, common.ComponentZMQ))
		if err != nil {
			return fmt.Errorf("failed to connect ZMQ listener: %w", err)
		}
		listener.Start()
		defer listener.Close()
		log.Infof("listening for block notifications on %s", cfg.ZMQ.BlockEndpoint)
	} else {
		log.Warn("no ZMQ endpoints configured, index will not follow new blocks")
	}

	engine := addrindex.New(&cfg.AddressIndex, client, bus, log)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start address indexer: %w", err)
	}

	<-ctx.Done()
	log.Info("shutting down")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.AddressIndex.DrainTimeout.Duration)
	defer drainCancel()

	if err := engine.Close(drainCtx); err != nil {
		return fmt.Errorf("failed to stop address indexer: %w", err)
	}

	log.Info("blocklens stopped")
	return nil
}

// runTrackXpub works directly against the store so it can be used without the
// indexer daemon running.
func runTrackXpub(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	params, err := cfg.AddressIndex.NetParams()
	if err != nil {
		return err
	}

	if err := migrations.RunMigrations(cfg.AddressIndex.DB.Path); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	database, err := db.NewSQLiteDBFromConfig(cfg.AddressIndex.DB)
	if err != nil {
		return fmt.Errorf("failed to open index store: %w", err)
	}
	defer database.Close()

	log := componentLogger(cfg, common.ComponentXpub)
	store := addrindex.NewStore(database, log, nil)
	tracker := addrindex.NewXpubTracker(store, params, cfg.AddressIndex.XpubGapLimit, log)

	ctx := context.Background()
	xpub := args[0]

	if err := tracker.Track(ctx, xpub, 0); err != nil {
		return fmt.Errorf("failed to track xpub: %w", err)
	}

	summary, err := tracker.GetXpubSummary(ctx, xpub)
	if err != nil {
		return fmt.Errorf("failed to summarize xpub: %w", err)
	}

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	return nil
}
