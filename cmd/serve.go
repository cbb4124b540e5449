package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/uztelco/dispatch/internal/access"
	"github.com/uztelco/dispatch/internal/config"
	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/engine"
	"github.com/uztelco/dispatch/internal/engine/processor"
	"github.com/uztelco/dispatch/internal/infrastructure/sqlite"
	"github.com/uztelco/dispatch/internal/inventory"
	"github.com/uztelco/dispatch/internal/log"
	"github.com/uztelco/dispatch/internal/notify"
	"github.com/uztelco/dispatch/internal/pubsub"
	"github.com/uztelco/dispatch/internal/recovery"
	"github.com/uztelco/dispatch/internal/registry"
	"github.com/uztelco/dispatch/internal/state"
	"github.com/uztelco/dispatch/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the workflow engine daemon",
	Long: `Run the workflow engine as a long-lived process: the command
processor, the notification dispatcher, the retry drain loop and the config
watcher. Stops cleanly on SIGINT/SIGTERM, draining queued commands first.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// services bundles everything the daemon and the admin commands construct
// from config.
type services struct {
	db         *sqlite.DB
	states     *state.Manager
	txns       *state.TxnCoordinator
	engine     *engine.Engine
	dispatcher *notify.Dispatcher
	retryWork  *notify.RetryWorker
	retryRepo  *sqlite.RetryRepo
	inventory  *inventory.Service
	recovery   *recovery.Service
	tracer     *tracing.Provider
}

func buildServices(cfg config.Config) (*services, error) {
	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	db, err := sqlite.NewDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	broker := pubsub.NewBroker[*request.Request]()
	states := state.NewManager(db, broker)
	txns := state.NewTxnCoordinator(states)

	var transport notify.Transport = &notify.LogTransport{}
	if cfg.Notify.Transport == "nats" {
		nt, err := notify.NewNATSTransport(cfg.Notify.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		transport = nt
	}
	retryRepo := sqlite.NewRetryRepo(db.Conn())
	dispatcher := notify.NewDispatcher(transport, retryRepo)
	dispatcher.SetClientNotifiedMarker(states)
	retryWork := notify.NewRetryWorker(transport, retryRepo)
	retryWork.SetInterval(cfg.Notify.DrainInterval)
	retryWork.SetClientNotifiedMarker(states)

	users := sqlite.NewUserRepo(db.Conn())
	faults := sqlite.NewErrorLogRepo(db.Conn())
	inv := inventory.NewService(db)

	eng := engine.New(engine.Options{
		States:        states,
		Registry:      registry.New(),
		Checker:       access.NewChecker(users, faults),
		Users:         users,
		Notifier:      dispatcher,
		Inventory:     inv,
		Faults:        faults,
		QueueCapacity: cfg.Engine.QueueCapacity,
		DedupTTL:      cfg.Engine.DedupTTL,
		Middleware: []processor.Middleware{
			tracing.NewMiddleware(tracing.MiddlewareConfig{Tracer: provider.Tracer()}),
		},
	})

	rec := recovery.NewService(states, db, dispatcher, txns)
	rec.SetThreshold(cfg.Recovery.StuckThreshold)

	return &services{
		db:         db,
		states:     states,
		txns:       txns,
		engine:     eng,
		dispatcher: dispatcher,
		retryWork:  retryWork,
		retryRepo:  retryRepo,
		inventory:  inv,
		recovery:   rec,
		tracer:     provider,
	}, nil
}

func (s *services) close() {
	if err := s.db.Close(); err != nil {
		log.ErrorErr(log.CatDB, "closing database", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tracer.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatConfig, "shutting down tracing", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	svc, err := buildServices(cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go svc.engine.Run(ctx)
	if err := svc.engine.WaitForReady(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	go svc.dispatcher.Run(ctx)
	go svc.retryWork.Run(ctx)

	// Live reload: recovery threshold and retry tuning follow the config
	// file without a restart.
	watcher, err := config.NewWatcher(configPath())
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	reloads, err := watcher.Start()
	if err != nil {
		return fmt.Errorf("watching config: %w", err)
	}
	defer func() { _ = watcher.Stop() }()

	log.Info(log.CatConfig, "dispatch daemon started",
		"db", cfg.Database.Path, "transport", cfg.Notify.Transport)
	fmt.Println("dispatch daemon started")
	fmt.Println("Press Ctrl+C to stop")

	for {
		select {
		case sig := <-sigCh:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			cancel()
			svc.engine.Drain()
			svc.dispatcher.Wait()
			fmt.Println("Daemon stopped")
			return nil
		case newCfg := <-reloads:
			svc.recovery.SetThreshold(newCfg.Recovery.StuckThreshold)
			svc.retryWork.SetInterval(newCfg.Notify.DrainInterval)
			log.SetEnabled(newCfg.Log.Enabled || debugFlag)
		}
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}
