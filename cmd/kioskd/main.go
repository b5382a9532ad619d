package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"wash-kiosk-backend/config"
	"wash-kiosk-backend/internal/api"
	"wash-kiosk-backend/internal/cashdevice"
	"wash-kiosk-backend/internal/counter"
	"wash-kiosk-backend/internal/db"
	"wash-kiosk-backend/internal/gate"
	"wash-kiosk-backend/internal/guard"
	"wash-kiosk-backend/internal/kiosk"
	"wash-kiosk-backend/internal/metrics"
	"wash-kiosk-backend/internal/notification"
	"wash-kiosk-backend/internal/refund"
	"wash-kiosk-backend/internal/session"
	"wash-kiosk-backend/internal/store"
	"wash-kiosk-backend/internal/timeout"
)

var logger = log.New(os.Stdout, "kioskd ", log.LstdFlags)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var dryRun bool

	root := &cobra.Command{
		Use:          "kioskd",
		Short:        "Wash kiosk payment and cycle controller",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, dryRun)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config (default $CONFIG_PATH or ./config/config.yaml)")
	root.Flags().BoolVar(&dryRun, "dry-run", false, "replace the gate sensor line with static signals that let every phase pass")

	root.AddCommand(newPoliciesCmd(&configPath))
	return root
}

// newPoliciesCmd prints the effective timeout policy of the configured model.
func newPoliciesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "Print the effective phase timeouts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			set, err := timeout.FromConfig(cfg.Timeouts)
			if err != nil {
				return err
			}
			policy := set.Select(cfg.Timeouts.Model)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "model %d\n", policy.Model())
			for _, phase := range timeout.Phases {
				t := policy.For(phase)
				fmt.Fprintf(out, "%-14s soft=%-8s hard=%-8s poll=%s\n", phase, t.Soft, t.Hard, t.PollInterval)
			}
			return nil
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "./config/config.yaml" // Default path for local development
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	logger.Printf("configuration loaded successfully from %s", path)
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config, dryRun bool) error {
	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Println("database initialized successfully")
	appStore := store.NewGormStore(gormDB)

	policies, err := timeout.FromConfig(cfg.Timeouts)
	if err != nil {
		return err
	}

	client := cashdevice.NewClient(cfg.CashDevice)
	devices, err := cashdevice.NewDevices(cfg.CashDevice.Devices, client)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return errors.New("no cash devices configured")
	}

	connGuard := guard.New()
	sessionDevices := make([]session.Device, 0, len(devices))
	acceptors := make([]string, 0, len(devices))
	payouts := make([]kiosk.Payout, 0, len(devices))
	for _, d := range devices {
		sessionDevices = append(sessionDevices, session.Device{Acceptor: d, Reconciler: reconcilerFor(d)})
		acceptors = append(acceptors, d.ID())
		payouts = append(payouts, d)
	}

	var signals timeout.SignalReader
	if dryRun || cfg.Gate.SerialPort == "" {
		logger.Println("Warning: using static gate signals, no wash cycle hardware is driven")
		signals = gate.NewStaticSource(map[int]int{
			timeout.GateCheck752.Code(): 0,
			timeout.GateCheck240.Code(): 1,
			timeout.Start214.Code():     cfg.Gate.AutomaticValue,
			timeout.Monitor102.Code():   cfg.Gate.CycleDoneValue,
		})
	} else {
		serialSource := gate.NewSerialSource(cfg.Gate)
		defer serialSource.Close()
		signals = serialSource
	}

	var gatherer prometheus.Gatherer
	if cfg.Server.MetricsEnabled {
		gatherer = prometheus.DefaultGatherer
	}

	deps := kiosk.Deps{
		Signals:     signals,
		Guard:       connGuard,
		Coordinator: session.NewCoordinator(connGuard, sessionDevices),
		Acceptors:   acceptors,
		Payouts:     payouts,
		Refunds:     refund.NewEngine(cfg.Refund.MaxAttempts, cfg.Refund.RetryBackoff),
		Store:       appStore,
		Metrics:     metrics.New(prometheus.DefaultRegisterer),
	}

	var webpushOptions *webpush.Options
	var pool *notification.WorkerPool
	if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" {
		logger.Println("Warning: VAPID keys are not configured, operator alerts are disabled")
	} else {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool = notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, webpushOptions)
		deps.Alerts = pool
	}

	k := kiosk.New(kiosk.Options{
		Policies:      policies,
		Model:         cfg.Timeouts.Model,
		Conditions:    timeout.Conditions{AutomaticValue: cfg.Gate.AutomaticValue, CycleDoneValue: cfg.Gate.CycleDoneValue},
		PollInterval:  cfg.Payment.PollInterval,
		AcceptTimeout: cfg.Payment.AcceptTimeout,
	}, deps)

	router := api.NewRouter(cfg.Server, k, appStore, webpushOptions, gatherer)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	if pool != nil {
		pool.Start(gctx)
	}
	g.Go(func() error {
		return k.Run(gctx)
	})
	g.Go(func() error {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server ListenAndServe: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Println("Shutdown signal received, stopping services...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server Shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Println("Server gracefully stopped")
	return nil
}

// reconcilerFor configures the estimate path with the device's flat unit value.
func reconcilerFor(d *cashdevice.Device) counter.Reconciler {
	if d.Kind() == cashdevice.KindCoin {
		return counter.Reconciler{CoinUnitCents: d.UnitValueCents()}
	}
	return counter.Reconciler{BillUnitCents: d.UnitValueCents()}
}
