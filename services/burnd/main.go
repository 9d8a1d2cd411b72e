package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"burnkeeper/observability"
	"burnkeeper/observability/logging"
	telemetry "burnkeeper/observability/otel"
	"burnkeeper/services/burnd/config"
	"burnkeeper/services/burnd/executor"
	"burnkeeper/services/burnd/ledger"
	"burnkeeper/services/burnd/orchestrator"
	"burnkeeper/services/burnd/projector"
	"burnkeeper/services/burnd/recon"
	"burnkeeper/services/burnd/retry"
	"burnkeeper/services/burnd/scheduler"
	"burnkeeper/services/burnd/server"
	"burnkeeper/services/burnd/storage"
	"burnkeeper/services/burnd/valuation"
	"burnkeeper/services/burnd/venue"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/burnd/config.yaml", "path to burnd configuration file (yaml or toml)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("BURND_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("burnd: load config: %v", err)
	}

	logger := logging.Setup("burnd", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.ConfigFromEnv("burnd", env))
	if err != nil {
		log.Fatalf("burnd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	metrics := observability.Burnd()

	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("burnd: open storage: %v", err)
	}
	store := storage.New(db)
	defer store.Close()

	schedule := make([]storage.MilestoneSeed, 0, len(cfg.Milestones))
	for _, m := range cfg.Milestones {
		schedule = append(schedule, storage.MilestoneSeed{Threshold: m.Threshold, BurnAmount: m.BurnAmount})
	}
	seeded, err := store.SeedMilestones(ctx, schedule, cfg.Token.InitialSupply)
	if err != nil {
		log.Fatalf("burnd: seed milestones: %v", err)
	}
	if seeded > 0 {
		logger.Info("milestone schedule seeded", "count", seeded)
	}

	client, err := ledger.DialEVMClient(cfg.Ledger.Endpoint)
	if err != nil {
		log.Fatalf("burnd: dial ledger: %v", err)
	}
	defer client.Close()

	signers := map[string]string{cfg.Pools.Reserve.Owner: cfg.Pools.Reserve.SignerKey}
	if cfg.Buyback.Enabled {
		signers[cfg.Pools.Operating.Owner] = cfg.Pools.Operating.SignerKey
	}
	gateway, err := ledger.NewEVMGateway(client, ledger.EVMConfig{
		ChainID:     big.NewInt(cfg.Ledger.ChainID),
		Signers:     signers,
		DeadAddress: cfg.Ledger.DeadAddress,
		GasLimit:    cfg.Ledger.GasLimit,
	})
	if err != nil {
		log.Fatalf("burnd: ledger gateway: %v", err)
	}

	exec := executor.New(gateway,
		executor.WithDefaultDecimals(cfg.Token.DefaultDecimals),
		executor.WithMode(ledger.Mode(cfg.Token.BurnMode)),
		executor.WithSettlementTimeout(cfg.Ledger.SettlementTimeout.Duration),
		executor.WithReadTimeout(cfg.Ledger.RequestTimeout.Duration),
		executor.WithLogger(logger),
	)
	controller := retry.New(exec,
		retry.WithBaseDelay(cfg.Retry.BaseDelay.Duration),
		retry.WithMaxAttempts(cfg.Retry.MaxAttempts),
		retry.WithMetrics(metrics),
		retry.WithLogger(logger),
	)

	source, err := valuation.Build(&http.Client{Timeout: cfg.Valuation.RequestTimeout.Duration}, valuation.SourceConfig{
		Type:     cfg.Valuation.Source,
		Endpoint: cfg.Valuation.Endpoint,
		AssetID:  cfg.Valuation.AssetID,
		Currency: cfg.Valuation.Currency,
		Field:    cfg.Valuation.Field,
		APIKey:   cfg.Valuation.APIKey,
	})
	if err != nil {
		log.Fatalf("burnd: valuation source: %v", err)
	}
	feed := valuation.NewFeed(source,
		valuation.WithTTL(cfg.Valuation.TTL.Duration),
		valuation.WithRequestTimeout(cfg.Valuation.RequestTimeout.Duration),
		valuation.WithMetrics(metrics),
		valuation.WithLogger(logger),
	)

	proj := projector.New(store, projector.Genesis{
		TotalSupply:    cfg.Token.InitialSupply,
		ReserveBalance: cfg.Token.InitialReserve,
	}, projector.WithLogger(logger))

	orchOpts := []orchestrator.Option{
		orchestrator.WithValuation(feed),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(logger),
	}
	if cfg.Buyback.Enabled {
		venueClient := venue.NewClient(venue.Config{
			RewardsURL: cfg.Buyback.RewardsEndpoint,
			VenueURL:   cfg.Buyback.VenueEndpoint,
			APIKey:     cfg.Buyback.APIKey,
			Timeout:    cfg.Buyback.RequestTimeout.Duration,
		})
		orchOpts = append(orchOpts, orchestrator.WithBuyback(venueClient, venueClient))
	}
	orch, err := orchestrator.New(store, proj, exec, controller, orchestrator.Config{
		Asset:           cfg.Token.Asset,
		ReserveSigner:   cfg.Pools.Reserve.Owner,
		OperatingSigner: cfg.Pools.Operating.Owner,
		RewardThreshold: cfg.Buyback.RewardThreshold,
		SlippageBps:     cfg.Buyback.SlippageBps,
	}, orchOpts...)
	if err != nil {
		log.Fatalf("burnd: orchestrator: %v", err)
	}
	if cfg.PauseOnStart {
		orch.Pause()
		logger.Warn("orchestrator started paused")
	}

	engine, err := recon.NewEngine(recon.Config{
		Store:        store,
		Recoverer:    orch,
		Valuation:    feed,
		Balances:     exec,
		Projector:    proj,
		Guard:        orch,
		ReserveOwner: cfg.Pools.Reserve.Owner,
		Asset:        cfg.Token.Asset,
		Tolerance:    cfg.Recon.Tolerance,
		StaleAfter:   cfg.Recon.StaleAfter.Duration,
		ReportDir:    cfg.Recon.ReportDir,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("burnd: reconciliation engine: %v", err)
	}

	auth, err := server.NewAuthenticator(server.AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		JWTSecret:   cfg.Admin.JWTSecret,
	})
	if err != nil {
		log.Fatalf("burnd: configure admin auth: %v", err)
	}
	srv, err := server.New(server.Config{
		ListenAddress:     cfg.ListenAddress,
		RequestsPerMinute: cfg.API.RequestsPerMinute,
		Burst:             cfg.API.Burst,
		MaxPageSize:       cfg.API.MaxPageSize,
	}, server.Dependencies{
		Store:      store,
		Projector:  proj,
		Controller: orch,
		Reconciler: engine,
		Valuation:  feed,
		Auth:       auth,
		Metrics:    promhttp.Handler(),
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("burnd: server: %v", err)
	}

	jobs := []scheduler.Job{
		{
			Name:       "milestones",
			Interval:   cfg.Schedule.MilestoneInterval.Duration,
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := orch.RunMilestones(ctx)
				return quiet(err)
			},
		},
		{
			Name:     "reconcile",
			Interval: cfg.Schedule.ReconcileInterval.Duration,
			Run: func(ctx context.Context) error {
				_, err := engine.Run(ctx)
				if errors.Is(err, recon.ErrRunning) {
					return nil
				}
				return err
			},
		},
	}
	if cfg.Buyback.Enabled {
		jobs = append(jobs, scheduler.Job{
			Name:     "buyback",
			Interval: cfg.Schedule.BuybackInterval.Duration,
			Run: func(ctx context.Context) error {
				_, err := orch.RunBuyback(ctx)
				return quiet(err)
			},
		})
	}
	sched := scheduler.New(jobs, scheduler.WithLogger(logger), scheduler.WithMetrics(metrics))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return sched.Run(groupCtx) })
	group.Go(func() error { return srv.Run(groupCtx) })

	logger.Info("burnd started",
		"asset", cfg.Token.Asset,
		"milestones", len(cfg.Milestones),
		"buyback", cfg.Buyback.Enabled,
		"paused", cfg.PauseOnStart,
		"ledger_endpoint", logging.MaskURL(cfg.Ledger.Endpoint),
		logging.MaskField("signer_key", cfg.Pools.Reserve.SignerKey),
		logging.MaskField("bearer_token", cfg.Admin.BearerToken),
	)
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("burnd: %v", err)
	}
	logger.Info("burnd stopped")
}

// quiet drops the errors that only mean a job had nothing to do.
func quiet(err error) error {
	if errors.Is(err, orchestrator.ErrPaused) || errors.Is(err, orchestrator.ErrBuybackDisabled) {
		return nil
	}
	return err
}
