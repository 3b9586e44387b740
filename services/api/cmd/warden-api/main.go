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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"warden/pkg/bus"
	"warden/pkg/cmdsafety"
	"warden/pkg/db"
	ws3 "warden/pkg/s3"
	"warden/pkg/telemetry"
	"warden/services/api"
	"warden/services/dispatch"
	"warden/services/inventory"
	"warden/services/monitor"
	"warden/services/orchestrator"
)

func main() {
	if err := run("warden-api"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}

	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	orm, err := db.OpenGorm(dsn)
	if err != nil {
		return fmt.Errorf("open gorm: %w", err)
	}

	var eventBus *bus.Bus
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		eventBus, err = bus.Connect(natsURL)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		defer eventBus.Close()
	} else {
		tel.Infof("NATS_URL not set, event publishing disabled")
	}

	var s3Client *ws3.Client
	if os.Getenv("S3_ENDPOINT") != "" {
		s3Client, err = ws3.NewClientFromEnv()
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
	} else {
		tel.Infof("S3_ENDPOINT not set, evidence presigning disabled")
	}

	engine, err := orchestrator.NewEngine(orm, eventBus, tel.Logger)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	dispatcher := dispatch.NewDispatcher(envDuration("ADHOC_WAIT", dispatch.DefaultWait))

	mon, err := monitor.New(orm, eventBus, tel.Logger,
		envDuration("OFFLINE_WINDOW", monitor.DefaultOfflineWindow),
		envDuration("OFFLINE_SWEEP_INTERVAL", monitor.DefaultSweepInterval))
	if err != nil {
		return fmt.Errorf("init monitor: %w", err)
	}

	reaper, err := orchestrator.NewReaper(orm, eventBus, tel.Logger,
		envDuration("STALE_WINDOW", orchestrator.DefaultStaleWindow),
		envDuration("REAP_INTERVAL", orchestrator.DefaultReapInterval))
	if err != nil {
		return fmt.Errorf("init reaper: %w", err)
	}

	go func() {
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			tel.Errorf("offline sweep stopped: %v", err)
		}
	}()
	go func() {
		if err := reaper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			tel.Errorf("stale-run reaper stopped: %v", err)
		}
	}()

	if eventBus != nil {
		ingestor, err := inventory.NewIngestor(pool, eventBus)
		if err != nil {
			return fmt.Errorf("init inventory ingestor: %w", err)
		}
		if err := ingestor.Start(ctx); err != nil {
			return fmt.Errorf("start inventory ingestor: %w", err)
		}
		defer func() { _ = ingestor.Close() }()
	}

	apiLayer, err := api.New(
		&api.Store{DB: pool, ORM: orm, S3: s3Client, Bus: eventBus},
		engine,
		dispatcher,
		mon,
		cmdsafety.New(),
		tel.Logger,
		api.Config{EvidenceBucket: os.Getenv("EVIDENCE_BUCKET")},
	)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}

	routes, err := apiLayer.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", routes)

	server := &http.Server{
		Addr:    envString("LISTEN_ADDR", ":8080"),
		Handler: tel.Middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	tel.Infof("listening on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		tel.Errorf("server failed: %v", err)
		return err
	}

	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
