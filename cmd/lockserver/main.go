package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/api"
	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/config"
	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/model"
	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/notify"
	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/obs"
	"github.com/HomebrewDotNET/Sels.Core-sub004/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("LOCKSERVER_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatalf("tracing: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	db, err := storage.Open(ctx, storage.Config{
		Path:         cfg.DB.Path,
		BusyTimeout:  cfg.DB.BusyTimeout,
		MaxOpenConns: cfg.DB.MaxOpenConns,
		MaxIdleConns: cfg.DB.MaxOpenConns,
		Schema: storage.Schema{
			LocksTable:    cfg.DB.LocksTable,
			RequestsTable: cfg.DB.RequestsTable,
		},
	})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()

	notifier, closeNotifier, err := openNotifier(ctx, cfg.Notify)
	if err != nil {
		log.Fatalf("notify: %v", err)
	}
	defer closeNotifier()

	logger := obs.NewLogger()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	svc := model.NewService(storage.NewRepository(db), logger, metrics,
		model.WithNotifier(notifier),
		model.WithPollInterval(cfg.Engine.PollInterval),
		model.WithRenewalMargin(cfg.Engine.RenewalMargin),
	)
	apiServer := api.NewServer(svc, logger)
	sweeper := model.NewSweeper(svc, cfg.Sweeper.Interval, cfg.Sweeper.ReclaimThreshold)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sweeper.Run(gctx) // exits when gctx is cancelled
		return nil
	})

	g.Go(func() error {
		log.Printf("lockserver up addr=%s db=%s notify=%s", cfg.Addr, cfg.DB.Path, cfg.Notify.Backend)
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutdown signal received")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("lockserver error: %v", err)
	}
	log.Printf("lockserver stopped")
}

func openNotifier(ctx context.Context, cfg config.NotifyConfig) (notify.Notifier, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		n, err := notify.NewRedisURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return n, func() { _ = n.Close() }, nil
	case config.BackendNATS:
		n, err := notify.NewNATSURL(cfg.NATSURL)
		if err != nil {
			return nil, nil, err
		}
		return n, func() { _ = n.Close() }, nil
	default:
		return notify.NewInMemory(), func() {}, nil
	}
}
