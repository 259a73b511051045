package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goodcitizen/dispatch2/internal/config"
	"github.com/goodcitizen/dispatch2/internal/db"
	"github.com/goodcitizen/dispatch2/internal/dispatch"
	"github.com/goodcitizen/dispatch2/internal/health"
	"github.com/goodcitizen/dispatch2/internal/logging"
	"github.com/goodcitizen/dispatch2/internal/metrics"
	"github.com/goodcitizen/dispatch2/internal/tracing"
)

const stopTimeout = 30 * time.Second

func main() {
	cfg := config.FromEnv()
	ctx := context.Background()

	// Initialize structured logging
	logger := logging.New("dispatch2-daemon")

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "dispatch2-daemon")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// DB connect
	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// Dispatch session: server directory, worker pool, poller
	session, err := dispatch.StartDispatch(ctx, cfg, pool, nil, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to start dispatch session")
	}

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, session.Stats))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	logger.Plain().WithFields(map[string]any{
		"workers":       cfg.Dispatch.NumWorkers,
		"poll_interval": cfg.Dispatch.PollInterval.String(),
	}).Info("dispatcher service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down dispatcher service")
	if err := session.Stop(stopTimeout); err != nil {
		logger.Plain().WithError(err).Warn("dispatch session stop timed out")
	}
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("dispatcher service stopped")
}
