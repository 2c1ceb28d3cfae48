package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jjalcloud/jjalcloud-indexer/pkg/backfill"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/batcher"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/config"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/indexer"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/jetstream"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/store"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:    "indexer",
		Usage:   "jjalcloud Jetstream indexer",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "address to serve the admin http server on",
			Value:   ":8080",
			EnvVars: []string{"JJAL_LISTEN_ADDR"},
		},
		&cli.DurationFlag{
			Name:    "liveness-window",
			Usage:   "warn when the cursor has not advanced for this long (0 disables)",
			Value:   5 * time.Minute,
			EnvVars: []string{"JJAL_LIVENESS_WINDOW"},
		},
		&cli.DurationFlag{
			Name:    "reconcile-interval",
			Usage:   "run a full reconciliation against every known repo this often (0 disables)",
			Value:   0,
			EnvVars: []string{"JJAL_RECONCILE_INTERVAL"},
		},
	}
	app.Flags = append(app.Flags, config.LogFlags()...)
	app.Flags = append(app.Flags, config.StoreFlags()...)
	app.Flags = append(app.Flags, config.StreamFlags()...)
	app.Flags = append(app.Flags, config.WriteFlags()...)
	app.Flags = append(app.Flags, config.BackfillFlags()...)

	app.Action = Indexer

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func Indexer(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	logger := config.NewLogger(cctx)
	logger.Info("starting up")

	shutdownTracing, err := config.InstallTracing(ctx, logger, "jjalcloud-indexer")
	if err != nil {
		logger.Error("failed to install tracing", "err", err)
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("failed to shutdown export pipeline", "err", err)
		}
	}()

	st, err := config.OpenStore(ctx, cctx, logger)
	if err != nil {
		logger.Error("failed to open store", "err", err)
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("failed to close store", "err", err)
		}
	}()

	// Writes from the stream go straight to the store or through the batcher
	var writer store.Writer = st
	var b *batcher.Batcher
	writeMode := cctx.String("write-mode")
	switch writeMode {
	case config.WriteModeImmediate:
	case config.WriteModeBatched:
		cfg, err := config.BatcherConfig(cctx)
		if err != nil {
			return err
		}
		b = batcher.New(logger, st, cfg)
		b.Start()
		writer = b
	default:
		return cli.Exit("unknown write mode "+writeMode, 1)
	}

	ix := indexer.New(logger, writer)

	streamCfg, err := config.StreamConfig(cctx)
	if err != nil {
		logger.Error("invalid stream config", "err", err)
		return err
	}

	client, err := jetstream.NewClient(logger, streamCfg, ix.HandleCommit)
	if err != nil {
		logger.Error("failed to create jetstream client", "err", err)
		return err
	}
	if cursor := cctx.Int64("cursor"); cursor > 0 {
		client.SetCursor(cursor)
	}

	var routines []chan struct{}

	if interval := cctx.Duration("reconcile-interval"); interval > 0 {
		source, err := config.NewRecordSource(cctx, logger)
		if err != nil {
			logger.Error("failed to create record source", "err", err)
			return err
		}
		// Reconciliation writes directly to the store
		bf := backfill.New(logger, source, st, indexer.New(logger, st))
		bf.PageSize = cctx.Int("page-size")

		done := make(chan struct{})
		routines = append(routines, done)
		go func() {
			defer close(done)
			runReconciler(ctx, logger, bf, interval)
		}()
	}

	if window := cctx.Duration("liveness-window"); window > 0 {
		done := make(chan struct{})
		routines = append(routines, done)
		go func() {
			defer close(done)
			runLivenessChecker(ctx, logger, client, window)
		}()
	}

	var pending indexer.PendingCounter
	if b != nil {
		pending = b
	}
	api := indexer.NewAPI(client, pending, writeMode)

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace: "jjalcloud_indexer",
		HistogramOptsFunc: func(opts prometheus.HistogramOpts) prometheus.HistogramOpts {
			opts.Buckets = prometheus.ExponentialBuckets(0.00001, 2, 20)
			return opts
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/status", api.HandleGetStatus)
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "jjalcloud indexer")
	})
	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    cctx.String("listen-addr"),
		Handler: e,
	}

	httpServerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("failed to start http server", "err", err)
		}
		close(httpServerShutdown)
	}()

	if err := client.Start(ctx); err != nil {
		logger.Error("failed to start jetstream client", "err", err)
		return err
	}

	// Trap SIGINT to trigger a shutdown.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signals:
		logger.Info("received signal, shutting down")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down, waiting for routines to finish")

	// Stop reading before draining so no write lands after the final flush
	client.Destroy()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if b != nil {
		b.Stop(shutdownCtx)
	}

	cancel()
	for _, done := range routines {
		<-done
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down http server", "err", err)
	}
	<-httpServerShutdown

	logger.Info("shutdown complete", "cursor", client.Cursor())

	return nil
}

func runReconciler(ctx context.Context, logger *slog.Logger, bf *backfill.Backfiller, interval time.Duration) {
	logger = logger.With("source", "reconciler")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down reconciler")
			return
		case <-ticker.C:
			summary, err := bf.Run(ctx, nil)
			if err != nil {
				logger.Error("reconciliation failed", "err", err)
				continue
			}
			logger.Info("reconciliation finished", "identities", summary.Identities, "orphans", summary.Orphans)
		}
	}
}

// runLivenessChecker only warns. The client reconnects on its own.
func runLivenessChecker(ctx context.Context, logger *slog.Logger, client *jetstream.Client, window time.Duration) {
	logger = logger.With("source", "liveness_checker")
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	lastCursor := client.Cursor()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down liveness checker")
			return
		case <-ticker.C:
			cursor := client.Cursor()
			if cursor == lastCursor {
				logger.Warn("no new events in liveness window", "window", window.String(), "cursor", cursor, "state", client.State().String())
				continue
			}
			logger.Debug("received new events, resetting liveness timer", "cursor", cursor)
			lastCursor = cursor
		}
	}
}
