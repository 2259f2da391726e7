package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	echopprof "github.com/sevenNt/echo-pprof"

	"github.com/streamtools/streamer.tools/pkg/blob"
	"github.com/streamtools/streamer.tools/pkg/export"
	"github.com/streamtools/streamer.tools/pkg/firehose"
	"github.com/streamtools/streamer.tools/pkg/ingest"
	"github.com/streamtools/streamer.tools/pkg/lease"
	"github.com/streamtools/streamer.tools/pkg/store"
	"github.com/streamtools/streamer.tools/pkg/tasks"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:    "ingest",
		Usage:   "streamer report ingestion and reconciliation service",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Usage:   "port to serve the http server on",
			Value:   8080,
			EnvVars: []string{"ST_PORT"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			Value:   false,
			EnvVars: []string{"ST_DEBUG"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "/data/streamer-tools.db",
			EnvVars: []string{"ST_SQLITE_PATH"},
		},
		&cli.BoolFlag{
			Name:    "migrate-db",
			Usage:   "run database migrations",
			Value:   true,
			EnvVars: []string{"ST_MIGRATE_DB"},
		},
		&cli.DurationFlag{
			Name:    "task-interval",
			Usage:   "poll interval for the background task dispatcher",
			Value:   2 * time.Second,
			EnvVars: []string{"ST_TASK_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "blob-dir",
			Usage:   "local directory for archived report blobs (used when no s3 bucket is set)",
			Value:   "/data/blobs",
			EnvVars: []string{"ST_BLOB_DIR"},
		},
		&cli.StringFlag{
			Name:    "s3-bucket",
			Usage:   "S3 bucket for archived report blobs",
			EnvVars: []string{"ST_S3_BUCKET"},
		},
		&cli.StringFlag{
			Name:    "s3-region",
			Usage:   "S3 region",
			Value:   "us-east-1",
			EnvVars: []string{"ST_S3_REGION"},
		},
		&cli.StringFlag{
			Name:    "s3-endpoint",
			Usage:   "S3 endpoint override for MinIO-compatible stores",
			EnvVars: []string{"ST_S3_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "s3-access-key",
			Usage:   "S3 access key",
			EnvVars: []string{"ST_S3_ACCESS_KEY"},
		},
		&cli.StringFlag{
			Name:    "s3-secret-key",
			Usage:   "S3 secret key",
			EnvVars: []string{"ST_S3_SECRET_KEY"},
		},
		&cli.StringFlag{
			Name:    "bigquery-project-id",
			Usage:   "Google Cloud project ID for the warehouse firehose",
			EnvVars: []string{"ST_BIGQUERY_PROJECT_ID"},
		},
		&cli.StringFlag{
			Name:    "bigquery-dataset",
			Usage:   "BigQuery dataset name",
			EnvVars: []string{"ST_BIGQUERY_DATASET"},
		},
		&cli.StringFlag{
			Name:    "bigquery-table-prefix",
			Usage:   "BigQuery table name prefix",
			Value:   "readings",
			EnvVars: []string{"ST_BIGQUERY_TABLE_PREFIX"},
		},
		&cli.StringFlag{
			Name:    "forward-endpoint",
			Usage:   "secondary cloud report endpoint to forward committed blobs to",
			EnvVars: []string{"ST_FORWARD_ENDPOINT"},
		},
		&cli.StringFlag{
			Name:    "forward-org",
			Usage:   "organization tag attached to forwarded reports",
			EnvVars: []string{"ST_FORWARD_ORG"},
		},
		&cli.StringFlag{
			Name:    "parquet-dir",
			Usage:   "directory for parquet exports",
			Value:   "/data/exports",
			EnvVars: []string{"ST_PARQUET_DIR"},
		},
		&cli.StringFlag{
			Name:    "parquet-prefix",
			Usage:   "file name prefix for parquet exports",
			Value:   "readings",
			EnvVars: []string{"ST_PARQUET_PREFIX"},
		},
	}

	app.Action = Ingest

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Ingest is the main function for the ingestion service
func Ingest(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	// Logging
	logLevel := slog.LevelInfo
	if cctx.Bool("debug") {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))

	logger.Info("starting up")

	// Registers a tracer Provider globally if the exporter endpoint is set
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("registering global tracer provider")
		shutdown, err := installExportPipeline(ctx, "streamer-tools", 1)
		if err != nil {
			logger.Error("failed to install export pipeline", "error", err)
			return err
		}
		defer func() {
			if err := shutdown(ctx); err != nil {
				logger.Error("failed to shutdown export pipeline", "error", err)
			}
		}()
	}

	st, err := store.Open(cctx.String("sqlite-path"), logger, cctx.Bool("migrate-db"))
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return err
	}

	sched, err := tasks.NewScheduler(st.DB())
	if err != nil {
		logger.Error("failed to create task scheduler", "error", err)
		return err
	}

	var blobs blob.Store
	if cctx.String("s3-bucket") != "" {
		logger.Info("s3 bucket set, archiving blobs to s3", "bucket", cctx.String("s3-bucket"))
		blobs, err = blob.NewS3Store(ctx, blob.S3Config{
			Bucket:    cctx.String("s3-bucket"),
			Region:    cctx.String("s3-region"),
			AccessKey: cctx.String("s3-access-key"),
			SecretKey: cctx.String("s3-secret-key"),
			Endpoint:  cctx.String("s3-endpoint"),
		})
	} else {
		blobs, err = blob.NewLocalStore(cctx.String("blob-dir"))
	}
	if err != nil {
		logger.Error("failed to create blob store", "error", err)
		return err
	}

	p := &ingest.Pipeline{
		Store:     st,
		Leases:    lease.NewMemoryProvider(),
		Scheduler: sched,
		Blobs:     blobs,
		Notifier:  &ingest.LogNotifier{Logger: logger},
		Logger:    logger,
	}

	if cctx.String("bigquery-project-id") != "" {
		logger.Info("bigquery project id set, starting warehouse firehose")
		fh, err := firehose.NewFirehose(
			ctx,
			cctx.String("bigquery-project-id"),
			cctx.String("bigquery-dataset"),
			cctx.String("bigquery-table-prefix"),
			logger,
		)
		if err != nil {
			logger.Error("failed to create firehose", "error", err)
			return err
		}
		defer func() {
			if err := fh.Close(); err != nil {
				logger.Error("failed to close firehose", "error", err)
			}
		}()
		p.Sink = fh
	}

	if cctx.String("forward-endpoint") != "" {
		logger.Info("forward endpoint set, forwarding committed reports",
			"endpoint", cctx.String("forward-endpoint"))
		p.Forwarder = ingest.NewForwarder(cctx.String("forward-org"), cctx.String("forward-endpoint"), blobs)
	}

	exporter, err := export.NewExporter(logger, st, cctx.String("parquet-dir"), cctx.String("parquet-prefix"))
	if err != nil {
		logger.Error("failed to create parquet exporter", "error", err)
		return err
	}

	dispatcher := tasks.NewDispatcher(st.DB(), logger, cctx.Duration("task-interval"))
	p.RegisterTaskHandlers(dispatcher)

	// Run the task dispatcher in a goroutine
	dispatcherShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "dispatcher")

		logger.Info("starting task dispatcher")
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatcher returned an error", "error", err)
		}
		logger.Info("dispatcher shut down")
		close(dispatcherShutdown)
	}()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(slogecho.New(logger))
	e.Use(ingest.MetricsMiddleware)
	e.Use(middleware.Recover())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	p.RegisterHandlers(e, exporter.Handler)
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "Streamer Tools")
	})
	echopprof.Wrap(e)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cctx.Int("port")),
		Handler: e,
	}

	// Startup HTTP server
	shutdownHTTPServer := make(chan struct{})
	httpServerShutdown := make(chan struct{})
	go func() {
		logger := logger.With("source", "http_server")

		logger.Info("http server listening on port", "port", cctx.Int("port"))

		go func() {
			if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
				logger.Error("failed to start http server", "error", err)
			}
		}()
		<-shutdownHTTPServer
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down http server", "error", err)
		}
		logger.Info("http server shut down")
		close(httpServerShutdown)
	}()

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
	cancel()
	close(shutdownHTTPServer)

	<-httpServerShutdown
	<-dispatcherShutdown
	logger.Info("shutdown complete")

	return nil
}
