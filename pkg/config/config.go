// Package config holds the command line flags shared by the binaries and
// the constructors that turn them into components.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ericvolp12/bsky-experiments/pkg/tracing"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/backfill"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/batcher"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/indexer"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/jetstream"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/resolver"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/store"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
)

const (
	WriteModeImmediate = "immediate"
	WriteModeBatched   = "batched"

	StoreSQLite = "sqlite"
	StoreD1     = "d1"

	SourceList = "list"
	SourceCAR  = "car"
)

func LogFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"JJAL_LOG_LEVEL"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			Value:   false,
			EnvVars: []string{"JJAL_DEBUG"},
		},
	}
}

func StoreFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "store",
			Usage:   "durable store backend (sqlite, d1)",
			Value:   StoreSQLite,
			EnvVars: []string{"JJAL_STORE"},
		},
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "/data/jjalcloud.db",
			EnvVars: []string{"JJAL_SQLITE_PATH"},
		},
		&cli.StringFlag{
			Name:    "d1-account-id",
			Usage:   "account id owning the D1 database",
			EnvVars: []string{"JJAL_D1_ACCOUNT_ID"},
		},
		&cli.StringFlag{
			Name:    "d1-database-id",
			Usage:   "D1 database id",
			EnvVars: []string{"JJAL_D1_DATABASE_ID"},
		},
		&cli.StringFlag{
			Name:    "d1-api-token",
			Usage:   "API token with D1 edit permission",
			EnvVars: []string{"JJAL_D1_API_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "d1-base-url",
			Usage:   "base url of the D1 query API",
			Value:   store.DefaultD1BaseURL,
			EnvVars: []string{"JJAL_D1_BASE_URL"},
		},
		&cli.BoolFlag{
			Name:    "migrate-db",
			Usage:   "create the schema on startup",
			Value:   true,
			EnvVars: []string{"JJAL_MIGRATE_DB"},
		},
	}
}

func StreamFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "jetstream-url",
			Usage:   "full websocket url of the Jetstream subscribe endpoint",
			Value:   jetstream.DefaultConfig().URL,
			EnvVars: []string{"JJAL_JETSTREAM_URL"},
		},
		&cli.BoolFlag{
			Name:    "compress",
			Usage:   "request zstd compressed frames (requires --zstd-dictionary)",
			EnvVars: []string{"JJAL_COMPRESS"},
		},
		&cli.StringFlag{
			Name:    "zstd-dictionary",
			Usage:   "path to the Jetstream zstd dictionary",
			EnvVars: []string{"JJAL_ZSTD_DICTIONARY"},
		},
		&cli.StringSliceFlag{
			Name:    "wanted-dids",
			Usage:   "only receive events from these DIDs",
			EnvVars: []string{"JJAL_WANTED_DIDS"},
		},
		&cli.Int64Flag{
			Name:    "cursor",
			Usage:   "initial cursor in unix microseconds (0 starts live)",
			EnvVars: []string{"JJAL_CURSOR"},
		},
		&cli.DurationFlag{
			Name:    "cursor-margin",
			Usage:   "rewind applied to the cursor when reconnecting",
			Value:   jetstream.DefaultConfig().CursorMargin,
			EnvVars: []string{"JJAL_CURSOR_MARGIN"},
		},
		&cli.DurationFlag{
			Name:    "reconnect-min",
			Usage:   "initial reconnect delay",
			Value:   jetstream.DefaultConfig().ReconnectMin,
			EnvVars: []string{"JJAL_RECONNECT_MIN"},
		},
		&cli.DurationFlag{
			Name:    "reconnect-max",
			Usage:   "maximum reconnect delay",
			Value:   jetstream.DefaultConfig().ReconnectMax,
			EnvVars: []string{"JJAL_RECONNECT_MAX"},
		},
	}
}

func WriteFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "write-mode",
			Usage:   "how stream writes reach the store (immediate, batched)",
			Value:   WriteModeImmediate,
			EnvVars: []string{"JJAL_WRITE_MODE"},
		},
		&cli.IntFlag{
			Name:    "batch-size",
			Usage:   "pending operations that trigger a flush",
			Value:   batcher.DefaultConfig().MaxBatchSize,
			EnvVars: []string{"JJAL_BATCH_SIZE"},
		},
		&cli.DurationFlag{
			Name:    "batch-interval",
			Usage:   "periodic flush interval",
			Value:   batcher.DefaultConfig().FlushInterval,
			EnvVars: []string{"JJAL_BATCH_INTERVAL"},
		},
	}
}

func BackfillFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "source",
			Usage:   "where repository records are read from (list, car)",
			Value:   SourceList,
			EnvVars: []string{"JJAL_SOURCE"},
		},
		&cli.StringFlag{
			Name:    "pds-host",
			Usage:   "send every repo request to this host instead of resolving each DID's PDS",
			EnvVars: []string{"JJAL_PDS_HOST"},
		},
		&cli.StringFlag{
			Name:    "plc-host",
			Usage:   "PLC directory used to resolve did:plc identities",
			Value:   resolver.DefaultPLCHost,
			EnvVars: []string{"JJAL_PLC_HOST"},
		},
		&cli.IntFlag{
			Name:    "page-size",
			Usage:   "records requested per listRecords page",
			Value:   backfill.DefaultPageSize,
			EnvVars: []string{"JJAL_PAGE_SIZE"},
		},
		&cli.Float64Flag{
			Name:    "pds-rate-limit",
			Usage:   "rate limit for PDS and PLC requests in requests per second (0 disables)",
			Value:   10,
			EnvVars: []string{"JJAL_PDS_RATE_LIMIT"},
		},
	}
}

// NewLogger builds the JSON logger and installs it as the default.
func NewLogger(cctx *cli.Context) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cctx.String("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	if cctx.Bool("debug") {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level, AddSource: true}))
	slog.SetDefault(slog.New(logger.Handler()))
	return logger
}

// InstallTracing registers a global tracer provider if the exporter endpoint
// is set. The returned func is never nil.
func InstallTracing(ctx context.Context, logger *slog.Logger, serviceName string) (func(context.Context) error, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func(context.Context) error { return nil }, nil
	}

	logger.Info("registering global tracer provider")
	shutdown, err := tracing.InstallExportPipeline(ctx, serviceName, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to install export pipeline: %w", err)
	}
	return shutdown, nil
}

// OpenStore opens the configured backend and creates the schema when
// --migrate-db is set.
func OpenStore(ctx context.Context, cctx *cli.Context, logger *slog.Logger) (store.Store, error) {
	var st store.Store
	var err error

	switch cctx.String("store") {
	case StoreSQLite:
		st, err = store.NewSQLite(logger, cctx.String("sqlite-path"))
	case StoreD1:
		st, err = store.NewD1(logger, store.D1Config{
			BaseURL:    cctx.String("d1-base-url"),
			AccountID:  cctx.String("d1-account-id"),
			DatabaseID: cctx.String("d1-database-id"),
			APIToken:   cctx.String("d1-api-token"),
		})
	default:
		return nil, fmt.Errorf("unknown store %q", cctx.String("store"))
	}
	if err != nil {
		return nil, err
	}

	if cctx.Bool("migrate-db") {
		logger.Info("migrating database", "store", cctx.String("store"))
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	return st, nil
}

// StreamConfig builds the Jetstream client config, always limited to the
// jjalcloud collections.
func StreamConfig(cctx *cli.Context) (jetstream.Config, error) {
	cfg := jetstream.DefaultConfig()
	cfg.URL = cctx.String("jetstream-url")
	cfg.WantedCollections = indexer.Collections
	cfg.WantedDids = SplitList(cctx.StringSlice("wanted-dids"))
	cfg.CursorMargin = cctx.Duration("cursor-margin")
	cfg.ReconnectMin = cctx.Duration("reconnect-min")
	cfg.ReconnectMax = cctx.Duration("reconnect-max")
	cfg.Compress = cctx.Bool("compress")

	if cfg.Compress {
		path := cctx.String("zstd-dictionary")
		if path == "" {
			return cfg, fmt.Errorf("--zstd-dictionary is required with --compress")
		}
		dict, err := jetstream.LoadDictionary(path)
		if err != nil {
			return cfg, err
		}
		cfg.Dictionary = dict
	}

	return cfg, nil
}

func BatcherConfig(cctx *cli.Context) (batcher.Config, error) {
	cfg := batcher.Config{
		MaxBatchSize:  cctx.Int("batch-size"),
		FlushInterval: cctx.Duration("batch-interval"),
	}
	if cfg.MaxBatchSize <= 0 {
		return cfg, fmt.Errorf("--batch-size must be positive")
	}
	if cfg.FlushInterval <= 0 {
		return cfg, fmt.Errorf("--batch-interval must be positive")
	}
	return cfg, nil
}

// NewRecordSource builds the configured RecordSource. With --pds-host every
// request goes to that host; otherwise each DID's PDS is resolved.
func NewRecordSource(cctx *cli.Context, logger *slog.Logger) (backfill.RecordSource, error) {
	rateLimit := cctx.Float64("pds-rate-limit")

	var pds backfill.PDSResolver
	if host := cctx.String("pds-host"); host != "" {
		pds = backfill.StaticPDS(strings.TrimRight(host, "/"))
	} else {
		pds = resolver.NewResolver(logger, cctx.String("plc-host"), rateLimit, time.Hour)
	}

	switch cctx.String("source") {
	case SourceList:
		return backfill.NewListRecordsSource(logger, pds, rateLimit), nil
	case SourceCAR:
		return backfill.NewCARSource(logger, pds), nil
	default:
		return nil, fmt.Errorf("unknown source %q", cctx.String("source"))
	}
}

// SplitList flattens comma separated values and drops blanks and duplicates.
func SplitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return lo.Uniq(out)
}
