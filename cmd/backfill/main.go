package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/backfill"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/config"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/indexer"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:    "backfill",
		Usage:   "reconcile the jjalcloud store against each identity's repo",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "dids",
			Usage:   "only reconcile these DIDs (default: every user and author in the store)",
			EnvVars: []string{"JJAL_DIDS"},
		},
	}
	app.Flags = append(app.Flags, config.LogFlags()...)
	app.Flags = append(app.Flags, config.StoreFlags()...)
	app.Flags = append(app.Flags, config.BackfillFlags()...)

	app.Action = Backfill

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func Backfill(cctx *cli.Context) error {
	ctx, cancel := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := config.NewLogger(cctx)

	shutdownTracing, err := config.InstallTracing(ctx, logger, "jjalcloud-backfill")
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("failed to shutdown export pipeline", "err", err)
		}
	}()

	dids := config.SplitList(cctx.StringSlice("dids"))
	for _, did := range dids {
		if _, err := syntax.ParseDID(did); err != nil {
			return cli.Exit("invalid did "+did+": "+err.Error(), 1)
		}
	}

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

	source, err := config.NewRecordSource(cctx, logger)
	if err != nil {
		return err
	}

	bf := backfill.New(logger, source, st, indexer.New(logger, st))
	bf.PageSize = cctx.Int("page-size")

	summary, err := bf.Run(ctx, dids)
	if err != nil {
		logger.Error("backfill failed", "err", err)
		return err
	}

	if summary.Failed > 0 {
		logger.Warn("some records failed to apply", "failed", summary.Failed)
	}

	return nil
}
