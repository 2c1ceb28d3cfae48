package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/backfill"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/config"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/indexer"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/parq"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/resolver"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:    "checkout",
		Usage:   "export one identity's jjalcloud gifs from its repo to parquet",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "pds-host",
			Usage:   "host of the PDS or Relay to fetch the repo from (with protocol); resolved from the DID when empty",
			EnvVars: []string{"JJAL_PDS_HOST"},
		},
		&cli.StringFlag{
			Name:    "plc-host",
			Usage:   "PLC directory used to resolve did:plc identities",
			Value:   resolver.DefaultPLCHost,
			EnvVars: []string{"JJAL_PLC_HOST"},
		},
		&cli.StringFlag{
			Name:    "output-dir",
			Usage:   "directory to write <repo-did>.parquet to",
			Value:   "./out",
			EnvVars: []string{"JJAL_OUTPUT_DIR"},
		},
	}
	app.Flags = append(app.Flags, config.LogFlags()...)

	app.ArgsUsage = "<repo-did>"

	app.Action = Checkout

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func Checkout(cctx *cli.Context) error {
	ctx := cctx.Context
	logger := config.NewLogger(cctx)

	did, err := syntax.ParseDID(cctx.Args().First())
	if err != nil {
		return fmt.Errorf("error parsing DID: %w", err)
	}

	var pds backfill.PDSResolver
	if host := cctx.String("pds-host"); host != "" {
		pds = backfill.StaticPDS(strings.TrimRight(host, "/"))
	} else {
		pds = resolver.NewResolver(logger, cctx.String("plc-host"), 10, time.Hour)
	}

	source := backfill.NewCARSource(logger, pds)
	page, err := source.ListRecords(ctx, did.String(), indexer.CollectionGIF, "", 0)
	if err != nil {
		return fmt.Errorf("error reading repo: %w", err)
	}

	now := time.Now().UTC()
	rows := make([]parq.GIFRow, 0, len(page.Records))
	for _, rec := range page.Records {
		rkey := rec.URI[strings.LastIndex(rec.URI, "/")+1:]
		gif, err := indexer.ParseGIF(did.String(), rkey, rec.CID, rec.Value, now)
		if err != nil {
			logger.Warn("skipping invalid gif record", "uri", rec.URI, "err", err)
			continue
		}
		rows = append(rows, parq.FromGIF(gif))
	}

	outputDir, err := filepath.Abs(cctx.String("output-dir"))
	if err != nil {
		return fmt.Errorf("error getting absolute path: %w", err)
	}

	fName := filepath.Join(outputDir, fmt.Sprintf("%s.parquet", did.String()))
	if err := parq.WriteFile(logger, fName, rows); err != nil {
		return err
	}

	logger.Info("checkout complete", "file_path", fName, "records", len(page.Records), "exported", len(rows))

	return nil
}
