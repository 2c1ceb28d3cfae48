// Package parq exports indexed gifs as parquet files.
package parq

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jjalcloud/jjalcloud-indexer/pkg/store"
	"github.com/parquet-go/parquet-go"
)

type GIFRow struct {
	URI       string `parquet:"uri"`
	CID       string `parquet:"cid"`
	Author    string `parquet:"author"`
	RKey      string `parquet:"r_key"`
	Title     string `parquet:"title,optional"`
	Alt       string `parquet:"alt,optional"`
	Tags      string `parquet:"tags"`
	File      string `parquet:"file"`
	Width     int64  `parquet:"width,optional"`
	Height    int64  `parquet:"height,optional"`
	CreatedAt int64  `parquet:"created_at,timestamp(microsecond)"`
	IndexedAt int64  `parquet:"indexed_at,timestamp(microsecond)"`
}

// FromGIF flattens a stored gif. Tags are joined with commas so the column
// can carry a bloom filter.
func FromGIF(g *store.GIF) GIFRow {
	row := GIFRow{
		URI:       g.URI,
		CID:       g.CID,
		Author:    g.Author,
		RKey:      g.RKey,
		Tags:      strings.Join(g.Tags, ","),
		File:      g.File,
		CreatedAt: g.CreatedAt.UnixMicro(),
		IndexedAt: g.IndexedAt.UnixMicro(),
	}
	if g.Title != nil {
		row.Title = *g.Title
	}
	if g.Alt != nil {
		row.Alt = *g.Alt
	}
	if g.Width != nil {
		row.Width = *g.Width
	}
	if g.Height != nil {
		row.Height = *g.Height
	}
	return row
}

// WriteFile writes rows to fName, creating its directory if needed.
func WriteFile(logger *slog.Logger, fName string, rows []GIFRow) error {
	if err := os.MkdirAll(filepath.Dir(fName), 0755); err != nil {
		return fmt.Errorf("failed to create parquet file directory: %w", err)
	}

	filterBits := uint(10)

	logger.Info("writing parquet file", "file_path", fName, "num_records", len(rows))

	err := parquet.WriteFile(fName, rows, parquet.BloomFilters(
		parquet.SplitBlockFilter(filterBits, "author"),
		parquet.SplitBlockFilter(filterBits, "tags"),
		parquet.SplitBlockFilter(filterBits, "cid"),
	))
	if err != nil {
		return fmt.Errorf("failed to write parquet file: %w", err)
	}

	logger.Info("wrote parquet file", "file_path", fName)

	return nil
}

func ReadFile(fName string) ([]GIFRow, error) {
	rows, err := parquet.ReadFile[GIFRow](fName)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet file: %w", err)
	}
	return rows, nil
}
