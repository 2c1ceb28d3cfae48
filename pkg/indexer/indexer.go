// Package indexer maps jjalcloud repository changes onto the durable store.
// The same apply path serves the live Jetstream handler and the backfiller.
package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/jetstream"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("indexer")

type Indexer struct {
	logger *slog.Logger
	writer store.Writer
	now    func() time.Time
}

func New(logger *slog.Logger, writer store.Writer) *Indexer {
	return &Indexer{
		logger: logger.With("component", "indexer"),
		writer: writer,
		now:    time.Now,
	}
}

// HandleCommit is a jetstream.Handler.
func (ix *Indexer) HandleCommit(ctx context.Context, evt *jetstream.CommitEvent) error {
	if _, err := syntax.ParseDID(evt.Did); err != nil {
		return fmt.Errorf("invalid did: %w", err)
	}
	if _, err := syntax.ParseNSID(evt.Collection); err != nil {
		return fmt.Errorf("invalid collection: %w", err)
	}
	if _, err := syntax.ParseRecordKey(evt.RKey); err != nil {
		return fmt.Errorf("invalid rkey: %w", err)
	}

	switch evt.Operation {
	case jetstream.CommitOperationCreate, jetstream.CommitOperationUpdate:
		if len(evt.Record) == 0 {
			return fmt.Errorf("%s commit is missing a record", evt.Operation)
		}
		return ix.ApplyRecord(ctx, evt.Did, evt.Collection, evt.RKey, evt.CID, evt.Record)
	case jetstream.CommitOperationDelete:
		return ix.DeleteRecord(ctx, evt.Did, evt.Collection, evt.RKey)
	default:
		return fmt.Errorf("unknown operation %q", evt.Operation)
	}
}

// ApplyRecord upserts one record. Records from other collections are ignored.
func (ix *Indexer) ApplyRecord(ctx context.Context, did, collection, rkey, recCID string, raw []byte) error {
	ctx, span := tracer.Start(ctx, "ApplyRecord")
	defer span.End()

	span.SetAttributes(
		attribute.String("did", did),
		attribute.String("collection", collection),
		attribute.String("rkey", rkey),
	)

	if recCID != "" {
		if _, err := cid.Decode(recCID); err != nil {
			ix.logger.Debug("record has an undecodable cid", "did", did, "collection", collection, "rkey", rkey, "cid", recCID, "err", err)
		}
	}

	now := ix.now().UTC()

	switch collection {
	case CollectionGIF:
		gif, err := ParseGIF(did, rkey, recCID, raw, now)
		if err != nil {
			recordsRejected.WithLabelValues(collection).Inc()
			return err
		}
		if err := ix.writer.UpsertGIF(ctx, gif); err != nil {
			return err
		}
	case CollectionLike:
		like, err := ParseLike(did, rkey, raw, now)
		if err != nil {
			recordsRejected.WithLabelValues(collection).Inc()
			return err
		}
		if err := ix.writer.UpsertLike(ctx, like); err != nil {
			return err
		}
	default:
		ix.logger.Debug("ignoring record from unknown collection", "did", did, "collection", collection)
		return nil
	}

	recordsApplied.WithLabelValues(collection, "upsert").Inc()
	return nil
}

// DeleteRecord removes one record. Deleting a missing record is not an error.
func (ix *Indexer) DeleteRecord(ctx context.Context, did, collection, rkey string) error {
	switch collection {
	case CollectionGIF:
		if err := ix.writer.DeleteGIF(ctx, RecordURI(did, collection, rkey)); err != nil {
			return err
		}
	case CollectionLike:
		if err := ix.writer.DeleteLike(ctx, did, rkey); err != nil {
			return err
		}
	default:
		ix.logger.Debug("ignoring delete from unknown collection", "did", did, "collection", collection)
		return nil
	}

	recordsApplied.WithLabelValues(collection, "delete").Inc()
	return nil
}
