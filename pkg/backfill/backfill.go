// Package backfill reconciles the local store against the authoritative
// repository contents of each known identity.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jjalcloud/jjalcloud-indexer/pkg/indexer"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/store"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("backfill")

// ErrIncompleteListing marks a listing that did not reach its final page.
var ErrIncompleteListing = errors.New("listing incomplete")

const DefaultPageSize = 100

// Applier upserts one remote record through the same parsing path as the
// live stream.
type Applier interface {
	ApplyRecord(ctx context.Context, did, collection, rkey, recCID string, raw []byte) error
}

// Resetter is implemented by sources that cache between calls. The cache is
// cleared around every identity so each reconciliation reads fresh data.
type Resetter interface {
	Reset()
}

// Result is the outcome of reconciling one collection of one identity.
type Result struct {
	DID            string
	Collection     string
	Records        int
	Failed         int
	Skipped        int
	Orphans        int
	CompletedFully bool
}

type Summary struct {
	Identities int
	Records    int
	Failed     int
	Orphans    int
	Skipped    int
}

func (s *Summary) add(r *Result) {
	s.Records += r.Records
	s.Failed += r.Failed
	s.Orphans += r.Orphans
	s.Skipped += r.Skipped
}

type Backfiller struct {
	logger   *slog.Logger
	source   RecordSource
	store    store.Store
	applier  Applier
	PageSize int
}

func New(logger *slog.Logger, source RecordSource, st store.Store, applier Applier) *Backfiller {
	return &Backfiller{
		logger:   logger.With("component", "backfill"),
		source:   source,
		store:    st,
		applier:  applier,
		PageSize: DefaultPageSize,
	}
}

// ResolveIdentities returns every DID known locally: registered users plus
// anyone who authored a stored gif or like.
func (b *Backfiller) ResolveIdentities(ctx context.Context) ([]string, error) {
	users, err := b.store.ListUserDIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	authors, err := b.store.ListAuthors(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list authors: %w", err)
	}

	dids := lo.Uniq(append(users, authors...))
	sort.Strings(dids)
	return dids, nil
}

// Run reconciles each identity in dids, or every locally known identity
// when dids is empty. A failure for one identity does not stop the others.
func (b *Backfiller) Run(ctx context.Context, dids []string) (*Summary, error) {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()

	start := time.Now()

	if len(dids) == 0 {
		var err error
		dids, err = b.ResolveIdentities(ctx)
		if err != nil {
			return nil, err
		}
	}

	summary := &Summary{Identities: len(dids)}
	span.SetAttributes(attribute.Int("identities", len(dids)))

	if len(dids) == 0 {
		b.logger.Info("no identities to backfill")
		return summary, nil
	}

	b.logger.Info("starting backfill", "identities", len(dids))

	for i, did := range dids {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		logger := b.logger.With("did", did, "progress", fmt.Sprintf("%d/%d", i+1, len(dids)))

		results, err := b.ReconcileIdentity(ctx, did)
		for _, r := range results {
			summary.add(r)
		}
		if err != nil {
			identitiesProcessed.WithLabelValues("failed").Inc()
			logger.Error("failed to reconcile identity", "err", err)
			continue
		}
		identitiesProcessed.WithLabelValues("ok").Inc()
		logger.Info("reconciled identity")
	}

	b.logger.Info("backfill complete",
		"identities", summary.Identities,
		"records", summary.Records,
		"failed", summary.Failed,
		"orphans", summary.Orphans,
		"skipped", summary.Skipped,
		"took", time.Since(start).String(),
	)

	return summary, nil
}

// ReconcileIdentity lists both collections for did, upserts what it finds,
// and deletes local rows missing remotely when the listing was complete.
func (b *Backfiller) ReconcileIdentity(ctx context.Context, did string) (results []*Result, err error) {
	ctx, span := tracer.Start(ctx, "ReconcileIdentity")
	defer span.End()
	span.SetAttributes(attribute.String("did", did))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while reconciling %s: %v", did, r)
		}
	}()

	if r, ok := b.source.(Resetter); ok {
		r.Reset()
		defer r.Reset()
	}

	var errs []error
	for _, collection := range indexer.Collections {
		res, remote, err := b.listCollection(ctx, did, collection)
		results = append(results, res)
		if err != nil {
			incompleteListings.WithLabelValues(collection).Inc()
			b.logger.Warn("listing incomplete, skipping orphan cleanup",
				"did", did, "collection", collection, "records", res.Records, "err", err)
			errs = append(errs, err)
			continue
		}

		res.Orphans, err = b.deleteOrphans(ctx, did, collection, remote)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return results, errors.Join(errs...)
}

// listCollection pages through one collection. The returned set holds gif
// URIs or like rkeys, matching what the store lists for the same kind.
func (b *Backfiller) listCollection(ctx context.Context, did, collection string) (*Result, map[string]struct{}, error) {
	res := &Result{DID: did, Collection: collection}
	remote := map[string]struct{}{}

	cursor := ""
	for {
		page, err := b.source.ListRecords(ctx, did, collection, cursor, b.PageSize)
		if err != nil {
			return res, remote, fmt.Errorf("%w: %s: %w", ErrIncompleteListing, collection, err)
		}

		for _, rec := range page.Records {
			rkey := rkeyFromURI(rec.URI)
			if rkey == "" {
				res.Skipped++
				b.logger.Warn("skipping record with malformed uri", "did", did, "collection", collection, "uri", rec.URI)
				continue
			}

			recordsListed.WithLabelValues(collection).Inc()
			res.Records++

			if collection == indexer.CollectionGIF {
				remote[indexer.RecordURI(did, collection, rkey)] = struct{}{}
			} else {
				remote[rkey] = struct{}{}
			}

			if err := b.applier.ApplyRecord(ctx, did, collection, rkey, rec.CID, rec.Value); err != nil {
				res.Failed++
				b.logger.Warn("failed to apply record", "did", did, "uri", rec.URI, "err", err)
			}
		}

		if page.Cursor == "" || len(page.Records) == 0 {
			res.CompletedFully = true
			return res, remote, nil
		}
		if page.Cursor == cursor {
			return res, remote, fmt.Errorf("%w: %s: cursor did not advance", ErrIncompleteListing, collection)
		}
		cursor = page.Cursor
	}
}

func (b *Backfiller) deleteOrphans(ctx context.Context, did, collection string, remote map[string]struct{}) (int, error) {
	var local []string
	var err error
	if collection == indexer.CollectionGIF {
		local, err = b.store.ListGIFURIs(ctx, did)
	} else {
		local, err = b.store.ListLikeRKeys(ctx, did)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list local %s: %w", collection, err)
	}

	orphans, _ := lo.Difference(local, lo.Keys(remote))

	deleted := 0
	for _, key := range orphans {
		if collection == indexer.CollectionGIF {
			err = b.store.DeleteGIF(ctx, key)
		} else {
			err = b.store.DeleteLike(ctx, did, key)
		}
		if err != nil {
			b.logger.Error("failed to delete orphan", "did", did, "collection", collection, "key", key, "err", err)
			continue
		}
		deleted++
		orphansDeleted.WithLabelValues(collection).Inc()
		b.logger.Info("deleted orphan", "did", did, "collection", collection, "key", key)
	}

	return deleted, nil
}

// rkeyFromURI returns the final path segment of an at:// URI, or "" when
// the URI does not have the at://did/collection/rkey shape.
func rkeyFromURI(uri string) string {
	parts := strings.Split(strings.TrimPrefix(uri, "at://"), "/")
	if !strings.HasPrefix(uri, "at://") || len(parts) != 3 {
		return ""
	}
	return parts[2]
}
