package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bluesky-social/indigo/atproto/data"
	"github.com/bluesky-social/indigo/repo"
	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel/attribute"
)

// CARSource reads records out of a full repository snapshot fetched with
// com.atproto.sync.getRepo. A collection is always returned as one page.
type CARSource struct {
	logger   *slog.Logger
	resolver PDSResolver
	client   *retryablehttp.Client

	// The last fetched repo is kept so both collections of one identity share
	// a download. Reset drops it.
	mu       sync.Mutex
	lastDID  string
	lastRepo *repo.Repo
}

func NewCARSource(logger *slog.Logger, resolver PDSResolver) *CARSource {
	return &CARSource{
		logger:   logger.With("component", "car_source"),
		resolver: resolver,
		client:   newHTTPClient(),
	}
}

// Reset forgets the cached snapshot so the next listing fetches a fresh one.
func (s *CARSource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDID = ""
	s.lastRepo = nil
}

func (s *CARSource) fetchRepo(ctx context.Context, did string) (*repo.Repo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastDID == did && s.lastRepo != nil {
		return s.lastRepo, nil
	}

	ctx, span := tracer.Start(ctx, "FetchRepo")
	defer span.End()
	span.SetAttributes(attribute.String("did", did))

	host, err := s.resolver.ResolvePDS(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pds: %w", err)
	}

	u := fmt.Sprintf("%s/xrpc/com.atproto.sync.getRepo?did=%s", host, url.QueryEscape(did))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.ipld.car")
	req.Header.Set("User-Agent", "jjalcloud-indexer/0.1.0")

	s.logger.Info("fetching repo", "did", did, "url", u)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected response status: %s", resp.Status)
	}

	r, err := repo.ReadRepoFromCar(ctx, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read repo: %w", err)
	}

	s.lastDID = did
	s.lastRepo = r
	return r, nil
}

// ListRecords ignores cursor and limit; the snapshot is returned whole.
func (s *CARSource) ListRecords(ctx context.Context, did, collection, cursor string, limit int) (*Page, error) {
	r, err := s.fetchRepo(ctx, did)
	if err != nil {
		return nil, err
	}

	prefix := collection + "/"
	page := &Page{}

	err = r.ForEach(ctx, prefix, func(path string, nodeCid cid.Cid) error {
		// Keys are sorted, so the first key past the prefix ends the collection
		if !strings.HasPrefix(path, prefix) {
			return repo.ErrDoneIterating
		}

		recordCid, rec, err := r.GetRecordBytes(ctx, path)
		if err != nil {
			s.logger.Warn("failed to get record bytes", "did", did, "path", path, "err", err)
			return nil
		}

		// Verify that the record CID matches the node CID
		if recordCid != nodeCid {
			s.logger.Warn("mismatch in record and node cid", "did", did, "path", path, "record_cid", recordCid, "node_cid", nodeCid)
			return nil
		}

		if rec == nil {
			s.logger.Warn("record not found", "did", did, "path", path)
			return nil
		}

		asCbor, err := data.UnmarshalCBOR(*rec)
		if err != nil {
			s.logger.Warn("failed to unmarshal record from cbor", "did", did, "path", path, "err", err)
			return nil
		}

		recJSON, err := json.Marshal(asCbor)
		if err != nil {
			s.logger.Warn("failed to marshal record to json", "did", did, "path", path, "err", err)
			return nil
		}

		page.Records = append(page.Records, Record{
			URI:   fmt.Sprintf("at://%s/%s", did, path),
			CID:   recordCid.String(),
			Value: recJSON,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk repo: %w", err)
	}

	return page, nil
}
