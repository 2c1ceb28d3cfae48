package backfill

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/resolver"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// Record is one entry of a repository listing.
type Record struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// Page is one page of a repository listing. An empty Cursor ends the listing.
type Page struct {
	Records []Record `json:"records"`
	Cursor  string   `json:"cursor,omitempty"`
}

// RecordSource lists the records of one collection in one repository.
type RecordSource interface {
	ListRecords(ctx context.Context, did, collection, cursor string, limit int) (*Page, error)
}

// PDSResolver maps a DID to the base URL of the PDS hosting its repo.
type PDSResolver interface {
	ResolvePDS(ctx context.Context, did string) (string, error)
}

// StaticPDS sends every request to one host, e.g. a relay or a single PDS.
type StaticPDS string

func (s StaticPDS) ResolvePDS(ctx context.Context, did string) (string, error) {
	return string(s), nil
}

type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func newHTTPClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	client.HTTPClient = &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return client
}

// ListRecordsSource pages through com.atproto.repo.listRecords on the
// identity's PDS.
type ListRecordsSource struct {
	logger   *slog.Logger
	resolver PDSResolver
	client   *retryablehttp.Client
	limiter  *rate.Limiter
}

func NewListRecordsSource(logger *slog.Logger, pds PDSResolver, rateLimit float64) *ListRecordsSource {
	return &ListRecordsSource{
		logger:   logger.With("component", "list_records_source"),
		resolver: pds,
		client:   newHTTPClient(),
		limiter:  resolver.NewLimiter(rateLimit),
	}
}

func (s *ListRecordsSource) ListRecords(ctx context.Context, did, collection, cursor string, limit int) (*Page, error) {
	ctx, span := tracer.Start(ctx, "ListRecords")
	defer span.End()

	span.SetAttributes(
		attribute.String("did", did),
		attribute.String("collection", collection),
		attribute.String("cursor", cursor),
	)

	host, err := s.resolver.ResolvePDS(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pds: %w", err)
	}

	q := url.Values{}
	q.Set("repo", did)
	q.Set("collection", collection)
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u := fmt.Sprintf("%s/xrpc/com.atproto.repo.listRecords?%s", host, q.Encode())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "jjalcloud-indexer/0.1.0")

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var xerr xrpcError
		_ = json.Unmarshal(body, &xerr)
		return nil, fmt.Errorf("unexpected response status %d: %s %s", resp.StatusCode, xerr.Error, xerr.Message)
	}

	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode listing: %w", err)
	}

	return &page, nil
}
