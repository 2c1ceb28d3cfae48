// Package resolver finds the PDS endpoint hosting an identity's repository.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/goccy/go-json"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("resolver")

var (
	ErrNotFound    = errors.New("did not found")
	ErrRateLimited = errors.New("rate limited")
	ErrNoPDS       = errors.New("did document has no pds service")
)

const DefaultPLCHost = "https://plc.directory"

type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

type DIDDocument struct {
	ID          string    `json:"id"`
	AlsoKnownAs []string  `json:"alsoKnownAs"`
	Service     []Service `json:"service"`
}

// PDSEndpoint returns the #atproto_pds service endpoint.
func (d *DIDDocument) PDSEndpoint() (string, error) {
	for _, svc := range d.Service {
		if (svc.ID == "#atproto_pds" || strings.HasSuffix(svc.ID, "#atproto_pds")) && svc.ServiceEndpoint != "" {
			return strings.TrimRight(svc.ServiceEndpoint, "/"), nil
		}
	}
	return "", ErrNoPDS
}

type Resolver struct {
	Logger  *slog.Logger
	PLCHost string
	Client  *http.Client
	Limiter *rate.Limiter

	cache *expirable.LRU[string, string]
}

func NewResolver(logger *slog.Logger, plcHost string, rateLimit float64, cacheTTL time.Duration) *Resolver {
	if plcHost == "" {
		plcHost = DefaultPLCHost
	}

	client := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	return &Resolver{
		Logger:  logger.With("component", "resolver"),
		PLCHost: strings.TrimRight(plcHost, "/"),
		Client:  client,
		Limiter: NewLimiter(rateLimit),
		cache:   expirable.NewLRU[string, string](10_000, nil, cacheTTL),
	}
}

// NewLimiter allows perSecond requests per second. Zero or less disables
// limiting.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// ResolvePDS returns the base URL of the PDS hosting did.
func (r *Resolver) ResolvePDS(ctx context.Context, did string) (string, error) {
	if pds, ok := r.cache.Get(did); ok {
		return pds, nil
	}

	doc, err := r.GetDIDDocument(ctx, did)
	if err != nil {
		return "", err
	}

	pds, err := doc.PDSEndpoint()
	if err != nil {
		return "", fmt.Errorf("failed to resolve pds for %q: %w", did, err)
	}

	r.cache.Add(did, pds)
	return pds, nil
}

// GetDIDDocument fetches the DID document from the PLC directory (did:plc) or
// the host's well-known path (did:web).
func (r *Resolver) GetDIDDocument(ctx context.Context, did string) (*DIDDocument, error) {
	ctx, span := tracer.Start(ctx, "GetDIDDocument")
	defer span.End()

	span.SetAttributes(attribute.String("did", did))

	parsed, err := syntax.ParseDID(did)
	if err != nil {
		return nil, fmt.Errorf("invalid did: %w", err)
	}

	var u string
	switch parsed.Method() {
	case "plc":
		u = fmt.Sprintf("%s/%s", r.PLCHost, did)
	case "web":
		u = fmt.Sprintf("https://%s/.well-known/did.json", parsed.Identifier())
	default:
		return nil, fmt.Errorf("unsupported did method %q", parsed.Method())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "jjalcloud-indexer/0.1.0")

	// Rate limit requests
	if err := r.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, ErrNotFound
	case http.StatusTooManyRequests:
		r.Logger.Warn("rate limited", "did", did)
		return nil, ErrRateLimited
	default:
		return nil, fmt.Errorf("unexpected response status: %s", resp.Status)
	}

	var doc DIDDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode did document: %w", err)
	}

	return &doc, nil
}
