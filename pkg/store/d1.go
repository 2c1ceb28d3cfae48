package store

import (
	"bytes"
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

const DefaultD1BaseURL = "https://api.cloudflare.com/client/v4"

// D1Config holds the remote query API credentials.
type D1Config struct {
	BaseURL    string
	AccountID  string
	DatabaseID string
	APIToken   string
}

// D1 is the remote Store backend. Every call is one POST to the query endpoint
// carrying an array of SQL + params pairs.
type D1 struct {
	logger   *slog.Logger
	endpoint string
	token    string
	client   *retryablehttp.Client
}

type d1Query struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

type d1Request struct {
	Batch []d1Query `json:"batch"`
}

type d1Message struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type d1Result struct {
	Results []map[string]any `json:"results"`
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
}

type d1Response struct {
	Result  []d1Result  `json:"result"`
	Success bool        `json:"success"`
	Errors  []d1Message `json:"errors"`
}

func NewD1(logger *slog.Logger, cfg D1Config) (*D1, error) {
	if cfg.AccountID == "" || cfg.DatabaseID == "" || cfg.APIToken == "" {
		return nil, fmt.Errorf("d1 requires an account id, database id and api token")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultD1BaseURL
	}

	logger = logger.With("component", "store", "backend", "d1")

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	client.HTTPClient = &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	return &D1{
		logger:   logger,
		endpoint: fmt.Sprintf("%s/accounts/%s/d1/database/%s/query", strings.TrimRight(baseURL, "/"), cfg.AccountID, cfg.DatabaseID),
		token:    cfg.APIToken,
		client:   client,
	}, nil
}

// query posts stmts as one batch and returns one result per statement.
func (d *D1) query(ctx context.Context, stmts []Statement) ([]d1Result, error) {
	ctx, span := tracer.Start(ctx, "D1.query")
	defer span.End()

	span.SetAttributes(attribute.Int("statements", len(stmts)))

	body := d1Request{Batch: make([]d1Query, 0, len(stmts))}
	for _, stmt := range stmts {
		params, err := jsonParams(stmt.Args)
		if err != nil {
			return nil, err
		}
		body.Batch = append(body.Batch, d1Query{SQL: stmt.SQL, Params: params})
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "jjalcloud-indexer/0.1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out d1Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || !out.Success {
		msgs := make([]string, 0, len(out.Errors))
		for _, e := range out.Errors {
			msgs = append(msgs, fmt.Sprintf("%d: %s", e.Code, e.Message))
		}
		return nil, fmt.Errorf("query failed (status %d): %s", resp.StatusCode, strings.Join(msgs, "; "))
	}

	for i, res := range out.Result {
		if !res.Success {
			return nil, fmt.Errorf("statement %d failed: %s", i, res.Error)
		}
	}

	return out.Result, nil
}

// jsonParams converts statement args into JSON-friendly values.
func jsonParams(args []any) ([]any, error) {
	params := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case driver.Valuer:
			val, err := v.Value()
			if err != nil {
				return nil, fmt.Errorf("failed to convert param %d: %w", i, err)
			}
			params[i] = val
		case time.Time:
			params[i] = v.UTC().Format(time.RFC3339Nano)
		default:
			params[i] = v
		}
	}
	return params, nil
}

func (d *D1) exec(ctx context.Context, stmt Statement) error {
	_, err := d.query(ctx, []Statement{stmt})
	return err
}

// column collects one string column out of a single-statement result.
func (d *D1) column(ctx context.Context, stmt Statement, name string) ([]string, error) {
	results, err := d.query(ctx, []Statement{stmt})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	out := make([]string, 0, len(results[0].Results))
	for _, row := range results[0].Results {
		if v, ok := row[name].(string); ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (d *D1) Migrate(ctx context.Context) error {
	stmts := make([]Statement, 0, len(schemaSQL))
	for _, sql := range schemaSQL {
		stmts = append(stmts, Statement{SQL: sql})
	}
	if _, err := d.query(ctx, stmts); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (d *D1) UpsertGIF(ctx context.Context, gif *GIF) error {
	if err := d.exec(ctx, UpsertGIFStatement(gif)); err != nil {
		return fmt.Errorf("failed to upsert gif %q: %w", gif.URI, err)
	}
	return nil
}

func (d *D1) DeleteGIF(ctx context.Context, uri string) error {
	if err := d.exec(ctx, DeleteGIFStatement(uri)); err != nil {
		return fmt.Errorf("failed to delete gif %q: %w", uri, err)
	}
	return nil
}

func (d *D1) UpsertLike(ctx context.Context, like *Like) error {
	if err := d.exec(ctx, UpsertLikeStatement(like)); err != nil {
		return fmt.Errorf("failed to upsert like %s/%s: %w", like.Author, like.RKey, err)
	}
	return nil
}

func (d *D1) DeleteLike(ctx context.Context, author, rkey string) error {
	if err := d.exec(ctx, DeleteLikeStatement(author, rkey)); err != nil {
		return fmt.Errorf("failed to delete like %s/%s: %w", author, rkey, err)
	}
	return nil
}

func (d *D1) ListGIFURIs(ctx context.Context, author string) ([]string, error) {
	uris, err := d.column(ctx, Statement{SQL: listGIFURIsSQL, Args: []any{author}}, "uri")
	if err != nil {
		return nil, fmt.Errorf("failed to list gif uris: %w", err)
	}
	return uris, nil
}

func (d *D1) ListLikeRKeys(ctx context.Context, author string) ([]string, error) {
	rkeys, err := d.column(ctx, Statement{SQL: listLikeRKeysSQL, Args: []any{author}}, "r_key")
	if err != nil {
		return nil, fmt.Errorf("failed to list like rkeys: %w", err)
	}
	return rkeys, nil
}

func (d *D1) ListAuthors(ctx context.Context) ([]string, error) {
	authors, err := d.column(ctx, Statement{SQL: listAuthorsSQL}, "author")
	if err != nil {
		return nil, fmt.Errorf("failed to list authors: %w", err)
	}
	return authors, nil
}

func (d *D1) UpsertUser(ctx context.Context, user *User) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	stmt := Statement{SQL: upsertUserSQL, Args: []any{user.DID, user.Handle, user.CreatedAt, user.UpdatedAt}}
	if err := d.exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to upsert user %q: %w", user.DID, err)
	}
	return nil
}

func (d *D1) ListUserDIDs(ctx context.Context) ([]string, error) {
	dids, err := d.column(ctx, Statement{SQL: listUserDIDsSQL}, "did")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return dids, nil
}

func (d *D1) ExecuteBatch(ctx context.Context, stmts []Statement) error {
	if len(stmts) == 0 {
		return nil
	}
	_, err := d.query(ctx, stmts)
	return err
}

func (d *D1) Close() error {
	d.client.HTTPClient.CloseIdleConnections()
	return nil
}
