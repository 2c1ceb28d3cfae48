package store

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeD1 struct {
	mu       sync.Mutex
	requests []d1Request
	respond  func(req d1Request) (int, d1Response)
}

func (f *fakeD1) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer secret" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"errors":[{"code":10000,"message":"Authentication error"}]}`))
		return
	}
	body, _ := io.ReadAll(r.Body)
	var req d1Request
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	status, resp := f.respond(req)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestD1(t *testing.T, f *fakeD1, token string) *D1 {
	t.Helper()

	server := httptest.NewServer(f)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := NewD1(logger, D1Config{
		BaseURL:    server.URL,
		AccountID:  "acct",
		DatabaseID: "db",
		APIToken:   token,
	})
	require.NoError(t, err)
	d.client.RetryMax = 0
	return d
}

func okResult(n int) d1Response {
	res := make([]d1Result, n)
	for i := range res {
		res[i] = d1Result{Success: true}
	}
	return d1Response{Success: true, Result: res}
}

func TestNewD1RequiresCredentials(t *testing.T) {
	_, err := NewD1(slog.Default(), D1Config{AccountID: "acct"})
	require.Error(t, err)
}

func TestD1ExecuteBatchSendsOrderedStatements(t *testing.T) {
	f := &fakeD1{respond: func(req d1Request) (int, d1Response) {
		return http.StatusOK, okResult(len(req.Batch))
	}}
	d := newTestD1(t, f, "secret")

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	title := "cat"
	err := d.ExecuteBatch(context.Background(), []Statement{
		UpsertGIFStatement(&GIF{URI: "at://did:plc:abc/com.jjalcloud.feed.gif/xyz", Title: &title, Tags: StringList{"a"}, CreatedAt: now}),
		DeleteLikeStatement("did:plc:abc", "lk1"),
	})
	require.NoError(t, err)

	require.Len(t, f.requests, 1)
	batch := f.requests[0].Batch
	require.Len(t, batch, 2)
	assert.Equal(t, upsertGIFSQL, batch[0].SQL)
	assert.Equal(t, "at://did:plc:abc/com.jjalcloud.feed.gif/xyz", batch[0].Params[0])
	assert.Equal(t, "cat", batch[0].Params[4])
	assert.Nil(t, batch[0].Params[5])
	assert.Equal(t, `["a"]`, batch[0].Params[6])
	assert.Equal(t, "2024-01-01T00:00:00Z", batch[0].Params[10])
	assert.Equal(t, deleteLikeSQL, batch[1].SQL)
	assert.Equal(t, []any{"did:plc:abc", "lk1"}, batch[1].Params)
}

func TestD1ReportsStatementFailure(t *testing.T) {
	f := &fakeD1{respond: func(req d1Request) (int, d1Response) {
		resp := okResult(len(req.Batch))
		resp.Result[len(req.Batch)-1] = d1Result{Success: false, Error: "UNIQUE constraint failed"}
		return http.StatusOK, resp
	}}
	d := newTestD1(t, f, "secret")

	err := d.DeleteGIF(context.Background(), "at://x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNIQUE constraint failed")
}

func TestD1ReportsAPIErrors(t *testing.T) {
	f := &fakeD1{respond: func(req d1Request) (int, d1Response) {
		return http.StatusOK, okResult(len(req.Batch))
	}}
	d := newTestD1(t, f, "wrong")

	err := d.ExecuteBatch(context.Background(), []Statement{DeleteGIFStatement("at://x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Authentication error")
}

func TestD1ListGIFURIs(t *testing.T) {
	f := &fakeD1{respond: func(req d1Request) (int, d1Response) {
		return http.StatusOK, d1Response{Success: true, Result: []d1Result{{
			Success: true,
			Results: []map[string]any{{"uri": "at://a"}, {"uri": "at://b"}},
		}}}
	}}
	d := newTestD1(t, f, "secret")

	uris, err := d.ListGIFURIs(context.Background(), "did:plc:abc")
	require.NoError(t, err)
	assert.Equal(t, []string{"at://a", "at://b"}, uris)
	assert.Equal(t, listGIFURIsSQL, f.requests[0].Batch[0].SQL)
	assert.Equal(t, []any{"did:plc:abc"}, f.requests[0].Batch[0].Params)
}
