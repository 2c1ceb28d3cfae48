package jetstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeJetstream accepts websocket subscriptions and plays back scripted frames
// on each connection, then closes it.
type fakeJetstream struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu      sync.Mutex
	queries []url.Values
	// frames[i] is sent on the i-th connection. The last scripted connection
	// and any after it stay open.
	frames [][][]byte
	binary bool
}

func (f *fakeJetstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	f.mu.Lock()
	n := len(f.queries)
	f.queries = append(f.queries, r.URL.Query())
	var frames [][]byte
	if n < len(f.frames) {
		frames = f.frames[n]
	}
	last := n >= len(f.frames)-1
	f.mu.Unlock()

	msgType := websocket.TextMessage
	if f.binary {
		msgType = websocket.BinaryMessage
	}
	for _, frame := range frames {
		if err := conn.WriteMessage(msgType, frame); err != nil {
			return
		}
	}

	if last {
		// Hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func (f *fakeJetstream) connections() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.queries...)
}

func newFakeJetstream(t *testing.T, frames ...[][]byte) (*fakeJetstream, string) {
	f := &fakeJetstream{t: t, frames: frames}
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)
	return f, "ws" + strings.TrimPrefix(server.URL, "http") + "/subscribe"
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(u string) Config {
	cfg := DefaultConfig()
	cfg.URL = u
	cfg.WantedCollections = []string{"com.jjalcloud.feed.gif", "com.jjalcloud.feed.like"}
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	return cfg
}

type recorder struct {
	mu     sync.Mutex
	events []*CommitEvent
	fail   map[string]error
}

func (r *recorder) handle(ctx context.Context, evt *CommitEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	if err, ok := r.fail[evt.RKey]; ok {
		return err
	}
	if evt.RKey == "panic" {
		panic("boom")
	}
	return nil
}

func (r *recorder) rkeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.RKey)
	}
	return out
}

const createFrame = `{"did":"did:plc:abc","time_us":1000,"kind":"commit","commit":{"rev":"r1","operation":"create","collection":"com.jjalcloud.feed.gif","rkey":"xyz","record":{"file":{"$type":"blob"},"createdAt":"2024-01-01T00:00:00Z","title":"cat"},"cid":"bafy1"}}`

func TestClientDeliversCommitsInOrder(t *testing.T) {
	frames := [][]byte{
		[]byte(createFrame),
		[]byte(`{"did":"did:plc:abc","time_us":1500,"kind":"identity","identity":{"did":"did:plc:abc","seq":1,"time":"2024-01-01T00:00:00Z"}}`),
		[]byte(`not json`),
		[]byte(`{"did":"did:plc:abc","time_us":2000,"kind":"commit","commit":{"rev":"r2","operation":"delete","collection":"com.jjalcloud.feed.like","rkey":"lk1"}}`),
		[]byte(`{"did":"did:plc:abc","time_us":2500,"kind":"account","account":{"active":true,"did":"did:plc:abc","seq":2,"time":"2024-01-01T00:00:00Z"}}`),
	}
	_, u := newFakeJetstream(t, frames)

	rec := &recorder{}
	c, err := NewClient(testLogger(), testConfig(u), rec.handle)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Destroy()

	require.Eventually(t, func() bool { return c.Cursor() == 2500 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"xyz", "lk1"}, rec.rkeys())

	first := rec.events[0]
	assert.Equal(t, "at://did:plc:abc/com.jjalcloud.feed.gif/xyz", first.URI())
	assert.Equal(t, CommitOperationCreate, first.Operation)
	assert.Equal(t, "bafy1", first.CID)
	assert.NotNil(t, first.Record)

	second := rec.events[1]
	assert.Equal(t, CommitOperationDelete, second.Operation)
	assert.Nil(t, second.Record)
	assert.Equal(t, StateConnected, c.State())
}

func TestClientSurvivesHandlerFailures(t *testing.T) {
	frames := [][]byte{
		[]byte(`{"did":"did:plc:abc","time_us":1,"kind":"commit","commit":{"operation":"create","collection":"c","rkey":"bad"}}`),
		[]byte(`{"did":"did:plc:abc","time_us":2,"kind":"commit","commit":{"operation":"create","collection":"c","rkey":"panic"}}`),
		[]byte(`{"did":"did:plc:abc","time_us":3,"kind":"commit","commit":{"operation":"create","collection":"c","rkey":"good"}}`),
	}
	f, u := newFakeJetstream(t, frames)

	rec := &recorder{fail: map[string]error{"bad": errors.New("write conflict")}}
	c, err := NewClient(testLogger(), testConfig(u), rec.handle)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Destroy()

	require.Eventually(t, func() bool { return c.Cursor() == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"bad", "panic", "good"}, rec.rkeys())
	assert.Len(t, f.connections(), 1)
}

func TestClientReconnectsWithCursorMargin(t *testing.T) {
	first := [][]byte{
		[]byte(`{"did":"did:plc:abc","time_us":10000000,"kind":"commit","commit":{"operation":"create","collection":"c","rkey":"a"}}`),
	}
	f, u := newFakeJetstream(t, first, nil)

	cfg := testConfig(u)
	cfg.CursorMargin = 2 * time.Second
	cfg.WantedDids = []string{"did:plc:abc", "did:plc:def"}

	rec := &recorder{}
	c, err := NewClient(testLogger(), cfg, rec.handle)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Destroy()

	require.Eventually(t, func() bool { return len(f.connections()) >= 2 }, 5*time.Second, 10*time.Millisecond)

	conns := f.connections()
	assert.Equal(t, "", conns[0].Get("cursor"))
	assert.Equal(t, []string{"com.jjalcloud.feed.gif", "com.jjalcloud.feed.like"}, conns[0]["wantedCollections"])
	assert.Equal(t, []string{"did:plc:abc", "did:plc:def"}, conns[0]["wantedDids"])
	assert.Equal(t, "8000000", conns[1].Get("cursor"))
}

func TestClientDecompressesFrames(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll([]byte(createFrame), nil)
	require.NoError(t, enc.Close())

	f := &fakeJetstream{t: t, frames: [][][]byte{{compressed, []byte("garbage")}}, binary: true}
	server := httptest.NewServer(f)
	defer server.Close()

	cfg := testConfig("ws" + strings.TrimPrefix(server.URL, "http"))
	cfg.Compress = true

	rec := &recorder{}
	c, err := NewClient(testLogger(), cfg, rec.handle)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer c.Destroy()

	require.Eventually(t, func() bool { return len(rec.rkeys()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1000), c.Cursor())
	assert.Equal(t, "true", f.connections()[0].Get("compress"))
}

func TestClientDestroyIsIdempotent(t *testing.T) {
	_, u := newFakeJetstream(t)

	c, err := NewClient(testLogger(), testConfig(u), (&recorder{}).handle)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return c.State() == StateConnected }, 5*time.Second, 10*time.Millisecond)

	c.Destroy()
	c.Destroy()
	assert.Equal(t, StateDestroyed, c.State())
	assert.ErrorIs(t, c.Start(context.Background()), ErrDestroyed)
}

func TestDestroyBeforeStart(t *testing.T) {
	c, err := NewClient(testLogger(), testConfig("ws://127.0.0.1:1/subscribe"), (&recorder{}).handle)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, c.State())
	c.Destroy()
	assert.Equal(t, StateDestroyed, c.State())
}

func TestResumeCursor(t *testing.T) {
	margin := 5 * time.Second
	assert.Equal(t, int64(0), ResumeCursor(0, margin))
	assert.Equal(t, int64(0), ResumeCursor(1_000, margin))
	assert.Equal(t, int64(0), ResumeCursor(5_000_000, margin))
	assert.Equal(t, int64(1), ResumeCursor(5_000_001, margin))
	assert.Equal(t, int64(1_700_000_000_000_000-5_000_000), ResumeCursor(1_700_000_000_000_000, margin))
	assert.Equal(t, int64(42), ResumeCursor(42, -time.Second))
}

func TestCursorKeepsMaximum(t *testing.T) {
	c, err := NewClient(testLogger(), testConfig("ws://127.0.0.1:1/subscribe"), (&recorder{}).handle)
	require.NoError(t, err)

	for _, ts := range []int64{5, 3, 9, 7, 9, 1} {
		c.advanceCursor(ts)
	}
	assert.Equal(t, int64(9), c.Cursor())
}

func TestBuildURLRedactsWantedDids(t *testing.T) {
	cfg := testConfig("wss://jetstream.example/subscribe")
	cfg.WantedDids = []string{"did:plc:secret"}
	c, err := NewClient(testLogger(), cfg, (&recorder{}).handle)
	require.NoError(t, err)
	c.SetCursor(7_000_000)

	full, redacted, err := c.buildURL()
	require.NoError(t, err)
	assert.Contains(t, full, "wantedDids=did%3Aplc%3Asecret")
	assert.NotContains(t, redacted, "secret")
	assert.Contains(t, redacted, "cursor=2000000")
}

func TestNewClientTruncatesWantedDids(t *testing.T) {
	cfg := testConfig("wss://jetstream.example/subscribe")
	cfg.WantedDids = make([]string, MaxWantedDids+5)
	c, err := NewClient(testLogger(), cfg, (&recorder{}).handle)
	require.NoError(t, err)
	assert.Len(t, c.cfg.WantedDids, MaxWantedDids)
}
