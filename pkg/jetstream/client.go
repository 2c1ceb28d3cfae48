// Package jetstream consumes repository commit events from a Jetstream
// instance over a resumable websocket subscription.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("jetstream")

var ErrDestroyed = errors.New("client destroyed")

// MaxWantedDids is the most wantedDids Jetstream accepts on one subscription.
const MaxWantedDids = 10_000

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Handler processes one commit event. Returned errors are logged by the client.
type Handler func(ctx context.Context, evt *CommitEvent) error

type Config struct {
	URL               string
	WantedCollections []string
	WantedDids        []string

	// Compress requests zstd frames, decoded with Dictionary.
	Compress   bool
	Dictionary []byte

	// CursorMargin is subtracted from the last seen cursor when resuming.
	CursorMargin time.Duration

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	UserAgent string
}

func DefaultConfig() Config {
	return Config{
		URL:          "wss://jetstream2.us-east.bsky.network/subscribe",
		CursorMargin: 5 * time.Second,
		ReconnectMin: 3 * time.Second,
		ReconnectMax: 60 * time.Second,
		UserAgent:    "jjalcloud-indexer/0.1.0",
	}
}

type Client struct {
	cfg          Config
	logger       *slog.Logger
	handler      Handler
	dialer       *websocket.Dialer
	decompressor *Decompressor

	// backoff is only touched by the run loop
	backoff *backoff.ExponentialBackOff

	cursor atomic.Int64
	state  atomic.Int32

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	started   bool
	destroyed bool
	done      chan struct{}
}

func NewClient(logger *slog.Logger, cfg Config, handler Handler) (*Client, error) {
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("failed to parse jetstream url: %w", err)
	}
	if handler == nil {
		return nil, fmt.Errorf("a handler is required")
	}

	logger = logger.With("component", "jetstream")

	if len(cfg.WantedDids) > MaxWantedDids {
		logger.Warn("too many wanted dids, truncating", "wanted_dids", len(cfg.WantedDids), "max", MaxWantedDids)
		cfg.WantedDids = cfg.WantedDids[:MaxWantedDids]
	}
	if cfg.CursorMargin < 0 {
		cfg.CursorMargin = 0
	}

	var dec *Decompressor
	if cfg.Compress {
		var err error
		dec, err = NewDecompressor(cfg.Dictionary)
		if err != nil {
			return nil, err
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectMin
	b.MaxInterval = cfg.ReconnectMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return &Client{
		cfg:          cfg,
		logger:       logger,
		handler:      handler,
		dialer:       websocket.DefaultDialer,
		decompressor: dec,
		backoff:      b,
		done:         make(chan struct{}),
	}, nil
}

// Start begins connecting in the background. Calling Start again is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return ErrDestroyed
	}
	if c.started {
		return nil
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)

	return nil
}

// Destroy stops reconnecting, closes the active connection and waits for the
// run loop to exit. It is safe to call more than once.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	started := c.started
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	if started {
		<-c.done
	}

	if c.decompressor != nil {
		c.decompressor.Close()
	}
	c.state.Store(int32(StateDestroyed))
	connected.Set(0)
	c.logger.Info("jetstream client destroyed", "cursor", c.Cursor())
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// Cursor returns the newest time_us seen, or 0 if nothing has been received.
func (c *Client) Cursor() int64 {
	return c.cursor.Load()
}

// SetCursor seeds the resumption point used by the next connection.
func (c *Client) SetCursor(cursor int64) {
	c.cursor.Store(cursor)
}

// advanceCursor keeps the cursor at the largest time_us observed.
func (c *Client) advanceCursor(timeUS int64) {
	for {
		cur := c.cursor.Load()
		if timeUS <= cur {
			return
		}
		if c.cursor.CompareAndSwap(cur, timeUS) {
			lastEventTime.Set(float64(timeUS))
			return
		}
	}
}

// ResumeCursor is the cursor sent upstream when reconnecting after cursor.
func ResumeCursor(cursor int64, margin time.Duration) int64 {
	if margin < 0 {
		margin = 0
	}
	resume := cursor - margin.Microseconds()
	if resume < 0 {
		return 0
	}
	return resume
}

// buildURL returns the subscription URL and a copy safe to log.
func (c *Client) buildURL() (string, string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse jetstream url: %w", err)
	}

	q := u.Query()
	for _, col := range c.cfg.WantedCollections {
		q.Add("wantedCollections", col)
	}
	if c.cfg.Compress {
		q.Set("compress", "true")
	}
	if cursor := c.cursor.Load(); cursor > 0 {
		q.Set("cursor", strconv.FormatInt(ResumeCursor(cursor, c.cfg.CursorMargin), 10))
	}

	redacted := *u
	redacted.RawQuery = q.Encode()

	for _, did := range c.cfg.WantedDids {
		q.Add("wantedDids", did)
	}
	u.RawQuery = q.Encode()

	return u.String(), redacted.String(), nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		if ctx.Err() != nil {
			return
		}

		c.state.Store(int32(StateConnecting))
		err := c.connectAndRead(ctx)
		connected.Set(0)
		if ctx.Err() != nil {
			return
		}

		delay := c.backoff.NextBackOff()
		c.state.Store(int32(StateReconnecting))
		reconnects.Inc()
		c.logger.Warn("jetstream connection lost, reconnecting", "err", err, "delay", delay.String(), "cursor", c.Cursor())

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Client) connectAndRead(ctx context.Context) error {
	u, redacted, err := c.buildURL()
	if err != nil {
		return err
	}

	c.logger.Info("connecting to jetstream", "url", redacted, "wanted_dids", len(c.cfg.WantedDids))

	conn, _, err := c.dialer.DialContext(ctx, u, http.Header{
		"User-Agent": []string{c.cfg.UserAgent},
	})
	if err != nil {
		return fmt.Errorf("failed to connect to jetstream: %w", err)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		conn.Close()
		return ErrDestroyed
	}
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.state.Store(int32(StateConnected))
	connected.Set(1)
	c.backoff.Reset()
	c.logger.Info("connected to jetstream")

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		c.handleMessage(ctx, msgType, msg)
	}
}

// handleMessage is the error boundary for one message. Nothing it does can
// close the connection.
func (c *Client) handleMessage(ctx context.Context, msgType int, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			messagesFailed.WithLabelValues("panic").Inc()
			c.logger.Error("panic while handling message", "panic", fmt.Sprint(r))
		}
	}()

	if c.cfg.Compress && msgType == websocket.BinaryMessage {
		raw, err := c.decompressor.Decompress(msg)
		if err != nil {
			messagesFailed.WithLabelValues("decompress").Inc()
			c.logger.Warn("dropping message", "err", err)
			return
		}
		msg = raw
	}

	var evt Event
	if err := json.Unmarshal(msg, &evt); err != nil {
		messagesFailed.WithLabelValues("parse").Inc()
		c.logger.Warn("dropping unparseable message", "err", err)
		return
	}

	c.advanceCursor(evt.TimeUS)
	eventsReceived.WithLabelValues(evt.Kind).Inc()

	if evt.Kind != EventKindCommit || evt.Commit == nil {
		return
	}

	commit := evt.commitEvent()

	ctx, span := tracer.Start(ctx, "HandleCommit")
	defer span.End()
	span.SetAttributes(
		attribute.String("did", commit.Did),
		attribute.String("collection", commit.Collection),
		attribute.String("operation", commit.Operation),
		attribute.Int64("time_us", commit.TimeUS),
	)

	start := time.Now()
	err := c.handler(ctx, commit)
	handlerDuration.WithLabelValues(commit.Collection).Observe(time.Since(start).Seconds())
	if err != nil {
		messagesFailed.WithLabelValues("handler").Inc()
		c.logger.Error("failed to handle commit", "err", err, "did", commit.Did, "uri", commit.URI(), "operation", commit.Operation)
	}
}
