// Package store is the durable index for jjalcloud records. Two backends satisfy
// the same Store interface: a local sqlite file (gorm) and a remote D1-style
// HTTP query proxy.
package store

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("store")

var ErrNotFound = errors.New("not found")

// Statement is one parametrized SQL write.
type Statement struct {
	SQL  string
	Args []any
}

// Writer is the write path shared by the live stream handler and the backfiller.
// A Store writes immediately; the batcher queues and writes later.
type Writer interface {
	UpsertGIF(ctx context.Context, gif *GIF) error
	DeleteGIF(ctx context.Context, uri string) error
	UpsertLike(ctx context.Context, like *Like) error
	DeleteLike(ctx context.Context, author, rkey string) error
}

// Store is the full durable store contract.
type Store interface {
	Writer

	// ListGIFURIs returns the URIs of every GIF stored for author.
	ListGIFURIs(ctx context.Context, author string) ([]string, error)
	// ListLikeRKeys returns the rkeys of every Like stored for author.
	ListLikeRKeys(ctx context.Context, author string) ([]string, error)
	// ListAuthors returns the distinct authors across gifs and likes.
	ListAuthors(ctx context.Context) ([]string, error)

	UpsertUser(ctx context.Context, user *User) error
	ListUserDIDs(ctx context.Context) ([]string, error)

	// ExecuteBatch runs statements in order as one call. Callers must not assume
	// the batch is atomic.
	ExecuteBatch(ctx context.Context, stmts []Statement) error

	Migrate(ctx context.Context) error
	Close() error
}
