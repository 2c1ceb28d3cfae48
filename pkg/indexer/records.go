package indexer

import (
	"bytes"
	"fmt"
	"time"

	"github.com/araddon/dateparse"
	"github.com/goccy/go-json"
	"github.com/jjalcloud/jjalcloud-indexer/pkg/store"
)

const (
	CollectionGIF  = "com.jjalcloud.feed.gif"
	CollectionLike = "com.jjalcloud.feed.like"
)

// Collections are the collections this indexer subscribes to and backfills.
var Collections = []string{CollectionGIF, CollectionLike}

// GIFRecord is the com.jjalcloud.feed.gif lexicon.
type GIFRecord struct {
	Type      string          `json:"$type,omitempty"`
	File      json.RawMessage `json:"file"`
	Title     *string         `json:"title,omitempty"`
	Alt       *string         `json:"alt,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Width     *int64          `json:"width,omitempty"`
	Height    *int64          `json:"height,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

// LikeRecord is the com.jjalcloud.feed.like lexicon. Subject is either a
// strong ref or a bare URI.
type LikeRecord struct {
	Subject   json.RawMessage `json:"subject"`
	CreatedAt string          `json:"createdAt"`
}

type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// RecordURI builds the at:// URI for a record.
func RecordURI(did, collection, rkey string) string {
	return fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
}

// ParseGIF maps a raw gif record to its store row.
func ParseGIF(did, rkey, cid string, raw []byte, now time.Time) (*store.GIF, error) {
	var rec GIFRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gif record: %w", err)
	}

	file := bytes.TrimSpace(rec.File)
	if len(file) == 0 || bytes.Equal(file, []byte("null")) {
		return nil, fmt.Errorf("gif record is missing a file")
	}

	return &store.GIF{
		URI:       RecordURI(did, CollectionGIF, rkey),
		CID:       cid,
		Author:    did,
		RKey:      rkey,
		Title:     rec.Title,
		Alt:       rec.Alt,
		Tags:      store.StringList(rec.Tags),
		File:      string(file),
		Width:     rec.Width,
		Height:    rec.Height,
		CreatedAt: parseCreatedAt(rec.CreatedAt, now),
		IndexedAt: now,
	}, nil
}

// ParseLike maps a raw like record to its store row.
func ParseLike(did, rkey string, raw []byte, now time.Time) (*store.Like, error) {
	var rec LikeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal like record: %w", err)
	}

	subject, err := parseSubject(rec.Subject)
	if err != nil {
		return nil, err
	}

	return &store.Like{
		Author:    did,
		RKey:      rkey,
		Subject:   subject,
		CreatedAt: parseCreatedAt(rec.CreatedAt, now),
		IndexedAt: now,
	}, nil
}

func parseSubject(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("like record is missing a subject")
	}

	if raw[0] == '"' {
		var uri string
		if err := json.Unmarshal(raw, &uri); err != nil {
			return "", fmt.Errorf("failed to unmarshal like subject: %w", err)
		}
		if uri == "" {
			return "", fmt.Errorf("like record has an empty subject")
		}
		return uri, nil
	}

	var ref strongRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("failed to unmarshal like subject: %w", err)
	}
	if ref.URI == "" {
		return "", fmt.Errorf("like record has an empty subject")
	}
	return ref.URI, nil
}

// parseCreatedAt falls back to the index time for missing or unparseable timestamps.
func parseCreatedAt(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return fallback
	}
	return t.UTC()
}
