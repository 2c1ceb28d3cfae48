package store

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// GIF is an indexed com.jjalcloud.feed.gif record keyed by its AT-URI.
type GIF struct {
	URI       string `gorm:"primaryKey"`
	CID       string
	Author    string `gorm:"index:idx_gifs_author"`
	RKey      string
	Title     *string
	Alt       *string
	Tags      StringList
	File      string // Raw JSON blob reference
	Width     *int64
	Height    *int64
	CreatedAt time.Time `gorm:"autoCreateTime:false;index:idx_gifs_created_at,sort:desc"`
	IndexedAt time.Time
}

func (GIF) TableName() string { return "gifs" }

// Like is an indexed com.jjalcloud.feed.like record. RKeys are only unique per author.
type Like struct {
	Author    string    `gorm:"primaryKey;index:idx_likes_author"`
	RKey      string    `gorm:"primaryKey"`
	Subject   string    `gorm:"index:idx_likes_subject"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	IndexedAt time.Time
}

func (Like) TableName() string { return "likes" }

// LikeKey identifies a Like row.
type LikeKey struct {
	Author string
	RKey   string
}

// User is an identity that has logged in to the web app at least once.
type User struct {
	DID       string `gorm:"primaryKey"`
	Handle    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (User) TableName() string { return "users" }

// StringList is stored as a JSON array in a text column.
type StringList []string

func (StringList) GormDataType() string { return "text" }

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported type for StringList: %T", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(l))
}
