package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	slogGorm "github.com/orandin/slog-gorm"
)

// SQLite is the local embedded Store backend.
type SQLite struct {
	logger *slog.Logger
	db     *gorm.DB
}

func NewSQLite(logger *slog.Logger, path string) (*SQLite, error) {
	gormLogger := slogGorm.New()

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if strings.Contains(path, ":memory:") {
		// Every connection to an in-memory database gets its own copy
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	} else {
		// Set pragmas for performance
		if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			return nil, fmt.Errorf("failed to set journal mode: %w", err)
		}
		if err := db.Exec("PRAGMA synchronous=normal;").Error; err != nil {
			return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
		}
	}

	return &SQLite{
		logger: logger.With("component", "store", "backend", "sqlite"),
		db:     db,
	}, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&GIF{}, &Like{}, &User{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (s *SQLite) UpsertGIF(ctx context.Context, gif *GIF) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uri"}},
		UpdateAll: true,
	}).Create(gif).Error
	if err != nil {
		return fmt.Errorf("failed to upsert gif %q: %w", gif.URI, err)
	}
	return nil
}

func (s *SQLite) DeleteGIF(ctx context.Context, uri string) error {
	if err := s.db.WithContext(ctx).Where("uri = ?", uri).Delete(&GIF{}).Error; err != nil {
		return fmt.Errorf("failed to delete gif %q: %w", uri, err)
	}
	return nil
}

func (s *SQLite) UpsertLike(ctx context.Context, like *Like) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "author"}, {Name: "r_key"}},
		UpdateAll: true,
	}).Create(like).Error
	if err != nil {
		return fmt.Errorf("failed to upsert like %s/%s: %w", like.Author, like.RKey, err)
	}
	return nil
}

func (s *SQLite) DeleteLike(ctx context.Context, author, rkey string) error {
	err := s.db.WithContext(ctx).Where("author = ? AND r_key = ?", author, rkey).Delete(&Like{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete like %s/%s: %w", author, rkey, err)
	}
	return nil
}

func (s *SQLite) ListGIFURIs(ctx context.Context, author string) ([]string, error) {
	var uris []string
	if err := s.db.WithContext(ctx).Model(&GIF{}).Where("author = ?", author).Pluck("uri", &uris).Error; err != nil {
		return nil, fmt.Errorf("failed to list gif uris: %w", err)
	}
	return uris, nil
}

func (s *SQLite) ListLikeRKeys(ctx context.Context, author string) ([]string, error) {
	var rkeys []string
	if err := s.db.WithContext(ctx).Model(&Like{}).Where("author = ?", author).Pluck("r_key", &rkeys).Error; err != nil {
		return nil, fmt.Errorf("failed to list like rkeys: %w", err)
	}
	return rkeys, nil
}

func (s *SQLite) ListAuthors(ctx context.Context) ([]string, error) {
	var authors []string
	if err := s.db.WithContext(ctx).Raw(listAuthorsSQL).Scan(&authors).Error; err != nil {
		return nil, fmt.Errorf("failed to list authors: %w", err)
	}
	return authors, nil
}

func (s *SQLite) UpsertUser(ctx context.Context, user *User) error {
	now := time.Now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if err := s.db.WithContext(ctx).Exec(upsertUserSQL, user.DID, user.Handle, user.CreatedAt, user.UpdatedAt).Error; err != nil {
		return fmt.Errorf("failed to upsert user %q: %w", user.DID, err)
	}
	return nil
}

func (s *SQLite) ListUserDIDs(ctx context.Context) ([]string, error) {
	var dids []string
	if err := s.db.WithContext(ctx).Model(&User{}).Pluck("did", &dids).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return dids, nil
}

// ExecuteBatch runs the statements in order inside a single transaction.
func (s *SQLite) ExecuteBatch(ctx context.Context, stmts []Statement) error {
	ctx, span := tracer.Start(ctx, "SQLite.ExecuteBatch")
	defer span.End()

	span.SetAttributes(attribute.Int("statements", len(stmts)))

	if len(stmts) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, stmt := range stmts {
			if err := tx.Exec(stmt.SQL, stmt.Args...).Error; err != nil {
				return fmt.Errorf("statement %d failed: %w", i, err)
			}
		}
		return nil
	})
}

// GetGIF loads one GIF by URI.
func (s *SQLite) GetGIF(ctx context.Context, uri string) (*GIF, error) {
	var gif GIF
	res := s.db.WithContext(ctx).Where("uri = ?", uri).Limit(1).Find(&gif)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to get gif %q: %w", uri, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &gif, nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
