package store

// Statement builders shared by the batcher and the remote backend. Both
// backends speak SQLite, so INSERT OR REPLACE is the conflict-replacing write.

const (
	upsertGIFSQL = `INSERT OR REPLACE INTO gifs (uri, cid, author, r_key, title, alt, tags, file, width, height, created_at, indexed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	deleteGIFSQL = `DELETE FROM gifs WHERE uri = ?`

	upsertLikeSQL = `INSERT OR REPLACE INTO likes (author, r_key, subject, created_at, indexed_at) VALUES (?, ?, ?, ?, ?)`
	deleteLikeSQL = `DELETE FROM likes WHERE author = ? AND r_key = ?`

	upsertUserSQL = `INSERT INTO users (did, handle, created_at, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(did) DO UPDATE SET handle = excluded.handle, updated_at = excluded.updated_at`

	listGIFURIsSQL   = `SELECT uri FROM gifs WHERE author = ?`
	listLikeRKeysSQL = `SELECT r_key FROM likes WHERE author = ?`
	listAuthorsSQL   = `SELECT author FROM gifs UNION SELECT author FROM likes`
	listUserDIDsSQL  = `SELECT did FROM users`
)

var schemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS gifs (
		uri TEXT PRIMARY KEY,
		cid TEXT,
		author TEXT,
		r_key TEXT,
		title TEXT,
		alt TEXT,
		tags TEXT,
		file TEXT,
		width INTEGER,
		height INTEGER,
		created_at DATETIME,
		indexed_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gifs_author ON gifs (author)`,
	`CREATE INDEX IF NOT EXISTS idx_gifs_created_at ON gifs (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS likes (
		author TEXT NOT NULL,
		r_key TEXT NOT NULL,
		subject TEXT,
		created_at DATETIME,
		indexed_at DATETIME,
		PRIMARY KEY (author, r_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_likes_author ON likes (author)`,
	`CREATE INDEX IF NOT EXISTS idx_likes_subject ON likes (subject)`,
	`CREATE TABLE IF NOT EXISTS users (
		did TEXT PRIMARY KEY,
		handle TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`,
}

// UpsertGIFStatement replaces the row keyed by gif.URI.
func UpsertGIFStatement(gif *GIF) Statement {
	return Statement{
		SQL: upsertGIFSQL,
		Args: []any{
			gif.URI, gif.CID, gif.Author, gif.RKey, gif.Title, gif.Alt,
			gif.Tags, gif.File, gif.Width, gif.Height, gif.CreatedAt, gif.IndexedAt,
		},
	}
}

func DeleteGIFStatement(uri string) Statement {
	return Statement{SQL: deleteGIFSQL, Args: []any{uri}}
}

// UpsertLikeStatement replaces the row keyed by (author, rkey).
func UpsertLikeStatement(like *Like) Statement {
	return Statement{
		SQL:  upsertLikeSQL,
		Args: []any{like.Author, like.RKey, like.Subject, like.CreatedAt, like.IndexedAt},
	}
}

func DeleteLikeStatement(author, rkey string) Statement {
	return Statement{SQL: deleteLikeSQL, Args: []any{author, rkey}}
}
