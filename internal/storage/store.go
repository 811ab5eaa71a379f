package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Store wraps the SQLite handle that indexes stored media blobs.
type Store struct {
	db *sql.DB
}

// MediaRecord represents a row in the media table.
type MediaRecord struct {
	ID          string
	MessageID   string
	Kind        string
	ContentType string
	SizeBytes   int64
	SHA256      string
	StoragePath string
	CreatedAt   time.Time
}

// ErrMediaExists is returned when a media id is inserted twice.
var ErrMediaExists = errors.New("media already exists")

// NewStore opens the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "livechat.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
		// already in a form sqlite understands
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) (err error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS media (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			storage_path TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS media_message_id ON media(message_id);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// InsertMedia records a stored blob. ErrMediaExists is returned on id conflicts.
func (s *Store) InsertMedia(ctx context.Context, rec MediaRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media(id, message_id, kind, content_type, size_bytes, sha256, storage_path, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.MessageID, rec.Kind, rec.ContentType, rec.SizeBytes, rec.SHA256, rec.StoragePath, rec.CreatedAt.UTC())
	if err != nil && isConstraintError(err) {
		return ErrMediaExists
	}
	return err
}

// GetMedia fetches a record by id. A nil record is returned when it does not exist.
func (s *Store) GetMedia(ctx context.Context, id string) (*MediaRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, kind, content_type, size_bytes, sha256, storage_path, created_at
		FROM media WHERE id = ?`, id)
	var rec MediaRecord
	if err := row.Scan(&rec.ID, &rec.MessageID, &rec.Kind, &rec.ContentType, &rec.SizeBytes, &rec.SHA256, &rec.StoragePath, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// CountByMessageID reports how many blobs were already stored for a client message id.
func (s *Store) CountByMessageID(ctx context.Context, messageID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM media WHERE message_id = ?`, messageID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
