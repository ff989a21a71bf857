// Package store archives rendered webtoon pages. Each render is written to the
// output directory as <id>.html and indexed in a SQLite table.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

var (
	// ErrNotFound is returned for render IDs that are not in the archive.
	ErrNotFound = errors.New("render not found")
	// ErrInvalidID is returned for IDs that cannot name a file in the output directory.
	ErrInvalidID = errors.New("invalid render id")
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RenderRecord is the index entry of one archived render.
type RenderRecord struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	PanelCount int       `json:"panel_count"`
	Timestamp  string    `json:"timestamp"`
	ETag       string    `json:"etag"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// Summary aggregates the archive.
type Summary struct {
	Renders    int       `json:"renders"`
	Panels     int       `json:"panels"`
	LastRender time.Time `json:"last_render,omitzero"`
}

// SetupSchema creates the renders table if it does not exist.
func SetupSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS renders (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    panel_count INTEGER NOT NULL DEFAULT 0,
    timestamp TEXT NOT NULL DEFAULT '',
    etag TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_renders_created_at ON renders (created_at);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("could not create renders schema: %w", err)
	}
	return nil
}

// ETag returns the strong entity tag for body.
func ETag(body []byte) string {
	return `"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
}

// Store is the render archive. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Store writing files to dir. The schema must already exist.
func New(db *sql.DB, dir string, logger *slog.Logger) *Store {
	return &Store{db: db, dir: dir, logger: logger, now: time.Now}
}

// Path returns the file that holds the render with the given id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+".html")
}

// Save writes body atomically and indexes it. An empty rec.ID gets a new UUID.
// The returned record carries the computed ETag, size and creation time.
func (s *Store) Save(ctx context.Context, rec RenderRecord, body []byte) (RenderRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if !validID.MatchString(rec.ID) {
		return RenderRecord{}, fmt.Errorf("%w: %q", ErrInvalidID, rec.ID)
	}
	rec.ETag = ETag(body)
	rec.SizeBytes = int64(len(body))
	rec.CreatedAt = s.now().UTC().Truncate(time.Millisecond)

	path := s.Path(rec.ID)
	if err := atomic.WriteFile(path, bytes.NewReader(body)); err != nil {
		return RenderRecord{}, fmt.Errorf("write %s: %w", path, err)
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO renders (id, title, panel_count, timestamp, etag, size_bytes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.Title, rec.PanelCount, rec.Timestamp, rec.ETag, rec.SizeBytes, rec.CreatedAt.UnixMilli())
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			s.logger.Warn("failed to remove orphaned render file", "path", path, "error", rmErr)
		}
		return RenderRecord{}, fmt.Errorf("index render: %w", err)
	}

	s.logger.Debug("Saved render", "id", rec.ID, "bytes", rec.SizeBytes)
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (RenderRecord, error) {
	var rec RenderRecord
	var created int64
	if err := row.Scan(&rec.ID, &rec.Title, &rec.PanelCount, &rec.Timestamp, &rec.ETag, &rec.SizeBytes, &created); err != nil {
		return RenderRecord{}, err
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return rec, nil
}

const selectRecord = "SELECT id, title, panel_count, timestamp, etag, size_bytes, created_at FROM renders"

// Get returns the index entry for id.
func (s *Store) Get(ctx context.Context, id string) (RenderRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return RenderRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// List returns up to limit records, newest first. A limit of zero or less returns all.
func (s *Store) List(ctx context.Context, limit int) ([]RenderRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectRecord+" ORDER BY created_at DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]RenderRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Open returns the record and stored HTML of a render.
func (s *Store) Open(ctx context.Context, id string) (RenderRecord, []byte, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return RenderRecord{}, nil, err
	}
	body, err := os.ReadFile(s.Path(rec.ID))
	if errors.Is(err, fs.ErrNotExist) {
		return RenderRecord{}, nil, fmt.Errorf("%w: file for %s is missing", ErrNotFound, id)
	}
	if err != nil {
		return RenderRecord{}, nil, err
	}
	return rec, body, nil
}

// Delete removes a render's index entry and file. The entry is kept when the
// file cannot be removed.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM renders WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if validID.MatchString(id) {
		if err = os.Remove(s.Path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove render file: %w", err)
		}
	}
	return tx.Commit()
}

// Summary returns archive totals.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	var last int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(panel_count), 0), COALESCE(MAX(created_at), 0) FROM renders").
		Scan(&sum.Renders, &sum.Panels, &last)
	if err != nil {
		return Summary{}, err
	}
	if last > 0 {
		sum.LastRender = time.UnixMilli(last).UTC()
	}
	return sum, nil
}
