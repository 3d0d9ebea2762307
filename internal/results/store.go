package results

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/saveenergy/netpulse/internal/logging"
	"github.com/saveenergy/netpulse/pkg/diagnostic"
	"github.com/saveenergy/netpulse/pkg/measure"
)

const (
	defaultRetention = 90 * 24 * time.Hour
	cleanupInterval  = 1 * time.Hour
	idLength         = 8
	idCharset        = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	maxIDRetries     = 5
)

var (
	ErrNotFound       = errors.New("result not found")
	ErrStoreRetryable = errors.New("store busy")
)

// Record is one stored measurement.
type Record struct {
	ID             string    `json:"id"`
	PingMs         float64   `json:"ping_ms"`
	JitterMs       float64   `json:"jitter_ms"`
	DownloadMbps   float64   `json:"download_mbps"`
	UploadMbps     float64   `json:"upload_mbps"`
	ConnectionType string    `json:"connection_type"`
	Grade          string    `json:"grade"`
	ServerURL      string    `json:"server_url"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewRecord flattens a run and its interpretation into a Record.
func NewRecord(r *measure.Result, in *diagnostic.Interpretation, serverURL string) Record {
	rec := Record{ServerURL: serverURL}
	if r != nil {
		rec.PingMs = r.PingMs
		rec.JitterMs = r.JitterMs
		rec.DownloadMbps = r.DownloadMbps
		rec.UploadMbps = r.UploadMbps
		rec.CreatedAt = r.FinishedAt
	}
	if in != nil {
		rec.ConnectionType = in.ConnectionType
		rec.Grade = in.Grade
	}
	return rec
}

// Filter narrows List. Zero fields do not filter.
type Filter struct {
	Since          time.Time
	Until          time.Time
	ConnectionType string
	Limit          int
}

// Options tune retention. Zero values take the defaults.
type Options struct {
	MaxResults int
	Retention  time.Duration
	// DisableCleanupLoop skips the background maintenance goroutine; cleanup
	// still runs once on open.
	DisableCleanupLoop bool
}

type Store struct {
	db         *sql.DB
	maxResults int
	retention  time.Duration
	logger     *logging.Logger
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// Open opens (creating if needed) the sqlite database at dbPath.
func Open(dbPath string, opts Options) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(3)
	db.SetMaxIdleConns(2)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// modernc.org/sqlite requires explicit PRAGMAs (not query-string params)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	retention := opts.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	s := &Store{
		db:         db,
		maxResults: opts.MaxResults,
		retention:  retention,
		logger:     logging.NewLogger("results"),
		stopCh:     make(chan struct{}),
	}

	s.cleanup()

	if !opts.DisableCleanupLoop {
		s.wg.Add(1)
		go s.cleanupLoop()
	}
	return s, nil
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if err := s.db.Close(); err != nil {
			s.logger.Warn("close failed", logging.Field{Key: "error", Value: err})
		}
	})
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS results (
		id TEXT PRIMARY KEY,
		ping_ms REAL NOT NULL,
		jitter_ms REAL NOT NULL,
		download_mbps REAL NOT NULL,
		upload_mbps REAL NOT NULL,
		connection_type TEXT NOT NULL DEFAULT '',
		grade TEXT NOT NULL DEFAULT '',
		server_url TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_results_created_at ON results(created_at)`)
	return err
}

// Save stores r under a fresh ID and returns the stored record. A zero
// CreatedAt is replaced by the current time.
func (s *Store) Save(ctx context.Context, r Record) (Record, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.CreatedAt = r.CreatedAt.UTC().Truncate(time.Millisecond)

	for attempt := 0; attempt < maxIDRetries; attempt++ {
		id, err := generateID()
		if err != nil {
			return Record{}, fmt.Errorf("generate id: %w", err)
		}

		_, err = s.db.ExecContext(ctx,
			`INSERT INTO results (id, ping_ms, jitter_ms, download_mbps, upload_mbps,
				connection_type, grade, server_url, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, r.PingMs, r.JitterMs, r.DownloadMbps, r.UploadMbps,
			r.ConnectionType, r.Grade, r.ServerURL, r.CreatedAt.UnixMilli(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return Record{}, wrapStoreError("insert result", err)
		}
		r.ID = id
		return r, nil
	}
	return Record{}, fmt.Errorf("failed to generate unique ID after %d attempts", maxIDRetries)
}

const selectColumns = `SELECT id, ping_ms, jitter_ms, download_mbps, upload_mbps,
	connection_type, grade, server_url, created_at FROM results`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var r Record
	var createdMs int64
	err := row.Scan(&r.ID, &r.PingMs, &r.JitterMs, &r.DownloadMbps, &r.UploadMbps,
		&r.ConnectionType, &r.Grade, &r.ServerURL, &createdMs)
	if err != nil {
		return Record{}, err
	}
	r.CreatedAt = time.UnixMilli(createdMs).UTC()
	return r, nil
}

// Get returns the record with id or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapStoreError("query result", err)
	}
	return &r, nil
}

// List returns matching records, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	var where []string
	var args []any
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, f.Until.UnixMilli())
	}
	if f.ConnectionType != "" {
		where = append(where, "connection_type = ?")
		args = append(args, f.ConnectionType)
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreError("list results", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError("list results", err)
	}
	return out, nil
}

// Delete removes one record. Missing IDs yield ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE id = ?`, id)
	if err != nil {
		return wrapStoreError("delete result", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes every record and reports how many were deleted.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results`)
	if err != nil {
		return 0, wrapStoreError("clear results", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) cleanup() {
	cutoff := time.Now().UTC().Add(-s.retention).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM results WHERE created_at < ?`, cutoff)
	if err != nil {
		s.logger.Warn("cleanup (age) failed", logging.Field{Key: "error", Value: err})
	} else if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("cleanup: removed expired", logging.Field{Key: "count", Value: n})
	}

	// Trim to max count, keeping newest
	if s.maxResults > 0 {
		res, err = s.db.Exec(
			`DELETE FROM results WHERE id NOT IN (
				SELECT id FROM results ORDER BY created_at DESC LIMIT ?
			)`, s.maxResults)
		if err != nil {
			s.logger.Warn("cleanup (count) failed", logging.Field{Key: "error", Value: err})
		} else if n, _ := res.RowsAffected(); n > 0 {
			s.logger.Info("cleanup: trimmed to max",
				logging.Field{Key: "removed", Value: n},
				logging.Field{Key: "max", Value: s.maxResults})
		}
	}
}

func (s *Store) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

func wrapStoreError(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%s: %w: %v", op, ErrStoreRetryable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func generateID() (string, error) {
	var entropy [idLength]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		return "", err
	}
	b := make([]byte, idLength)
	for i, v := range entropy {
		b[i] = idCharset[int(v)%len(idCharset)]
	}
	return string(b), nil
}
