// Package sqlite implements the download record store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"
	"github.com/yxl/DownloadProvider/internal/download"
	"github.com/yxl/DownloadProvider/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uri TEXT NOT NULL,
	no_integrity INTEGER NOT NULL DEFAULT 0,
	hint TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT '',
	destination INTEGER NOT NULL DEFAULT 0,
	visibility INTEGER NOT NULL DEFAULT 0,
	control INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 0,
	num_failed INTEGER NOT NULL DEFAULT 0,
	retry_after_ms INTEGER NOT NULL DEFAULT 0,
	last_mod INTEGER NOT NULL DEFAULT 0,
	notify_package TEXT NOT NULL DEFAULT '',
	notify_class TEXT NOT NULL DEFAULT '',
	notify_extras TEXT NOT NULL DEFAULT '',
	cookies TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	referer TEXT NOT NULL DEFAULT '',
	total_bytes INTEGER NOT NULL DEFAULT -1,
	current_bytes INTEGER NOT NULL DEFAULT 0,
	etag TEXT NOT NULL DEFAULT '',
	deleted INTEGER NOT NULL DEFAULT 0,
	mode INTEGER NOT NULL DEFAULT 0,
	allowed_network_types INTEGER NOT NULL DEFAULT 0,
	allow_roaming INTEGER NOT NULL DEFAULT 0,
	bypass_recommended_limit INTEGER NOT NULL DEFAULT 0,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS request_headers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	download_id INTEGER NOT NULL REFERENCES downloads(id) ON DELETE CASCADE,
	header TEXT NOT NULL,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
`

const rowColumns = `id, uri, no_integrity, hint, file_name, mime_type, destination,
	visibility, control, status, num_failed, retry_after_ms, last_mod,
	notify_package, notify_class, notify_extras, cookies, user_agent, referer,
	total_bytes, current_bytes, etag, deleted, mode, allowed_network_types,
	allow_roaming, bypass_recommended_limit, title, description`

// Store is the SQLite-backed persistent record store. Mutations retry on
// SQLITE_BUSY/SQLITE_LOCKED and emit a coalesced change notification.
type Store struct {
	db  *sql.DB
	chg chan struct{}
}

// Open opens (creating if necessary) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:  db,
		chg: make(chan struct{}, 1),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Changes implements storage.Store.
func (s *Store) Changes() <-chan struct{} {
	return s.chg
}

func (s *Store) notify() {
	select {
	case s.chg <- struct{}{}:
	default: // a notification is already pending; coalesce
	}
}

// exec runs a mutation with retry on transient lock errors.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return backoff.Retry(ctx, func() (sql.Result, error) {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if isTransient(err) {
				return nil, err
			}

			return nil, backoff.Permanent(err)
		}

		return res, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
	)
}

func isTransient(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}

	return false
}

// All implements storage.Store.
func (s *Store) All(ctx context.Context) ([]storage.Row, error) {
	return s.query(ctx, `SELECT `+rowColumns+` FROM downloads`)
}

// List implements storage.Store. The selection must have passed
// storage.ValidateSelection; it is re-validated here so the store never
// sees unvetted query text even if a caller forgets.
func (s *Store) List(ctx context.Context, selection string, args ...any) ([]storage.Row, error) {
	if selection == "" {
		return s.All(ctx)
	}

	if err := storage.ValidateSelection(selection, AllowedFilterColumns); err != nil {
		return nil, err
	}

	return s.query(ctx, `SELECT `+rowColumns+` FROM downloads WHERE `+selection, args...)
}

// AllowedFilterColumns is the column set callers may reference in list
// filter expressions.
var AllowedFilterColumns = map[string]bool{
	"id":          true,
	"status":      true,
	"control":     true,
	"visibility":  true,
	"destination": true,
	"mime_type":   true,
	"mode":        true,
	"deleted":     true,
}

// Get implements storage.Store.
func (s *Store) Get(ctx context.Context, id int64) (*storage.Row, error) {
	rows, err := s.query(ctx, `SELECT `+rowColumns+` FROM downloads WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, storage.ErrNotFound
	}

	return &rows[0], nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]storage.Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var out []storage.Row

	for rows.Next() {
		var (
			r          storage.Row
			lastModMS  int64
			retryMS    int64
			noInteg    int
			deleted    int
			allowRoam  int
			bypassSoft int
		)

		err := rows.Scan(
			&r.ID, &r.URI, &noInteg, &r.Hint, &r.FileName, &r.MimeType, &r.Destination,
			&r.Visibility, &r.Control, &r.Status, &r.NumFailed, &retryMS, &lastModMS,
			&r.Package, &r.Class, &r.Extras, &r.Cookies, &r.UserAgent, &r.Referer,
			&r.TotalBytes, &r.CurrentBytes, &r.ETag, &deleted, &r.Mode, &r.AllowedNetworkTypes,
			&allowRoam, &bypassSoft, &r.Title, &r.Description,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download row: %w", err)
		}

		r.NoIntegrity = noInteg != 0
		r.Deleted = deleted != 0
		r.AllowRoaming = allowRoam != 0
		r.BypassRecommendedLim = bypassSoft != 0
		r.RetryAfter = time.Duration(retryMS) * time.Millisecond
		r.LastMod = time.UnixMilli(lastModMS)

		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate download rows: %w", err)
	}

	for i := range out {
		headers, err := s.requestHeaders(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}

		out[i].Headers = headers
	}

	return out, nil
}

func (s *Store) requestHeaders(ctx context.Context, id int64) ([]download.Header, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT header, value FROM request_headers WHERE download_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query request headers: %w", err)
	}
	defer rows.Close()

	var headers []download.Header

	for rows.Next() {
		var h download.Header
		if err := rows.Scan(&h.Name, &h.Value); err != nil {
			return nil, fmt.Errorf("failed to scan request header: %w", err)
		}

		headers = append(headers, h)
	}

	return headers, rows.Err()
}

// Insert implements storage.Store.
func (s *Store) Insert(ctx context.Context, row *storage.Row) (int64, error) {
	lastMod := row.LastMod
	if lastMod.IsZero() {
		lastMod = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin insert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO downloads (
			uri, no_integrity, hint, file_name, mime_type, destination,
			visibility, control, status, num_failed, retry_after_ms, last_mod,
			notify_package, notify_class, notify_extras, cookies, user_agent, referer,
			total_bytes, current_bytes, etag, deleted, mode, allowed_network_types,
			allow_roaming, bypass_recommended_limit, title, description
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.URI, boolInt(row.NoIntegrity), row.Hint, row.FileName, row.MimeType, row.Destination,
		row.Visibility, row.Control, row.Status, row.NumFailed,
		row.RetryAfter.Milliseconds(), lastMod.UnixMilli(),
		row.Package, row.Class, row.Extras, row.Cookies, row.UserAgent, row.Referer,
		row.TotalBytes, row.CurrentBytes, row.ETag, boolInt(row.Deleted), row.Mode,
		row.AllowedNetworkTypes, boolInt(row.AllowRoaming), boolInt(row.BypassRecommendedLim),
		row.Title, row.Description,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert download: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}

	for _, h := range row.Headers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO request_headers (download_id, header, value) VALUES (?, ?, ?)`,
			id, h.Name, h.Value); err != nil {
			return 0, fmt.Errorf("failed to insert request header: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit insert: %w", err)
	}

	s.notify()

	return id, nil
}

// UpdateStatus implements storage.Store.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status download.Status) error {
	if _, err := s.exec(ctx, `UPDATE downloads SET status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	s.notify()

	return nil
}

// UpdateProgress implements storage.Store.
func (s *Store) UpdateProgress(ctx context.Context, id int64, currentBytes, totalBytes int64) error {
	var err error

	if totalBytes >= 0 {
		_, err = s.exec(ctx,
			`UPDATE downloads SET current_bytes = ?, total_bytes = ? WHERE id = ?`,
			currentBytes, totalBytes, id)
	} else {
		_, err = s.exec(ctx,
			`UPDATE downloads SET current_bytes = ? WHERE id = ?`, currentBytes, id)
	}

	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}

	// Progress checkpoints are frequent and the scheduler has nothing to
	// do with them, so no change notification here.
	return nil
}

// UpdateFromHeaders implements storage.Store.
func (s *Store) UpdateFromHeaders(ctx context.Context, id int64, info storage.HeaderInfo) error {
	_, err := s.exec(ctx, `
		UPDATE downloads
		SET file_name = ?, total_bytes = ?,
			mime_type = CASE WHEN ? != '' THEN ? ELSE mime_type END,
			etag = CASE WHEN ? != '' THEN ? ELSE etag END
		WHERE id = ?`,
		info.FileName, info.TotalBytes,
		info.MimeType, info.MimeType,
		info.ETag, info.ETag,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update from headers: %w", err)
	}

	s.notify()

	return nil
}

// FinishAttempt implements storage.Store.
func (s *Store) FinishAttempt(ctx context.Context, id int64, prevFailed int, res storage.AttemptResult) error {
	numFailed := 0

	switch {
	case !res.CountRetry:
		numFailed = 0
	case res.GotData:
		numFailed = 1
	default:
		numFailed = prevFailed + 1
	}

	lastMod := res.LastMod
	if lastMod.IsZero() {
		lastMod = time.Now()
	}

	_, err := s.exec(ctx, `
		UPDATE downloads
		SET status = ?, file_name = ?, mime_type = ?,
			uri = CASE WHEN ? != '' THEN ? ELSE uri END,
			retry_after_ms = ?, num_failed = ?, last_mod = ?
		WHERE id = ?`,
		res.Status, res.FileName, res.MimeType,
		res.URI, res.URI,
		res.RetryAfter.Milliseconds(), numFailed, lastMod.UnixMilli(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt result: %w", err)
	}

	s.notify()

	return nil
}

// SetControl implements storage.Store.
func (s *Store) SetControl(ctx context.Context, id int64, control download.Control) error {
	if _, err := s.exec(ctx, `UPDATE downloads SET control = ? WHERE id = ?`, control, id); err != nil {
		return fmt.Errorf("failed to set control: %w", err)
	}

	s.notify()

	return nil
}

// MarkDeleted implements storage.Store.
func (s *Store) MarkDeleted(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `UPDATE downloads SET deleted = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to mark deleted: %w", err)
	}

	s.notify()

	return nil
}

// Restart implements storage.Store.
func (s *Store) Restart(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `
		UPDATE downloads
		SET status = ?, control = ?, current_bytes = 0, total_bytes = -1,
			num_failed = 0, retry_after_ms = 0, etag = '', file_name = '', last_mod = ?
		WHERE id = ?`,
		download.StatusPending, download.ControlRun, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to restart download: %w", err)
	}

	s.notify()

	return nil
}

// Purge implements storage.Store.
func (s *Store) Purge(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `DELETE FROM downloads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to purge download: %w", err)
	}

	s.notify()

	return nil
}

// Trim implements storage.Store.
func (s *Store) Trim(ctx context.Context, max int) (int, error) {
	var completed int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM downloads WHERE status >= 200`).Scan(&completed); err != nil {
		return 0, fmt.Errorf("failed to count completed downloads: %w", err)
	}

	excess := completed - max
	if excess <= 0 {
		return 0, nil
	}

	res, err := s.exec(ctx, `
		DELETE FROM downloads WHERE id IN (
			SELECT id FROM downloads WHERE status >= 200
			ORDER BY last_mod ASC LIMIT ?
		)`, excess)
	if err != nil {
		return 0, fmt.Errorf("failed to trim downloads: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		s.notify()
	}

	return int(n), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
