// Package storage defines the persistent store contract for download
// records. The engine never talks SQL directly; it goes through Store,
// and reacts to the coalesced change notifications the store pushes.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/yxl/DownloadProvider/internal/download"
)

// ErrNotFound is returned when a download id has no row.
var ErrNotFound = errors.New("storage: download not found")

// Row is the persisted shape of one download. It carries no runtime
// state; the scheduler merges rows into its in-memory records.
type Row struct {
	ID          int64
	URI         string
	NoIntegrity bool
	Hint        string
	FileName    string
	MimeType    string
	Destination download.Destination
	Visibility  download.Visibility
	Control     download.Control
	Status      download.Status
	NumFailed   int
	RetryAfter  time.Duration
	LastMod     time.Time

	Package string
	Class   string
	Extras  string

	Cookies   string
	UserAgent string
	Referer   string

	TotalBytes   int64
	CurrentBytes int64
	ETag         string

	Deleted bool

	Mode                 download.Mode
	AllowedNetworkTypes  int
	AllowRoaming         bool
	BypassRecommendedLim bool

	Title       string
	Description string

	Headers []download.Header
}

// AttemptResult is the terminal write at the end of one executor run.
type AttemptResult struct {
	Status     download.Status
	FileName   string
	URI        string // non-empty only when a permanent redirect landed
	MimeType   string
	RetryAfter time.Duration
	LastMod    time.Time

	// CountRetry and GotData decide the failure counter: a clean finish
	// resets it to zero, a retry that made forward progress sets it to
	// one, anything else increments it.
	CountRetry bool
	GotData    bool
}

// HeaderInfo is persisted once response headers arrive, before any byte
// of the body is written.
type HeaderInfo struct {
	FileName   string
	MimeType   string
	ETag       string
	TotalBytes int64
}

// Store is the persistent record store. All mutations emit a coalesced
// change notification on Changes.
type Store interface {
	// All returns every row, headers included.
	All(ctx context.Context) ([]Row, error)

	// List returns rows matching a restricted filter expression, which
	// must already have passed ValidateSelection.
	List(ctx context.Context, selection string, args ...any) ([]Row, error)

	// Get returns one row or ErrNotFound.
	Get(ctx context.Context, id int64) (*Row, error)

	// Insert creates a row and returns its assigned id.
	Insert(ctx context.Context, row *Row) (int64, error)

	// UpdateStatus writes only the status field.
	UpdateStatus(ctx context.Context, id int64, status download.Status) error

	// UpdateProgress checkpoints the transferred byte count, optionally
	// fixing the total when it was unknown (total < 0 leaves it alone).
	UpdateProgress(ctx context.Context, id int64, currentBytes, totalBytes int64) error

	// UpdateFromHeaders persists filename, MIME, validator and size
	// learned from the first response.
	UpdateFromHeaders(ctx context.Context, id int64, info HeaderInfo) error

	// FinishAttempt persists the terminal outcome of one executor run.
	FinishAttempt(ctx context.Context, id int64, prevFailed int, res AttemptResult) error

	// SetControl flips the run/pause switch.
	SetControl(ctx context.Context, id int64, control download.Control) error

	// MarkDeleted flags the row for teardown by the scheduler.
	MarkDeleted(ctx context.Context, id int64) error

	// Restart resets progress so the download runs again from scratch.
	Restart(ctx context.Context, id int64) error

	// Purge removes the row permanently.
	Purge(ctx context.Context, id int64) error

	// Trim deletes the oldest completed rows beyond max and returns how
	// many were removed.
	Trim(ctx context.Context, max int) (int, error)

	// Changes delivers one signal per batch of mutations. The channel
	// has a one-slot buffer; concurrent mutations coalesce.
	Changes() <-chan struct{}
}
