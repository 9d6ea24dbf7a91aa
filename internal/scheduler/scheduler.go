// Package scheduler owns the authoritative in-memory set of download
// records. It resynchronizes that set against the persistent store,
// decides which records may start a transfer, computes the next wake-up
// for delayed retries, and prunes stale rows and files.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/yxl/DownloadProvider/internal/download"
	"github.com/yxl/DownloadProvider/internal/logctx"
	"github.com/yxl/DownloadProvider/internal/netpolicy"
	"github.com/yxl/DownloadProvider/internal/notify"
	"github.com/yxl/DownloadProvider/internal/storage"
)

// Runner executes the transfer for one record and returns when the
// record has reached a parked or terminal status.
type Runner interface {
	Run(ctx context.Context, rec *download.Record)
}

// Scheduler drives the resynchronization loop. The record map is owned
// exclusively by the loop goroutine; executors only ever touch their own
// record through its locked accessors.
type Scheduler struct {
	store      storage.Store
	oracle     netpolicy.Oracle
	sink       notify.Sink
	runner     Runner
	dataDir    string
	maxRecords int
	onPass     func()

	sem *semaphore.Weighted

	// kick has a one-slot buffer; repeat triggers while a pass is in
	// flight coalesce into a single follow-up pass.
	kick chan struct{}

	records map[int64]*download.Record

	wakeMu sync.Mutex
	wake   *time.Timer

	clock func() time.Time
}

// Config carries the scheduler knobs.
type Config struct {
	// DataDir is the engine-managed storage root swept for files no
	// record references.
	DataDir string

	// MaxConcurrent caps the number of transfer executors running at
	// once.
	MaxConcurrent int

	// MaxRecords bounds the store; oldest completed rows beyond it are
	// trimmed each pass. Zero disables trimming.
	MaxRecords int

	// OnPass, when set, is invoked once per resynchronization pass.
	OnPass func()
}

func New(store storage.Store, oracle netpolicy.Oracle, sink notify.Sink, runner Runner, cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}

	return &Scheduler{
		store:      store,
		oracle:     oracle,
		sink:       sink,
		runner:     runner,
		dataDir:    cfg.DataDir,
		maxRecords: cfg.MaxRecords,
		onPass:     cfg.OnPass,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		kick:       make(chan struct{}, 1),
		records:    make(map[int64]*download.Record),
		clock:      time.Now,
	}
}

// Kick requests a resynchronization pass. Safe from any goroutine;
// requests arriving while a pass runs collapse into one follow-up.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is canceled, executing one pass per kick. Store
// change notifications and the retry wake-up timer both feed kicks.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("scheduler started")

	s.Kick()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down scheduler")

			return ctx.Err()
		case <-s.store.Changes():
			s.Kick()
		case <-s.kick:
			s.pass(ctx)
		}
	}
}

// pass is one full resynchronization: trim, load, sweep, merge, spawn,
// and re-arm the wake-up timer.
func (s *Scheduler) pass(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if s.onPass != nil {
		s.onPass()
	}

	if s.maxRecords > 0 {
		if n, err := s.store.Trim(ctx, s.maxRecords); err != nil {
			logger.Error("failed to trim download store", "err", err)
		} else if n > 0 {
			logger.Info("trimmed old downloads", "removed", n)
		}
	}

	rows, err := s.store.All(ctx)
	if err != nil {
		logger.Error("failed to load downloads", "err", err)

		return
	}

	s.sweepSpuriousFiles(ctx, rows)

	now := s.clock()
	seen := make(map[int64]bool, len(rows))

	var nextWake time.Duration = -1

	for i := range rows {
		row := &rows[i]
		seen[row.ID] = true

		rec, ok := s.records[row.ID]

		if row.Deleted {
			s.teardown(ctx, row.ID, rec, row.FileName, row.Destination)

			continue
		}

		if !ok {
			rec = download.NewRecord(row.ID)
			s.records[row.ID] = rec
		}

		s.mergeRow(rec, row)
		s.maybeStart(ctx, rec, now)

		if d := rec.NextAction(now); d > 0 && (nextWake < 0 || d < nextWake) {
			nextWake = d
		}
	}

	// Rows that vanished without the deleted flag still tear down. A
	// record with a live executor owns its file name; cancel it and let
	// a later pass collect the rest.
	for id, rec := range s.records {
		if !seen[id] {
			if rec.ActiveExecutor() {
				rec.SetStatus(download.StatusCanceled)

				continue
			}

			s.teardown(ctx, id, rec, rec.FileName, rec.Destination)
		}
	}

	s.armWake(nextWake)
}

// mergeRow folds the persisted row into the in-memory record. While an
// executor owns the record only the control switch is forwarded; the
// executor is the sole writer of everything else until it finishes.
func (s *Scheduler) mergeRow(rec *download.Record, row *storage.Row) {
	rec.SetControl(row.Control)

	if rec.ActiveExecutor() {
		return
	}

	hadNotification := rec.HasCompletionNotification()

	rec.URI = row.URI
	rec.NoIntegrity = row.NoIntegrity
	rec.Hint = row.Hint
	rec.FileName = row.FileName
	rec.MimeType = row.MimeType
	rec.Destination = row.Destination
	rec.Visibility = row.Visibility
	rec.NumFailed = row.NumFailed
	rec.RetryAfter = row.RetryAfter
	rec.LastMod = row.LastMod
	rec.Package = row.Package
	rec.Class = row.Class
	rec.Extras = row.Extras
	rec.Cookies = row.Cookies
	rec.UserAgent = row.UserAgent
	rec.Referer = row.Referer
	rec.TotalBytes = row.TotalBytes
	rec.CurrentBytes = row.CurrentBytes
	rec.ETag = row.ETag
	rec.Mode = row.Mode
	rec.AllowedNetworkTypes = row.AllowedNetworkTypes
	rec.AllowRoaming = row.AllowRoaming
	rec.BypassRecommendedLim = row.BypassRecommendedLim
	rec.Title = row.Title
	rec.Description = row.Description
	rec.Headers = row.Headers

	rec.SetStatus(row.Status)

	// Withdrawing visibility from a finished download also withdraws
	// its notification.
	if hadNotification && !rec.HasCompletionNotification() {
		s.sink.CancelNotification(rec.ID)
	}
}

// maybeStart runs the two-phase start: an eligible record is first
// persisted as running, and the store change notification triggers the
// pass that actually claims it and spawns the executor.
func (s *Scheduler) maybeStart(ctx context.Context, rec *download.Record, now time.Time) {
	logger := logctx.LoggerFromContext(ctx)

	if !rec.ReadyToStart(now, s.oracle) {
		return
	}

	if rec.StatusValue() != download.StatusRunning {
		if err := s.store.UpdateStatus(ctx, rec.ID, download.StatusRunning); err != nil {
			logger.Error("failed to mark download running", "download_id", rec.ID, "err", err)

			return
		}

		rec.SetStatus(download.StatusRunning)

		return
	}

	if !rec.ClaimExecutor() {
		return
	}

	go func() {
		defer rec.ReleaseExecutor()

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)

		s.runner.Run(ctx, rec)
		s.Kick()
	}()
}

// teardown removes a record whose row was deleted or vanished. A record
// with a live executor is canceled and collected on a later pass once
// the executor has let go.
func (s *Scheduler) teardown(ctx context.Context, id int64, rec *download.Record, fileName string, dest download.Destination) {
	logger := logctx.LoggerFromContext(ctx)

	if rec != nil && rec.ActiveExecutor() {
		rec.SetStatus(download.StatusCanceled)

		return
	}

	if fileName != "" && dest != download.DestinationExternal {
		if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove download file", "download_id", id, "err", err)
		}
	}

	s.sink.CancelNotification(id)

	if err := s.store.Purge(ctx, id); err != nil && err != storage.ErrNotFound {
		logger.Error("failed to purge download", "download_id", id, "err", err)
	}

	delete(s.records, id)
}

// sweepSpuriousFiles removes files in the managed data directory that no
// record references, typically leftovers of rows trimmed or purged while
// the process was down.
func (s *Scheduler) sweepSpuriousFiles(ctx context.Context, rows []storage.Row) {
	if s.dataDir == "" {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		logger.Warn("failed to scan data directory", "err", err)

		return
	}

	known := make(map[string]bool, len(rows))
	for i := range rows {
		if rows[i].FileName != "" {
			known[rows[i].FileName] = true
		}
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(s.dataDir, entry.Name())
		if known[path] {
			continue
		}

		logger.Info("removing spurious file", "file", path)

		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove spurious file", "file", path, "err", err)
		}
	}
}

// armWake schedules the next timed pass for the closest retry deadline,
// replacing any previously armed timer.
func (s *Scheduler) armWake(d time.Duration) {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()

	if s.wake != nil {
		s.wake.Stop()
		s.wake = nil
	}

	if d <= 0 {
		return
	}

	s.wake = time.AfterFunc(d, s.Kick)
}
