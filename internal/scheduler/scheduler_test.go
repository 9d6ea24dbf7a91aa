package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yxl/DownloadProvider/internal/download"
	"github.com/yxl/DownloadProvider/internal/netpolicy"
	"github.com/yxl/DownloadProvider/internal/notify"
	"github.com/yxl/DownloadProvider/internal/storage"
)

// fakeStore is an in-memory Store sufficient for driving passes.
type fakeStore struct {
	mu     sync.Mutex
	rows   map[int64]*storage.Row
	purged []int64
	ch     chan struct{}
}

func newFakeStore(rows ...*storage.Row) *fakeStore {
	s := &fakeStore{rows: make(map[int64]*storage.Row), ch: make(chan struct{}, 1)}
	for _, r := range rows {
		s.rows[r.ID] = r
	}

	return s
}

func (s *fakeStore) notify() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

func (s *fakeStore) All(context.Context) ([]storage.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.Row, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, *r)
	}

	return out, nil
}

func (s *fakeStore) List(context.Context, string, ...any) ([]storage.Row, error) { return nil, nil }

func (s *fakeStore) Get(_ context.Context, id int64) (*storage.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	cp := *r

	return &cp, nil
}

func (s *fakeStore) Insert(context.Context, *storage.Row) (int64, error) { return 0, nil }

func (s *fakeStore) UpdateStatus(_ context.Context, id int64, status download.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rows[id]; ok {
		r.Status = status
	}

	s.notify()

	return nil
}

func (s *fakeStore) UpdateProgress(context.Context, int64, int64, int64) error { return nil }

func (s *fakeStore) UpdateFromHeaders(context.Context, int64, storage.HeaderInfo) error { return nil }

func (s *fakeStore) FinishAttempt(_ context.Context, id int64, _ int, res storage.AttemptResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rows[id]; ok {
		r.Status = res.Status
		r.LastMod = res.LastMod
	}

	s.notify()

	return nil
}

func (s *fakeStore) SetControl(_ context.Context, id int64, control download.Control) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rows[id]; ok {
		r.Control = control
	}

	s.notify()

	return nil
}

func (s *fakeStore) MarkDeleted(context.Context, int64) error { return nil }
func (s *fakeStore) Restart(context.Context, int64) error     { return nil }

func (s *fakeStore) Purge(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rows, id)
	s.purged = append(s.purged, id)
	s.notify()

	return nil
}

func (s *fakeStore) Trim(context.Context, int) (int, error) { return 0, nil }
func (s *fakeStore) Changes() <-chan struct{}               { return s.ch }

func (s *fakeStore) status(id int64) download.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rows[id]; ok {
		return r.Status
	}

	return download.StatusUninitialized
}

func (s *fakeStore) purgedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int64(nil), s.purged...)
}

// fakeRunner counts runs and flags any overlap, which would break the
// one-executor-per-record invariant.
type fakeRunner struct {
	mu      sync.Mutex
	runs    map[int64]int
	active  map[int64]int
	overlap bool
	onRun   func(rec *download.Record)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{runs: make(map[int64]int), active: make(map[int64]int)}
}

func (r *fakeRunner) Run(_ context.Context, rec *download.Record) {
	r.mu.Lock()
	r.runs[rec.ID]++
	r.active[rec.ID]++

	if r.active[rec.ID] > 1 {
		r.overlap = true
	}
	r.mu.Unlock()

	if r.onRun != nil {
		r.onRun(rec)
	}

	r.mu.Lock()
	r.active[rec.ID]--
	r.mu.Unlock()
}

func (r *fakeRunner) runCount(id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.runs[id]
}

type nopSink struct {
	mu       sync.Mutex
	canceled []int64
}

func (s *nopSink) DownloadCompleted(context.Context, notify.Event) {}
func (s *nopSink) PausedDueToSize(context.Context, int64, bool)    {}

func (s *nopSink) CancelNotification(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.canceled = append(s.canceled, id)
}

func (s *nopSink) canceledIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int64(nil), s.canceled...)
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func pendingRow(id int64) *storage.Row {
	return &storage.Row{
		ID:         id,
		URI:        "http://example.com/file.bin",
		Status:     download.StatusPending,
		TotalBytes: -1,
		LastMod:    time.Now(),
	}
}

func TestSchedulerRunsEligibleDownloadExactlyOnce(t *testing.T) {
	store := newFakeStore(pendingRow(1))
	runner := newFakeRunner()
	sink := &nopSink{}

	finished := make(chan struct{})

	runner.onRun = func(rec *download.Record) {
		store.FinishAttempt(context.Background(), rec.ID, 0,
			storage.AttemptResult{Status: download.StatusSuccess, LastMod: time.Now()})
		rec.SetStatus(download.StatusSuccess)
		close(finished)
	}

	s := New(store, netpolicy.NewStatic(netpolicy.TypeWifi, 0, 0), sink, runner, Config{MaxConcurrent: 4})
	startScheduler(t, s)

	// Hammer the scheduler with concurrent kicks during startup.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			s.Kick()
		}()
	}
	wg.Wait()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never ran")
	}

	require.Eventually(t, func() bool {
		return store.status(1) == download.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, runner.runCount(1))
	assert.False(t, runner.overlap, "two executors ran for the same record")
}

func TestSchedulerScansRecordWhileExecutorUpdatesStatus(t *testing.T) {
	store := newFakeStore(pendingRow(1))
	runner := newFakeRunner()

	started := make(chan struct{})
	finished := make(chan struct{})

	runner.onRun = func(rec *download.Record) {
		close(started)

		// Flip the status the way a live transfer does between attempts
		// while passes keep scanning the record for its next wake-up.
		for i := 0; i < 1000; i++ {
			rec.SetStatus(download.StatusRunning)
			rec.SetStatus(download.StatusWaitingToRetry)
		}

		store.FinishAttempt(context.Background(), rec.ID, 0,
			storage.AttemptResult{Status: download.StatusSuccess, LastMod: time.Now()})
		rec.SetStatus(download.StatusSuccess)
		close(finished)
	}

	s := New(store, netpolicy.NewStatic(netpolicy.TypeWifi, 0, 0), &nopSink{}, runner, Config{MaxConcurrent: 1})
	startScheduler(t, s)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}

	// Each kick drives a pass whose eligibility and wake-up scans read
	// the status concurrently with the writes above; the race detector
	// flags any unlocked read.
	for i := 0; i < 200; i++ {
		s.Kick()
	}

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never finished")
	}

	require.Eventually(t, func() bool {
		return store.status(1) == download.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, runner.runCount(1))
}

func TestSchedulerTwoPhaseStartPersistsRunningFirst(t *testing.T) {
	store := newFakeStore(pendingRow(1))
	runner := newFakeRunner()

	started := make(chan struct{})
	release := make(chan struct{})

	runner.onRun = func(rec *download.Record) {
		close(started)
		<-release
		store.FinishAttempt(context.Background(), rec.ID, 0,
			storage.AttemptResult{Status: download.StatusSuccess, LastMod: time.Now()})
		rec.SetStatus(download.StatusSuccess)
	}

	s := New(store, netpolicy.NewStatic(netpolicy.TypeWifi, 0, 0), &nopSink{}, runner, Config{MaxConcurrent: 1})
	startScheduler(t, s)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}

	// The running status was durably recorded before the spawn.
	assert.Equal(t, download.StatusRunning, store.status(1))

	close(release)
}

func TestSchedulerForwardsPauseToActiveExecutor(t *testing.T) {
	store := newFakeStore(pendingRow(1))
	runner := newFakeRunner()

	started := make(chan struct{})
	paused := make(chan struct{})

	runner.onRun = func(rec *download.Record) {
		close(started)

		for rec.ControlValue() != download.ControlPaused {
			time.Sleep(5 * time.Millisecond)
		}

		store.UpdateStatus(context.Background(), rec.ID, download.StatusPausedByApp)
		rec.SetStatus(download.StatusPausedByApp)
		close(paused)
	}

	s := New(store, netpolicy.NewStatic(netpolicy.TypeWifi, 0, 0), &nopSink{}, runner, Config{MaxConcurrent: 1})
	startScheduler(t, s)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}

	require.NoError(t, store.SetControl(context.Background(), 1, download.ControlPaused))

	select {
	case <-paused:
	case <-time.After(5 * time.Second):
		t.Fatal("pause never reached the executor")
	}

	assert.Equal(t, 1, runner.runCount(1))
}

func TestSchedulerPurgesDeletedRows(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "half.bin")
	require.NoError(t, os.WriteFile(file, []byte("partial"), 0o600))

	row := pendingRow(1)
	row.Deleted = true
	row.FileName = file

	store := newFakeStore(row)
	sink := &nopSink{}

	s := New(store, netpolicy.NewStatic(netpolicy.TypeWifi, 0, 0), sink, newFakeRunner(), Config{DataDir: dir})
	startScheduler(t, s)

	require.Eventually(t, func() bool {
		return len(store.purgedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []int64{1}, store.purgedIDs())
	assert.Equal(t, []int64{1}, sink.canceledIDs())
	assert.NoFileExists(t, file)
}

func TestSchedulerSweepsSpuriousFiles(t *testing.T) {
	dir := t.TempDir()

	tracked := filepath.Join(dir, "tracked.bin")
	stray := filepath.Join(dir, "stray.bin")
	require.NoError(t, os.WriteFile(tracked, []byte("ok"), 0o600))
	require.NoError(t, os.WriteFile(stray, []byte("orphan"), 0o600))

	row := pendingRow(1)
	row.Status = download.StatusSuccess
	row.FileName = tracked

	store := newFakeStore(row)

	s := New(store, netpolicy.NewStatic(netpolicy.TypeWifi, 0, 0), &nopSink{}, newFakeRunner(), Config{DataDir: dir})
	startScheduler(t, s)

	require.Eventually(t, func() bool {
		_, err := os.Stat(stray)

		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)

	assert.FileExists(t, tracked)
}

func TestSchedulerLeavesCompletedRowsAlone(t *testing.T) {
	row := pendingRow(1)
	row.Status = download.StatusSuccess

	store := newFakeStore(row)
	runner := newFakeRunner()

	s := New(store, netpolicy.NewStatic(netpolicy.TypeWifi, 0, 0), &nopSink{}, runner, Config{})
	startScheduler(t, s)

	time.Sleep(200 * time.Millisecond)

	assert.Zero(t, runner.runCount(1))
	assert.Equal(t, download.StatusSuccess, store.status(1))
}
