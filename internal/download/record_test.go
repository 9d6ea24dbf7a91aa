package download_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yxl/DownloadProvider/internal/download"
	"github.com/yxl/DownloadProvider/internal/netpolicy"
)

func TestRestartTime(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	lastMod := now.Add(-10 * time.Second)

	tests := []struct {
		name       string
		numFailed  int
		retryAfter time.Duration
		fuzz       int
		want       time.Time
	}{
		{"never failed", 0, 0, 500, now},
		{"server retry delay wins", 2, 45 * time.Second, 500, lastMod.Add(45 * time.Second)},
		{"first backoff no fuzz", 1, 0, 0, lastMod.Add(30 * time.Second)},
		{"second backoff doubles", 2, 0, 0, lastMod.Add(60 * time.Second)},
		{"fuzz stretches the delay", 1, 0, 1000, lastMod.Add(60 * time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := download.NewRecord(1)
			rec.NumFailed = tt.numFailed
			rec.RetryAfter = tt.retryAfter
			rec.Fuzz = tt.fuzz
			rec.LastMod = lastMod

			assert.Equal(t, tt.want, rec.RestartTime(now))
		})
	}
}

func TestRestartTimeMonotonicInFailures(t *testing.T) {
	now := time.Now()

	rec := download.NewRecord(1)
	rec.LastMod = now.Add(-time.Minute)

	prev := rec.RestartTime(now)
	for failures := 1; failures <= download.MaxRetries; failures++ {
		rec.NumFailed = failures

		cur := rec.RestartTime(now)
		assert.False(t, cur.Before(prev), "restart time regressed at failure %d", failures)
		prev = cur
	}
}

func TestReadyToStart(t *testing.T) {
	now := time.Now()
	oracle := netpolicy.NewStatic(netpolicy.TypeWifi, 0, 0)

	tests := []struct {
		name  string
		setup func(r *download.Record)
		want  bool
	}{
		{"new record", func(r *download.Record) {}, true},
		{"pending", func(r *download.Record) { r.Status = download.StatusPending }, true},
		{"running after crash", func(r *download.Record) { r.Status = download.StatusRunning }, true},
		{"paused by control", func(r *download.Record) { r.SetControl(download.ControlPaused) }, false},
		{"terminal success", func(r *download.Record) { r.Status = download.StatusSuccess }, false},
		{"terminal error", func(r *download.Record) { r.Status = download.StatusCannotResume }, false},
		{
			"waiting for network with connectivity",
			func(r *download.Record) { r.Status = download.StatusWaitingForNetwork },
			true,
		},
		{
			"retry window not yet open",
			func(r *download.Record) {
				r.Status = download.StatusWaitingToRetry
				r.NumFailed = 1
				r.LastMod = now
			},
			false,
		},
		{
			"retry window open",
			func(r *download.Record) {
				r.Status = download.StatusWaitingToRetry
				r.NumFailed = 1
				r.Fuzz = 0
				r.LastMod = now.Add(-time.Minute)
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := download.NewRecord(1)
			tt.setup(rec)

			assert.Equal(t, tt.want, rec.ReadyToStart(now, oracle))
		})
	}
}

func TestReadyToStartWithActiveExecutor(t *testing.T) {
	oracle := netpolicy.NewStatic(netpolicy.TypeWifi, 0, 0)

	rec := download.NewRecord(1)
	require.True(t, rec.ClaimExecutor())

	assert.False(t, rec.ReadyToStart(time.Now(), oracle))
	assert.False(t, rec.ClaimExecutor(), "second claim must fail")

	rec.ReleaseExecutor()
	assert.True(t, rec.ReadyToStart(time.Now(), oracle))
}

func TestNextAction(t *testing.T) {
	now := time.Now()

	rec := download.NewRecord(1)
	rec.Status = download.StatusSuccess
	assert.Equal(t, time.Duration(-1), rec.NextAction(now))

	rec.Status = download.StatusPending
	assert.Equal(t, time.Duration(0), rec.NextAction(now))

	rec.Status = download.StatusWaitingToRetry
	rec.NumFailed = 1
	rec.Fuzz = 0
	rec.LastMod = now

	delay := rec.NextAction(now)
	assert.Equal(t, 30*time.Second, delay)

	rec.LastMod = now.Add(-time.Minute)
	assert.Equal(t, time.Duration(0), rec.NextAction(now))
}

func TestCheckCanUseNetwork(t *testing.T) {
	tests := []struct {
		name   string
		oracle *netpolicy.Static
		setup  func(r *download.Record)
		want   netpolicy.Verdict
	}{
		{
			"no connection",
			func() *netpolicy.Static {
				o := netpolicy.NewStatic(netpolicy.TypeWifi, 0, 0)
				o.SetNetwork(netpolicy.TypeWifi, false, false)
				return o
			}(),
			func(r *download.Record) {},
			netpolicy.VerdictNoConnection,
		},
		{
			"public mode disallows roaming",
			func() *netpolicy.Static {
				o := netpolicy.NewStatic(netpolicy.TypeMetered, 0, 0)
				o.SetNetwork(netpolicy.TypeMetered, true, true)
				return o
			}(),
			func(r *download.Record) {
				r.Mode = download.ModePublic
				r.AllowedNetworkTypes = download.NetworkMetered
			},
			netpolicy.VerdictCannotUseRoaming,
		},
		{
			"legacy mode ignores roaming",
			func() *netpolicy.Static {
				o := netpolicy.NewStatic(netpolicy.TypeMetered, 0, 0)
				o.SetNetwork(netpolicy.TypeMetered, true, true)
				return o
			}(),
			func(r *download.Record) { r.Mode = download.ModeLegacy },
			netpolicy.VerdictOK,
		},
		{
			"requester excluded metered",
			netpolicy.NewStatic(netpolicy.TypeMetered, 0, 0),
			func(r *download.Record) {
				r.Mode = download.ModePublic
				r.AllowedNetworkTypes = download.NetworkWifi
			},
			netpolicy.VerdictTypeDisallowed,
		},
		{
			"unknown size always passes",
			netpolicy.NewStatic(netpolicy.TypeMetered, 100, 50),
			func(r *download.Record) { r.TotalBytes = -1 },
			netpolicy.VerdictOK,
		},
		{
			"wifi passes any size",
			netpolicy.NewStatic(netpolicy.TypeWifi, 100, 50),
			func(r *download.Record) { r.TotalBytes = 1 << 30 },
			netpolicy.VerdictOK,
		},
		{
			"hard ceiling exceeded",
			netpolicy.NewStatic(netpolicy.TypeMetered, 100, 50),
			func(r *download.Record) { r.TotalBytes = 200 },
			netpolicy.VerdictUnusableDueToSize,
		},
		{
			"soft ceiling exceeded",
			netpolicy.NewStatic(netpolicy.TypeMetered, 1000, 50),
			func(r *download.Record) { r.TotalBytes = 200 },
			netpolicy.VerdictRecommendedUnusableDueToSize,
		},
		{
			"soft ceiling bypassed",
			netpolicy.NewStatic(netpolicy.TypeMetered, 1000, 50),
			func(r *download.Record) {
				r.TotalBytes = 200
				r.BypassRecommendedLim = true
			},
			netpolicy.VerdictOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := download.NewRecord(1)
			tt.setup(rec)

			assert.Equal(t, tt.want, rec.CheckCanUseNetwork(tt.oracle))
		})
	}
}

func TestRequestHeaders(t *testing.T) {
	rec := download.NewRecord(1)
	rec.Headers = []download.Header{{Name: "X-Custom", Value: "1"}}
	rec.Cookies = "session=abc"
	rec.Referer = "https://example.com/page"

	headers := rec.RequestHeaders()
	require.Len(t, headers, 3)
	assert.Equal(t, download.Header{Name: "X-Custom", Value: "1"}, headers[0])
	assert.Equal(t, download.Header{Name: "Cookie", Value: "session=abc"}, headers[1])
	assert.Equal(t, download.Header{Name: "Referer", Value: "https://example.com/page"}, headers[2])
}

func TestHasCompletionNotification(t *testing.T) {
	rec := download.NewRecord(1)
	rec.Visibility = download.VisibilityVisibleNotifyCompleted

	rec.Status = download.StatusRunning
	assert.False(t, rec.HasCompletionNotification())

	rec.Status = download.StatusSuccess
	assert.True(t, rec.HasCompletionNotification())

	rec.Visibility = download.VisibilityHidden
	assert.False(t, rec.HasCompletionNotification())
}
