// Package download holds the in-memory representation of one tracked
// download and the eligibility/backoff rules that decide when it may run.
package download

import (
	"math/rand"
	"sync"
	"time"

	"github.com/yxl/DownloadProvider/internal/netpolicy"
)

// Mode tags which request surface created a download. The two surfaces
// differ in network-policy strictness and in the shape of the completion
// signal sent back to the owner.
type Mode int

const (
	// ModeLegacy downloads always allow roaming, ignore the requester
	// network-type mask and are exempt from the soft size ceiling bypass.
	ModeLegacy Mode = iota
	// ModePublic downloads honor the per-request network policy fields.
	ModePublic
)

// Control is the externally settable run/pause switch.
type Control int

const (
	ControlRun Control = iota
	ControlPaused
)

// Destination classifies where the downloaded bytes live, which decides
// who owns cleanup of partial data.
type Destination int

const (
	// DestinationInternal is storage managed by the engine; partial files
	// are deleted on error.
	DestinationInternal Destination = iota
	// DestinationExternal is user-visible storage; failed downloads are
	// left in place, and writes are followed by a forced close to keep
	// sync points.
	DestinationExternal
	// DestinationFileURI is a caller-supplied absolute path.
	DestinationFileURI
)

// Visibility controls whether a download appears in user-facing listings
// and completion notifications.
type Visibility int

const (
	VisibilityVisible Visibility = iota
	VisibilityVisibleNotifyCompleted
	VisibilityHidden
)

// Network type bits for the public-mode allowed-network mask.
const (
	NetworkMetered = 1 << 0
	NetworkWifi    = 1 << 1
)

const (
	// MaxRetries is how many times a transfer is retried with backoff
	// before it turns into a terminal error.
	MaxRetries = 5

	// RetryFirstDelay is the base delay before the first retry; each
	// subsequent retry doubles it.
	RetryFirstDelay = 30 * time.Second
)

// Header is one custom request header supplied by the requesting app.
type Header struct {
	Name  string
	Value string
}

// Record is the engine's view of one download: the durable fields loaded
// from the store plus transient runtime state.
//
// The mutex guards the fields shared between the scheduler and an active
// executor: Control, Status and the active-executor flag. Everything else
// is only written during a scheduler resynchronization pass, while no
// executor is running, or by the single executor that owns the record.
type Record struct {
	mu sync.Mutex

	ID          int64
	URI         string
	NoIntegrity bool
	Hint        string
	FileName    string
	MimeType    string
	Destination Destination
	Visibility  Visibility
	Control     Control
	Status      Status
	NumFailed   int
	RetryAfter  time.Duration
	LastMod     time.Time

	// Completion addressing. Package identifies the requesting app; Class
	// is the legacy in-app target that receives the content locator.
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

	Mode                 Mode
	AllowedNetworkTypes  int
	AllowRoaming         bool
	BypassRecommendedLim bool

	Title       string
	Description string

	Headers []Header

	// Fuzz staggers simultaneous retries. It is fixed once per in-memory
	// lifetime so backoff stays deterministic between attempts.
	Fuzz int

	hasActiveExecutor bool
}

// NewRecord returns a record with its retry jitter assigned. All other
// fields are populated from the store by the scheduler.
func NewRecord(id int64) *Record {
	return &Record{
		ID:         id,
		TotalBytes: -1,
		Fuzz:       rand.Intn(1001),
	}
}

// RequestHeaders returns the full outbound header list, folding the
// cookie and referer overrides in after the custom headers.
func (r *Record) RequestHeaders() []Header {
	headers := make([]Header, 0, len(r.Headers)+2)
	headers = append(headers, r.Headers...)

	if r.Cookies != "" {
		headers = append(headers, Header{Name: "Cookie", Value: r.Cookies})
	}

	if r.Referer != "" {
		headers = append(headers, Header{Name: "Referer", Value: r.Referer})
	}

	return headers
}

// RestartTime returns when the download should be restarted after a
// transient failure. A server-supplied Retry-After wins over the
// exponential schedule.
func (r *Record) RestartTime(now time.Time) time.Time {
	if r.NumFailed == 0 {
		return now
	}

	if r.RetryAfter > 0 {
		return r.LastMod.Add(r.RetryAfter)
	}

	delay := RetryFirstDelay *
		time.Duration(1000+r.Fuzz) / 1000 *
		time.Duration(1<<(r.NumFailed-1))

	return r.LastMod.Add(delay)
}

// ReadyToStart reports whether the scheduler should spawn an executor for
// this record right now. Callers must hold no executor for the record.
func (r *Record) ReadyToStart(now time.Time, oracle netpolicy.Oracle) bool {
	if r.ActiveExecutor() {
		return false
	}

	if r.ControlValue() == ControlPaused {
		return false
	}

	switch r.StatusValue() {
	case StatusUninitialized, StatusPending:
		return true
	case StatusRunning:
		// A prior process died mid-transfer without updating the store.
		return true
	case StatusWaitingForNetwork, StatusQueuedForWifi:
		return r.CheckCanUseNetwork(oracle) == netpolicy.VerdictOK
	case StatusWaitingToRetry:
		return !r.RestartTime(now).After(now)
	}

	return false
}

// NextAction returns how long the scheduler must stay interested in this
// record: -1 when it is terminal, 0 when it is actionable now, otherwise
// the delay until its restart time. It is called for records whose
// executor is still running, so the status read goes through the lock.
func (r *Record) NextAction(now time.Time) time.Duration {
	status := r.StatusValue()
	if status.IsCompleted() {
		return -1
	}

	if status != StatusWaitingToRetry {
		return 0
	}

	when := r.RestartTime(now)
	if !when.After(now) {
		return 0
	}

	return when.Sub(now)
}

// CheckCanUseNetwork decides whether the download may use the currently
// active network connection.
func (r *Record) CheckCanUseNetwork(oracle netpolicy.Oracle) netpolicy.Verdict {
	netType, ok := oracle.ActiveNetworkType()
	if !ok {
		return netpolicy.VerdictNoConnection
	}

	if !r.roamingAllowed() && oracle.IsRoaming() {
		return netpolicy.VerdictCannotUseRoaming
	}

	return r.checkNetworkTypeAllowed(netType, oracle)
}

func (r *Record) roamingAllowed() bool {
	if r.Mode == ModePublic {
		return r.AllowRoaming
	}

	// Legacy surface predates the roaming flag and always allowed it.
	return true
}

func (r *Record) checkNetworkTypeAllowed(netType netpolicy.Type, oracle netpolicy.Oracle) netpolicy.Verdict {
	if r.Mode == ModePublic {
		if networkTypeFlag(netType)&r.AllowedNetworkTypes == 0 {
			return netpolicy.VerdictTypeDisallowed
		}
	}

	return r.checkSizeAllowed(netType, oracle)
}

func (r *Record) checkSizeAllowed(netType netpolicy.Type, oracle netpolicy.Oracle) netpolicy.Verdict {
	if r.TotalBytes <= 0 {
		// Size is unknown until response headers arrive.
		return netpolicy.VerdictOK
	}

	if netType == netpolicy.TypeWifi {
		return netpolicy.VerdictOK
	}

	if max := oracle.MaxBytesOverMetered(); max > 0 && r.TotalBytes > max {
		return netpolicy.VerdictUnusableDueToSize
	}

	if !r.BypassRecommendedLim {
		if rec := oracle.RecommendedMaxBytesOverMetered(); rec > 0 && r.TotalBytes > rec {
			return netpolicy.VerdictRecommendedUnusableDueToSize
		}
	}

	return netpolicy.VerdictOK
}

func networkTypeFlag(t netpolicy.Type) int {
	switch t {
	case netpolicy.TypeMetered:
		return NetworkMetered
	case netpolicy.TypeWifi:
		return NetworkWifi
	default:
		return 0
	}
}

// HasCompletionNotification reports whether the download wants a
// user-visible notification now that it has completed.
func (r *Record) HasCompletionNotification() bool {
	return r.Status.IsCompleted() && r.Visibility == VisibilityVisibleNotifyCompleted
}

// ControlValue reads the run/pause switch under the record lock.
func (r *Record) ControlValue() Control {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.Control
}

// SetControl writes the run/pause switch under the record lock.
func (r *Record) SetControl(c Control) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Control = c
}

// StatusValue reads the status under the record lock. Executors use this
// to observe cancellations issued by the scheduler mid-transfer.
func (r *Record) StatusValue() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.Status
}

// SetStatus writes the status under the record lock.
func (r *Record) SetStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Status = s
}

// ActiveExecutor reports whether a transfer executor currently owns the
// record.
func (r *Record) ActiveExecutor() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.hasActiveExecutor
}

// ClaimExecutor marks the record as owned by a transfer executor. It
// returns false if one is already active, which guarantees the at most
// one executor per record invariant.
func (r *Record) ClaimExecutor() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasActiveExecutor {
		return false
	}

	r.hasActiveExecutor = true

	return true
}

// ReleaseExecutor clears executor ownership.
func (r *Record) ReleaseExecutor() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hasActiveExecutor = false
}
