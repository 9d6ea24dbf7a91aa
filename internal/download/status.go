package download

import "strconv"

// Status is the lifecycle state of a download. The numbering follows the
// HTTP status space so that 4xx/5xx server responses can be stored as-is:
// 1xx codes are informational (the download is still moving), 200 is
// success, and everything at or above 400 is a terminal error.
type Status int

const (
	// StatusUninitialized is the zero value of a freshly inserted row.
	StatusUninitialized Status = 0

	// StatusPending means the download is queued and ready to start.
	StatusPending Status = 190

	// StatusRunning means a transfer is (or was, before a crash) in flight.
	StatusRunning Status = 192

	// StatusPausedByApp means the owning app set the control field to paused.
	StatusPausedByApp Status = 193

	// StatusWaitingToRetry means the download hit a transient failure and
	// is waiting out its backoff delay.
	StatusWaitingToRetry Status = 194

	// StatusWaitingForNetwork means there is no usable connectivity.
	StatusWaitingForNetwork Status = 195

	// StatusQueuedForWifi means the download exceeds a size ceiling for the
	// current network and is parked until wifi (or user confirmation).
	StatusQueuedForWifi Status = 196

	// StatusSuccess is the one and only successful terminal status.
	StatusSuccess Status = 200

	// StatusNotAcceptable means no handler exists for the downloaded
	// content type.
	StatusNotAcceptable Status = 406

	// StatusFileAlreadyExists means the requested destination already
	// exists and overwriting was not allowed.
	StatusFileAlreadyExists Status = 488

	// StatusCannotResume means partial data exists but no validator was
	// recorded, so the transfer cannot be safely resumed.
	StatusCannotResume Status = 489

	// StatusCanceled means the download was canceled by its owner.
	StatusCanceled Status = 490

	// StatusUnknownError is the catch-all for unexpected low-level faults.
	StatusUnknownError Status = 491

	// StatusFileError means local storage I/O failed.
	StatusFileError Status = 492

	// StatusUnhandledRedirect means the server redirected in a way the
	// engine does not understand.
	StatusUnhandledRedirect Status = 493

	// StatusUnhandledHTTPCode means the server replied with a code outside
	// the understood set.
	StatusUnhandledHTTPCode Status = 494

	// StatusHTTPDataError means the response could not be decoded or its
	// size could not be determined.
	StatusHTTPDataError Status = 495

	// StatusTooManyRedirects means the redirect ceiling was exceeded.
	StatusTooManyRedirects Status = 497

	// StatusInsufficientSpace means the destination filesystem is full.
	StatusInsufficientSpace Status = 498

	// StatusDeviceNotFound means the external storage destination is not
	// available.
	StatusDeviceNotFound Status = 499
)

// IsInformational reports whether the download is still in progress.
func (s Status) IsInformational() bool {
	return s >= 100 && s < 200
}

// IsSuccess reports a successful terminal status.
func (s Status) IsSuccess() bool {
	return s >= 200 && s < 300
}

// IsError reports a terminal error status.
func (s Status) IsError() bool {
	return s >= 400 && s < 600
}

// IsClientError reports a 4xx terminal error.
func (s Status) IsClientError() bool {
	return s >= 400 && s < 500
}

// IsServerError reports a 5xx terminal error.
func (s Status) IsServerError() bool {
	return s >= 500 && s < 600
}

// IsCompleted reports whether the download reached a terminal status,
// successful or not.
func (s Status) IsCompleted() bool {
	return s.IsSuccess() || s.IsError()
}

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusPausedByApp:
		return "paused_by_app"
	case StatusWaitingToRetry:
		return "waiting_to_retry"
	case StatusWaitingForNetwork:
		return "waiting_for_network"
	case StatusQueuedForWifi:
		return "queued_for_wifi"
	case StatusSuccess:
		return "success"
	case StatusNotAcceptable:
		return "not_acceptable"
	case StatusFileAlreadyExists:
		return "file_already_exists"
	case StatusCannotResume:
		return "cannot_resume"
	case StatusCanceled:
		return "canceled"
	case StatusUnknownError:
		return "unknown_error"
	case StatusFileError:
		return "file_error"
	case StatusUnhandledRedirect:
		return "unhandled_redirect"
	case StatusUnhandledHTTPCode:
		return "unhandled_http_code"
	case StatusHTTPDataError:
		return "http_data_error"
	case StatusTooManyRedirects:
		return "too_many_redirects"
	case StatusInsufficientSpace:
		return "insufficient_space"
	case StatusDeviceNotFound:
		return "device_not_found"
	default:
		return "http_" + strconv.Itoa(int(s))
	}
}

// ErrorCategory maps terminal errors to the coarse human-readable buckets
// used for presentation.
func (s Status) ErrorCategory() string {
	switch s {
	case StatusFileAlreadyExists:
		return "already-exists"
	case StatusInsufficientSpace:
		return "insufficient-space"
	case StatusDeviceNotFound:
		return "device-missing"
	case StatusCannotResume:
		return "cannot-resume"
	default:
		return "generic"
	}
}
