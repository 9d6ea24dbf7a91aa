package transfer

import (
	"errors"
	"fmt"

	"github.com/yxl/DownloadProvider/internal/download"
	"github.com/yxl/DownloadProvider/internal/netpolicy"
)

// StopError ends the current attempt and carries the status the download
// should be left in. Statuses below the error range (paused, waiting for
// network, queued for wifi) park the download without marking it failed.
type StopError struct {
	Status download.Status
	Reason string
	Err    error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("transfer stopped with status %s: %s", e.Status, e.Reason)
}

func (e *StopError) Unwrap() error {
	return e.Err
}

func stop(status download.Status, reason string) *StopError {
	return &StopError{Status: status, Reason: reason}
}

func stopWrap(status download.Status, reason string, err error) *StopError {
	return &StopError{Status: status, Reason: reason, Err: err}
}

// errRestart aborts the current attempt and restarts the loop with the
// redirected URL, without touching the failure counter.
var errRestart = errors.New("transfer: restart attempt")

// transientStatus classifies an I/O failure mid-exchange. Offline hosts
// wait for connectivity to return; reachable ones retry with backoff
// until the ceiling, after which the failure becomes terminal.
func transientStatus(rec *download.Record, oracle netpolicy.Oracle, st *attemptState) download.Status {
	if rec.CheckCanUseNetwork(oracle) != netpolicy.VerdictOK {
		return download.StatusWaitingForNetwork
	}

	if rec.NumFailed < download.MaxRetries {
		st.countRetry = true

		return download.StatusWaitingToRetry
	}

	return download.StatusHTTPDataError
}

// cannotResume reports whether the partial data written so far would be
// unusable on a later attempt: bytes exist, integrity checking is on, and
// no validator was ever recorded.
func cannotResume(rec *download.Record, st *attemptState) bool {
	return st.bytesSoFar > 0 && !rec.NoIntegrity && st.etag == ""
}
