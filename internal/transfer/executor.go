// Package transfer runs the HTTP exchange for one download: connect,
// follow redirects, stream the body to disk with periodic checkpoints,
// resume partial data when a validator allows it, and classify every
// failure into a closed status set.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yxl/DownloadProvider/internal/destfile"
	"github.com/yxl/DownloadProvider/internal/download"
	"github.com/yxl/DownloadProvider/internal/logctx"
	"github.com/yxl/DownloadProvider/internal/netpolicy"
	"github.com/yxl/DownloadProvider/internal/notify"
	"github.com/yxl/DownloadProvider/internal/storage"
)

const (
	// bufferSize is the read chunk size; pause and cancel signals are
	// polled between chunks.
	bufferSize = 4096

	// minProgressStep and minProgressTime gate checkpoint writes: both
	// must have elapsed since the last checkpoint before another one is
	// persisted.
	minProgressStep = 4096
	minProgressTime = 1500 * time.Millisecond

	maxRedirects = 5

	// Retry-After clamp bounds, in seconds.
	minRetryAfter = 30
	maxRetryAfter = 24 * 60 * 60

	defaultUserAgent = "DownloadProvider/1.0"
)

// NewHTTPClient returns the client the executor expects: instrumented,
// bounded by timeout, and with automatic redirect following disabled so
// the executor can apply its own redirect policy.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Metrics is the slice of the telemetry surface the executor reports
// into. A nil Metrics disables reporting.
type Metrics interface {
	RecordDownload(status string, duration time.Duration, bytes int64)
	IncrementActiveDownloads()
	DecrementActiveDownloads()
}

// Executor performs the transfer for one record at a time. It is safe to
// share one Executor across goroutines; all per-transfer state lives in
// the attempt, never on the Executor.
type Executor struct {
	Store   storage.Store
	Oracle  netpolicy.Oracle
	Sink    notify.Sink
	Dest    destfile.Options
	Client  *http.Client
	Metrics Metrics

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// attemptState accumulates everything learned across the attempt loop.
// It survives redirects; the failure counter and backoff inputs are
// copied out of it at the end of the run.
type attemptState struct {
	url           string
	redirectedURI string
	fileName      string
	mimeType      string
	etag          string

	continuing  bool
	bytesSoFar  int64
	resumedFrom int64

	// totalBytes is the declared body length, -1 when unknown.
	totalBytes int64

	contentDisposition string
	contentLocation    string

	countRetry    bool
	retryAfter    time.Duration
	redirectCount int
	gotData       bool

	file *os.File

	bytesNotified int64
	lastNotify    time.Time
}

func newAttemptState(rec *download.Record) *attemptState {
	return &attemptState{
		url:        rec.URI,
		fileName:   rec.FileName,
		mimeType:   rec.MimeType,
		etag:       rec.ETag,
		totalBytes: -1,
	}
}

func (st *attemptState) closeFile() {
	if st.file != nil {
		st.file.Close()
		st.file = nil
	}
}

// Run executes the full exchange for rec and always leaves a terminal or
// parked status behind in the store. It never returns an error; failures
// are classified and persisted, and no failure of one download may leak
// into another's scheduling.
func (e *Executor) Run(ctx context.Context, rec *download.Record) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", rec.ID, "uri", rec.URI)
	ctx = logctx.WithLogger(ctx, logger)

	if rec.StatusValue() == download.StatusSuccess {
		logger.Debug("download already finished, skipping")

		return
	}

	started := e.now()

	if e.Metrics != nil {
		e.Metrics.IncrementActiveDownloads()
		defer e.Metrics.DecrementActiveDownloads()
	}

	st := newAttemptState(rec)

	var (
		final  download.Status
		reason string
	)

loop:
	for {
		err := e.attempt(ctx, rec, st)

		switch {
		case err == nil:
			final = download.StatusSuccess

			break loop
		case errors.Is(err, errRestart):
			logger.Debug("restarting after redirect", "uri", st.url)

			continue
		}

		var se *StopError
		if errors.As(err, &se) {
			final, reason = se.Status, se.Reason
		} else {
			final, reason = download.StatusUnknownError, err.Error()
		}

		break
	}

	e.finish(ctx, rec, st, final, reason)

	if e.Metrics != nil {
		e.Metrics.RecordDownload(final.String(), e.now().Sub(started), st.bytesSoFar-st.resumedFrom)
	}
}

func (e *Executor) attempt(ctx context.Context, rec *download.Record, st *attemptState) error {
	st.continuing = false

	if err := e.setupDestination(rec, st); err != nil {
		return err
	}

	req, err := e.buildRequest(ctx, rec, st)
	if err != nil {
		return stopWrap(download.StatusHTTPDataError, "invalid download URI", err)
	}

	if err := e.checkConnectivity(ctx, rec); err != nil {
		return err
	}

	resp, err := e.client().Do(req)
	if err != nil {
		return stopWrap(transientStatus(rec, e.Oracle, st), "request failed", err)
	}
	defer resp.Body.Close()

	if err := e.handleExceptionalStatus(resp, rec, st); err != nil {
		return err
	}

	if !st.continuing {
		if err := e.processResponseHeaders(ctx, resp, rec, st); err != nil {
			return err
		}
	}

	return e.transferData(ctx, resp, rec, st)
}

// setupDestination decides whether a prior partial file can be resumed.
// An empty file restarts cleanly; a non-empty one without a validator is
// unusable when integrity checking is on.
func (e *Executor) setupDestination(rec *download.Record, st *attemptState) error {
	if st.fileName == "" {
		return nil
	}

	info, err := os.Stat(st.fileName)
	if err != nil {
		if os.IsNotExist(err) {
			st.fileName = ""

			return nil
		}

		return stopWrap(download.StatusFileError, "cannot stat destination file", err)
	}

	if info.Size() == 0 {
		os.Remove(st.fileName)
		st.fileName = ""

		return nil
	}

	if st.etag == "" && !rec.NoIntegrity {
		return stop(download.StatusCannotResume, "partial download without a validator")
	}

	st.bytesSoFar = info.Size()
	st.resumedFrom = info.Size()

	if rec.TotalBytes != -1 {
		st.totalBytes = rec.TotalBytes
	}

	st.continuing = true

	return e.openDestination(rec, st, true)
}

// openDestination opens the file for streaming. External destinations
// are opened around every write instead, so only their creatability is
// verified here.
func (e *Executor) openDestination(rec *download.Record, st *attemptState, appendTo bool) error {
	flags := os.O_WRONLY | os.O_CREATE
	if appendTo {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(st.fileName, flags, 0o600)
	if err != nil {
		return e.classifyWriteError(rec, err)
	}

	if rec.Destination == download.DestinationExternal {
		return f.Close()
	}

	st.closeFile()
	st.file = f

	return nil
}

func (e *Executor) buildRequest(ctx context.Context, rec *download.Record, st *attemptState) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for _, h := range rec.RequestHeaders() {
		req.Header.Add(h.Name, h.Value)
	}

	if st.continuing {
		if st.etag != "" {
			req.Header.Set("If-Match", st.etag)
		}

		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", st.bytesSoFar))
	}

	ua := rec.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	req.Header.Set("User-Agent", ua)

	return req, nil
}

// checkConnectivity re-validates network eligibility immediately before
// a network action. Size-ceiling pauses are surfaced through the sink;
// everything else parks the download until connectivity changes.
func (e *Executor) checkConnectivity(ctx context.Context, rec *download.Record) error {
	switch v := rec.CheckCanUseNetwork(e.Oracle); v {
	case netpolicy.VerdictOK:
		return nil
	case netpolicy.VerdictUnusableDueToSize:
		e.Sink.PausedDueToSize(ctx, rec.ID, false)

		return stop(download.StatusQueuedForWifi, v.String())
	case netpolicy.VerdictRecommendedUnusableDueToSize:
		e.Sink.PausedDueToSize(ctx, rec.ID, true)

		return stop(download.StatusQueuedForWifi, v.String())
	default:
		return stop(download.StatusWaitingForNetwork, v.String())
	}
}

func (e *Executor) handleExceptionalStatus(resp *http.Response, rec *download.Record, st *attemptState) error {
	code := resp.StatusCode

	if code == http.StatusServiceUnavailable && rec.NumFailed < download.MaxRetries {
		return handleServiceUnavailable(resp, st)
	}

	if isRedirect(code) {
		if st.redirectCount >= maxRedirects {
			return stop(download.StatusTooManyRedirects, "too many redirects")
		}

		if loc := resp.Header.Get("Location"); loc != "" {
			return handleRedirect(code, loc, st)
		}
		// No Location header; treat it as any other unexpected status.
	}

	expected := http.StatusOK
	if st.continuing {
		expected = http.StatusPartialContent
	}

	if code != expected {
		return handleOtherStatus(code, st)
	}

	return nil
}

func handleServiceUnavailable(resp *http.Response, st *attemptState) error {
	st.countRetry = true

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			if secs < minRetryAfter {
				secs = minRetryAfter
			} else if secs > maxRetryAfter {
				secs = maxRetryAfter
			}

			secs += rand.Intn(minRetryAfter + 1)
			st.retryAfter = time.Duration(secs) * time.Second
		}
	}

	return stop(download.StatusWaitingToRetry, "server unavailable")
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect:
		return true
	}

	return false
}

// handleRedirect resolves the target and restarts the attempt loop. Only
// 301 and 303 make the new URL permanent; 302 and 307 are followed for
// this run but the stored URL is untouched.
func handleRedirect(code int, location string, st *attemptState) error {
	base, err := url.Parse(st.url)
	if err != nil {
		return stopWrap(download.StatusUnhandledRedirect, "current URI is unparseable", err)
	}

	target, err := base.Parse(location)
	if err != nil {
		return stopWrap(download.StatusUnhandledRedirect, "cannot resolve redirect target", err)
	}

	st.redirectCount++
	st.url = target.String()

	if code == http.StatusMovedPermanently || code == http.StatusSeeOther {
		st.redirectedURI = st.url
	}

	return errRestart
}

func handleOtherStatus(code int, st *attemptState) error {
	switch {
	case code >= 400 && code < 600:
		return stop(download.Status(code), "server error response")
	case code >= 300 && code < 400:
		return stop(download.StatusUnhandledRedirect, "unhandled redirect response")
	case st.continuing && code == http.StatusOK:
		// The server ignored our range request; the partial data is now
		// worthless.
		return stop(download.StatusCannotResume, "expected partial, but received OK")
	default:
		return stop(download.StatusUnhandledHTTPCode, fmt.Sprintf("unhandled http code %d", code))
	}
}

// processResponseHeaders runs only on fresh responses. It learns the
// content metadata, derives the destination path, persists both before
// the first byte is streamed, and re-checks network eligibility now that
// the size is known.
func (e *Executor) processResponseHeaders(ctx context.Context, resp *http.Response, rec *download.Record, st *attemptState) error {
	st.contentDisposition = resp.Header.Get("Content-Disposition")
	st.contentLocation = resp.Header.Get("Content-Location")
	st.etag = resp.Header.Get("ETag")

	if st.mimeType == "" {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			if mt, _, err := mime.ParseMediaType(ct); err == nil {
				st.mimeType = mt
			}
		}
	}

	// Chunked responses have no a-priori length; an unknown length is
	// only acceptable when integrity checking is off, since the result
	// could never be verified or resumed.
	chunked := len(resp.TransferEncoding) > 0

	st.totalBytes = -1
	if !chunked && resp.ContentLength >= 0 {
		st.totalBytes = resp.ContentLength
	}

	if st.totalBytes == -1 && !chunked && !rec.NoIntegrity {
		return stop(download.StatusHTTPDataError, "cannot determine the download size")
	}

	path, err := e.Dest.Generate(destfile.Request{
		URL:                st.url,
		Hint:               rec.Hint,
		ContentDisposition: st.contentDisposition,
		ContentLocation:    st.contentLocation,
		MimeType:           st.mimeType,
		Destination:        rec.Destination,
		ContentLength:      st.totalBytes,
		Mode:               rec.Mode,
	})
	if err != nil {
		var de *destfile.Error
		if errors.As(err, &de) {
			return stopWrap(de.Status, de.Reason, err)
		}

		return stopWrap(download.StatusFileError, "failed to derive destination path", err)
	}

	st.fileName = path

	if err := e.openDestination(rec, st, false); err != nil {
		return err
	}

	if err := e.Store.UpdateFromHeaders(ctx, rec.ID, storage.HeaderInfo{
		FileName:   st.fileName,
		MimeType:   st.mimeType,
		ETag:       st.etag,
		TotalBytes: st.totalBytes,
	}); err != nil {
		return stopWrap(download.StatusUnknownError, "failed to persist response headers", err)
	}

	rec.TotalBytes = st.totalBytes

	return e.checkConnectivity(ctx, rec)
}

func (e *Executor) transferData(ctx context.Context, resp *http.Response, rec *download.Record, st *attemptState) error {
	buf := make([]byte, bufferSize)

	for {
		if err := checkPausedOrCanceled(ctx, rec); err != nil {
			return err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := e.writeChunk(rec, st, buf[:n]); err != nil {
				return err
			}

			st.bytesSoFar += int64(n)
			st.gotData = true
			rec.CurrentBytes = st.bytesSoFar

			e.reportProgress(ctx, rec, st)
		}

		if readErr == io.EOF {
			return e.handleEndOfStream(ctx, rec, st)
		}

		if readErr != nil {
			// Keep what we have before deciding how to classify.
			e.checkpoint(ctx, rec, st, false)

			// A cancellation tears down the connection, which surfaces
			// here as a read error first.
			if err := checkPausedOrCanceled(ctx, rec); err != nil {
				return err
			}

			if cannotResume(rec, st) {
				return stopWrap(download.StatusCannotResume,
					"failed reading response without a validator", readErr)
			}

			return stopWrap(transientStatus(rec, e.Oracle, st), "failed reading response", readErr)
		}
	}
}

func checkPausedOrCanceled(ctx context.Context, rec *download.Record) error {
	if ctx.Err() != nil {
		return stop(download.StatusCanceled, "download canceled")
	}

	if rec.ControlValue() == download.ControlPaused {
		return stop(download.StatusPausedByApp, "download paused by owner")
	}

	if rec.StatusValue() == download.StatusCanceled {
		return stop(download.StatusCanceled, "download canceled")
	}

	return nil
}

// writeChunk appends one chunk. External destinations open and close the
// handle around every write so each append is a forced sync point the
// platform media scanner can observe.
func (e *Executor) writeChunk(rec *download.Record, st *attemptState, data []byte) error {
	if rec.Destination == download.DestinationExternal {
		f, err := os.OpenFile(st.fileName, os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return e.classifyWriteError(rec, err)
		}

		_, werr := f.Write(data)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}

		if werr != nil {
			return e.classifyWriteError(rec, werr)
		}

		return nil
	}

	if _, err := st.file.Write(data); err != nil {
		return e.classifyWriteError(rec, err)
	}

	return nil
}

func (e *Executor) classifyWriteError(rec *download.Record, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return stopWrap(download.StatusInsufficientSpace, "destination filesystem is full", err)
	}

	if rec.Destination == download.DestinationExternal {
		if _, statErr := os.Stat(e.Dest.ExternalDir); statErr != nil {
			return stopWrap(download.StatusDeviceNotFound, "external storage is not available", err)
		}
	}

	return stopWrap(download.StatusFileError, "failed writing destination file", err)
}

// reportProgress checkpoints the byte count when both the minimum byte
// delta and the minimum time delta have elapsed.
func (e *Executor) reportProgress(ctx context.Context, rec *download.Record, st *attemptState) {
	now := e.now()

	if st.bytesSoFar-st.bytesNotified <= minProgressStep || now.Sub(st.lastNotify) <= minProgressTime {
		return
	}

	if err := e.Store.UpdateProgress(ctx, rec.ID, st.bytesSoFar, -1); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to checkpoint progress", "err", err)

		return
	}

	logctx.LoggerFromContext(ctx).Debug("download progress",
		"received", humanize.Bytes(uint64(st.bytesSoFar)))

	st.bytesNotified = st.bytesSoFar
	st.lastNotify = now
}

// checkpoint persists the final byte count of the attempt. When the body
// ended cleanly and no length was ever declared, the received count
// becomes the total.
func (e *Executor) checkpoint(ctx context.Context, rec *download.Record, st *attemptState, clean bool) {
	total := int64(-1)
	if clean && st.totalBytes == -1 {
		total = st.bytesSoFar
		st.totalBytes = st.bytesSoFar
		rec.TotalBytes = st.bytesSoFar
	}

	if err := e.Store.UpdateProgress(ctx, rec.ID, st.bytesSoFar, total); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to checkpoint progress", "err", err)
	}
}

func (e *Executor) handleEndOfStream(ctx context.Context, rec *download.Record, st *attemptState) error {
	lengthMismatch := st.totalBytes >= 0 && st.bytesSoFar != st.totalBytes

	e.checkpoint(ctx, rec, st, !lengthMismatch)

	if lengthMismatch {
		if cannotResume(rec, st) {
			return stop(download.StatusCannotResume, "mismatched content length")
		}

		return stop(transientStatus(rec, e.Oracle, st), "closed socket before end of file")
	}

	return nil
}

// finish closes out the run: destination cleanup, the terminal store
// write, and exactly one completion signal for completed statuses.
func (e *Executor) finish(ctx context.Context, rec *download.Record, st *attemptState, status download.Status, reason string) {
	logger := logctx.LoggerFromContext(ctx)

	st.closeFile()

	if status == download.StatusSuccess && st.fileName != "" {
		if err := finalizeFile(st.fileName); err != nil {
			logger.Warn("failed to finalize destination file", "err", err)
		}
	}

	// Partial data in engine-managed storage is useless to the user;
	// externally visible files are left for them to find and retry.
	if status.IsError() && st.fileName != "" && rec.Destination == download.DestinationInternal {
		os.Remove(st.fileName)
		st.fileName = ""
	}

	res := storage.AttemptResult{
		Status:     status,
		FileName:   st.fileName,
		URI:        st.redirectedURI,
		MimeType:   st.mimeType,
		RetryAfter: st.retryAfter,
		LastMod:    e.now(),
		CountRetry: st.countRetry,
		GotData:    st.gotData,
	}

	if err := e.Store.FinishAttempt(ctx, rec.ID, rec.NumFailed, res); err != nil {
		logger.Error("failed to persist final download state", "err", err)
	}

	rec.SetStatus(status)
	rec.FileName = st.fileName
	rec.MimeType = st.mimeType

	if !status.IsCompleted() {
		logger.Info("download parked",
			"status", status.String(),
			"reason", reason,
			"received", humanize.Bytes(uint64(st.bytesSoFar)))

		return
	}

	logger.Info("download finished",
		"status", status.String(),
		"reason", reason,
		"received", humanize.Bytes(uint64(st.bytesSoFar)))

	e.Sink.DownloadCompleted(ctx, notify.Event{
		ID:         rec.ID,
		Status:     status,
		Visibility: rec.Visibility,
		Mode:       rec.Mode,
		Package:    rec.Package,
		Class:      rec.Class,
		Extras:     rec.Extras,
		ContentURI: st.fileName,
	})
}

func finalizeFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to reopen for sync: %w", err)
	}

	syncErr := f.Sync()
	if err := f.Close(); syncErr == nil {
		syncErr = err
	}

	if syncErr != nil {
		return fmt.Errorf("failed to sync destination: %w", syncErr)
	}

	if err := os.Chmod(path, 0o644); err != nil {
		return fmt.Errorf("failed to fix permissions: %w", err)
	}

	return nil
}

func (e *Executor) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}

	return http.DefaultClient
}

func (e *Executor) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}

	return time.Now()
}
