// Package notify delivers completion signals to the apps that own
// downloads. The engine calls the sink exactly once per completed
// download; sinks decide how the signal reaches its audience.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/yxl/DownloadProvider/internal/download"
	"github.com/yxl/DownloadProvider/internal/logctx"
)

// Event describes one completed download. Public-mode events address the
// owning package with the download id; legacy-mode events additionally
// name the in-app target class and carry the content locator.
type Event struct {
	ID         int64               `json:"id"`
	Status     download.Status     `json:"status"`
	Visibility download.Visibility `json:"-"`
	Mode       download.Mode       `json:"-"`
	Package    string              `json:"package,omitempty"`
	Class      string              `json:"class,omitempty"`
	Extras     string              `json:"extras,omitempty"`
	ContentURI string              `json:"content_uri,omitempty"`
}

// Sink receives completion events and notification-cancellation requests.
type Sink interface {
	// DownloadCompleted is invoked once when a download reaches a
	// terminal status. Delivery failures are the sink's problem; the
	// engine does not retry.
	DownloadCompleted(ctx context.Context, ev Event)

	// PausedDueToSize is invoked when a download is parked in the
	// queued-for-wifi state because its size exceeds a metered-network
	// ceiling. bypassable reports whether the owner may override the
	// limit and let it proceed anyway.
	PausedDueToSize(ctx context.Context, id int64, bypassable bool)

	// CancelNotification withdraws any user-visible notification for the
	// download, for example when its row is deleted or hidden.
	CancelNotification(id int64)
}

// LogSink writes completion events to the context logger. It is the
// default sink when no webhook is configured.
type LogSink struct{}

func (LogSink) DownloadCompleted(ctx context.Context, ev Event) {
	logger := logctx.LoggerFromContext(ctx).With(
		"download_id", ev.ID,
		"status", ev.Status.String(),
	)

	if ev.Mode == download.ModeLegacy && ev.Class == "" {
		// Legacy completions without a target class are dropped, the
		// owner never asked to hear back.
		logger.Debug("download completed without a notification target")

		return
	}

	logger.Info("download completed",
		"package", ev.Package,
		"class", ev.Class,
		"content_uri", ev.ContentURI)
}

func (LogSink) PausedDueToSize(ctx context.Context, id int64, bypassable bool) {
	logctx.LoggerFromContext(ctx).Info("download paused until wifi",
		"download_id", id,
		"bypassable", bypassable)
}

func (LogSink) CancelNotification(id int64) {}

// WebhookSink POSTs completion events as JSON to a configured endpoint.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func (s *WebhookSink) DownloadCompleted(ctx context.Context, ev Event) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", ev.ID)

	if err := s.post(ctx, ev); err != nil {
		logger.Error("failed to deliver completion webhook", "err", err)
	}
}

func (s *WebhookSink) post(ctx context.Context, ev Event) error {
	if s.URL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

func (s *WebhookSink) PausedDueToSize(ctx context.Context, id int64, bypassable bool) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", id)

	ev := Event{ID: id, Status: download.StatusQueuedForWifi}
	if err := s.post(ctx, ev); err != nil {
		logger.Error("failed to deliver size-pause webhook", "err", err)
	}
}

func (s *WebhookSink) CancelNotification(id int64) {}

// Multi fans every event out to all wrapped sinks.
type Multi []Sink

func (m Multi) DownloadCompleted(ctx context.Context, ev Event) {
	for _, s := range m {
		s.DownloadCompleted(ctx, ev)
	}
}

func (m Multi) PausedDueToSize(ctx context.Context, id int64, bypassable bool) {
	for _, s := range m {
		s.PausedDueToSize(ctx, id, bypassable)
	}
}

func (m Multi) CancelNotification(id int64) {
	for _, s := range m {
		s.CancelNotification(id)
	}
}
