// Package api is the control surface of the download engine: enqueue,
// inspect, pause, resume, cancel and restart downloads over HTTP. Every
// mutation goes through the store; the scheduler reacts to the store's
// change notifications, so no handler talks to it directly.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/yxl/DownloadProvider/internal/download"
	"github.com/yxl/DownloadProvider/internal/logctx"
	"github.com/yxl/DownloadProvider/internal/storage"
	"github.com/yxl/DownloadProvider/internal/telemetry"
)

// Handler serves the download control API.
type Handler struct {
	store     storage.Store
	telemetry *telemetry.Telemetry
}

func NewHandler(store storage.Store, t *telemetry.Telemetry) *Handler {
	return &Handler{store: store, telemetry: t}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(h.telemetry).Middleware)

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", h.telemetry.Handler())

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.handleEnqueue)
		r.Get("/", h.handleList)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Post("/pause", h.handlePause)
			r.Post("/resume", h.handleResume)
			r.Post("/cancel", h.handleCancel)
			r.Post("/restart", h.handleRestart)
		})
	})

	return r
}

type headerEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type enqueueRequest struct {
	URL         string `json:"url"`
	Hint        string `json:"hint,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Destination string `json:"destination,omitempty"`
	Visibility  string `json:"visibility,omitempty"`

	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Package string `json:"package,omitempty"`
	Class   string `json:"class,omitempty"`
	Extras  string `json:"extras,omitempty"`

	Cookies   string `json:"cookies,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Referer   string `json:"referer,omitempty"`

	NoIntegrity bool `json:"no_integrity,omitempty"`

	AllowedNetworkTypes    int  `json:"allowed_network_types,omitempty"`
	AllowRoaming           bool `json:"allow_roaming,omitempty"`
	BypassRecommendedLimit bool `json:"bypass_recommended_limit,omitempty"`

	Headers []headerEntry `json:"headers,omitempty"`
}

type downloadView struct {
	ID           int64  `json:"id"`
	URL          string `json:"url"`
	FileName     string `json:"file_name,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	Status       int    `json:"status"`
	StatusText   string `json:"status_text"`
	ErrorReason  string `json:"error_reason,omitempty"`
	Paused       bool   `json:"paused"`
	CurrentBytes int64  `json:"current_bytes"`
	TotalBytes   int64  `json:"total_bytes"`
	Size         string `json:"size,omitempty"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	LastModified string `json:"last_modified"`
}

func viewFromRow(row *storage.Row) downloadView {
	v := downloadView{
		ID:           row.ID,
		URL:          row.URI,
		FileName:     row.FileName,
		MimeType:     row.MimeType,
		Status:       int(row.Status),
		StatusText:   row.Status.String(),
		Paused:       row.Control == download.ControlPaused,
		CurrentBytes: row.CurrentBytes,
		TotalBytes:   row.TotalBytes,
		Title:        row.Title,
		Description:  row.Description,
		LastModified: row.LastMod.Format(time.RFC3339),
	}

	if row.Status.IsError() {
		v.ErrorReason = row.Status.ErrorCategory()
	}

	if row.TotalBytes > 0 {
		v.Size = humanize.Bytes(uint64(row.TotalBytes))
	}

	return v
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")

		return
	}

	row, err := rowFromRequest(&req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())

		return
	}

	id, err := h.store.Insert(r.Context(), row)
	if err != nil {
		logger.Error("failed to insert download", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to enqueue download")

		return
	}

	logger.Info("download enqueued", "download_id", id, "uri", row.URI)

	created, err := h.store.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read back download")

		return
	}

	respondJSON(w, http.StatusCreated, viewFromRow(created))
}

func rowFromRequest(req *enqueueRequest) (*storage.Row, error) {
	mode, err := parseMode(req.Mode)
	if err != nil {
		return nil, err
	}

	dest, err := parseDestination(req.Destination)
	if err != nil {
		return nil, err
	}

	vis, err := parseVisibility(req.Visibility)
	if err != nil {
		return nil, err
	}

	headers := make([]download.Header, 0, len(req.Headers))
	for _, hdr := range req.Headers {
		if hdr.Name == "" {
			return nil, errors.New("header name must not be empty")
		}

		headers = append(headers, download.Header{Name: hdr.Name, Value: hdr.Value})
	}

	allowedTypes := req.AllowedNetworkTypes
	if mode == download.ModePublic && allowedTypes == 0 {
		allowedTypes = download.NetworkMetered | download.NetworkWifi
	}

	return &storage.Row{
		URI:                  req.URL,
		Hint:                 req.Hint,
		MimeType:             req.MimeType,
		Mode:                 mode,
		Destination:          dest,
		Visibility:           vis,
		Status:               download.StatusPending,
		Control:              download.ControlRun,
		Title:                req.Title,
		Description:          req.Description,
		Package:              req.Package,
		Class:                req.Class,
		Extras:               req.Extras,
		Cookies:              req.Cookies,
		UserAgent:            req.UserAgent,
		Referer:              req.Referer,
		NoIntegrity:          req.NoIntegrity,
		AllowedNetworkTypes:  allowedTypes,
		AllowRoaming:         req.AllowRoaming,
		BypassRecommendedLim: req.BypassRecommendedLimit,
		TotalBytes:           -1,
		Headers:              headers,
	}, nil
}

func parseMode(s string) (download.Mode, error) {
	switch s {
	case "", "legacy":
		return download.ModeLegacy, nil
	case "public":
		return download.ModePublic, nil
	}

	return 0, fmt.Errorf("unknown mode %q", s)
}

func parseDestination(s string) (download.Destination, error) {
	switch s {
	case "", "internal":
		return download.DestinationInternal, nil
	case "external":
		return download.DestinationExternal, nil
	case "file":
		return download.DestinationFileURI, nil
	}

	return 0, fmt.Errorf("unknown destination %q", s)
}

func parseVisibility(s string) (download.Visibility, error) {
	switch s {
	case "", "visible":
		return download.VisibilityVisible, nil
	case "visible_notify_completed":
		return download.VisibilityVisibleNotifyCompleted, nil
	case "hidden":
		return download.VisibilityHidden, nil
	}

	return 0, fmt.Errorf("unknown visibility %q", s)
}

// handleList returns all downloads, optionally narrowed by a restricted
// filter expression with '?' placeholders bound from repeated arg
// parameters.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var (
		rows []storage.Row
		err  error
	)

	if filter := r.URL.Query().Get("filter"); filter != "" {
		args := make([]any, 0)
		for _, a := range r.URL.Query()["arg"] {
			args = append(args, a)
		}

		rows, err = h.store.List(r.Context(), filter, args...)
	} else {
		rows, err = h.store.All(r.Context())
	}

	if err != nil {
		if errors.Is(err, storage.ErrInvalidSelection) {
			respondError(w, http.StatusBadRequest, err.Error())

			return
		}

		logger.Error("failed to list downloads", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to list downloads")

		return
	}

	views := make([]downloadView, 0, len(rows))
	for i := range rows {
		if rows[i].Deleted {
			continue
		}

		views = append(views, viewFromRow(&rows[i]))
	}

	respondJSON(w, http.StatusOK, views)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	row, ok := h.lookup(w, r)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, viewFromRow(row))
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	row, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if row.Status.IsCompleted() {
		respondError(w, http.StatusConflict, "download already finished")

		return
	}

	if err := h.store.SetControl(r.Context(), row.ID, download.ControlPaused); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to pause download")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	row, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if err := h.store.SetControl(r.Context(), row.ID, download.ControlRun); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to resume download")

		return
	}

	// A paused transfer parks as paused-by-app; requeue it so the
	// scheduler considers it again.
	if row.Status == download.StatusPausedByApp {
		if err := h.store.UpdateStatus(r.Context(), row.ID, download.StatusPending); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to resume download")

			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	row, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if err := h.store.MarkDeleted(r.Context(), row.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to cancel download")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRestart(w http.ResponseWriter, r *http.Request) {
	row, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if err := h.store.Restart(r.Context(), row.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to restart download")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*storage.Row, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid download id")

		return nil, false
	}

	row, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "download not found")

			return nil, false
		}

		logctx.LoggerFromContext(r.Context()).Error("failed to load download", "download_id", id, "err", err)
		respondError(w, http.StatusInternalServerError, "failed to load download")

		return nil, false
	}

	if row.Deleted {
		respondError(w, http.StatusNotFound, "download not found")

		return nil, false
	}

	return row, true
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
