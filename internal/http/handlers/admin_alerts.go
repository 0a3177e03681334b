package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/AdrianFeng10086/RuralCareAI/internal/alerts"
	"github.com/AdrianFeng10086/RuralCareAI/internal/http/middleware"
	"github.com/AdrianFeng10086/RuralCareAI/internal/store"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

const maxResolveBody = 16 << 10

// AdminAlertsHandler serves the supervisor console: alert listing,
// resolution and the live alert stream.
type AdminAlertsHandler struct {
	store       store.AlertStore
	broadcaster *alerts.Broadcaster
	upgrader    websocket.Upgrader
	logger      *logging.Logger
}

// NewAdminAlertsHandler wires the alert store and live broadcaster.
// allowedOrigins gates WebSocket upgrades; "*" accepts any origin.
func NewAdminAlertsHandler(st store.AlertStore, broadcaster *alerts.Broadcaster, allowedOrigins []string, logger *logging.Logger) *AdminAlertsHandler {
	if st == nil {
		panic("handlers: alert store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminAlertsHandler{
		store:       st,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     middleware.NewOrigins(allowedOrigins).CheckRequest,
		},
		logger: logger,
	}
}

type alertListResponse struct {
	Alerts any `json:"alerts"`
	Count  int `json:"count"`
}

// List handles GET /admin/alerts?status=&q=&child_id=&session_id=&limit=.
func (h *AdminAlertsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AlertFilter{
		ChildID:   strings.TrimSpace(q.Get("child_id")),
		SessionID: strings.TrimSpace(q.Get("session_id")),
		Query:     strings.TrimSpace(q.Get("q")),
	}

	switch strings.ToLower(strings.TrimSpace(q.Get("status"))) {
	case "", "all":
	case "unresolved", "pending", "open":
		filter.Resolved = store.BoolPtr(false)
	case "resolved":
		filter.Resolved = store.BoolPtr(true)
	default:
		writeError(w, http.StatusBadRequest, "status must be all, unresolved or resolved")
		return
	}

	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	list, err := h.store.ListAlerts(r.Context(), filter)
	if err != nil {
		h.logger.Error("admin alerts: list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, alertListResponse{Alerts: list, Count: len(list)})
}

// PendingCount handles GET /admin/alerts/pending-count.
func (h *AdminAlertsHandler) PendingCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.CountUnresolved(r.Context())
	if err != nil {
		h.logger.Error("admin alerts: count failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to count alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": n})
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

// Resolve handles POST /admin/alerts/{alertID}/resolve. The body is optional.
func (h *AdminAlertsHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	alertID := strings.TrimSpace(chi.URLParam(r, "alertID"))
	if alertID == "" {
		writeError(w, http.StatusBadRequest, "alert id required")
		return
	}

	var req resolveRequest
	if r.Body != nil {
		err := json.NewDecoder(io.LimitReader(r.Body, maxResolveBody)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	alert, err := h.store.MarkAlertResolved(r.Context(), alertID, strings.TrimSpace(req.Notes))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		h.logger.Error("admin alerts: resolve failed", "alert_id", alertID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve alert")
		return
	}

	h.logger.Info("crisis alert resolved",
		"alert_id", alertID,
		"session_id", alert.SessionID,
		"resolved_by", middleware.AdminSubject(r.Context()),
	)
	writeJSON(w, http.StatusOK, alert)
}

// Stream handles GET /admin/alerts/stream as Server-Sent Events.
func (h *AdminAlertsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.broadcaster == nil {
		writeError(w, http.StatusServiceUnavailable, "live alerts disabled")
		return
	}
	sink, err := alerts.NewSSESink(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if err := h.broadcaster.Serve(r.Context(), sink); err != nil && !errors.Is(err, alerts.ErrSubscriptionClosed) {
		h.logger.Debug("admin alerts: sse viewer dropped", "error", err)
	}
}

// WebSocket handles GET /admin/alerts/ws.
func (h *AdminAlertsHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.broadcaster == nil {
		writeError(w, http.StatusServiceUnavailable, "live alerts disabled")
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("admin alerts: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Viewers never send data; reading only detects the close.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer cancel()
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.broadcaster.Serve(ctx, alerts.NewWebSocketSink(conn)); err != nil && !errors.Is(err, alerts.ErrSubscriptionClosed) {
		h.logger.Debug("admin alerts: websocket viewer dropped", "error", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadlineSoon())
	_ = conn.Close()
	<-readDone
}
