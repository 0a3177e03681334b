package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/AdrianFeng10086/RuralCareAI/internal/alerts"
	"github.com/AdrianFeng10086/RuralCareAI/internal/store"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

const (
	maxChatBody         = 64 << 10
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// Service is the part of the Engine the HTTP layer needs.
type Service interface {
	StartSession(ctx context.Context, childID, childName string) (store.Session, string, error)
	HandleTurn(ctx context.Context, req TurnRequest) (TurnResult, error)
	History(ctx context.Context, sessionID string, limit int) ([]store.Turn, error)
}

// StartSessionRequest is the body of POST /api/sessions.
type StartSessionRequest struct {
	ChildID   string `json:"child_id"`
	ChildName string `json:"child_name"`
}

type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	Intro     string `json:"intro"`
}

// ChatRequest is the body of POST /api/chat. An empty session id starts a
// guest session.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	ChildID   string `json:"child_id"`
	ChildName string `json:"child_name"`
	Message   string `json:"message"`
	Web       *bool  `json:"enable_web_retrieval,omitempty"`
}

// Handler wires HTTP requests to the dialogue engine.
type Handler struct {
	service Service
	logger  *logging.Logger
}

func NewHandler(service Service, logger *logging.Logger) *Handler {
	if service == nil {
		panic("dialogue: service cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

// StartSession handles POST /api/sessions.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session, intro, err := h.service.StartSession(r.Context(), req.ChildID, req.ChildName)
	if err != nil {
		h.logger.Error("failed to start session", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	h.writeJSON(w, http.StatusCreated, StartSessionResponse{SessionID: session.ID, Intro: intro})
}

// Chat handles POST /api/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := h.turn(r.Context(), req, nil)
	if err != nil {
		status, msg := h.turnError(err)
		h.writeError(w, status, msg)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ChatStream handles POST /api/chat/stream. It emits progress events while
// the turn runs, then one result or error event, then done.
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sink, err := alerts.NewSSESink(w)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Progress is reported from concurrent retrieval jobs.
	var mu sync.Mutex
	send := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if err := sink.WriteFrame(alerts.Frame{Event: event, Data: data}); err != nil {
			h.logger.Debug("chat stream write failed", "event", event, "error", err)
		}
	}

	result, err := h.turn(r.Context(), req, func(msg string) {
		send("progress", map[string]string{"message": msg})
	})
	if err != nil {
		_, msg := h.turnError(err)
		send("error", map[string]string{"error": msg})
	} else {
		send("result", result)
	}
	send("done", map[string]bool{"ok": err == nil})
}

// History handles GET /api/sessions/{sessionID}/turns.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	turns, err := h.service.History(r.Context(), sessionID, limit)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		h.logger.Error("failed to load history", "session_id", sessionID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "turns": turns, "count": len(turns)})
}

func (h *Handler) turn(ctx context.Context, req ChatRequest, progress func(string)) (TurnResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return TurnResult{}, ErrEmptyMessage
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		session, _, err := h.service.StartSession(ctx, req.ChildID, req.ChildName)
		if err != nil {
			return TurnResult{}, err
		}
		sessionID = session.ID
	}
	return h.service.HandleTurn(ctx, TurnRequest{
		SessionID: sessionID,
		ChildID:   req.ChildID,
		ChildName: req.ChildName,
		Message:   req.Message,
		Web:       req.Web,
		Progress:  progress,
	})
}

// turnError maps an engine error to a status and a message safe to show.
func (h *Handler) turnError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return http.StatusBadRequest, "message is required"
	case errors.Is(err, ErrEngineClosed):
		return http.StatusServiceUnavailable, "service is shutting down"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Info("chat turn abandoned", "error", err)
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		h.logger.Error("failed to process message", "error", err)
		return http.StatusInternalServerError, "failed to process message"
	}
}

func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxChatBody)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to write JSON response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
