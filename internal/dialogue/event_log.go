package dialogue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

// TurnEvent is one structured entry in a turn's lifecycle. Every event shares
// the same base fields so a session can be followed with a single grep:
//
//	grep '"session_id":"3f2a..."' /var/log/ruralcare.log
type TurnEvent struct {
	Time      string         `json:"time"`
	Event     string         `json:"event"`
	SessionID string         `json:"session_id"`
	ChildID   string         `json:"child_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventLogger writes TurnEvents as JSON log lines.
type EventLogger struct {
	logger *logging.Logger
	now    func() time.Time
}

func NewEventLogger(logger *logging.Logger) *EventLogger {
	return &EventLogger{logger: logger, now: time.Now}
}

func (e *EventLogger) Log(_ context.Context, event, sessionID, childID string, data map[string]any) {
	if e == nil || e.logger == nil {
		return
	}
	b, err := json.Marshal(TurnEvent{
		Time:      e.now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		SessionID: sessionID,
		ChildID:   childID,
		Data:      data,
	})
	if err != nil {
		e.logger.Warn("turn event not encodable", "event", event, "error", err)
		return
	}
	e.logger.Info(string(b))
}

func (e *EventLogger) TurnReceived(ctx context.Context, sessionID, childID, message string) {
	runes := []rune(message)
	if len(runes) > 100 {
		message = string(runes[:100]) + "..."
	}
	e.Log(ctx, "turn_received", sessionID, childID, map[string]any{
		"message": message,
		"chars":   len(runes),
	})
}

func (e *EventLogger) RetrievalCompleted(ctx context.Context, sessionID, childID string, snippets, blockChars int, provenance []string, sourceErrors map[string]string) {
	data := map[string]any{
		"snippets":    snippets,
		"block_chars": blockChars,
		"provenance":  provenance,
	}
	if len(sourceErrors) > 0 {
		data["source_errors"] = sourceErrors
	}
	e.Log(ctx, "retrieval_completed", sessionID, childID, data)
}

func (e *EventLogger) ValidationFailed(ctx context.Context, sessionID, childID string, attempt int, reason string) {
	e.Log(ctx, "validation_failed", sessionID, childID, map[string]any{
		"attempt": attempt,
		"reason":  reason,
	})
}

func (e *EventLogger) FallbackUsed(ctx context.Context, sessionID, childID string, attempts int, crisis bool) {
	e.Log(ctx, "fallback_used", sessionID, childID, map[string]any{
		"attempts": attempts,
		"crisis":   crisis,
	})
}

func (e *EventLogger) CrisisDetected(ctx context.Context, sessionID, childID, alertID, category, severity string, ordinal int) {
	e.Log(ctx, "crisis_detected", sessionID, childID, map[string]any{
		"alert_id": alertID,
		"category": category,
		"severity": severity,
		"ordinal":  ordinal,
	})
}

func (e *EventLogger) TurnPersistFailed(ctx context.Context, sessionID, childID, kind string, err error) {
	e.Log(ctx, "turn_persist_failed", sessionID, childID, map[string]any{
		"kind":  kind,
		"error": err.Error(),
	})
}
