// Package store persists dialogue turns, sessions and crisis alerts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/AdrianFeng10086/RuralCareAI/internal/crisis"
)

// ErrNotFound is returned when a session or alert does not exist.
var ErrNotFound = errors.New("store: not found")

// DefaultAlertLimit caps alert listings when the caller does not ask for a size.
const DefaultAlertLimit = 300

const maxAlertLimit = 1000

// Session identifies one conversation with a child.
type Session struct {
	ID        string    `json:"id"`
	ChildID   string    `json:"child_id,omitempty"`
	ChildName string    `json:"child_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Turn is one user message paired with its generated response. Ordinal is
// assigned by the store on append and starts at 1 for every session.
type Turn struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	ChildID     string    `json:"child_id,omitempty"`
	Ordinal     int       `json:"ordinal"`
	UserMessage string    `json:"user_message"`
	Response    string    `json:"response"`
	Mode        string    `json:"mode"`
	Degraded    bool      `json:"degraded"`
	RetryCount  int       `json:"retry_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// TurnStore loads and appends conversation turns.
type TurnStore interface {
	// LoadRecentTurns returns at most count turns, oldest first.
	LoadRecentTurns(ctx context.Context, sessionID string, count int) ([]Turn, error)
	// AppendTurn persists a turn and returns it with its assigned ordinal.
	AppendTurn(ctx context.Context, turn Turn) (Turn, error)
}

// SessionStore records session metadata.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
}

// AlertFilter narrows an alert listing.
type AlertFilter struct {
	// Resolved nil lists every alert.
	Resolved  *bool
	ChildID   string
	SessionID string
	// Query matches child, session, summary and excerpt case-insensitively.
	Query string
	Limit int
}

// AlertStore persists crisis alerts and their resolution.
type AlertStore interface {
	AppendAlert(ctx context.Context, alert crisis.Alert) error
	ListAlerts(ctx context.Context, filter AlertFilter) ([]crisis.Alert, error)
	CountUnresolved(ctx context.Context) (int, error)
	MarkAlertResolved(ctx context.Context, id string, notes string) (crisis.Alert, error)
}

// Store bundles every persistence capability the service needs.
type Store interface {
	TurnStore
	SessionStore
	AlertStore
}

func (f AlertFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultAlertLimit
	case f.Limit > maxAlertLimit:
		return maxAlertLimit
	default:
		return f.Limit
	}
}

// BoolPtr is a small helper for building filters.
func BoolPtr(v bool) *bool {
	return &v
}
