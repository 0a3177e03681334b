package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/AdrianFeng10086/RuralCareAI/internal/crisis"
)

const appendTurnAttempts = 3

// db is the subset of pgxpool.Pool the store uses; pgxmock satisfies it in tests.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore persists sessions, turns and alerts in PostgreSQL.
type PGStore struct {
	db  db
	now func() time.Time
}

// NewPGStore builds a Postgres-backed store.
func NewPGStore(pool db) *PGStore {
	if pool == nil {
		panic("store: pgx pool cannot be nil")
	}
	return &PGStore{db: pool, now: time.Now}
}

var _ Store = (*PGStore)(nil)

func (s *PGStore) CreateSession(ctx context.Context, session Session) error {
	if session.ID == "" {
		return errors.New("store: session id required")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = s.now().UTC()
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO dialogue_sessions (id, child_id, child_name, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO NOTHING
	`, session.ID, session.ChildID, session.ChildName, session.CreatedAt); err != nil {
		return fmt.Errorf("store: failed to create session: %w", err)
	}
	return nil
}

func (s *PGStore) GetSession(ctx context.Context, id string) (Session, error) {
	var session Session
	err := s.db.QueryRow(ctx, `
		SELECT id, child_id, child_name, created_at FROM dialogue_sessions WHERE id = $1
	`, id).Scan(&session.ID, &session.ChildID, &session.ChildName, &session.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("store: failed to load session: %w", err)
	}
	return session, nil
}

func (s *PGStore) LoadRecentTurns(ctx context.Context, sessionID string, count int) ([]Turn, error) {
	if count <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, child_id, ordinal, user_message, response, mode, degraded, retry_count, created_at
		FROM (
			SELECT * FROM dialogue_turns WHERE session_id = $1 ORDER BY ordinal DESC LIMIT $2
		) recent
		ORDER BY ordinal ASC
	`, sessionID, count)
	if err != nil {
		return nil, fmt.Errorf("store: failed to load turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.ChildID, &t.Ordinal, &t.UserMessage, &t.Response, &t.Mode, &t.Degraded, &t.RetryCount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: failed to scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to iterate turns: %w", err)
	}
	return turns, nil
}

// AppendTurn assigns the next ordinal inside the INSERT. The unique
// (session_id, ordinal) constraint turns a concurrent writer into a retry.
func (s *PGStore) AppendTurn(ctx context.Context, turn Turn) (Turn, error) {
	if turn.SessionID == "" {
		return Turn{}, errors.New("store: turn session id required")
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now().UTC()
	}

	var lastErr error
	for attempt := 0; attempt < appendTurnAttempts; attempt++ {
		err := s.db.QueryRow(ctx, `
			INSERT INTO dialogue_turns (id, session_id, child_id, ordinal, user_message, response, mode, degraded, retry_count, created_at)
			SELECT $1, $2, $3, COALESCE(MAX(ordinal), 0) + 1, $4, $5, $6, $7, $8, $9
			FROM dialogue_turns WHERE session_id = $2
			RETURNING ordinal
		`, turn.ID, turn.SessionID, turn.ChildID, turn.UserMessage, turn.Response, turn.Mode, turn.Degraded, turn.RetryCount, turn.CreatedAt).Scan(&turn.Ordinal)
		if err == nil {
			return turn, nil
		}
		lastErr = err
		if !isUniqueViolation(err) {
			break
		}
	}
	return Turn{}, fmt.Errorf("store: failed to append turn: %w", lastErr)
}

func (s *PGStore) AppendAlert(ctx context.Context, a crisis.Alert) error {
	if a.ID == "" {
		return errors.New("store: alert id required")
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO crisis_alerts (
			id, session_id, child_id, turn_id, turn_ordinal, category, categories, keywords,
			excerpt, severity, summary, source, created_at, resolved
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, a.ID, a.SessionID, a.ChildID, a.TurnID, a.TurnOrdinal, string(a.Category), categoryStrings(a.Categories), a.Keywords,
		a.Excerpt, string(a.Severity), a.Summary, string(a.Source), a.CreatedAt, a.Resolved); err != nil {
		return fmt.Errorf("store: failed to persist alert: %w", err)
	}
	return nil
}

const alertColumns = `id, session_id, child_id, turn_id, turn_ordinal, category, categories, keywords, excerpt, severity, summary, source, created_at, resolved, resolved_at, notes`

func (s *PGStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]crisis.Alert, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Resolved != nil {
		where = append(where, "resolved = "+arg(*filter.Resolved))
	}
	if filter.ChildID != "" {
		where = append(where, "child_id = "+arg(filter.ChildID))
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = "+arg(filter.SessionID))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		p := arg("%" + escapeLike(q) + "%")
		where = append(where, fmt.Sprintf("(child_id ILIKE %[1]s OR session_id ILIKE %[1]s OR summary ILIKE %[1]s OR excerpt ILIKE %[1]s)", p))
	}

	sql := "SELECT " + alertColumns + " FROM crisis_alerts"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY created_at DESC LIMIT " + arg(filter.limit())

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []crisis.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to iterate alerts: %w", err)
	}
	return alerts, nil
}

func (s *PGStore) CountUnresolved(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM crisis_alerts WHERE resolved = false`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: failed to count alerts: %w", err)
	}
	return n, nil
}

func (s *PGStore) MarkAlertResolved(ctx context.Context, id string, notes string) (crisis.Alert, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE crisis_alerts
		SET resolved = true,
			resolved_at = COALESCE(resolved_at, $2),
			notes = CASE WHEN $3 = '' THEN notes ELSE $3 END
		WHERE id = $1
		RETURNING `+alertColumns,
		id, s.now().UTC(), strings.TrimSpace(notes))
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crisis.Alert{}, ErrNotFound
	}
	return a, err
}

func scanAlert(row pgx.Row) (crisis.Alert, error) {
	var (
		a          crisis.Alert
		category   string
		categories []string
		severity   string
		source     string
		resolvedAt *time.Time
		notes      *string
	)
	if err := row.Scan(&a.ID, &a.SessionID, &a.ChildID, &a.TurnID, &a.TurnOrdinal, &category, &categories, &a.Keywords,
		&a.Excerpt, &severity, &a.Summary, &source, &a.CreatedAt, &a.Resolved, &resolvedAt, &notes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crisis.Alert{}, err
		}
		return crisis.Alert{}, fmt.Errorf("store: failed to scan alert: %w", err)
	}
	a.Category = crisis.Category(category)
	a.Severity = crisis.Severity(severity)
	a.Source = crisis.Source(source)
	for _, c := range categories {
		a.Categories = append(a.Categories, crisis.Category(c))
	}
	a.ResolvedAt = resolvedAt
	if notes != nil {
		a.Notes = *notes
	}
	return a, nil
}

func categoryStrings(cats []crisis.Category) []string {
	out := make([]string, 0, len(cats))
	for _, c := range cats {
		out = append(out, string(c))
	}
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
