// Package dialogue runs one conversational turn end to end: context
// assembly, generation under an output contract, crisis detection and
// persistence.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/AdrianFeng10086/RuralCareAI/internal/crisis"
	"github.com/AdrianFeng10086/RuralCareAI/internal/observability/metrics"
	"github.com/AdrianFeng10086/RuralCareAI/internal/store"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

var tracer = otel.Tracer("ruralcare/dialogue")

var (
	ErrEmptyMessage   = errors.New("dialogue: message is empty")
	ErrMissingSession = errors.New("dialogue: session id is required")
	ErrEngineClosed   = errors.New("dialogue: engine closed")
)

// IntroMessage greets a child when a session starts.
const IntroMessage = "我是小益，SFBT咨询师。我会倾听你的需求和感受，用耐心陪伴你一起探索改变的方法。我们可能会一起尝试一些简单的小活动，找到让你感觉更好的方式。如果你愿意分享你的经历或感受，随时可以告诉我。让我们一起慢慢成长，找到属于你的小小改变！"

const (
	FallbackReply       = "我在这里陪着你。你愿意多说一点吗？"
	CrisisFallbackReply = "我听到你现在正经历着很难受、很不安全的事情，我真的很在乎你。先要保证你现在是尽量安全的：如果此刻真的很危险，可以尽快联系一个你稍微信任一点的大人，比如亲戚、老师、学校的心理老师，或者拨打 110/120，心理热线 12355 也可以先试着打一下。在保证安全的前提下，我们也可以一点点想一想：此刻有没有哪一个人、哪一个地方，能让你觉得哪怕只安全一点点、好受一点点？"
)

const (
	defaultMaxConcurrentTurns = 16
	persistTimeout            = 5 * time.Second
)

// CrisisScanner finds crisis indicators in turn text.
type CrisisScanner interface {
	Scan(text string) []crisis.Hit
	Detect(ctx context.Context, in crisis.Input) *crisis.Alert
}

// AlertPublisher hands alerts to live subscribers.
type AlertPublisher interface {
	Publish(alert crisis.Alert) uint64
}

// TurnRequest is one incoming user message.
type TurnRequest struct {
	SessionID string
	ChildID   string
	ChildName string
	Message   string
	Web       *bool
	// Progress receives human-readable status updates while the turn runs.
	Progress func(string)
}

// TurnResult is what the caller shows the child. Warnings lists persistence
// problems that did not stop the reply.
type TurnResult struct {
	SessionID   string        `json:"session_id"`
	TurnID      string        `json:"turn_id"`
	Ordinal     int           `json:"ordinal"`
	Reply       string        `json:"reply"`
	Explanation string        `json:"explanation,omitempty"`
	Mode        Mode          `json:"mode"`
	Stage       string        `json:"stage"`
	Degraded    bool          `json:"degraded"`
	RetryCount  int           `json:"retry_count"`
	Sources     []string      `json:"sources,omitempty"`
	Alert       *crisis.Alert `json:"-"`
	Crisis      bool          `json:"crisis"`
	Warnings    []string      `json:"warnings,omitempty"`
}

// EngineDeps wires an Engine. Store, Builder, Validator and Scanner are required.
type EngineDeps struct {
	Store              store.Store
	Builder            *ContextBuilder
	Validator          *OutputValidator
	Scanner            CrisisScanner
	Publisher          AlertPublisher
	MaxConcurrentTurns int64
	Metrics            *metrics.DialogueMetrics
	Logger             *logging.Logger
}

// Engine orchestrates turns. Turns for one session run strictly in arrival
// order; different sessions run in parallel up to MaxConcurrentTurns.
type Engine struct {
	store     store.Store
	builder   *ContextBuilder
	validator *OutputValidator
	scanner   CrisisScanner
	publisher AlertPublisher
	seq       *Sequencer
	sem       *semaphore.Weighted
	events    *EventLogger
	metrics   *metrics.DialogueMetrics
	logger    *logging.Logger
	now       func() time.Time

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

func NewEngine(deps EngineDeps) *Engine {
	if deps.Store == nil {
		panic("dialogue: store cannot be nil")
	}
	if deps.Builder == nil {
		panic("dialogue: context builder cannot be nil")
	}
	if deps.Validator == nil {
		panic("dialogue: validator cannot be nil")
	}
	if deps.Scanner == nil {
		panic("dialogue: crisis scanner cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.MaxConcurrentTurns <= 0 {
		deps.MaxConcurrentTurns = defaultMaxConcurrentTurns
	}
	return &Engine{
		store:     deps.Store,
		builder:   deps.Builder,
		validator: deps.Validator,
		scanner:   deps.Scanner,
		publisher: deps.Publisher,
		seq:       NewSequencer(),
		sem:       semaphore.NewWeighted(deps.MaxConcurrentTurns),
		events:    NewEventLogger(deps.Logger),
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       time.Now,
	}
}

// StartSession records a new session and returns it with the greeting.
func (e *Engine) StartSession(ctx context.Context, childID, childName string) (store.Session, string, error) {
	session := store.Session{
		ID:        uuid.NewString(),
		ChildID:   strings.TrimSpace(childID),
		ChildName: strings.TrimSpace(childName),
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.CreateSession(ctx, session); err != nil {
		return store.Session{}, "", fmt.Errorf("dialogue: start session: %w", err)
	}
	return session, IntroMessage, nil
}

// History returns up to limit recent turns of a session, oldest first.
func (e *Engine) History(ctx context.Context, sessionID string, limit int) ([]store.Turn, error) {
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.store.LoadRecentTurns(ctx, sessionID, limit)
}

// HandleTurn processes one message. The reply is always returned unless ctx
// is cancelled or the request itself is invalid.
func (e *Engine) HandleTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return TurnResult{}, ErrEmptyMessage
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return TurnResult{}, ErrMissingSession
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return TurnResult{}, ErrEngineClosed
	}
	e.inflight.Add(1)
	e.mu.Unlock()
	defer e.inflight.Done()

	ctx, span := tracer.Start(ctx, "dialogue.HandleTurn")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", req.SessionID))
	started := e.now()

	release, err := e.seq.Acquire(ctx, req.SessionID)
	if err != nil {
		return TurnResult{}, err
	}
	defer release()
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return TurnResult{}, err
	}
	defer e.sem.Release(1)

	e.events.TurnReceived(ctx, req.SessionID, req.ChildID, message)
	var warnings []string
	if w := e.ensureSession(ctx, req); w != "" {
		warnings = append(warnings, w)
	}

	prescan := e.scanner.Scan(message)
	cc, err := e.builder.Build(ctx, BuildInput{
		SessionID: req.SessionID,
		ChildName: req.ChildName,
		Message:   message,
		Web:       req.Web,
		Crisis:    prescan,
		Progress:  req.Progress,
	})
	if err != nil {
		return TurnResult{}, err
	}
	if cc.HistoryError != nil {
		warnings = append(warnings, "history unavailable")
	}
	e.events.RetrievalCompleted(ctx, req.SessionID, req.ChildID, len(cc.Retrieval.Snippets), len([]rune(cc.Retrieval.Block)), cc.Retrieval.Provenance, cc.Retrieval.SourceErrors)

	fallback := FallbackReply
	if cc.Crisis {
		fallback = CrisisFallbackReply
	}
	outcome, err := e.validator.Run(ctx, cc.Request(), fallback)
	if err != nil {
		return TurnResult{}, err
	}
	for i, reason := range outcome.Reasons {
		e.events.ValidationFailed(ctx, req.SessionID, req.ChildID, i+1, reason)
	}
	if outcome.Degraded {
		e.events.FallbackUsed(ctx, req.SessionID, req.ChildID, outcome.Attempts, cc.Crisis)
	}

	result := TurnResult{
		SessionID:   req.SessionID,
		Reply:       outcome.Text,
		Explanation: outcome.Explanation,
		Mode:        cc.Mode,
		Stage:       cc.Stage,
		Degraded:    outcome.Degraded,
		RetryCount:  outcome.RetryCount,
		Sources:     cc.Retrieval.Provenance,
	}

	// The reply is committed; persistence and alerting finish even if the
	// caller goes away.
	turnID := uuid.NewString()
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	turn, err := e.store.AppendTurn(persistCtx, store.Turn{
		ID:          turnID,
		SessionID:   req.SessionID,
		ChildID:     req.ChildID,
		UserMessage: message,
		Response:    outcome.Text,
		Mode:        string(cc.Mode),
		Degraded:    outcome.Degraded,
		RetryCount:  outcome.RetryCount,
		CreatedAt:   e.now().UTC(),
	})
	if err != nil {
		warnings = append(warnings, "turn not saved")
		e.metrics.ObservePersistFailure("turn")
		e.events.TurnPersistFailed(ctx, req.SessionID, req.ChildID, "turn", err)
		turn = store.Turn{ID: turnID}
	}
	result.TurnID = turn.ID
	result.Ordinal = turn.Ordinal

	alert := e.scanner.Detect(persistCtx, crisis.Input{
		SessionID:   req.SessionID,
		ChildID:     req.ChildID,
		TurnID:      turn.ID,
		TurnOrdinal: turn.Ordinal,
		UserMessage: message,
		Response:    outcome.Text,
	})
	if alert != nil {
		result.Alert = alert
		result.Crisis = true
		if err := e.store.AppendAlert(persistCtx, *alert); err != nil {
			warnings = append(warnings, "alert not saved")
			e.metrics.ObservePersistFailure("alert")
			e.events.TurnPersistFailed(ctx, req.SessionID, req.ChildID, "alert", err)
		}
		e.metrics.ObserveCrisisAlert(string(alert.Category), string(alert.Severity))
		e.events.CrisisDetected(ctx, req.SessionID, req.ChildID, alert.ID, string(alert.Category), string(alert.Severity), alert.TurnOrdinal)
		if e.publisher != nil {
			e.publisher.Publish(*alert)
		}
	}

	result.Warnings = warnings
	e.metrics.ObserveTurn(string(cc.Mode), outcome.Degraded, e.now().Sub(started).Seconds())
	span.SetAttributes(
		attribute.String("dialogue.mode", string(cc.Mode)),
		attribute.Bool("dialogue.degraded", outcome.Degraded),
		attribute.Int("dialogue.retry_count", outcome.RetryCount),
		attribute.Bool("dialogue.crisis", alert != nil),
	)
	return result, nil
}

// ensureSession creates the session on first use so turns for an id the
// store has never seen are still kept.
func (e *Engine) ensureSession(ctx context.Context, req TurnRequest) string {
	_, err := e.store.GetSession(ctx, req.SessionID)
	if err == nil {
		return ""
	}
	if errors.Is(err, store.ErrNotFound) {
		err = e.store.CreateSession(ctx, store.Session{
			ID:        req.SessionID,
			ChildID:   req.ChildID,
			ChildName: req.ChildName,
			CreatedAt: e.now().UTC(),
		})
		if err == nil {
			return ""
		}
	}
	e.logger.Warn("session record unavailable", "session_id", req.SessionID, "error", err)
	return "session not saved"
}

// Close stops accepting turns and waits for in-flight ones to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.inflight.Wait()
}
