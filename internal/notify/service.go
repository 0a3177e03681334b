package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AdrianFeng10086/RuralCareAI/internal/crisis"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

// Service emails supervisors about crisis alerts.
type Service struct {
	email       EmailSender
	recipients  []string
	minSeverity crisis.Severity
	logger      *logging.Logger
}

// NewService creates a notification service. Alerts below minSeverity are
// skipped; an empty or unknown minSeverity means critical only.
func NewService(email EmailSender, recipients []string, minSeverity crisis.Severity, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if minSeverity.Rank() == 0 {
		minSeverity = crisis.SeverityCritical
	}
	return &Service{
		email:       email,
		recipients:  recipients,
		minSeverity: minSeverity,
		logger:      logger,
	}
}

// Enabled reports whether there is anyone to notify.
func (s *Service) Enabled() bool {
	return s != nil && s.email != nil && len(s.recipients) > 0
}

// NotifyCrisisAlert emails every recipient. Failures for individual recipients
// are joined into the returned error; the rest are still attempted.
func (s *Service) NotifyCrisisAlert(ctx context.Context, alert crisis.Alert) error {
	if !s.Enabled() {
		return nil
	}
	if !alert.Severity.AtLeast(s.minSeverity) {
		s.logger.Debug("notify: alert below threshold", "alert_id", alert.ID, "severity", alert.Severity)
		return nil
	}

	subject := fmt.Sprintf("[%s] %s alert for session %s", strings.ToUpper(string(alert.Severity)), alert.Category, alert.SessionID)
	body := formatAlertBody(alert)

	var errs []error
	for _, to := range s.recipients {
		msg := EmailMessage{To: to, Subject: subject, Body: body, Category: "crisis-alert"}
		if err := s.email.Send(ctx, msg); err != nil {
			s.logger.Error("notify: crisis alert email failed", "alert_id", alert.ID, "to", to, "error", err)
			errs = append(errs, fmt.Errorf("notify: %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

func formatAlertBody(a crisis.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A crisis indicator needs review.\n\n")
	fmt.Fprintf(&b, "Category: %s\n", a.Category)
	fmt.Fprintf(&b, "Severity: %s\n", a.Severity)
	if a.ChildID != "" {
		fmt.Fprintf(&b, "Child: %s\n", a.ChildID)
	}
	fmt.Fprintf(&b, "Session: %s (turn %d)\n", a.SessionID, a.TurnOrdinal)
	fmt.Fprintf(&b, "Detected: %s\n", a.CreatedAt.Format(time.RFC3339))
	if len(a.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(a.Keywords, ", "))
	}
	fmt.Fprintf(&b, "\nExcerpt:\n%s\n", a.Excerpt)
	fmt.Fprintf(&b, "\n%s\n", a.Summary)
	return b.String()
}
