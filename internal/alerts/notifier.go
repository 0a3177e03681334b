package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/AdrianFeng10086/RuralCareAI/internal/crisis"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

const defaultNotifyTimeout = 15 * time.Second

// AlertNotifier delivers an alert out of band, e.g. by email.
type AlertNotifier interface {
	NotifyCrisisAlert(ctx context.Context, alert crisis.Alert) error
}

// Notifier is an in-process bus subscriber that forwards alerts to an AlertNotifier.
type Notifier struct {
	bus     *Bus
	target  AlertNotifier
	timeout time.Duration
	logger  *logging.Logger
	done    chan struct{}
}

// NewNotifier creates a notifier; call Start to begin forwarding.
func NewNotifier(bus *Bus, target AlertNotifier, logger *logging.Logger) *Notifier {
	if bus == nil {
		panic("alerts: bus cannot be nil")
	}
	if target == nil {
		panic("alerts: notifier target cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Notifier{bus: bus, target: target, timeout: defaultNotifyTimeout, logger: logger, done: make(chan struct{})}
}

// Start subscribes synchronously, so every alert published after it returns
// is forwarded, then runs until ctx ends or the bus closes.
func (n *Notifier) Start(ctx context.Context) error {
	sub, err := n.bus.Subscribe()
	if err != nil {
		return err
	}
	go n.run(ctx, sub)
	return nil
}

// Done is closed when the forwarding loop exits.
func (n *Notifier) Done() <-chan struct{} {
	return n.done
}

func (n *Notifier) run(ctx context.Context, sub *Subscription) {
	defer close(n.done)
	defer n.bus.Unsubscribe(sub)

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrSubscriptionClosed) {
				n.logger.Warn("alert notifier stopped", "error", err)
			}
			return
		}
		switch ev.Kind {
		case EventGap:
			n.logger.Warn("alert notifier fell behind", "missed", ev.Missed)
		case EventAlert:
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
			if err := n.target.NotifyCrisisAlert(sendCtx, ev.Alert); err != nil {
				n.logger.Error("alert notification failed", "alert_id", ev.Alert.ID, "error", err)
			}
			cancel()
		}
	}
}
