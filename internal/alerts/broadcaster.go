package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

const defaultHeartbeat = 20 * time.Second

// Frame is one serialized delivery unit written to a live connection.
type Frame struct {
	Event string
	ID    string
	Data  []byte
}

// Sink accepts frames for one connected viewer. A write error means the
// viewer is gone.
type Sink interface {
	WriteFrame(f Frame) error
}

// Broadcaster turns bus subscriptions into framed live streams with heartbeats.
type Broadcaster struct {
	bus       *Bus
	heartbeat time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

// NewBroadcaster creates a broadcaster. A non-positive heartbeat uses the default.
func NewBroadcaster(bus *Bus, heartbeat time.Duration, logger *logging.Logger) *Broadcaster {
	if bus == nil {
		panic("alerts: bus cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Broadcaster{bus: bus, heartbeat: heartbeat, logger: logger, now: time.Now}
}

type readyPayload struct {
	SubscriberID     string `json:"subscriber_id"`
	HeartbeatSeconds int    `json:"heartbeat_seconds"`
}

type gapPayload struct {
	Missed int `json:"missed"`
}

type heartbeatPayload struct {
	TS int64 `json:"ts"`
}

// Serve subscribes, then streams frames to sink until ctx ends, the bus
// closes or a write fails. The subscription is always released on return.
// A cancelled ctx is a normal disconnect and returns nil.
func (b *Broadcaster) Serve(ctx context.Context, sink Sink) error {
	sub, err := b.bus.Subscribe()
	if err != nil {
		return err
	}
	defer b.bus.Unsubscribe(sub)

	logger := b.logger.With("subscriber_id", sub.ID())
	logger.Info("live alert channel opened")
	defer logger.Info("live alert channel closed", "dropped", sub.Dropped())

	ready, _ := json.Marshal(readyPayload{SubscriberID: sub.ID(), HeartbeatSeconds: int(b.heartbeat / time.Second)})
	if err := sink.WriteFrame(Frame{Event: string(EventReady), Data: ready}); err != nil {
		return fmt.Errorf("alerts: write ready frame: %w", err)
	}

	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return ErrSubscriptionClosed
		case <-ticker.C:
			hb, _ := json.Marshal(heartbeatPayload{TS: b.now().Unix()})
			if err := sink.WriteFrame(Frame{Event: string(EventHeartbeat), Data: hb}); err != nil {
				logger.Info("live alert channel write failed", "error", err)
				return fmt.Errorf("alerts: write heartbeat: %w", err)
			}
		case <-sub.Notify():
			if err := b.drain(sub, sink); err != nil {
				logger.Info("live alert channel write failed", "error", err)
				return err
			}
		}
	}
}

func (b *Broadcaster) drain(sub *Subscription, sink Sink) error {
	for {
		ev, ok := sub.TryNext()
		if !ok {
			return nil
		}
		frame, err := EncodeEvent(ev)
		if err != nil {
			b.logger.Error("alerts: encode event failed", "error", err, "kind", ev.Kind)
			continue
		}
		if err := sink.WriteFrame(frame); err != nil {
			return fmt.Errorf("alerts: write %s frame: %w", ev.Kind, err)
		}
	}
}

// EncodeEvent serializes an alert or gap event into a frame.
func EncodeEvent(ev Event) (Frame, error) {
	switch ev.Kind {
	case EventAlert:
		data, err := json.Marshal(ev.Alert)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Event: string(EventAlert), ID: strconv.FormatUint(ev.Seq, 10), Data: data}, nil
	case EventGap:
		data, _ := json.Marshal(gapPayload{Missed: ev.Missed})
		return Frame{Event: string(EventGap), Data: data}, nil
	default:
		return Frame{}, errors.New("alerts: unsupported event kind " + string(ev.Kind))
	}
}
