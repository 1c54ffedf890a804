package runstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zyztek/suna-sub004/pkg/broker"
	"github.com/zyztek/suna-sub004/pkg/models"
)

// Item is one delivery from a run's event stream. Index is the event's
// absolute position in the log; a consumer that disconnects resumes with
// cursor = last Index + 1.
type Item struct {
	Index int
	Event models.Event
}

// Stream is a live subscription to one run's event log.
type Stream struct {
	items chan Item

	mu      sync.Mutex
	control string
	err     error

	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// C returns the delivery channel. It is closed when the run reaches a
// terminal control token, the subscription is closed, or the context ends.
func (s *Stream) C() <-chan Item { return s.items }

// Control returns the terminal control token (END_STREAM, ERROR, or STOP)
// once C is closed, or "" if the stream ended without one.
func (s *Stream) Control() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

// Err returns the error that ended the stream, if any. Valid after C closes.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscription. Safe to call multiple times.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *Stream) finish(control string, err error) {
	s.mu.Lock()
	s.control = control
	s.err = err
	s.mu.Unlock()
}

// Subscribe follows a run's event log starting at cursor (0 for the full
// log). Events already in the log are delivered first; live events follow
// with no gap and no duplicates. The notification channel is subscribed
// before catch-up, so appends racing the catch-up read are re-read on the
// next notification rather than lost.
//
// If the log already ends in a terminal status event, the backlog is
// delivered and the stream closes immediately.
func (l *Log) Subscribe(ctx context.Context, runID string, cursor int) (*Stream, error) {
	if cursor < 0 {
		return nil, fmt.Errorf("negative cursor %d", cursor)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := l.broker.Subscribe(subCtx, EventChannel(runID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to event channel: %w", err)
	}

	s := &Stream{
		items:  make(chan Item, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go l.pump(subCtx, runID, cursor, sub, s)
	return s, nil
}

// pump drives one subscription: initial catch-up, then a flush on every
// notification until a control token or cancellation arrives.
func (l *Log) pump(ctx context.Context, runID string, cursor int, sub broker.Subscription, s *Stream) {
	logger := slog.With("run_id", runID)
	defer close(s.done)
	defer close(s.items)
	defer sub.Close()

	next, terminal, err := l.flush(ctx, runID, cursor, s)
	if err != nil {
		s.finish("", err)
		return
	}
	if terminal != "" {
		// The log already ended before we attached. The control token was
		// published before our subscription existed, so infer it from the
		// terminal status event instead of waiting for a notification.
		s.finish(controlForStatus(terminal), nil)
		return
	}

	for {
		select {
		case <-ctx.Done():
			s.finish("", ctx.Err())
			return
		case msg, ok := <-sub.C():
			if !ok {
				s.finish("", fmt.Errorf("event channel closed: %w", broker.ErrClosed))
				return
			}
			switch msg.Payload {
			case ControlEndStream, ControlError, ControlStop:
				// Final flush so nothing appended just before the token is lost.
				if _, _, err := l.flush(ctx, runID, next, s); err != nil {
					logger.Warn("Final flush failed", "error", err)
				}
				s.finish(msg.Payload, nil)
				return
			default:
				next, terminal, err = l.flush(ctx, runID, next, s)
				if err != nil {
					s.finish("", err)
					return
				}
				if terminal != "" {
					s.finish(controlForStatus(terminal), nil)
					return
				}
			}
		}
	}
}

// flush reads the log from cursor and delivers every entry. It returns the
// next cursor and, if the last delivered event was a terminal status event,
// that status value.
func (l *Log) flush(ctx context.Context, runID string, cursor int, s *Stream) (int, string, error) {
	entries, err := l.broker.LRange(ctx, ResponseListKey(runID), int64(cursor), -1)
	if err != nil {
		return cursor, "", fmt.Errorf("read event log: %w", err)
	}

	terminal := ""
	for i, raw := range entries {
		var event models.Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			slog.With("run_id", runID).Warn("Skipping malformed event log entry",
				"index", cursor+i, "error", err)
			continue
		}
		select {
		case s.items <- Item{Index: cursor + i, Event: event}:
		case <-ctx.Done():
			return cursor + i, "", ctx.Err()
		}
		terminal = ""
		if event.Type == models.EventTypeStatus && models.IsTerminalStatus(event.Status) {
			terminal = event.Status
		}
	}
	return cursor + len(entries), terminal, nil
}

// controlForStatus maps a terminal status event value to the control token a
// live subscriber would have received for it.
func controlForStatus(status string) string {
	switch status {
	case models.StatusEventStopped:
		return ControlStop
	case models.StatusEventFailed, models.StatusEventError:
		return ControlError
	default:
		return ControlEndStream
	}
}
