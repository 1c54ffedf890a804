// Package runstream implements the per-run durable event log: an append-only
// list in the broker plus a notification channel, giving subscribers ordered,
// resumable delivery. Producers append and notify; consumers catch up from
// the list and then follow notifications. A disconnected consumer reconnects
// with its last cursor and loses nothing.
package runstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/zyztek/suna-sub004/pkg/broker"
	"github.com/zyztek/suna-sub004/pkg/models"
)

// Control tokens published on the event channel at terminal transitions.
const (
	ControlEndStream = "END_STREAM"
	ControlError     = "ERROR"
	ControlStop      = "STOP"

	// sentinelNew is published after every append. Its value carries no
	// information — subscribers re-read the list on any notification.
	sentinelNew = "new"
)

// Default retention and liveness settings.
const (
	// TerminalTTL is how long the event list survives after the run ends.
	TerminalTTL = 24 * time.Hour

	// LiveTTL is the rolling TTL a live run's writer keeps on the list.
	LiveTTL = 30 * time.Minute

	// heartbeatEvery is how many appends pass between TTL refreshes.
	heartbeatEvery = 50

	// appendMaxAttempts bounds retries of a failed broker append before the
	// error is surfaced to the worker (which fails the run).
	appendMaxAttempts = 4

	// appendBackoffBase is the initial retry backoff for failed appends.
	appendBackoffBase = 500 * time.Millisecond
)

// ResponseListKey returns the broker key of a run's event list.
func ResponseListKey(runID string) string { return "responses:" + runID }

// EventChannel returns the notification channel name for a run.
func EventChannel(runID string) string { return "new_event:" + runID }

// ControlChannel returns the stop-signal channel name for a run.
func ControlChannel(runID string) string { return "control:" + runID }

// Log provides writers and subscriptions for run event streams on a broker.
type Log struct {
	broker broker.Broker
}

// NewLog creates a Log on the given broker.
func NewLog(b broker.Broker) *Log {
	return &Log{broker: b}
}

// Writer returns an appender for one run's event log.
func (l *Log) Writer(runID string) *Writer {
	return &Writer{
		broker: l.broker,
		runID:  runID,
		logger: slog.With("run_id", runID),
	}
}

// Writer appends events for a single run. Not safe for concurrent use — each
// run has exactly one producing worker.
type Writer struct {
	broker   broker.Broker
	runID    string
	logger   *slog.Logger
	appended int
}

// Append serializes the event, appends it to the run's list, and publishes a
// notification. Broker failures are retried with jittered exponential
// backoff; a persistent failure is returned so the worker can fail the run.
// The notification publish is best-effort: subscribers recover missed
// notifications from the list on their next read.
func (w *Writer) Append(ctx context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	backoff := appendBackoffBase
	var lastErr error
	for attempt := 1; attempt <= appendMaxAttempts; attempt++ {
		if _, lastErr = w.broker.RPush(ctx, ResponseListKey(w.runID), string(payload)); lastErr == nil {
			break
		}
		if attempt == appendMaxAttempts {
			return fmt.Errorf("append event after %d attempts: %w", appendMaxAttempts, lastErr)
		}
		w.logger.Warn("Event append failed, retrying",
			"attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
	}

	if err := w.broker.Publish(ctx, EventChannel(w.runID), sentinelNew); err != nil {
		w.logger.Warn("Event notification publish failed", "error", err)
	}

	w.appended++
	if w.appended%heartbeatEvery == 0 {
		if err := w.broker.Expire(ctx, ResponseListKey(w.runID), LiveTTL); err != nil {
			w.logger.Warn("Event list TTL refresh failed", "error", err)
		}
	}
	return nil
}

// Finish publishes the terminal control token and extends the list TTL to
// the terminal retention window.
func (w *Writer) Finish(ctx context.Context, control string) error {
	if err := w.broker.Expire(ctx, ResponseListKey(w.runID), TerminalTTL); err != nil {
		w.logger.Warn("Terminal TTL extension failed", "error", err)
	}
	if err := w.broker.Publish(ctx, EventChannel(w.runID), control); err != nil {
		return fmt.Errorf("publish control token %s: %w", control, err)
	}
	return nil
}

// jitter returns a duration in [d/2, d).
func jitter(d time.Duration) time.Duration {
	half := int64(d) / 2
	return time.Duration(half + rand.Int64N(half))
}
