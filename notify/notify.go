// Package notify delivers user notifications without ever blocking or
// failing the operation that triggered them.
//
// A Sink persists or forwards a single notification. The Dispatcher wraps a
// sink so that every Notify call returns immediately: delivery happens on
// its own goroutine with a bounded timeout, and delivery errors are logged
// and counted, never returned.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/campfire-engine/metrics"
)

// Notification types emitted by the task lifecycle.
const (
	TypeStatusChange      = "status_change"
	TypeTaskAssigned      = "task_assigned"
	TypeTaskPassed        = "task_passed"
	TypeRevisionRequested = "revision_requested"
	TypeTaskCompleted     = "task_completed"
	TypeTaskCancelled     = "task_cancelled"
)

type Notification struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      string    `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink receives notifications.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogSink writes notifications to a structured logger.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Notify(_ context.Context, n Notification) error {
	s.Log.Info("notification", "user_id", n.UserID, "type", n.Type, "title", n.Title, "link", n.Link)
	return nil
}

// Multi fans a notification out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultTimeout bounds one asynchronous delivery.
const DefaultTimeout = 5 * time.Second

// Dispatcher is a fire-and-forget Sink.
type Dispatcher struct {
	sink    Sink
	log     *slog.Logger
	timeout time.Duration
	now     func() time.Time

	wg sync.WaitGroup
}

func NewDispatcher(sink Sink, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		sink:    sink,
		log:     log,
		timeout: DefaultTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Notify schedules delivery and returns nil immediately. The caller's
// cancellation does not abort delivery; only the dispatcher timeout does.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) error {
	if d == nil || d.sink == nil {
		return nil
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now()
	}
	bg := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				metrics.NotificationsFailed.Inc()
				d.log.Error("notification sink panicked", "type", n.Type, "user_id", n.UserID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(bg, d.timeout)
		defer cancel()
		if err := d.sink.Notify(ctx, n); err != nil {
			metrics.NotificationsFailed.Inc()
			d.log.Warn("notification dropped", "type", n.Type, "user_id", n.UserID, "error", err)
			return
		}
		metrics.NotificationsSent.WithLabelValues(n.Type).Inc()
	}()
	return nil
}

// Wait blocks until every scheduled delivery has finished.
func (d *Dispatcher) Wait() {
	if d != nil {
		d.wg.Wait()
	}
}
