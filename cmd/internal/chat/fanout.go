package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultFanoutWorkers       = 4
	defaultFanoutQueueSize     = 1024
	defaultFanoutNotifyTimeout = 2 * time.Second
)

// Dispatcher accepts events for asynchronous delivery. Dispatch must not block.
type Dispatcher interface {
	Dispatch(ev Event, recipients []string) bool
}

// FanoutConfig sizes the fan-out worker pool.
type FanoutConfig struct {
	Workers       int
	QueueSize     int
	NotifyTimeout time.Duration
}

// Fanout is the write-then-notify delivery stage: a bounded queue drained by a fixed
// worker pool. When the queue is full the event is dropped; recipients catch up from
// durable state on their next list call.
type Fanout struct {
	log       *slog.Logger
	notifier  Notifier
	publisher EventPublisher
	metrics   *Metrics
	timeout   time.Duration

	queue chan fanoutJob
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type fanoutJob struct {
	ev         Event
	recipients []string
}

// FanoutOption configures optional Fanout collaborators.
type FanoutOption func(*Fanout)

// WithEventPublisher mirrors every non-ephemeral event to the domain event stream.
func WithEventPublisher(p EventPublisher) FanoutOption {
	return func(f *Fanout) { f.publisher = p }
}

// WithFanoutMetrics records delivery results.
func WithFanoutMetrics(m *Metrics) FanoutOption {
	return func(f *Fanout) { f.metrics = m }
}

// NewFanout starts cfg.Workers workers delivering through n.
func NewFanout(log *slog.Logger, n Notifier, cfg FanoutConfig, opts ...FanoutOption) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultFanoutWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultFanoutQueueSize
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultFanoutNotifyTimeout
	}

	f := &Fanout{
		log:      log,
		notifier: n,
		timeout:  cfg.NotifyTimeout,
		queue:    make(chan fanoutJob, cfg.QueueSize),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	f.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go f.worker()
	}
	return f
}

// Dispatch enqueues ev for recipients. It never blocks; it reports false when the
// event was dropped because the queue is full or the fan-out is closed.
func (f *Fanout) Dispatch(ev Event, recipients []string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return false
	}

	select {
	case f.queue <- fanoutJob{ev: ev, recipients: recipients}:
		f.metrics.queueDepth(len(f.queue))
		return true
	default:
		f.metrics.notified("dropped")
		return false
	}
}

// Close stops accepting events and waits for queued ones to drain or ctx to end.
func (f *Fanout) Close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fanout) worker() {
	defer f.wg.Done()

	for job := range f.queue {
		f.metrics.queueDepth(len(f.queue))
		f.deliver(job)
	}
}

func (f *Fanout) deliver(job fanoutJob) {
	if f.notifier != nil {
		for _, userID := range job.recipients {
			f.notify(userID, job.ev)
		}
	}

	if f.publisher != nil && !job.ev.Ephemeral {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		err := f.publisher.PublishEvent(ctx, job.ev)
		cancel()
		if err != nil {
			f.metrics.published("failed")
			f.log.Info("events.publish.fail", "type", job.ev.Type, "conversation_id", job.ev.ConversationID, "err", err)
			return
		}
		f.metrics.published("ok")
	}
}

func (f *Fanout) notify(userID string, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	err := f.notifier.Notify(ctx, userID, ev)
	switch {
	case err == nil:
		f.metrics.notified("delivered")
	case errors.Is(err, ErrNotConnected):
		f.metrics.notified("offline")
	default:
		f.metrics.notified("failed")
		f.log.Info("fanout.notify.fail",
			"type", ev.Type,
			"conversation_id", ev.ConversationID,
			"user_id", userID,
			"err", err,
		)
	}
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(Event, []string) bool { return true }
