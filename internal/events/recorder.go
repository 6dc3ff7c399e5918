// Package events records security-relevant occurrences (lockouts, rate limit
// trips, token issuance) without ever blocking the request path. Events are
// queued to a buffered channel and written by a background worker; when the
// queue is full the event is dropped and counted rather than stalling a login.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dminischetti/passless/internal/models"
)

// Sink persists a single event.
type Sink interface {
	Insert(ctx context.Context, event *models.SecurityEvent) error
}

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

type Recorder struct {
	sink   Sink
	logger *slog.Logger

	queue   chan *models.SecurityEvent
	dropped atomic.Int64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	r := &Recorder{
		sink:    sink,
		logger:  logger,
		queue:   make(chan *models.SecurityEvent, defaultQueueSize),
		stopped: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()

	return r
}

// Record enqueues an event. Never blocks; a full queue drops the event.
func (r *Recorder) Record(eventType string, context map[string]string) {
	event := &models.SecurityEvent{
		EventType: eventType,
		Context:   context,
		CreatedAt: time.Now(),
	}

	select {
	case r.queue <- event:
	default:
		dropped := r.dropped.Add(1)
		r.logger.Warn("security event dropped, queue full",
			slog.String("event_type", eventType),
			slog.Int64("total_dropped", dropped),
		)
	}
}

// Dropped reports how many events have been discarded since startup.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close drains the queue and stops the worker. Safe to call more than once.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		r.wg.Wait()
	})
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for {
		select {
		case event := <-r.queue:
			r.write(event)
		case <-r.stopped:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case event := <-r.queue:
					r.write(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(event *models.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	if err := r.sink.Insert(ctx, event); err != nil {
		r.logger.Error("failed to persist security event",
			slog.String("event_type", event.EventType),
			slog.String("error", err.Error()),
		)
	}
}
