package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/keygate/keygate/internal/db/bunx"
	"github.com/keygate/keygate/internal/db/models"
	"github.com/keygate/keygate/internal/repository"
)

const (
	// DefaultBufferSize bounds the number of pending events.
	DefaultBufferSize = 256

	// enqueueTimeout bounds how long Record waits when the buffer is full
	// before dropping the event.
	enqueueTimeout = 2 * time.Second

	// writeTimeout bounds each database write from the worker.
	writeTimeout = 5 * time.Second
)

// Sink accepts audit events. Implementations must never fail the caller's
// request path.
type Sink interface {
	Record(event *models.AuditEvent)
}

// Recorder writes audit events asynchronously through a single background
// worker so that audit persistence never sits on the request path. Events
// are dropped (and logged) rather than blocking callers indefinitely.
type Recorder struct {
	repo   repository.AuditRepository
	events chan *models.AuditEvent

	stopOnce sync.Once
	stopped  chan struct{}
	drained  chan struct{}
}

var _ Sink = (*Recorder)(nil)

// NewRecorder starts the background worker.
func NewRecorder(repo repository.AuditRepository) *Recorder {
	r := &Recorder{
		repo:    repo,
		events:  make(chan *models.AuditEvent, DefaultBufferSize),
		stopped: make(chan struct{}),
		drained: make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues an event for persistence. Missing ID and CreatedAt fields
// are filled in. Record waits a bounded time when the buffer is full, then
// drops the event with a log line; it never returns an error to the caller.
func (r *Recorder) Record(event *models.AuditEvent) {
	if event.ID == "" {
		event.ID = bunx.NewUUIDv7()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	select {
	case <-r.stopped:
		log.Printf("audit: recorder stopped, dropping event %s", event.Action)
		return
	default:
	}

	select {
	case r.events <- event:
	case <-time.After(enqueueTimeout):
		log.Printf("audit: buffer full, dropping event %s", event.Action)
	}
}

// Close stops accepting new events and drains the buffer, bounded by ctx.
func (r *Recorder) Close(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopped) })
	select {
	case <-r.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.drained)
	for {
		select {
		case event := <-r.events:
			r.write(event)
		case <-r.stopped:
			for {
				select {
				case event := <-r.events:
					r.write(event)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(event *models.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.repo.Create(ctx, event); err != nil {
		log.Printf("audit: write event %s: %v", event.Action, err)
	}
}
