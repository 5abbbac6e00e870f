// Package audit records who did what to which host. Writes are
// asynchronous behind a bounded queue; when the queue backs up the
// recorder degrades to synchronous writes rather than dropping entries.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/harbormaster-io/harbormaster/internal/metrics"
)

// Outcome is the result of an audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Event is one audit record. Detail carries operation-specific context
// (container ID, image ref, target role) and must never contain secrets.
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	UserID     string         `json:"user_id"`
	Username   string         `json:"username"`
	Action     string         `json:"action"`   // e.g. "container.stop", "host.create"
	Resource   string         `json:"resource"` // resource kind
	ResourceID string         `json:"resource_id,omitempty"`
	HostID     string         `json:"host_id,omitempty"`
	Outcome    Outcome        `json:"outcome"`
	Detail     map[string]any `json:"detail,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	RemoteIP   string         `json:"remote_ip,omitempty"`
}

// Filter narrows a ListAudit query. Zero values match everything.
type Filter struct {
	UserID  string
	Action  string
	HostID  string
	Outcome Outcome
	// Before pages backwards: only events strictly older are returned.
	Before time.Time
	Limit  int
}

// Store is the persistence the recorder needs.
type Store interface {
	AppendAudit(e Event) error
	// ListAudit returns events newest first.
	ListAudit(f Filter) ([]Event, error)
	// PruneAudit deletes events older than the cutoff, returning the count.
	PruneAudit(before time.Time) (int, error)
}

const (
	queueSize    = 1024
	defaultSweep = "0 3 * * *"
)

// Option configures a Recorder.
type Option func(*Recorder)

// WithQueueSize overrides the async write queue capacity.
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan Event, n)
		}
	}
}

// WithSweepSchedule overrides the retention sweep cron spec.
func WithSweepSchedule(spec string) Option {
	return func(r *Recorder) {
		if spec != "" {
			r.sweepSpec = spec
		}
	}
}

// Recorder accepts audit events and writes them in the background.
type Recorder struct {
	store Store
	log   *slog.Logger

	queue chan Event
	wg    sync.WaitGroup

	cron      *cron.Cron
	retention time.Duration
	sweepSpec string

	mu     sync.Mutex
	closed bool
}

// NewRecorder creates a Recorder and starts its writer goroutine.
// Retention of zero disables the nightly sweep.
func NewRecorder(store Store, retention time.Duration, log *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		store:     store,
		log:       log,
		queue:     make(chan Event, queueSize),
		retention: retention,
		sweepSpec: defaultSweep,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.writeLoop()

	if retention > 0 {
		r.cron = cron.New()
		if _, err := r.cron.AddFunc(r.sweepSpec, r.sweep); err != nil {
			log.Warn("invalid audit sweep schedule, using default", "spec", r.sweepSpec, "error", err)
			if _, err := r.cron.AddFunc(defaultSweep, r.sweep); err != nil {
				log.Error("audit retention sweep disabled", "error", err)
			}
		}
		r.cron.Start()
	}
	return r
}

// Record queues an event for persistence. A full queue falls back to a
// synchronous write so the trail stays complete under burst load.
func (r *Recorder) Record(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	// The send happens under the mutex so Close cannot close the queue
	// between the closed check and the send. It never blocks: a full
	// queue falls through to the sync path.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.write(e)
		return
	}
	select {
	case r.queue <- e:
		depth := len(r.queue)
		r.mu.Unlock()
		metrics.AuditQueueDepth.Set(float64(depth))
	default:
		r.mu.Unlock()
		metrics.AuditSyncWrites.Inc()
		r.write(e)
	}
}

// Success is shorthand for recording a successful operation.
func (r *Recorder) Success(e Event) {
	e.Outcome = OutcomeSuccess
	r.Record(e)
}

// Denied is shorthand for recording an authorization denial.
func (r *Recorder) Denied(e Event) {
	e.Outcome = OutcomeDenied
	r.Record(e)
}

// Error is shorthand for recording a failed operation.
func (r *Recorder) Error(e Event) {
	e.Outcome = OutcomeError
	r.Record(e)
}

// List returns audit events newest first.
func (r *Recorder) List(f Filter) ([]Event, error) {
	return r.store.ListAudit(f)
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	for e := range r.queue {
		r.write(e)
		metrics.AuditQueueDepth.Set(float64(len(r.queue)))
	}
}

func (r *Recorder) write(e Event) {
	if err := r.store.AppendAudit(e); err != nil {
		r.log.Error("failed to write audit event", "action", e.Action, "error", err)
	}
}

// sweep deletes events past the retention window.
func (r *Recorder) sweep() {
	cutoff := time.Now().UTC().Add(-r.retention)
	n, err := r.store.PruneAudit(cutoff)
	if err != nil {
		r.log.Error("audit retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.log.Info("audit retention sweep", "deleted", n, "cutoff", cutoff)
	}
}

// Close drains the queue and stops the retention schedule. Events
// recorded after Close are written synchronously.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	if r.cron != nil {
		r.cron.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
