// Package tasks tracks long-running Docker operations (image pulls,
// prunes) so API callers can fire them and poll or watch progress over
// the event bus instead of holding an HTTP request open.
package tasks

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harbormaster-io/harbormaster/internal/events"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Task is one background operation.
type Task struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"` // e.g. "image.pull", "system.prune"
	HostID    string    `json:"host_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"` // last progress report
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// retain caps how many finished tasks stay queryable.
const retain = 200

// Registry runs and tracks tasks. Finished tasks are kept in memory
// only; the audit trail is the durable record.
type Registry struct {
	bus *events.Bus
	log *slog.Logger

	mu    sync.RWMutex
	tasks map[string]*Task

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Registry. Tasks started through it are cancelled when
// Shutdown is called.
func New(bus *events.Bus, log *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		bus:     bus,
		log:     log,
		tasks:   make(map[string]*Task),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Fn is the work a task performs. report publishes a progress message
// to watchers; the function should call it at meaningful milestones.
type Fn func(ctx context.Context, report func(msg string)) error

// Start launches a task and returns it immediately.
func (r *Registry) Start(kind, hostID, userID string, fn Fn) *Task {
	now := time.Now().UTC()
	t := &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		HostID:    hostID,
		UserID:    userID,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.tasks[t.ID] = t
	r.pruneLocked()
	r.mu.Unlock()
	r.publish(t, "started")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := fn(r.baseCtx, func(msg string) {
			r.progress(t.ID, msg)
		})
		r.finish(t.ID, err)
	}()
	return t
}

// Get returns a task snapshot by ID.
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// List returns all known tasks, newest first.
func (r *Registry) List() []Task {
	r.mu.RLock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Shutdown cancels running tasks and waits for them to unwind.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.cancel()
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

func (r *Registry) progress(id, msg string) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	t.Message = msg
	t.UpdatedAt = time.Now().UTC()
	cp := *t
	r.mu.Unlock()
	r.publish(&cp, msg)
}

func (r *Registry) finish(id string, err error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	t.UpdatedAt = time.Now().UTC()
	if err != nil {
		t.Status = StatusFailed
		t.Error = err.Error()
	} else {
		t.Status = StatusSucceeded
	}
	cp := *t
	r.mu.Unlock()

	if err != nil {
		r.log.Warn("task failed", "task_id", id, "kind", cp.Kind, "error", err)
	}
	r.publish(&cp, string(cp.Status))
}

// pruneLocked evicts the oldest finished tasks past the retention cap.
func (r *Registry) pruneLocked() {
	if len(r.tasks) <= retain {
		return
	}
	var finished []*Task
	for _, t := range r.tasks {
		if t.Status != StatusRunning {
			finished = append(finished, t)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].CreatedAt.Before(finished[j].CreatedAt) })
	for _, t := range finished {
		if len(r.tasks) <= retain {
			break
		}
		delete(r.tasks, t.ID)
	}
}

func (r *Registry) publish(t *Task, msg string) {
	r.bus.Publish(events.Event{
		Type:      events.EventTaskProgress,
		TaskID:    t.ID,
		HostID:    t.HostID,
		UserID:    t.UserID,
		From:      t.Kind,
		To:        string(t.Status),
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
}
