package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harbormaster-io/harbormaster/internal/logging"
)

type memStore struct {
	mu     sync.Mutex
	events []Event
}

func (m *memStore) AppendAudit(e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memStore) ListAudit(f Filter) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) PruneAudit(before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Event
	pruned := 0
	for _, e := range m.events {
		if e.Timestamp.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return pruned, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestRecordEventuallyPersists(t *testing.T) {
	ms := &memStore{}
	r := NewRecorder(ms, 0, logging.Discard().Logger)

	r.Success(Event{UserID: "u1", Action: "host.create"})
	r.Denied(Event{UserID: "u2", Action: "container.stop"})

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := ms.count(); got != 2 {
		t.Fatalf("persisted %d events, want 2", got)
	}

	got, _ := ms.ListAudit(Filter{UserID: "u1"})
	if len(got) != 1 || got[0].Outcome != OutcomeSuccess {
		t.Fatalf("list = %+v", got)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Fatal("record did not assign ID and timestamp")
	}
}

func TestRecordAfterCloseWritesSynchronously(t *testing.T) {
	ms := &memStore{}
	r := NewRecorder(ms, 0, logging.Discard().Logger)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	r.Record(Event{Action: "host.delete", Outcome: OutcomeSuccess})
	if got := ms.count(); got != 1 {
		t.Fatalf("persisted %d events, want 1", got)
	}
}

func TestConcurrentRecordDuringClose(t *testing.T) {
	ms := &memStore{}
	r := NewRecorder(ms, 0, logging.Discard().Logger)

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < perWriter; j++ {
				r.Record(Event{Action: "host.create", Outcome: OutcomeSuccess})
			}
		}()
	}

	// Close races the writers; every event must land either through the
	// queue or the post-close sync path, and nothing may panic.
	close(start)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()

	// Events recorded after Close are synchronous, the rest drained on
	// Close, so by here all of them are persisted.
	if got := ms.count(); got != writers*perWriter {
		t.Fatalf("persisted %d events, want %d", got, writers*perWriter)
	}
}

func TestFullQueueDegradesToSyncWrite(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	ms := &blockingStore{memStore: &memStore{}, release: release, entered: entered}
	r := NewRecorder(ms, 0, logging.Discard().Logger)

	// Park the writer on its first write, then fill the queue. The next
	// record has nowhere to go and must be written synchronously by the
	// caller.
	r.Record(Event{Action: "container.start"})
	<-entered
	for i := 0; i < queueSize; i++ {
		r.Record(Event{Action: "container.start"})
	}
	before := ms.count()
	r.Record(Event{Action: "container.stop"})

	if got := ms.count(); got != before+1 {
		t.Fatalf("overflow event was not written synchronously (count %d -> %d)", before, got)
	}
	close(release)
	r.Close(context.Background())
}

type blockingStore struct {
	*memStore
	release chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (b *blockingStore) AppendAudit(e Event) error {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.memStore.AppendAudit(e)
}

func TestSweepPrunesOldEvents(t *testing.T) {
	ms := &memStore{}
	old := Event{ID: "old", Timestamp: time.Now().UTC().Add(-48 * time.Hour), Action: "x"}
	fresh := Event{ID: "fresh", Timestamp: time.Now().UTC(), Action: "x"}
	ms.AppendAudit(old)
	ms.AppendAudit(fresh)

	r := &Recorder{store: ms, log: logging.Discard().Logger, retention: 24 * time.Hour}
	r.sweep()

	if got := ms.count(); got != 1 {
		t.Fatalf("events after sweep = %d, want 1", got)
	}
	left, _ := ms.ListAudit(Filter{})
	if left[0].ID != "fresh" {
		t.Fatalf("surviving event = %s, want fresh", left[0].ID)
	}
}

func TestWriteErrorDoesNotPanic(t *testing.T) {
	r := NewRecorder(failStore{}, 0, logging.Discard().Logger)
	r.Record(Event{Action: "x"})
	r.Close(context.Background())
}

type failStore struct{}

func (failStore) AppendAudit(Event) error            { return errors.New("disk full") }
func (failStore) ListAudit(Filter) ([]Event, error)  { return nil, nil }
func (failStore) PruneAudit(time.Time) (int, error)  { return 0, nil }
