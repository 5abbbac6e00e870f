package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/harbormaster-io/harbormaster/internal/events"
	"github.com/harbormaster-io/harbormaster/internal/logging"
)

type recordingNotifier struct {
	mu   sync.Mutex
	name string
	sent []Event
	err  error
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) Send(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, e)
	return nil
}

func (r *recordingNotifier) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.sent...)
}

func TestMultiFansOut(t *testing.T) {
	a := &recordingNotifier{name: "a"}
	b := &recordingNotifier{name: "b"}
	m := NewMulti(logging.Discard().Logger, a, b)

	ok := m.Notify(context.Background(), Event{Type: EventHostDown, HostName: "edge-1"})
	if !ok {
		t.Fatal("notify reported failure")
	}
	if len(a.events()) != 1 || len(b.events()) != 1 {
		t.Fatalf("deliveries = %d, %d", len(a.events()), len(b.events()))
	}
}

func TestMultiSurvivesFailingProvider(t *testing.T) {
	bad := &recordingNotifier{name: "bad", err: errors.New("boom")}
	good := &recordingNotifier{name: "good"}
	m := NewMulti(logging.Discard().Logger, bad, good)

	if ok := m.Notify(context.Background(), Event{Type: EventHostDown}); !ok {
		t.Fatal("one healthy provider should count as success")
	}
	if len(good.events()) != 1 {
		t.Fatal("healthy provider skipped")
	}
}

func TestFilteredDropsOtherTypes(t *testing.T) {
	inner := &recordingNotifier{name: "inner"}
	f := NewFiltered(inner, []string{string(EventHostDown)})

	f.Send(context.Background(), Event{Type: EventHostUp})
	f.Send(context.Background(), Event{Type: EventHostDown})

	got := inner.events()
	if len(got) != 1 || got[0].Type != EventHostDown {
		t.Fatalf("forwarded = %+v", got)
	}
}

func TestTranslate(t *testing.T) {
	cases := []struct {
		name string
		in   events.Event
		want EventType
		ok   bool
	}{
		{"host goes down", events.Event{Type: events.EventHostStatus, From: "healthy", To: "unreachable"}, EventHostDown, true},
		{"host recovers", events.Event{Type: events.EventHostStatus, From: "unreachable", To: "healthy"}, EventHostUp, true},
		{"first probe healthy", events.Event{Type: events.EventHostStatus, From: "pending", To: "healthy"}, "", false},
		{"breaker opens", events.Event{Type: events.EventBreakerState, From: "closed", To: "open"}, EventBreakerOpen, true},
		{"breaker closes", events.Event{Type: events.EventBreakerState, From: "open", To: "closed"}, "", false},
		{"task fails", events.Event{Type: events.EventTaskProgress, To: "failed", Message: "pull failed"}, EventTaskFailed, true},
		{"task progress", events.Event{Type: events.EventTaskProgress, To: "running"}, "", false},
		{"crud chatter", events.Event{Type: events.EventHostUpdated}, "", false},
	}
	for _, tc := range cases {
		got, ok := translate(tc.in)
		if ok != tc.ok || (ok && got.Type != tc.want) {
			t.Errorf("%s: translate = (%+v, %v)", tc.name, got, ok)
		}
	}
}

func TestBridgeForwardsAlerts(t *testing.T) {
	bus := events.New()
	inner := &recordingNotifier{name: "inner"}
	m := NewMulti(logging.Discard().Logger, inner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Bridge(ctx, bus, m)

	// Give the bridge a moment to subscribe.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(events.Event{Type: events.EventHostStatus, HostName: "edge-1", From: "healthy", To: "unreachable", Timestamp: time.Now()})
	bus.Publish(events.Event{Type: events.EventHostUpdated, HostName: "edge-1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := inner.events(); len(got) == 1 {
			if got[0].Type != EventHostDown || got[0].HostName != "edge-1" {
				t.Fatalf("forwarded = %+v", got[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("bridge never forwarded the alert")
}

func TestWebhookRetries(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, map[string]string{"Authorization": "Bearer x"})
	if err := w.Send(context.Background(), Event{Type: EventHostDown}); err != nil {
		t.Fatalf("send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}
