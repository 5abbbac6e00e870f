package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harbormaster-io/harbormaster/internal/events"
	"github.com/harbormaster-io/harbormaster/internal/logging"
)

func testRegistry() *Registry {
	return New(events.New(), logging.Discard().Logger)
}

func waitDone(t *testing.T, r *Registry, id string) Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task, ok := r.Get(id); ok && task.Status != StatusRunning {
			return *task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never finished")
	return Task{}
}

func TestStartAndSucceed(t *testing.T) {
	r := testRegistry()
	defer r.Shutdown(context.Background())

	task := r.Start("image.pull", "h1", "u1", func(_ context.Context, report func(string)) error {
		report("pulling nginx:latest")
		return nil
	})
	if task.Status != StatusRunning {
		t.Fatalf("initial status = %s", task.Status)
	}

	done := waitDone(t, r, task.ID)
	if done.Status != StatusSucceeded || done.Error != "" {
		t.Fatalf("final task = %+v", done)
	}
	if done.Message != "pulling nginx:latest" {
		t.Fatalf("message = %q", done.Message)
	}
}

func TestFailureCapturesError(t *testing.T) {
	r := testRegistry()
	defer r.Shutdown(context.Background())

	task := r.Start("system.prune", "h1", "u1", func(context.Context, func(string)) error {
		return errors.New("daemon unavailable")
	})
	done := waitDone(t, r, task.ID)
	if done.Status != StatusFailed || done.Error != "daemon unavailable" {
		t.Fatalf("final task = %+v", done)
	}
}

func TestProgressPublishesOnBus(t *testing.T) {
	bus := events.New()
	r := New(bus, logging.Discard().Logger)
	defer r.Shutdown(context.Background())

	ch, cancel := bus.Subscribe()
	defer cancel()

	release := make(chan struct{})
	task := r.Start("image.pull", "h1", "u1", func(_ context.Context, report func(string)) error {
		report("layer 1/3")
		<-release
		return nil
	})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == events.EventTaskProgress && evt.TaskID == task.ID && evt.Message == "layer 1/3" {
				close(release)
				return
			}
		case <-deadline:
			t.Fatal("progress event never arrived")
		}
	}
}

func TestShutdownCancelsTaskContext(t *testing.T) {
	r := testRegistry()

	started := make(chan struct{})
	task := r.Start("image.pull", "h1", "u1", func(ctx context.Context, _ func(string)) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	done, _ := r.Get(task.ID)
	if done.Status != StatusFailed {
		t.Fatalf("task after shutdown = %+v", done)
	}
}

func TestListNewestFirst(t *testing.T) {
	r := testRegistry()
	defer r.Shutdown(context.Background())

	a := r.Start("a", "", "", func(context.Context, func(string)) error { return nil })
	waitDone(t, r, a.ID)
	time.Sleep(10 * time.Millisecond)
	b := r.Start("b", "", "", func(context.Context, func(string)) error { return nil })
	waitDone(t, r, b.ID)

	all := r.List()
	if len(all) != 2 || all[0].ID != b.ID {
		t.Fatalf("list = %+v", all)
	}
}
