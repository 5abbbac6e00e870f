package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"

	"github.com/harbormaster-io/harbormaster/internal/breaker"
	"github.com/harbormaster-io/harbormaster/internal/docker"
	"github.com/harbormaster-io/harbormaster/internal/events"
	"github.com/harbormaster-io/harbormaster/internal/hosts"
	"github.com/harbormaster-io/harbormaster/internal/logging"
	"github.com/harbormaster-io/harbormaster/internal/vault"
)

// fakeAPI implements the handful of methods the pool touches; the
// embedded interface panics on anything else.
type fakeAPI struct {
	docker.API
	mu      sync.Mutex
	pingErr error
	listErr error
	swarm   docker.SwarmStatus
	closed  bool
}

func (f *fakeAPI) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeAPI) SwarmStatus(context.Context) (docker.SwarmStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.swarm, nil
}

func (f *fakeAPI) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAPI) ListContainers(context.Context) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return nil, f.listErr
}

func (f *fakeAPI) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeAPI) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeAPI) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeHosts struct {
	mu    sync.Mutex
	hosts map[string]*hosts.Host
}

func newFakeHosts(hs ...*hosts.Host) *fakeHosts {
	f := &fakeHosts{hosts: make(map[string]*hosts.Host)}
	for _, h := range hs {
		f.hosts[h.ID] = h
	}
	return f
}

func (f *fakeHosts) Get(id string) (*hosts.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[id]
	if !ok {
		return nil, hosts.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (f *fakeHosts) List() ([]hosts.Host, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hosts.Host, 0, len(f.hosts))
	for _, h := range f.hosts {
		out = append(out, *h)
	}
	return out, nil
}

func (f *fakeHosts) SetStatus(id string, status hosts.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.hosts[id]; ok {
		h.Status = status
	}
	return nil
}

func (f *fakeHosts) SetSwarmRole(id, swarmID string, manager, leader bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.hosts[id]; ok {
		h.SwarmID = swarmID
		h.Leader = leader
	}
	return nil
}

func (f *fakeHosts) status(id string) hosts.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hosts[id].Status
}

type fakeCreds struct{}

func (fakeCreds) Get(string) (vault.Credential, error) {
	return vault.Credential{}, vault.ErrUnavailable
}

func activeHost(id string) *hosts.Host {
	return &hosts.Host{ID: id, Name: id, Transport: docker.TransportLocal, Addr: "/var/run/docker.sock", Active: true}
}

func TestAcquireDialsOnceUnderConcurrency(t *testing.T) {
	var dials atomic.Int64
	api := &fakeAPI{}
	m := New(newFakeHosts(activeHost("h1")), fakeCreds{}, events.New(), logging.Discard().Logger,
		WithDialer(func(context.Context, *hosts.Host, CredentialSource) (docker.API, error) {
			dials.Add(1)
			return api, nil
		}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, _, err := m.Acquire(context.Background(), "h1")
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if obs, ok := client.(*observed); !ok || obs.api != docker.API(api) {
				t.Error("acquired a different client")
			}
		}()
	}
	wg.Wait()

	if got := dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestAcquireUnknownHost(t *testing.T) {
	m := New(newFakeHosts(), fakeCreds{}, events.New(), logging.Discard().Logger)
	_, _, err := m.Acquire(context.Background(), "missing")
	if !errors.Is(err, hosts.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAcquireInactiveHost(t *testing.T) {
	h := activeHost("h1")
	h.Active = false
	m := New(newFakeHosts(h), fakeCreds{}, events.New(), logging.Discard().Logger)
	_, _, err := m.Acquire(context.Background(), "h1")
	if !errors.Is(err, hosts.ErrInactive) {
		t.Fatalf("err = %v, want ErrInactive", err)
	}
}

func TestBreakerOpensAfterRepeatedDialFailures(t *testing.T) {
	var dials atomic.Int64
	dialErr := errors.New("connection refused")
	m := New(newFakeHosts(activeHost("h1")), fakeCreds{}, events.New(), logging.Discard().Logger,
		WithDialer(func(context.Context, *hosts.Host, CredentialSource) (docker.API, error) {
			dials.Add(1)
			return nil, dialErr
		}))

	for i := 0; i < breaker.DefaultThreshold; i++ {
		if _, _, err := m.Acquire(context.Background(), "h1"); !errors.Is(err, dialErr) {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	_, _, err := m.Acquire(context.Background(), "h1")
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if got := dials.Load(); got != breaker.DefaultThreshold {
		t.Fatalf("dials = %d, want %d (open breaker must not dial)", got, breaker.DefaultThreshold)
	}
}

func TestOperationFailuresTripBreaker(t *testing.T) {
	var dials atomic.Int64
	api := &fakeAPI{}
	m := New(newFakeHosts(activeHost("h1")), fakeCreds{}, events.New(), logging.Discard().Logger,
		WithDialer(func(context.Context, *hosts.Host, CredentialSource) (docker.API, error) {
			dials.Add(1)
			return api, nil
		}))

	client, br, err := m.Acquire(context.Background(), "h1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// The daemon dies under the cached client.
	connErr := fmt.Errorf("dial unix /var/run/docker.sock: %w", cerrdefs.ErrUnavailable)
	api.setListErr(connErr)
	for i := 0; i < breaker.DefaultThreshold; i++ {
		if _, err := client.ListContainers(context.Background()); !errors.Is(err, connErr) {
			t.Fatalf("list %d: %v", i, err)
		}
	}

	if got := br.State(); got != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", got)
	}
	if _, _, err := m.Acquire(context.Background(), "h1"); !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("acquire after trip = %v, want ErrOpen", err)
	}
	if got := dials.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1 (open breaker must not dial)", got)
	}
}

func TestAPIErrorsDoNotTripBreaker(t *testing.T) {
	api := &fakeAPI{}
	m := New(newFakeHosts(activeHost("h1")), fakeCreds{}, events.New(), logging.Discard().Logger,
		WithDialer(func(context.Context, *hosts.Host, CredentialSource) (docker.API, error) {
			return api, nil
		}))

	client, br, err := m.Acquire(context.Background(), "h1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// A daemon that answers with errors is alive; the breaker stays shut.
	api.setListErr(errors.New("no such container"))
	for i := 0; i < breaker.DefaultThreshold*2; i++ {
		if _, err := client.ListContainers(context.Background()); err == nil {
			t.Fatalf("list %d: expected error", i)
		}
	}
	if got := br.State(); got != breaker.StateClosed {
		t.Fatalf("breaker state = %v, want closed", got)
	}
	if got := br.Failures(); got != 0 {
		t.Fatalf("failures = %d, want 0", got)
	}
}

func TestInvalidateForcesRedial(t *testing.T) {
	var dials atomic.Int64
	first := &fakeAPI{}
	second := &fakeAPI{}
	m := New(newFakeHosts(activeHost("h1")), fakeCreds{}, events.New(), logging.Discard().Logger,
		WithDialer(func(context.Context, *hosts.Host, CredentialSource) (docker.API, error) {
			if dials.Add(1) == 1 {
				return first, nil
			}
			return second, nil
		}))

	if _, _, err := m.Acquire(context.Background(), "h1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	m.Invalidate("h1")

	if !first.isClosed() {
		t.Fatal("invalidate did not close the old client")
	}
	client, _, err := m.Acquire(context.Background(), "h1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if obs, ok := client.(*observed); !ok || obs.api != docker.API(second) {
		t.Fatal("acquire after invalidate returned the stale client")
	}
	if dials.Load() != 2 {
		t.Fatalf("dials = %d, want 2", dials.Load())
	}
}

func TestInvalidateResetsBreaker(t *testing.T) {
	dialErr := errors.New("connection refused")
	fail := true
	api := &fakeAPI{}
	m := New(newFakeHosts(activeHost("h1")), fakeCreds{}, events.New(), logging.Discard().Logger,
		WithDialer(func(context.Context, *hosts.Host, CredentialSource) (docker.API, error) {
			if fail {
				return nil, dialErr
			}
			return api, nil
		}))

	for i := 0; i < breaker.DefaultThreshold; i++ {
		m.Acquire(context.Background(), "h1")
	}
	br, _ := m.Breaker("h1")
	if br.State() != breaker.StateOpen {
		t.Fatalf("state = %s, want open", br.State())
	}

	// New credentials: breaker resets and the next acquire goes through.
	fail = false
	m.Invalidate("h1")
	if _, _, err := m.Acquire(context.Background(), "h1"); err != nil {
		t.Fatalf("acquire after invalidate: %v", err)
	}
}

func TestProbeAllRecordsStatus(t *testing.T) {
	api := &fakeAPI{}
	fh := newFakeHosts(activeHost("h1"))
	m := New(fh, fakeCreds{}, events.New(), logging.Discard().Logger,
		WithDialer(func(context.Context, *hosts.Host, CredentialSource) (docker.API, error) {
			return api, nil
		}))

	m.probeAll(context.Background())
	if got := fh.status("h1"); got != hosts.StatusHealthy {
		t.Fatalf("status = %s, want healthy", got)
	}

	api.setPingErr(errors.New("daemon stopped"))
	m.probeAll(context.Background())
	if got := fh.status("h1"); got != hosts.StatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy", got)
	}
}

func TestProbeSkipsSetupPendingHosts(t *testing.T) {
	h := activeHost("h1")
	h.Status = hosts.StatusSetupPending
	var dials atomic.Int64
	fh := newFakeHosts(h)
	m := New(fh, fakeCreds{}, events.New(), logging.Discard().Logger,
		WithDialer(func(context.Context, *hosts.Host, CredentialSource) (docker.API, error) {
			dials.Add(1)
			return &fakeAPI{}, nil
		}))

	m.probeAll(context.Background())
	if dials.Load() != 0 {
		t.Fatal("setup-pending host was probed")
	}
}

func TestRemoveClosesClient(t *testing.T) {
	api := &fakeAPI{}
	m := New(newFakeHosts(activeHost("h1")), fakeCreds{}, events.New(), logging.Discard().Logger,
		WithDialer(func(context.Context, *hosts.Host, CredentialSource) (docker.API, error) {
			return api, nil
		}))

	if _, _, err := m.Acquire(context.Background(), "h1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.Remove("h1")
	if !api.isClosed() {
		t.Fatal("remove did not close the client")
	}
}
