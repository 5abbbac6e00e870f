// Package pool manages the live Docker connections behind the host
// registry. It lazily dials hosts on first use, shares one client per
// host across all callers, guards every acquisition with the host's
// circuit breaker, and runs the background health loop that drives
// host status.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/harbormaster-io/harbormaster/internal/breaker"
	"github.com/harbormaster-io/harbormaster/internal/clock"
	"github.com/harbormaster-io/harbormaster/internal/docker"
	"github.com/harbormaster-io/harbormaster/internal/events"
	"github.com/harbormaster-io/harbormaster/internal/hosts"
	"github.com/harbormaster-io/harbormaster/internal/metrics"
	"github.com/harbormaster-io/harbormaster/internal/vault"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 5 * time.Second
)

// HostSource is the slice of the host registry the pool needs.
type HostSource interface {
	Get(id string) (*hosts.Host, error)
	List() ([]hosts.Host, error)
	SetStatus(id string, status hosts.Status) error
	SetSwarmRole(id, swarmID string, manager, leader bool) error
}

// CredentialSource opens sealed credentials for dialing.
type CredentialSource interface {
	Get(hostID string) (vault.Credential, error)
}

// DialFunc builds a transport-appropriate Docker client for a host.
type DialFunc func(ctx context.Context, h *hosts.Host, creds CredentialSource) (docker.API, error)

// conn is the cached state for one host. The breaker outlives the
// client: invalidation drops the client but keeps the failure history.
type conn struct {
	client    docker.API
	breaker   *breaker.Breaker
	lastProbe time.Time
	lastErr   error
}

// Manager is the connection pool.
type Manager struct {
	hosts HostSource
	creds CredentialSource
	bus   *events.Bus
	clk   clock.Clock
	log   *slog.Logger
	dial  DialFunc

	interval    time.Duration
	breakerOpts []breaker.Option

	mu    sync.RWMutex
	conns map[string]*conn
	group singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a fake clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clk = clk }
}

// WithDialer replaces the transport dialer. Used in tests.
func WithDialer(dial DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

// WithProbeInterval overrides the health loop cadence.
func WithProbeInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithBreakerOptions passes extra options to every breaker the pool
// creates, on top of the pool's own clock and state-change hooks.
func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(m *Manager) { m.breakerOpts = opts }
}

// New creates a Manager.
func New(hostSrc HostSource, creds CredentialSource, bus *events.Bus, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		hosts:    hostSrc,
		creds:    creds,
		bus:      bus,
		clk:      clock.Real{},
		log:      log,
		dial:     dialHost,
		interval: probeInterval,
		conns:    make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// dialHost builds a client for the host's transport, fetching sealed
// credentials where the transport needs them.
func dialHost(_ context.Context, h *hosts.Host, creds CredentialSource) (docker.API, error) {
	switch h.Transport {
	case docker.TransportLocal:
		return docker.NewLocalClient(h.Addr)

	case docker.TransportTCP:
		var mat *docker.TLSMaterial
		cred, err := creds.Get(h.ID)
		if err == nil && cred.Kind == vault.KindTLS {
			mat = &docker.TLSMaterial{
				CACert:     cred.TLSCACert,
				ClientCert: cred.TLSCert,
				ClientKey:  cred.TLSKey,
			}
		}
		return docker.NewTCPClient(h.Addr, mat)

	case docker.TransportSSH:
		cred, err := creds.Get(h.ID)
		if err != nil {
			return nil, fmt.Errorf("host %s: %w", h.Name, err)
		}
		return docker.NewSSHClient(docker.SSHConfig{
			Addr:       h.Addr,
			User:       cred.SSHUser,
			PrivateKey: cred.SSHPrivateKey,
			Passphrase: cred.SSHPassphrase,
			Password:   cred.SSHPassword,
		})

	default:
		return nil, fmt.Errorf("host %s: unknown transport %q", h.Name, h.Transport)
	}
}

// Acquire returns the shared client for a host, dialing it if needed.
// Every call passes through the host's circuit breaker, and the
// returned client reports each call's outcome back into it, so a daemon
// dying under a cached client trips the breaker from user traffic
// alone. Concurrent first-use callers share a single dial via
// singleflight.
func (m *Manager) Acquire(ctx context.Context, hostID string) (docker.API, *breaker.Breaker, error) {
	h, err := m.hosts.Get(hostID)
	if err != nil {
		return nil, nil, hosts.ErrNotFound
	}
	if !h.Active {
		return nil, nil, hosts.ErrInactive
	}

	c := m.connFor(h)
	if err := c.breaker.Allow(); err != nil {
		return nil, c.breaker, err
	}

	m.mu.RLock()
	client := c.client
	m.mu.RUnlock()
	if client != nil {
		return instrument(client, c.breaker), c.breaker, nil
	}

	v, err, _ := m.group.Do(hostID, func() (any, error) {
		// Re-check under singleflight: a concurrent caller may have
		// finished dialing while we queued.
		m.mu.RLock()
		existing := c.client
		m.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		client, err := m.dial(ctx, h, m.creds)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			pingErr := client.Ping(pingCtx)
			cancel()
			if pingErr != nil {
				client.Close()
				err = fmt.Errorf("ping %s: %w", h.Name, pingErr)
			}
		}

		// Record the outcome here so one shared dial counts as one
		// breaker event, however many callers were waiting on it.
		m.mu.Lock()
		c.lastProbe = m.clk.Now()
		c.lastErr = err
		if err == nil {
			c.client = client
		}
		m.mu.Unlock()
		if err != nil {
			c.breaker.Failure()
			return nil, err
		}
		c.breaker.Success()
		return client, nil
	})
	if err != nil {
		return nil, c.breaker, err
	}
	return instrument(v.(docker.API), c.breaker), c.breaker, nil
}

// Breaker returns the breaker for a host without dialing. The entry is
// created on demand so the admin reset endpoint works before first use.
func (m *Manager) Breaker(hostID string) (*breaker.Breaker, error) {
	h, err := m.hosts.Get(hostID)
	if err != nil {
		return nil, hosts.ErrNotFound
	}
	return m.connFor(h).breaker, nil
}

// connFor returns (creating if absent) the pool entry for a host.
func (m *Manager) connFor(h *hosts.Host) *conn {
	m.mu.RLock()
	c, ok := m.conns[h.ID]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[h.ID]; ok {
		return c
	}
	bopts := append([]breaker.Option{
		breaker.WithClock(m.clk),
		breaker.WithStateChange(m.onBreakerChange(h.ID)),
	}, m.breakerOpts...)
	c = &conn{breaker: breaker.New(h.Name, bopts...)}
	m.conns[h.ID] = c
	return c
}

// onBreakerChange publishes breaker transitions and keeps the metrics
// gauge in step.
func (m *Manager) onBreakerChange(hostID string) breaker.StateChangeFunc {
	return func(name string, from, to breaker.State) {
		metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		if to == breaker.StateOpen {
			metrics.BreakerTrips.Inc()
			m.log.Warn("circuit breaker opened", "host", name)
		}
		m.bus.Publish(events.Event{
			Type:      events.EventBreakerState,
			HostID:    hostID,
			HostName:  name,
			From:      string(from),
			To:        string(to),
			Timestamp: time.Now().UTC(),
		})
	}
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Invalidate drops the cached client for a host so the next Acquire
// re-dials with fresh endpoint and credential material. The breaker is
// reset: new credentials earn a clean slate.
func (m *Manager) Invalidate(hostID string) {
	m.mu.Lock()
	c, ok := m.conns[hostID]
	var client docker.API
	if ok {
		client = c.client
		c.client = nil
	}
	m.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			m.log.Debug("error closing invalidated client", "host_id", hostID, "error", err)
		}
	}
	if ok {
		c.breaker.Reset()
	}
}

// Remove drops the pool entry entirely. Called when a host is deleted.
func (m *Manager) Remove(hostID string) {
	m.mu.Lock()
	c, ok := m.conns[hostID]
	delete(m.conns, hostID)
	m.mu.Unlock()

	if ok && c.client != nil {
		c.client.Close()
	}
}

// CloseAll tears down every cached connection. Called on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*conn)
	m.mu.Unlock()

	for id, c := range conns {
		if c.client != nil {
			if err := c.client.Close(); err != nil {
				m.log.Debug("error closing client", "host_id", id, "error", err)
			}
		}
	}
}

// Run drives the health loop and reacts to registry events until the
// context is cancelled. Host updates and credential changes invalidate
// the cached connection; deletions remove the entry.
func (m *Manager) Run(ctx context.Context) {
	sub, cancel := m.bus.Subscribe()
	defer cancel()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Probe immediately so freshly restarted control planes converge
	// without waiting a full interval.
	m.probeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return
		case evt := <-sub:
			switch evt.Type {
			case events.EventCredential:
				m.Invalidate(evt.HostID)
			case events.EventHostDeleted:
				m.Remove(evt.HostID)
			}
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

// probeAll pings every active host and records the outcome in the
// registry and the breaker. Hosts that have never been acquired are
// dialed here so status converges without user traffic.
func (m *Manager) probeAll(ctx context.Context) {
	all, err := m.hosts.List()
	if err != nil {
		m.log.Error("health loop: list hosts", "error", err)
		return
	}

	metrics.HostsTotal.Set(float64(len(all)))
	var up int

	for i := range all {
		h := &all[i]
		if !h.Active || h.Status == hosts.StatusSetupPending {
			continue
		}
		if m.probeHost(ctx, h) {
			up++
		}
	}
	metrics.HostsUp.Set(float64(up))
}

// probeHost pings one host, reporting whether it is healthy. The client
// from Acquire records ping outcomes in the breaker itself.
func (m *Manager) probeHost(ctx context.Context, h *hosts.Host) bool {
	client, _, err := m.Acquire(ctx, h.ID)
	if err != nil {
		m.setProbeResult(h, err)
		return false
	}

	pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	err = client.Ping(pingCtx)
	cancel()
	if err != nil {
		m.setProbeResult(h, err)
		// A dead client will not heal; force a re-dial next time.
		m.dropClient(h.ID)
		return false
	}

	m.setProbeResult(h, nil)

	// Best effort: keep the swarm role current while we are here.
	swCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	sw, swErr := client.SwarmStatus(swCtx)
	cancel()
	if swErr == nil {
		swarmID := ""
		if sw.Active {
			swarmID = sw.SwarmID
		}
		if err := m.hosts.SetSwarmRole(h.ID, swarmID, sw.ControlAvailable, sw.ControlAvailable); err != nil {
			m.log.Debug("health loop: record swarm role", "host", h.Name, "error", err)
		}
	}
	return true
}

// dropClient closes and clears the cached client without touching the
// breaker, unlike Invalidate.
func (m *Manager) dropClient(hostID string) {
	m.mu.Lock()
	c, ok := m.conns[hostID]
	var client docker.API
	if ok {
		client = c.client
		c.client = nil
	}
	m.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

func (m *Manager) setProbeResult(h *hosts.Host, probeErr error) {
	m.mu.Lock()
	if c, ok := m.conns[h.ID]; ok {
		c.lastProbe = m.clk.Now()
		c.lastErr = probeErr
	}
	m.mu.Unlock()

	status := hosts.StatusHealthy
	if probeErr != nil {
		status = hosts.StatusUnreachable
		if m.hasClient(h.ID) {
			status = hosts.StatusUnhealthy
		}
	}
	if err := m.hosts.SetStatus(h.ID, status); err != nil {
		m.log.Debug("health loop: record status", "host", h.Name, "error", err)
	}
}

func (m *Manager) hasClient(hostID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[hostID]
	return ok && c.client != nil
}

// LastProbe returns the most recent probe time and error for a host.
func (m *Manager) LastProbe(hostID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.conns[hostID]; ok {
		return c.lastProbe, c.lastErr
	}
	return time.Time{}, nil
}
