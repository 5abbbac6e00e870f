// Package hosts is the durable directory of Docker endpoints the control
// plane mediates access to. It owns the host records and their
// credential lifecycles; live connections are the pool's business.
package hosts

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harbormaster-io/harbormaster/internal/docker"
	"github.com/harbormaster-io/harbormaster/internal/events"
	"github.com/harbormaster-io/harbormaster/internal/vault"
)

// Kind classifies a host's role in a cluster.
type Kind string

const (
	KindStandalone   Kind = "standalone"
	KindSwarmManager Kind = "swarm-manager"
	KindSwarmWorker  Kind = "swarm-worker"
)

// Status is the health state driven by the probe loop.
type Status string

const (
	StatusPending      Status = "pending"       // added directly, not yet probed
	StatusSetupPending Status = "setup-pending" // created by the wizard, awaiting first probe
	StatusHealthy      Status = "healthy"
	StatusUnhealthy    Status = "unhealthy"   // reachable but failing calls
	StatusUnreachable  Status = "unreachable" // cannot connect at all
)

// Host is one registered Docker endpoint.
type Host struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Kind      Kind              `json:"kind"`
	Transport docker.Transport  `json:"transport"`
	Addr      string            `json:"addr"` // socket path, tcp://host:port, or ssh host[:port]
	Default   bool              `json:"default"`
	Active    bool              `json:"active"`
	Status    Status            `json:"status"`
	LastCheck time.Time         `json:"last_check"`
	SwarmID   string            `json:"swarm_id,omitempty"`
	Leader    bool              `json:"leader,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

var (
	ErrNotFound     = errors.New("host not found")
	ErrNameExists   = errors.New("host name already exists")
	ErrInactive     = errors.New("host is inactive")
	ErrHasDefault   = errors.New("cannot deactivate the default host")
	ErrBadTransport = errors.New("unknown transport")
)

// Store is the persistence the registry needs.
type Store interface {
	CreateHost(h Host) error
	GetHost(id string) (*Host, error)
	GetHostByName(name string) (*Host, error)
	UpdateHost(h Host) error
	DeleteHost(id string) error
	ListHosts() ([]Host, error)
	// SetDefaultHost atomically clears the default flag everywhere and
	// sets it on the given host.
	SetDefaultHost(id string) error
}

// PermissionCleaner removes per-host role overrides when a host goes away.
type PermissionCleaner interface {
	DeleteHostPermissionsForHost(hostID string) error
}

// Registry provides validated CRUD over hosts and publishes change
// events so the connection pool can invalidate.
type Registry struct {
	store Store
	vault *vault.Vault
	perms PermissionCleaner
	bus   *events.Bus
	log   *slog.Logger
}

// New creates a Registry.
func New(store Store, v *vault.Vault, perms PermissionCleaner, bus *events.Bus, log *slog.Logger) *Registry {
	return &Registry{store: store, vault: v, perms: perms, bus: bus, log: log}
}

// CreateInput carries the fields an operator supplies for a new host.
type CreateInput struct {
	Name      string
	Transport docker.Transport
	Addr      string
	Labels    map[string]string
	// Credential is required for tcp (TLS material) and ssh transports.
	Credential *vault.Credential
	// SetupPending marks wizard-created hosts awaiting their first probe.
	SetupPending bool
}

func (in *CreateInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return errors.New("host name required")
	}
	switch in.Transport {
	case docker.TransportLocal:
		if in.Addr == "" {
			in.Addr = "/var/run/docker.sock"
		}
	case docker.TransportTCP:
		if !strings.HasPrefix(in.Addr, "tcp://") {
			return fmt.Errorf("tcp host addr must start with tcp://, got %q", in.Addr)
		}
	case docker.TransportSSH:
		if in.Addr == "" {
			return errors.New("ssh host addr required")
		}
		if in.Credential == nil {
			return errors.New("ssh host requires a credential")
		}
	default:
		return fmt.Errorf("%w: %q", ErrBadTransport, in.Transport)
	}
	return nil
}

// Create registers a new host. The first host ever created becomes the
// default. The credential, when present, is sealed before the host row
// is visible.
func (r *Registry) Create(in CreateInput) (*Host, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if existing, _ := r.store.GetHostByName(in.Name); existing != nil {
		return nil, ErrNameExists
	}

	now := time.Now().UTC()
	status := StatusPending
	if in.SetupPending {
		status = StatusSetupPending
	}
	h := Host{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(in.Name),
		Kind:      KindStandalone,
		Transport: in.Transport,
		Addr:      in.Addr,
		Active:    true,
		Status:    status,
		Labels:    in.Labels,
		CreatedAt: now,
		UpdatedAt: now,
	}

	all, err := r.store.ListHosts()
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	h.Default = len(all) == 0

	if in.Credential != nil {
		in.Credential.HostID = h.ID
		if err := r.vault.Put(*in.Credential); err != nil {
			return nil, fmt.Errorf("store credential: %w", err)
		}
	}
	if err := r.store.CreateHost(h); err != nil {
		// Do not leave an orphaned credential behind.
		if in.Credential != nil {
			_ = r.vault.Delete(h.ID)
		}
		return nil, err
	}

	r.publish(events.EventHostCreated, &h, "")
	return &h, nil
}

// Get returns one host by ID.
func (r *Registry) Get(id string) (*Host, error) {
	h, err := r.store.GetHost(id)
	if err != nil || h == nil {
		return nil, ErrNotFound
	}
	return h, nil
}

// GetDefault returns the default host, or ErrNotFound when none exists.
func (r *Registry) GetDefault() (*Host, error) {
	all, err := r.store.ListHosts()
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	for i := range all {
		if all[i].Default {
			return &all[i], nil
		}
	}
	return nil, ErrNotFound
}

// List returns all hosts sorted by the store's natural order.
func (r *Registry) List() ([]Host, error) {
	return r.store.ListHosts()
}

// UpdateInput carries the mutable fields of a host. Nil means keep.
type UpdateInput struct {
	Name       *string
	Addr       *string
	Active     *bool
	Labels     *map[string]string
	Credential *vault.Credential
}

// Update applies changes to a host. Endpoint or credential changes
// invalidate the pooled connection via the published event.
func (r *Registry) Update(id string, in UpdateInput) (*Host, error) {
	h, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	connectivityChanged := false
	if in.Name != nil && *in.Name != h.Name {
		if existing, _ := r.store.GetHostByName(*in.Name); existing != nil && existing.ID != id {
			return nil, ErrNameExists
		}
		h.Name = strings.TrimSpace(*in.Name)
	}
	if in.Addr != nil && *in.Addr != h.Addr {
		h.Addr = *in.Addr
		connectivityChanged = true
	}
	if in.Active != nil && *in.Active != h.Active {
		if h.Default && !*in.Active {
			return nil, ErrHasDefault
		}
		h.Active = *in.Active
		connectivityChanged = true
	}
	if in.Labels != nil {
		h.Labels = *in.Labels
	}
	if in.Credential != nil {
		in.Credential.HostID = h.ID
		if err := r.vault.Put(*in.Credential); err != nil {
			return nil, fmt.Errorf("store credential: %w", err)
		}
		connectivityChanged = true
	}

	h.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateHost(*h); err != nil {
		return nil, err
	}

	if connectivityChanged {
		r.publish(events.EventCredential, h, "")
	}
	r.publish(events.EventHostUpdated, h, "")
	return h, nil
}

// SetDefault makes one host the default. The host must be active.
func (r *Registry) SetDefault(id string) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	if !h.Active {
		return ErrInactive
	}
	if err := r.store.SetDefaultHost(id); err != nil {
		return err
	}
	r.publish(events.EventHostUpdated, h, "")
	return nil
}

// Delete removes a host, its sealed credential, and its per-host
// permission overrides. Deleting the default promotes the oldest
// remaining active host.
func (r *Registry) Delete(id string) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := r.store.DeleteHost(id); err != nil {
		return err
	}
	if err := r.vault.Delete(id); err != nil {
		r.log.Error("failed to delete host credential", "host_id", id, "error", err)
	}
	if err := r.perms.DeleteHostPermissionsForHost(id); err != nil {
		r.log.Error("failed to delete host permissions", "host_id", id, "error", err)
	}

	if h.Default {
		if err := r.promoteOldest(); err != nil {
			r.log.Error("failed to promote new default host", "error", err)
		}
	}
	r.publish(events.EventHostDeleted, h, "")
	return nil
}

// promoteOldest makes the oldest remaining active host the default.
func (r *Registry) promoteOldest() error {
	all, err := r.store.ListHosts()
	if err != nil {
		return err
	}
	var oldest *Host
	for i := range all {
		if !all[i].Active {
			continue
		}
		if oldest == nil || all[i].CreatedAt.Before(oldest.CreatedAt) {
			oldest = &all[i]
		}
	}
	if oldest == nil {
		return nil
	}
	return r.store.SetDefaultHost(oldest.ID)
}

// SetStatus records a probe outcome. Called by the pool's health loop;
// publishes a status event only on transitions.
func (r *Registry) SetStatus(id string, status Status) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	if h.Status == status {
		return nil
	}
	prev := h.Status
	h.Status = status
	h.LastCheck = time.Now().UTC()
	h.UpdatedAt = h.LastCheck
	if err := r.store.UpdateHost(*h); err != nil {
		return err
	}
	r.bus.Publish(events.Event{
		Type:      events.EventHostStatus,
		HostID:    h.ID,
		HostName:  h.Name,
		From:      string(prev),
		To:        string(status),
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// SetSwarmRole records the swarm membership discovered during a probe.
func (r *Registry) SetSwarmRole(id, swarmID string, manager, leader bool) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	kind := KindStandalone
	if swarmID != "" {
		if manager {
			kind = KindSwarmManager
		} else {
			kind = KindSwarmWorker
		}
	}
	if h.Kind == kind && h.SwarmID == swarmID && h.Leader == leader {
		return nil
	}
	h.Kind = kind
	h.SwarmID = swarmID
	h.Leader = leader
	h.UpdatedAt = time.Now().UTC()
	return r.store.UpdateHost(*h)
}

func (r *Registry) publish(typ events.EventType, h *Host, msg string) {
	r.bus.Publish(events.Event{
		Type:      typ,
		HostID:    h.ID,
		HostName:  h.Name,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
}
