package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/harbormaster-io/harbormaster/internal/audit"
	"github.com/harbormaster-io/harbormaster/internal/auth"
	"github.com/harbormaster-io/harbormaster/internal/docker"
	"github.com/harbormaster-io/harbormaster/internal/hosts"
	"github.com/harbormaster-io/harbormaster/internal/vault"
)

// credentialInput is the wire shape of secret material. PEM blocks and
// keys arrive as plain strings; they are write-only and never echoed.
type credentialInput struct {
	Kind          vault.CredentialKind `json:"kind"`
	TLSCACert     string               `json:"tls_ca_cert,omitempty"`
	TLSCert       string               `json:"tls_cert,omitempty"`
	TLSKey        string               `json:"tls_key,omitempty"`
	SSHUser       string               `json:"ssh_user,omitempty"`
	SSHPrivateKey string               `json:"ssh_private_key,omitempty"`
	SSHPassphrase string               `json:"ssh_passphrase,omitempty"`
	SSHPassword   string               `json:"ssh_password,omitempty"`
}

func (c *credentialInput) toCredential() *vault.Credential {
	if c == nil {
		return nil
	}
	return &vault.Credential{
		Kind:          c.Kind,
		TLSCACert:     []byte(c.TLSCACert),
		TLSCert:       []byte(c.TLSCert),
		TLSKey:        []byte(c.TLSKey),
		SSHUser:       c.SSHUser,
		SSHPrivateKey: []byte(c.SSHPrivateKey),
		SSHPassphrase: c.SSHPassphrase,
		SSHPassword:   c.SSHPassword,
	}
}

// hostView augments the host record with the live breaker state.
type hostView struct {
	hosts.Host
	BreakerState string `json:"breaker_state,omitempty"`
}

func (s *Server) viewHost(h *hosts.Host) hostView {
	v := hostView{Host: *h}
	if br, err := s.deps.Pool.Breaker(h.ID); err == nil {
		v.BreakerState = string(br.State())
	}
	return v
}

// handleListHosts returns the hosts the caller may see. Admins see all;
// others see everything too, since hosts are directory entries, but
// hosts they lack view rights on are filtered out.
func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	all, err := s.deps.Hosts.List()
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]hostView, 0, len(all))
	for i := range all {
		if !s.deps.Auth.CanViewHost(rc, all[i].ID) {
			continue
		}
		out = append(out, s.viewHost(&all[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateHost(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, auth.PermHostsManage, "") {
		return
	}
	var req struct {
		Name       string            `json:"name"`
		Transport  docker.Transport  `json:"transport"`
		Addr       string            `json:"addr"`
		Labels     map[string]string `json:"labels,omitempty"`
		Credential *credentialInput  `json:"credential,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, CodeValidation, "malformed request body")
		return
	}
	h, err := s.deps.Hosts.Create(hosts.CreateInput{
		Name:       req.Name,
		Transport:  req.Transport,
		Addr:       req.Addr,
		Labels:     req.Labels,
		Credential: req.Credential.toCredential(),
	})
	if err != nil {
		s.auditOp(r, "host.create", "host", req.Name, "", audit.OutcomeError, err)
		writeDomainError(w, r, err)
		return
	}
	s.auditOp(r, "host.create", "host", h.ID, h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusCreated, s.viewHost(h))
}

func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	id := r.PathValue("id")
	h, err := s.deps.Hosts.Get(id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !s.deps.Auth.CanViewHost(rc, h.ID) {
		writeError(w, r, CodeHostNotFound, "host not found")
		return
	}
	writeJSON(w, http.StatusOK, s.viewHost(h))
}

func (s *Server) handleUpdateHost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, auth.PermHostsManage, id) {
		return
	}
	var req struct {
		Name       *string            `json:"name"`
		Addr       *string            `json:"addr"`
		Active     *bool              `json:"active"`
		Labels     *map[string]string `json:"labels"`
		Credential *credentialInput   `json:"credential"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, CodeValidation, "malformed request body")
		return
	}
	h, err := s.deps.Hosts.Update(id, hosts.UpdateInput{
		Name:       req.Name,
		Addr:       req.Addr,
		Active:     req.Active,
		Labels:     req.Labels,
		Credential: req.Credential.toCredential(),
	})
	if err != nil {
		s.auditOp(r, "host.update", "host", id, id, audit.OutcomeError, err)
		writeDomainError(w, r, err)
		return
	}
	s.auditOp(r, "host.update", "host", id, id, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, s.viewHost(h))
}

func (s *Server) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, auth.PermHostsManage, id) {
		return
	}
	if err := s.deps.Hosts.Delete(id); err != nil {
		s.auditOp(r, "host.delete", "host", id, id, audit.OutcomeError, err)
		writeDomainError(w, r, err)
		return
	}
	s.auditOp(r, "host.delete", "host", id, id, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleTestHost dials the host right now and reports reachability.
func (s *Server) handleTestHost(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	id := r.PathValue("id")
	h, err := s.deps.Hosts.Get(id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if !s.deps.Auth.CanViewHost(rc, h.ID) {
		writeError(w, r, CodeHostNotFound, "host not found")
		return
	}
	if !s.authorize(w, r, auth.PermHostsManage, id) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	start := time.Now()
	api, _, err := s.deps.Pool.Acquire(ctx, id)
	if err == nil {
		err = api.Ping(ctx)
	}
	latency := time.Since(start)

	if err != nil {
		code, msg := mapError(err)
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":         false,
			"latency_ms": latency.Milliseconds(),
			"error":      map[string]string{"code": code, "message": msg},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"latency_ms": latency.Milliseconds(),
	})
}

func (s *Server) handleSetDefaultHost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, auth.PermHostsManage, "") {
		return
	}
	if err := s.deps.Hosts.SetDefault(id); err != nil {
		s.auditOp(r, "host.set_default", "host", id, id, audit.OutcomeError, err)
		writeDomainError(w, r, err)
		return
	}
	s.auditOp(r, "host.set_default", "host", id, id, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "default_set"})
}

// handleResetBreaker forces a host's circuit breaker closed so the next
// call dials immediately.
func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, auth.PermHostsManage, id) {
		return
	}
	br, err := s.deps.Pool.Breaker(id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	br.Reset()
	s.auditOp(r, "host.breaker_reset", "host", id, id, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "breaker_reset", "state": string(br.State())})
}

// swarmSummary is one row of the swarm aggregate view.
type swarmSummary struct {
	HostID   string `json:"host_id"`
	HostName string `json:"host_name"`
	SwarmID  string `json:"swarm_id"`
	Nodes    int    `json:"nodes"`
	Managers int    `json:"managers"`
	Services int    `json:"services"`
	Error    string `json:"error,omitempty"`
}

// handleListSwarms fans out over the active swarm-manager hosts the
// caller can see and aggregates cluster summaries.
func (s *Server) handleListSwarms(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	all, err := s.deps.Hosts.List()
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	var managers []hosts.Host
	for _, h := range all {
		if h.Kind != hosts.KindSwarmManager || !h.Active {
			continue
		}
		if !s.deps.Auth.CanViewHost(rc, h.ID) {
			continue
		}
		if s.deps.Auth.Authorize(rc, auth.PermSwarmView, h.ID) != nil {
			continue
		}
		managers = append(managers, h)
	}

	out := make([]swarmSummary, len(managers))
	var wg sync.WaitGroup
	for i, h := range managers {
		wg.Add(1)
		go func(i int, h hosts.Host) {
			defer wg.Done()
			out[i] = s.swarmSummaryFor(r.Context(), h)
		}(i, h)
	}
	wg.Wait()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) swarmSummaryFor(ctx context.Context, h hosts.Host) swarmSummary {
	sum := swarmSummary{HostID: h.ID, HostName: h.Name, SwarmID: h.SwarmID}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	api, _, err := s.deps.Pool.Acquire(ctx, h.ID)
	if err != nil {
		sum.Error = err.Error()
		return sum
	}
	sw, err := api.InspectSwarm(ctx)
	if err != nil {
		sum.Error = err.Error()
		return sum
	}
	sum.SwarmID = sw.ID
	if nodes, err := api.ListNodes(ctx); err == nil {
		sum.Nodes = len(nodes)
		for _, n := range nodes {
			if n.Spec.Role == "manager" {
				sum.Managers++
			}
		}
	}
	if services, err := api.ListServices(ctx); err == nil {
		sum.Services = len(services)
	}
	return sum
}

// handleDashboard summarises fleet health without touching any daemon:
// everything here comes from the registry and the pool.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	all, err := s.deps.Hosts.List()
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	type hostHealth struct {
		ID           string       `json:"id"`
		Name         string       `json:"name"`
		Kind         hosts.Kind   `json:"kind"`
		Status       hosts.Status `json:"status"`
		Default      bool         `json:"default"`
		Active       bool         `json:"active"`
		BreakerState string       `json:"breaker_state,omitempty"`
		LastProbe    time.Time    `json:"last_probe,omitempty"`
	}

	counts := map[hosts.Status]int{}
	views := make([]hostHealth, 0, len(all))
	for _, h := range all {
		if !s.deps.Auth.CanViewHost(rc, h.ID) {
			continue
		}
		counts[h.Status]++
		hh := hostHealth{
			ID:      h.ID,
			Name:    h.Name,
			Kind:    h.Kind,
			Status:  h.Status,
			Default: h.Default,
			Active:  h.Active,
		}
		if br, err := s.deps.Pool.Breaker(h.ID); err == nil {
			hh.BreakerState = string(br.State())
		}
		if t, err := s.deps.Pool.LastProbe(h.ID); err == nil {
			hh.LastProbe = t
		}
		views = append(views, hh)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hosts":         views,
		"status_counts": counts,
	})
}
