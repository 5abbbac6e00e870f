package web

import (
	"net/http"

	"github.com/moby/moby/api/types/swarm"

	"github.com/harbormaster-io/harbormaster/internal/audit"
	"github.com/harbormaster-io/harbormaster/internal/auth"
)

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	api, _, ok := s.acquireDocker(w, r, auth.PermSwarmView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	list, err := api.ListServices(ctx)
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleInspectService(w http.ResponseWriter, r *http.Request) {
	api, _, ok := s.acquireDocker(w, r, auth.PermSwarmView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	svc, err := api.InspectService(ctx, r.PathValue("id"))
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

// handleUpdateService applies a new service spec at an explicit version.
// The version requirement makes concurrent updates fail loudly instead
// of last-writer-wins.
func (s *Server) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	api, h, ok := s.acquireDocker(w, r, auth.PermSwarmManage)
	if !ok {
		return
	}
	var req struct {
		Version swarm.Version     `json:"version"`
		Spec    swarm.ServiceSpec `json:"spec"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, CodeValidation, "malformed request body")
		return
	}
	id := r.PathValue("id")
	ctx, cancel := opContext(r)
	defer cancel()
	if err := api.UpdateService(ctx, id, req.Version, req.Spec); err != nil {
		s.auditOp(r, "service.update", "service", id, h.ID, audit.OutcomeError, err)
		writeDockerError(w, r, err)
		return
	}
	s.auditOp(r, "service.update", "service", id, h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleRollbackService(w http.ResponseWriter, r *http.Request) {
	api, h, ok := s.acquireDocker(w, r, auth.PermSwarmManage)
	if !ok {
		return
	}
	id := r.PathValue("id")
	ctx, cancel := opContext(r)
	defer cancel()

	svc, err := api.InspectService(ctx, id)
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	if err := api.RollbackService(ctx, id, svc.Version); err != nil {
		s.auditOp(r, "service.rollback", "service", id, h.ID, audit.OutcomeError, err)
		writeDockerError(w, r, err)
		return
	}
	s.auditOp(r, "service.rollback", "service", id, h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "rollback_started"})
}

func (s *Server) handleListServiceTasks(w http.ResponseWriter, r *http.Request) {
	api, _, ok := s.acquireDocker(w, r, auth.PermSwarmView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	list, err := api.ListTasks(ctx, r.PathValue("id"))
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	api, _, ok := s.acquireDocker(w, r, auth.PermSwarmView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	list, err := api.ListNodes(ctx)
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleInspectNode(w http.ResponseWriter, r *http.Request) {
	api, _, ok := s.acquireDocker(w, r, auth.PermSwarmView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	node, err := api.InspectNode(ctx, r.PathValue("id"))
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// Secret and config listings return metadata only; the payloads never
// leave the swarm managers.
func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	api, _, ok := s.acquireDocker(w, r, auth.PermSwarmView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	list, err := api.ListSecrets(ctx)
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	api, _, ok := s.acquireDocker(w, r, auth.PermSwarmView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	list, err := api.ListConfigs(ctx)
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
