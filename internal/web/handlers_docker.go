package web

import (
	"context"
	"net/http"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/harbormaster-io/harbormaster/internal/audit"
	"github.com/harbormaster-io/harbormaster/internal/auth"
	"github.com/harbormaster-io/harbormaster/internal/docker"
	"github.com/harbormaster-io/harbormaster/internal/metrics"
)

// timeOp observes the duration of one routed Docker call.
func timeOp() func() {
	start := time.Now()
	return func() { metrics.OperationDuration.Observe(time.Since(start).Seconds()) }
}

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	api, h, ok := s.acquireDocker(w, r, auth.PermContainersView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	list, err := api.ListContainers(ctx)
	if err != nil {
		s.auditOp(r, "container.list", "container", "", h.ID, audit.OutcomeError, err)
		writeDockerError(w, r, err)
		return
	}
	s.auditOp(r, "container.list", "container", "", h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleInspectContainer(w http.ResponseWriter, r *http.Request) {
	api, _, ok := s.acquireDocker(w, r, auth.PermContainersView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	info, err := api.InspectContainer(ctx, r.PathValue("id"))
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	api, h, ok := s.acquireDocker(w, r, auth.PermContainersOp)
	if !ok {
		return
	}
	var req struct {
		Name       string                    `json:"name"`
		Config     *container.Config         `json:"config"`
		HostConfig *container.HostConfig     `json:"host_config,omitempty"`
		NetConfig  *network.NetworkingConfig `json:"networking_config,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Config == nil {
		writeError(w, r, CodeValidation, "container config is required")
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	id, err := api.CreateContainer(ctx, req.Name, req.Config, req.HostConfig, req.NetConfig)
	if err != nil {
		s.auditOp(r, "container.create", "container", req.Name, h.ID, audit.OutcomeError, err)
		writeDockerError(w, r, err)
		return
	}
	s.auditOp(r, "container.create", "container", id, h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// containerAction factors the start/stop/restart trio.
func (s *Server) containerAction(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, api docker.API, id string) error) {
	api, h, ok := s.acquireDocker(w, r, auth.PermContainersOp)
	if !ok {
		return
	}
	id := r.PathValue("id")
	ctx, cancel := opContext(r)
	defer cancel()
	done := timeOp()
	err := fn(ctx, api, id)
	done()
	if err != nil {
		s.auditOp(r, "container."+action, "container", id, h.ID, audit.OutcomeError, err)
		writeDockerError(w, r, err)
		return
	}
	s.auditOp(r, "container."+action, "container", id, h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": action})
}

func (s *Server) handleStartContainer(w http.ResponseWriter, r *http.Request) {
	s.containerAction(w, r, "start", func(ctx context.Context, api docker.API, id string) error {
		return api.StartContainer(ctx, id)
	})
}

func (s *Server) handleStopContainer(w http.ResponseWriter, r *http.Request) {
	timeout := queryInt(r, "timeout", 10)
	s.containerAction(w, r, "stop", func(ctx context.Context, api docker.API, id string) error {
		return api.StopContainer(ctx, id, timeout)
	})
}

func (s *Server) handleRestartContainer(w http.ResponseWriter, r *http.Request) {
	s.containerAction(w, r, "restart", func(ctx context.Context, api docker.API, id string) error {
		return api.RestartContainer(ctx, id)
	})
}

func (s *Server) handleRemoveContainer(w http.ResponseWriter, r *http.Request) {
	api, h, ok := s.acquireDocker(w, r, auth.PermContainersOp)
	if !ok {
		return
	}
	id := r.PathValue("id")
	ctx, cancel := opContext(r)
	defer cancel()
	err := api.RemoveContainer(ctx, id, queryBool(r, "force"), queryBool(r, "volumes"))
	if err != nil {
		s.auditOp(r, "container.remove", "container", id, h.ID, audit.OutcomeError, err)
		writeDockerError(w, r, err)
		return
	}
	s.auditOp(r, "container.remove", "container", id, h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handlePruneContainers(w http.ResponseWriter, r *http.Request) {
	api, h, ok := s.acquireDocker(w, r, auth.PermSystemPrune)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	res, err := api.PruneContainers(ctx)
	if err != nil {
		s.auditOp(r, "container.prune", "container", "", h.ID, audit.OutcomeError, err)
		writeDockerError(w, r, err)
		return
	}
	s.auditOp(r, "container.prune", "container", "", h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	api, _, ok := s.acquireDocker(w, r, auth.PermImagesView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	list, err := api.ListImages(ctx)
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleInspectImage(w http.ResponseWriter, r *http.Request) {
	api, _, ok := s.acquireDocker(w, r, auth.PermImagesView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	info, err := api.InspectImage(ctx, r.PathValue("ref"))
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handlePullImage starts the pull as a background task and returns 202:
// registry pulls routinely outlive any sane request timeout.
func (s *Server) handlePullImage(w http.ResponseWriter, r *http.Request) {
	api, h, ok := s.acquireDocker(w, r, auth.PermImagesManage)
	if !ok {
		return
	}
	var req struct {
		Ref string `json:"ref"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Ref == "" {
		writeErrorField(w, r, CodeMissingField, "image ref is required", "ref")
		return
	}
	rc := requestContext(r)
	ref := req.Ref
	task := s.deps.Tasks.Start("image.pull", h.ID, rc.UserID, func(ctx context.Context, report func(string)) error {
		report("pulling " + ref)
		return api.PullImage(ctx, ref)
	})
	s.auditOp(r, "image.pull", "image", ref, h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}

func (s *Server) handleRemoveImage(w http.ResponseWriter, r *http.Request) {
	api, h, ok := s.acquireDocker(w, r, auth.PermImagesManage)
	if !ok {
		return
	}
	ref := r.PathValue("ref")
	ctx, cancel := opContext(r)
	defer cancel()
	if err := api.RemoveImage(ctx, ref, queryBool(r, "force")); err != nil {
		s.auditOp(r, "image.remove", "image", ref, h.ID, audit.OutcomeError, err)
		writeDockerError(w, r, err)
		return
	}
	s.auditOp(r, "image.remove", "image", ref, h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleTagImage(w http.ResponseWriter, r *http.Request) {
	api, h, ok := s.acquireDocker(w, r, auth.PermImagesManage)
	if !ok {
		return
	}
	var req struct {
		Source string `json:"source"`
		Target string `json:"target"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Source == "" || req.Target == "" {
		writeError(w, r, CodeMissingField, "source and target are required")
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	if err := api.TagImage(ctx, req.Source, req.Target); err != nil {
		s.auditOp(r, "image.tag", "image", req.Source, h.ID, audit.OutcomeError, err)
		writeDockerError(w, r, err)
		return
	}
	s.auditOp(r, "image.tag", "image", req.Target, h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "tagged"})
}

func (s *Server) handlePruneImages(w http.ResponseWriter, r *http.Request) {
	api, h, ok := s.acquireDocker(w, r, auth.PermSystemPrune)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	res, err := api.PruneImages(ctx)
	if err != nil {
		s.auditOp(r, "image.prune", "image", "", h.ID, audit.OutcomeError, err)
		writeDockerError(w, r, err)
		return
	}
	s.auditOp(r, "image.prune", "image", "", h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	api, _, ok := s.acquireDocker(w, r, auth.PermVolumesView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	list, err := api.ListVolumes(ctx)
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRemoveVolume(w http.ResponseWriter, r *http.Request) {
	api, h, ok := s.acquireDocker(w, r, auth.PermVolumesManage)
	if !ok {
		return
	}
	name := r.PathValue("name")
	ctx, cancel := opContext(r)
	defer cancel()
	if err := api.RemoveVolume(ctx, name, queryBool(r, "force")); err != nil {
		s.auditOp(r, "volume.remove", "volume", name, h.ID, audit.OutcomeError, err)
		writeDockerError(w, r, err)
		return
	}
	s.auditOp(r, "volume.remove", "volume", name, h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handlePruneVolumes(w http.ResponseWriter, r *http.Request) {
	api, h, ok := s.acquireDocker(w, r, auth.PermSystemPrune)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	res, err := api.PruneVolumes(ctx)
	if err != nil {
		s.auditOp(r, "volume.prune", "volume", "", h.ID, audit.OutcomeError, err)
		writeDockerError(w, r, err)
		return
	}
	s.auditOp(r, "volume.prune", "volume", "", h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	api, _, ok := s.acquireDocker(w, r, auth.PermNetworksView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	list, err := api.ListNetworks(ctx)
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRemoveNetwork(w http.ResponseWriter, r *http.Request) {
	api, h, ok := s.acquireDocker(w, r, auth.PermNetworksManage)
	if !ok {
		return
	}
	id := r.PathValue("id")
	ctx, cancel := opContext(r)
	defer cancel()
	if err := api.RemoveNetwork(ctx, id); err != nil {
		s.auditOp(r, "network.remove", "network", id, h.ID, audit.OutcomeError, err)
		writeDockerError(w, r, err)
		return
	}
	s.auditOp(r, "network.remove", "network", id, h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handlePruneNetworks(w http.ResponseWriter, r *http.Request) {
	api, h, ok := s.acquireDocker(w, r, auth.PermSystemPrune)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	res, err := api.PruneNetworks(ctx)
	if err != nil {
		s.auditOp(r, "network.prune", "network", "", h.ID, audit.OutcomeError, err)
		writeDockerError(w, r, err)
		return
	}
	s.auditOp(r, "network.prune", "network", "", h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	api, _, ok := s.acquireDocker(w, r, auth.PermSystemView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	info, err := api.Info(ctx)
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSystemVersion(w http.ResponseWriter, r *http.Request) {
	api, _, ok := s.acquireDocker(w, r, auth.PermSystemView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	ver, err := api.Version(ctx)
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ver)
}

func (s *Server) handleSystemDF(w http.ResponseWriter, r *http.Request) {
	api, _, ok := s.acquireDocker(w, r, auth.PermSystemView)
	if !ok {
		return
	}
	ctx, cancel := opContext(r)
	defer cancel()
	df, err := api.DiskUsage(ctx)
	if err != nil {
		writeDockerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, df)
}

// handleSystemPrune runs the container/image/volume/network prunes as a
// background task; prunes on big hosts take minutes.
func (s *Server) handleSystemPrune(w http.ResponseWriter, r *http.Request) {
	api, h, ok := s.acquireDocker(w, r, auth.PermSystemPrune)
	if !ok {
		return
	}
	rc := requestContext(r)
	task := s.deps.Tasks.Start("system.prune", h.ID, rc.UserID, func(ctx context.Context, report func(string)) error {
		report("pruning containers")
		if _, err := api.PruneContainers(ctx); err != nil {
			return err
		}
		report("pruning images")
		if _, err := api.PruneImages(ctx); err != nil {
			return err
		}
		report("pruning volumes")
		if _, err := api.PruneVolumes(ctx); err != nil {
			return err
		}
		report("pruning networks")
		_, err := api.PruneNetworks(ctx)
		return err
	})
	s.auditOp(r, "system.prune", "system", "", h.ID, audit.OutcomeSuccess, nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
}
