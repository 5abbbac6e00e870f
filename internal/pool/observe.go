package pool

import (
	"context"
	"errors"
	"io"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/image"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/api/types/swarm"
	"github.com/moby/moby/api/types/system"
	"github.com/moby/moby/api/types/volume"
	"github.com/moby/moby/client"

	"github.com/harbormaster-io/harbormaster/internal/breaker"
	"github.com/harbormaster-io/harbormaster/internal/docker"
)

// observed feeds the outcome of every daemon call into the host's
// breaker, so dead daemons are noticed by user traffic and not only by
// the probe loop.
type observed struct {
	api docker.API
	br  *breaker.Breaker
}

// instrument wraps a client so all calls report to the breaker.
func instrument(api docker.API, br *breaker.Breaker) docker.API {
	return &observed{api: api, br: br}
}

// record classifies one call outcome. Only transport-level failures
// count against the breaker: an API error is proof the daemon is alive.
func (o *observed) record(err error) {
	switch {
	case err == nil:
		o.br.Success()
	case errors.Is(err, context.Canceled):
		// The caller went away; says nothing about the daemon.
	case docker.IsConnectionError(err), errors.Is(err, context.DeadlineExceeded):
		o.br.Failure()
	default:
		o.br.Success()
	}
}

func (o *observed) Ping(ctx context.Context) error {
	err := o.api.Ping(ctx)
	o.record(err)
	return err
}

func (o *observed) Info(ctx context.Context) (system.Info, error) {
	v, err := o.api.Info(ctx)
	o.record(err)
	return v, err
}

func (o *observed) Version(ctx context.Context) (client.ServerVersionResult, error) {
	v, err := o.api.Version(ctx)
	o.record(err)
	return v, err
}

func (o *observed) DiskUsage(ctx context.Context) (client.DiskUsageResult, error) {
	v, err := o.api.DiskUsage(ctx)
	o.record(err)
	return v, err
}

// Events returns live channels; outcomes surface on the error channel
// after the call, so there is nothing to record here.
func (o *observed) Events(ctx context.Context) (<-chan events.Message, <-chan error) {
	return o.api.Events(ctx)
}

func (o *observed) ListContainers(ctx context.Context) ([]container.Summary, error) {
	v, err := o.api.ListContainers(ctx)
	o.record(err)
	return v, err
}

func (o *observed) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	v, err := o.api.InspectContainer(ctx, id)
	o.record(err)
	return v, err
}

func (o *observed) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	v, err := o.api.CreateContainer(ctx, name, cfg, hostCfg, netCfg)
	o.record(err)
	return v, err
}

func (o *observed) StartContainer(ctx context.Context, id string) error {
	err := o.api.StartContainer(ctx, id)
	o.record(err)
	return err
}

func (o *observed) StopContainer(ctx context.Context, id string, timeout int) error {
	err := o.api.StopContainer(ctx, id, timeout)
	o.record(err)
	return err
}

func (o *observed) RestartContainer(ctx context.Context, id string) error {
	err := o.api.RestartContainer(ctx, id)
	o.record(err)
	return err
}

func (o *observed) RemoveContainer(ctx context.Context, id string, force, volumes bool) error {
	err := o.api.RemoveContainer(ctx, id, force, volumes)
	o.record(err)
	return err
}

func (o *observed) PruneContainers(ctx context.Context) (docker.PruneResult, error) {
	v, err := o.api.PruneContainers(ctx)
	o.record(err)
	return v, err
}

func (o *observed) ContainerLogs(ctx context.Context, id string, opts docker.LogOptions) (io.ReadCloser, error) {
	v, err := o.api.ContainerLogs(ctx, id, opts)
	o.record(err)
	return v, err
}

func (o *observed) ContainerStats(ctx context.Context, id string) (io.ReadCloser, error) {
	v, err := o.api.ContainerStats(ctx, id)
	o.record(err)
	return v, err
}

func (o *observed) StartExec(ctx context.Context, containerID string, opts docker.ExecOptions) (*docker.ExecSession, error) {
	v, err := o.api.StartExec(ctx, containerID, opts)
	o.record(err)
	return v, err
}

func (o *observed) ResizeExec(ctx context.Context, execID string, rows, cols uint) error {
	err := o.api.ResizeExec(ctx, execID, rows, cols)
	o.record(err)
	return err
}

func (o *observed) InspectExec(ctx context.Context, execID string) (bool, int, error) {
	running, code, err := o.api.InspectExec(ctx, execID)
	o.record(err)
	return running, code, err
}

func (o *observed) ListImages(ctx context.Context) ([]image.Summary, error) {
	v, err := o.api.ListImages(ctx)
	o.record(err)
	return v, err
}

func (o *observed) InspectImage(ctx context.Context, ref string) (image.InspectResponse, error) {
	v, err := o.api.InspectImage(ctx, ref)
	o.record(err)
	return v, err
}

func (o *observed) PullImage(ctx context.Context, ref string) error {
	err := o.api.PullImage(ctx, ref)
	o.record(err)
	return err
}

func (o *observed) RemoveImage(ctx context.Context, ref string, force bool) error {
	err := o.api.RemoveImage(ctx, ref, force)
	o.record(err)
	return err
}

func (o *observed) TagImage(ctx context.Context, src, target string) error {
	err := o.api.TagImage(ctx, src, target)
	o.record(err)
	return err
}

func (o *observed) PruneImages(ctx context.Context) (docker.PruneResult, error) {
	v, err := o.api.PruneImages(ctx)
	o.record(err)
	return v, err
}

func (o *observed) ListVolumes(ctx context.Context) ([]volume.Volume, error) {
	v, err := o.api.ListVolumes(ctx)
	o.record(err)
	return v, err
}

func (o *observed) RemoveVolume(ctx context.Context, name string, force bool) error {
	err := o.api.RemoveVolume(ctx, name, force)
	o.record(err)
	return err
}

func (o *observed) PruneVolumes(ctx context.Context) (docker.PruneResult, error) {
	v, err := o.api.PruneVolumes(ctx)
	o.record(err)
	return v, err
}

func (o *observed) ListNetworks(ctx context.Context) ([]network.Summary, error) {
	v, err := o.api.ListNetworks(ctx)
	o.record(err)
	return v, err
}

func (o *observed) RemoveNetwork(ctx context.Context, id string) error {
	err := o.api.RemoveNetwork(ctx, id)
	o.record(err)
	return err
}

func (o *observed) PruneNetworks(ctx context.Context) (docker.PruneResult, error) {
	v, err := o.api.PruneNetworks(ctx)
	o.record(err)
	return v, err
}

func (o *observed) SwarmStatus(ctx context.Context) (docker.SwarmStatus, error) {
	v, err := o.api.SwarmStatus(ctx)
	o.record(err)
	return v, err
}

func (o *observed) InspectSwarm(ctx context.Context) (swarm.Swarm, error) {
	v, err := o.api.InspectSwarm(ctx)
	o.record(err)
	return v, err
}

func (o *observed) ListServices(ctx context.Context) ([]swarm.Service, error) {
	v, err := o.api.ListServices(ctx)
	o.record(err)
	return v, err
}

func (o *observed) InspectService(ctx context.Context, id string) (swarm.Service, error) {
	v, err := o.api.InspectService(ctx, id)
	o.record(err)
	return v, err
}

func (o *observed) UpdateService(ctx context.Context, id string, version swarm.Version, spec swarm.ServiceSpec) error {
	err := o.api.UpdateService(ctx, id, version, spec)
	o.record(err)
	return err
}

func (o *observed) RollbackService(ctx context.Context, id string, version swarm.Version) error {
	err := o.api.RollbackService(ctx, id, version)
	o.record(err)
	return err
}

func (o *observed) ServiceLogs(ctx context.Context, id string, opts docker.LogOptions) (io.ReadCloser, error) {
	v, err := o.api.ServiceLogs(ctx, id, opts)
	o.record(err)
	return v, err
}

func (o *observed) ListNodes(ctx context.Context) ([]swarm.Node, error) {
	v, err := o.api.ListNodes(ctx)
	o.record(err)
	return v, err
}

func (o *observed) InspectNode(ctx context.Context, id string) (swarm.Node, error) {
	v, err := o.api.InspectNode(ctx, id)
	o.record(err)
	return v, err
}

func (o *observed) ListTasks(ctx context.Context, serviceID string) ([]swarm.Task, error) {
	v, err := o.api.ListTasks(ctx, serviceID)
	o.record(err)
	return v, err
}

func (o *observed) ListSecrets(ctx context.Context) ([]swarm.Secret, error) {
	v, err := o.api.ListSecrets(ctx)
	o.record(err)
	return v, err
}

func (o *observed) ListConfigs(ctx context.Context) ([]swarm.Config, error) {
	v, err := o.api.ListConfigs(ctx)
	o.record(err)
	return v, err
}

func (o *observed) Close() error {
	return o.api.Close()
}

var _ docker.API = (*observed)(nil)
