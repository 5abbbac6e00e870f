package docker

import (
	"context"
	"io"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/image"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/api/types/swarm"
	"github.com/moby/moby/api/types/system"
	"github.com/moby/moby/api/types/volume"
	"github.com/moby/moby/client"
)

// API is the transport-agnostic Docker surface the rest of the control
// plane programs against. Implemented by Client for production and by
// mocks for testing; callers never learn which transport backs it.
type API interface {
	Ping(ctx context.Context) error
	Info(ctx context.Context) (system.Info, error)
	Version(ctx context.Context) (client.ServerVersionResult, error)
	DiskUsage(ctx context.Context) (client.DiskUsageResult, error)
	Events(ctx context.Context) (<-chan events.Message, <-chan error)

	ListContainers(ctx context.Context) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout int) error
	RestartContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string, force, volumes bool) error
	PruneContainers(ctx context.Context) (PruneResult, error)
	ContainerLogs(ctx context.Context, id string, opts LogOptions) (io.ReadCloser, error)
	ContainerStats(ctx context.Context, id string) (io.ReadCloser, error)

	StartExec(ctx context.Context, containerID string, opts ExecOptions) (*ExecSession, error)
	ResizeExec(ctx context.Context, execID string, rows, cols uint) error
	InspectExec(ctx context.Context, execID string) (running bool, exitCode int, err error)

	ListImages(ctx context.Context) ([]image.Summary, error)
	InspectImage(ctx context.Context, ref string) (image.InspectResponse, error)
	PullImage(ctx context.Context, ref string) error
	RemoveImage(ctx context.Context, ref string, force bool) error
	TagImage(ctx context.Context, src, target string) error
	PruneImages(ctx context.Context) (PruneResult, error)

	ListVolumes(ctx context.Context) ([]volume.Volume, error)
	RemoveVolume(ctx context.Context, name string, force bool) error
	PruneVolumes(ctx context.Context) (PruneResult, error)

	ListNetworks(ctx context.Context) ([]network.Summary, error)
	RemoveNetwork(ctx context.Context, id string) error
	PruneNetworks(ctx context.Context) (PruneResult, error)

	SwarmStatus(ctx context.Context) (SwarmStatus, error)
	InspectSwarm(ctx context.Context) (swarm.Swarm, error)
	ListServices(ctx context.Context) ([]swarm.Service, error)
	InspectService(ctx context.Context, id string) (swarm.Service, error)
	UpdateService(ctx context.Context, id string, version swarm.Version, spec swarm.ServiceSpec) error
	RollbackService(ctx context.Context, id string, version swarm.Version) error
	ServiceLogs(ctx context.Context, id string, opts LogOptions) (io.ReadCloser, error)
	ListNodes(ctx context.Context) ([]swarm.Node, error)
	InspectNode(ctx context.Context, id string) (swarm.Node, error)
	ListTasks(ctx context.Context, serviceID string) ([]swarm.Task, error)
	ListSecrets(ctx context.Context) ([]swarm.Secret, error)
	ListConfigs(ctx context.Context) ([]swarm.Config, error)

	Close() error
}

// Verify Client implements API at compile time.
var _ API = (*Client)(nil)
