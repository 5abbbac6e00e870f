package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// ListContainers returns all containers regardless of state.
func (c *Client) ListContainers(ctx context.Context) ([]container.Summary, error) {
	result, err := c.api.ContainerList(ctx, client.ContainerListOptions{All: true})
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// InspectContainer returns full container details by ID or name.
func (c *Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	result, err := c.api.ContainerInspect(ctx, id, client.ContainerInspectOptions{})
	if err != nil {
		return container.InspectResponse{}, err
	}
	return result.Container, nil
}

// CreateContainer creates a new container and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             name,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartContainer starts a stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerStart(ctx, id, client.ContainerStartOptions{})
	return err
}

// StopContainer stops a running container with the given timeout in seconds.
func (c *Client) StopContainer(ctx context.Context, id string, timeout int) error {
	_, err := c.api.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeout})
	return err
}

// RestartContainer restarts a running container.
func (c *Client) RestartContainer(ctx context.Context, id string) error {
	_, err := c.api.ContainerRestart(ctx, id, client.ContainerRestartOptions{})
	return err
}

// RemoveContainer removes a container, optionally forcing a running one
// and deleting its anonymous volumes.
func (c *Client) RemoveContainer(ctx context.Context, id string, force, volumes bool) error {
	_, err := c.api.ContainerRemove(ctx, id, client.ContainerRemoveOptions{
		Force:         force,
		RemoveVolumes: volumes,
	})
	return err
}

// PruneContainers removes stopped containers and reports what was freed.
func (c *Client) PruneContainers(ctx context.Context) (PruneResult, error) {
	resp, err := c.api.ContainerPrune(ctx, client.ContainerPruneOptions{})
	if err != nil {
		return PruneResult{}, err
	}
	return PruneResult{
		Deleted:        len(resp.Report.ContainersDeleted),
		SpaceReclaimed: int64(resp.Report.SpaceReclaimed), //nolint:gosec // reclaimed bytes fit in int64
	}, nil
}

// LogOptions control a container or service log stream.
type LogOptions struct {
	Follow     bool
	Tail       string // "all" or a line count; "0" means live frames only
	Since      string
	Timestamps bool
}

// ContainerLogs opens a raw log stream for a container. The caller owns
// the reader; the stream is multiplexed stdout/stderr unless the
// container runs with a TTY.
func (c *Client) ContainerLogs(ctx context.Context, id string, opts LogOptions) (io.ReadCloser, error) {
	reader, err := c.api.ContainerLogs(ctx, id, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       opts.Tail,
		Since:      opts.Since,
		Timestamps: opts.Timestamps,
	})
	if err != nil {
		return nil, fmt.Errorf("container logs: %w", err)
	}
	return reader, nil
}

// ContainerStats opens a streaming stats feed for a container. The body
// yields one JSON stats document per interval until closed.
func (c *Client) ContainerStats(ctx context.Context, id string) (io.ReadCloser, error) {
	resp, err := c.api.ContainerStats(ctx, id, client.ContainerStatsOptions{Stream: true})
	if err != nil {
		return nil, fmt.Errorf("container stats: %w", err)
	}
	return resp.Body, nil
}
