package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/moby/moby/api/types/swarm"
	"github.com/moby/moby/client"
)

// SwarmStatus summarises this host's view of its swarm, if any.
type SwarmStatus struct {
	Active           bool   `json:"active"`
	ControlAvailable bool   `json:"control_available"`
	SwarmID          string `json:"swarm_id,omitempty"`
	NodeID           string `json:"node_id,omitempty"`
}

// SwarmStatus reports whether the host participates in a swarm and
// whether it is a manager.
func (c *Client) SwarmStatus(ctx context.Context) (SwarmStatus, error) {
	result, err := c.api.Info(ctx, client.InfoOptions{})
	if err != nil {
		return SwarmStatus{}, err
	}
	sw := result.Info.Swarm
	return SwarmStatus{
		Active:           sw.LocalNodeState == swarm.LocalNodeStateActive,
		ControlAvailable: sw.ControlAvailable,
		SwarmID:          sw.Cluster.ID,
		NodeID:           sw.NodeID,
	}, nil
}

// InspectSwarm returns the full swarm object. Only valid on managers.
func (c *Client) InspectSwarm(ctx context.Context) (swarm.Swarm, error) {
	result, err := c.api.SwarmInspect(ctx, client.SwarmInspectOptions{})
	if err != nil {
		return swarm.Swarm{}, err
	}
	return result.Swarm, nil
}

// ListServices returns all services with status counts.
func (c *Client) ListServices(ctx context.Context) ([]swarm.Service, error) {
	result, err := c.api.ServiceList(ctx, client.ServiceListOptions{Status: true})
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// InspectService returns one service by ID or name.
func (c *Client) InspectService(ctx context.Context, id string) (swarm.Service, error) {
	result, err := c.api.ServiceInspect(ctx, id, client.ServiceInspectOptions{})
	if err != nil {
		return swarm.Service{}, err
	}
	return result.Service, nil
}

// UpdateService updates a service's spec. The version must be the current
// version from InspectService; stale versions cause a conflict error.
func (c *Client) UpdateService(ctx context.Context, id string, version swarm.Version, spec swarm.ServiceSpec) error {
	_, err := c.api.ServiceUpdate(ctx, id, client.ServiceUpdateOptions{
		Version: version,
		Spec:    spec,
	})
	return err
}

// RollbackService triggers Swarm's native rollback to the previous spec.
func (c *Client) RollbackService(ctx context.Context, id string, version swarm.Version) error {
	_, err := c.api.ServiceUpdate(ctx, id, client.ServiceUpdateOptions{
		Version:  version,
		Rollback: "previous",
	})
	return err
}

// ServiceLogs opens a fan-in log stream across all tasks of a service.
func (c *Client) ServiceLogs(ctx context.Context, id string, opts LogOptions) (io.ReadCloser, error) {
	reader, err := c.api.ServiceLogs(ctx, id, client.ServiceLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       opts.Tail,
		Since:      opts.Since,
		Timestamps: opts.Timestamps,
	})
	if err != nil {
		return nil, fmt.Errorf("service logs: %w", err)
	}
	return reader, nil
}

// ListNodes returns all swarm nodes. Only valid on managers.
func (c *Client) ListNodes(ctx context.Context) ([]swarm.Node, error) {
	result, err := c.api.NodeList(ctx, client.NodeListOptions{})
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// InspectNode returns one swarm node by ID.
func (c *Client) InspectNode(ctx context.Context, id string) (swarm.Node, error) {
	result, err := c.api.NodeInspect(ctx, id, client.NodeInspectOptions{})
	if err != nil {
		return swarm.Node{}, err
	}
	return result.Node, nil
}

// ListTasks returns the running tasks of one service.
func (c *Client) ListTasks(ctx context.Context, serviceID string) ([]swarm.Task, error) {
	f := client.Filters{}
	f = f.Add("service", serviceID)
	result, err := c.api.TaskList(ctx, client.TaskListOptions{Filters: f})
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// ListSecrets returns swarm secret metadata. Secret payloads never leave
// the daemon.
func (c *Client) ListSecrets(ctx context.Context) ([]swarm.Secret, error) {
	result, err := c.api.SecretList(ctx, client.SecretListOptions{})
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// ListConfigs returns swarm config metadata.
func (c *Client) ListConfigs(ctx context.Context) ([]swarm.Config, error) {
	result, err := c.api.ConfigList(ctx, client.ConfigListOptions{})
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}
