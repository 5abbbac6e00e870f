package docker

import (
	"context"

	"github.com/moby/moby/api/types/events"
	"github.com/moby/moby/api/types/system"
	"github.com/moby/moby/client"
)

// Info returns the daemon's system information.
func (c *Client) Info(ctx context.Context) (system.Info, error) {
	result, err := c.api.Info(ctx, client.InfoOptions{})
	if err != nil {
		return system.Info{}, err
	}
	return result.Info, nil
}

// Version returns the daemon's version report.
func (c *Client) Version(ctx context.Context) (client.ServerVersionResult, error) {
	return c.api.ServerVersion(ctx, client.ServerVersionOptions{})
}

// DiskUsage returns the daemon's storage usage breakdown.
func (c *Client) DiskUsage(ctx context.Context) (client.DiskUsageResult, error) {
	return c.api.DiskUsage(ctx, client.DiskUsageOptions{})
}

// Events subscribes to the daemon's event feed. Both channels close when
// the context is cancelled; a value on the error channel ends the stream.
func (c *Client) Events(ctx context.Context) (<-chan events.Message, <-chan error) {
	res := c.api.Events(ctx, client.EventsListOptions{})
	return res.Messages, res.Err
}
