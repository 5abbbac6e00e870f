package docker

import (
	"context"

	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// ListNetworks returns all networks on the host.
func (c *Client) ListNetworks(ctx context.Context) ([]network.Summary, error) {
	result, err := c.api.NetworkList(ctx, client.NetworkListOptions{})
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// RemoveNetwork deletes a network by ID or name.
func (c *Client) RemoveNetwork(ctx context.Context, id string) error {
	_, err := c.api.NetworkRemove(ctx, id, client.NetworkRemoveOptions{})
	return err
}

// PruneNetworks removes unused networks.
func (c *Client) PruneNetworks(ctx context.Context) (PruneResult, error) {
	resp, err := c.api.NetworkPrune(ctx, client.NetworkPruneOptions{})
	if err != nil {
		return PruneResult{}, err
	}
	return PruneResult{Deleted: len(resp.Report.NetworksDeleted)}, nil
}
