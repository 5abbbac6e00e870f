package docker

import (
	"context"

	"github.com/moby/moby/api/types/volume"
	"github.com/moby/moby/client"
)

// PruneResult summarises what a prune operation removed.
type PruneResult struct {
	Deleted        int   `json:"deleted"`
	SpaceReclaimed int64 `json:"space_reclaimed"`
}

// ListVolumes returns all volumes on the host.
func (c *Client) ListVolumes(ctx context.Context) ([]volume.Volume, error) {
	result, err := c.api.VolumeList(ctx, client.VolumeListOptions{})
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// RemoveVolume deletes a volume by name.
func (c *Client) RemoveVolume(ctx context.Context, name string, force bool) error {
	_, err := c.api.VolumeRemove(ctx, name, client.VolumeRemoveOptions{Force: force})
	return err
}

// PruneVolumes removes unused anonymous volumes.
func (c *Client) PruneVolumes(ctx context.Context) (PruneResult, error) {
	resp, err := c.api.VolumePrune(ctx, client.VolumePruneOptions{})
	if err != nil {
		return PruneResult{}, err
	}
	return PruneResult{
		Deleted:        len(resp.Report.VolumesDeleted),
		SpaceReclaimed: int64(resp.Report.SpaceReclaimed), //nolint:gosec // reclaimed bytes fit in int64
	}, nil
}
