package docker

import (
	"context"

	"github.com/moby/moby/api/types/image"
	"github.com/moby/moby/client"
)

// ListImages returns all top-level images.
func (c *Client) ListImages(ctx context.Context) ([]image.Summary, error) {
	result, err := c.api.ImageList(ctx, client.ImageListOptions{All: false})
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

// InspectImage returns full image details by reference or ID.
func (c *Client) InspectImage(ctx context.Context, ref string) (image.InspectResponse, error) {
	resp, err := c.api.ImageInspect(ctx, ref)
	if err != nil {
		return image.InspectResponse{}, err
	}
	return resp.InspectResponse, nil
}

// PullImage pulls an image by reference, blocking until the pull
// completes or the context is cancelled.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	resp, err := c.api.ImagePull(ctx, ref, client.ImagePullOptions{})
	if err != nil {
		return err
	}
	return resp.Wait(ctx)
}

// RemoveImage removes an image by reference or ID, pruning untagged
// children. Force removes even when tagged in multiple repositories.
func (c *Client) RemoveImage(ctx context.Context, ref string, force bool) error {
	_, err := c.api.ImageRemove(ctx, ref, client.ImageRemoveOptions{
		Force:         force,
		PruneChildren: true,
	})
	return err
}

// TagImage applies a new tag to an existing image.
func (c *Client) TagImage(ctx context.Context, src, target string) error {
	_, err := c.api.ImageTag(ctx, client.ImageTagOptions{Source: src, Target: target})
	return err
}

// PruneImages removes dangling images.
func (c *Client) PruneImages(ctx context.Context) (PruneResult, error) {
	resp, err := c.api.ImagePrune(ctx, client.ImagePruneOptions{})
	if err != nil {
		return PruneResult{}, err
	}
	return PruneResult{
		Deleted:        len(resp.Report.ImagesDeleted),
		SpaceReclaimed: int64(resp.Report.SpaceReclaimed), //nolint:gosec // reclaimed bytes fit in int64
	}, nil
}
