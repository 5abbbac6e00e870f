package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/moby/moby/client"
)

// ExecOptions describe an interactive exec session inside a container.
type ExecOptions struct {
	Cmd     []string
	WorkDir string
	Env     []string
	TTY     bool
}

// ExecSession is a live exec attach: Output carries the process output
// (raw when TTY, stdout/stderr-multiplexed otherwise), Input accepts
// stdin bytes.
type ExecSession struct {
	ID     string
	Output io.Reader
	Input  io.Writer
	close  func()
}

// Close tears down the attached connection. The exec process keeps its
// daemon-side lifecycle; closing only detaches.
func (s *ExecSession) Close() { s.close() }

// StartExec creates and attaches an exec instance in one step.
func (c *Client) StartExec(ctx context.Context, containerID string, opts ExecOptions) (*ExecSession, error) {
	created, err := c.api.ExecCreate(ctx, containerID, client.ExecCreateOptions{
		Cmd:          opts.Cmd,
		WorkingDir:   opts.WorkDir,
		Env:          opts.Env,
		TTY:          opts.TTY,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := c.api.ExecAttach(ctx, created.ID, client.ExecAttachOptions{TTY: opts.TTY})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	return &ExecSession{
		ID:     created.ID,
		Output: attach.Reader,
		Input:  attach.Conn,
		close:  attach.Close,
	}, nil
}

// ResizeExec adjusts the PTY dimensions of a running exec instance.
func (c *Client) ResizeExec(ctx context.Context, execID string, rows, cols uint) error {
	_, err := c.api.ExecResize(ctx, execID, client.ExecResizeOptions{
		Height: rows,
		Width:  cols,
	})
	return err
}

// InspectExec reports the running state and exit code of an exec instance.
func (c *Client) InspectExec(ctx context.Context, execID string) (running bool, exitCode int, err error) {
	resp, err := c.api.ExecInspect(ctx, execID, client.ExecInspectOptions{})
	if err != nil {
		return false, 0, err
	}
	return resp.Running, resp.ExitCode, nil
}
