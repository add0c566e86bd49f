package docker

import (
	"context"
	"io"
	"net"

	"github.com/docker/docker/api/types/container"

	apperrors "github.com/trinity/trinity/internal/common/errors"
)

// ExecSession is an interactive exec inside a container, used by the
// terminal proxy. Reads and writes go straight over the hijacked
// connection; with a TTY allocated the stream is not multiplexed.
type ExecSession struct {
	ID     string
	Conn   net.Conn
	Reader io.Reader

	client *Client
}

// Exec starts an interactive shell inside the container and attaches to it.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string) (*ExecSession, error) {
	if len(cmd) == 0 {
		cmd = []string{"/bin/sh"}
	}

	create, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, normalizeErr(err, "exec create in container %s", containerID)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, create.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, normalizeErr(err, "exec attach in container %s", containerID)
	}

	return &ExecSession{
		ID:     create.ID,
		Conn:   attach.Conn,
		Reader: attach.Reader,
		client: c,
	}, nil
}

// Resize adjusts the exec TTY dimensions.
func (s *ExecSession) Resize(ctx context.Context, cols, rows uint) error {
	err := s.client.cli.ContainerExecResize(ctx, s.ID, container.ResizeOptions{
		Width:  cols,
		Height: rows,
	})
	if err != nil {
		return apperrors.EngineUnavailable(err, "resize exec session")
	}
	return nil
}

// Write sends input to the exec session.
func (s *ExecSession) Write(p []byte) (int, error) {
	return s.Conn.Write(p)
}

// Read reads output from the exec session.
func (s *ExecSession) Read(p []byte) (int, error) {
	return s.Reader.Read(p)
}

// Close tears down the exec connection. The process inside the container
// exits when its TTY closes.
func (s *ExecSession) Close() error {
	return s.Conn.Close()
}
