package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/pkg/archive"
	"go.uber.org/zap"

	apperrors "github.com/trinity/trinity/internal/common/errors"
)

// BuildImage builds an image from a local build context directory and tags
// it. Build output lines are streamed to the progress writer when given.
func (c *Client) BuildImage(ctx context.Context, contextDir, tag string, progress io.Writer) error {
	c.logger.Info("building image",
		zap.String("context", contextDir),
		zap.String("tag", tag))

	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("tar build context: %w", err)
	}
	defer buildCtx.Close()

	resp, err := c.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return apperrors.EngineUnavailable(err, "build image %s", tag)
	}
	defer resp.Body.Close()

	// The build stream is JSON lines; a line carrying "error" means the
	// build failed even though the HTTP call succeeded.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return apperrors.Internal(fmt.Errorf("%s", msg.Error), "image build failed for %s", tag)
		}
		if msg.Stream != "" && progress != nil {
			_, _ = io.WriteString(progress, msg.Stream)
		}
	}
	if err := scanner.Err(); err != nil {
		return apperrors.EngineUnavailable(err, "read build output for %s", tag)
	}

	c.logger.Info("image built", zap.String("tag", tag))
	return nil
}
