package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
	goarchive "github.com/moby/go-archive"
)

// BuildImage builds the sandbox image from buildContext using dockerfile,
// tagging it imageName. Adapted from the teacher's
// internal/container/image.go, parameterized so the backup/bootstrap CLI
// can point it at a user-supplied Dockerfile instead of a hardcoded one.
func BuildImage(ctx context.Context, docker *client.Client, buildContext, dockerfile, imageName string) error {
	tar, err := goarchive.TarWithOptions(buildContext, &goarchive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}

	resp, err := docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{imageName},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error draining image build output", "error", err)
	}

	slog.Info("sandbox image built", "image", imageName)
	return nil
}
