package deploy

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/okikorg/okik/internal/logging"
	"github.com/okikorg/okik/pkg/errdefs"
)

// ImageBuilder builds and publishes the application image.
type ImageBuilder interface {
	Build(ctx context.Context, contextDir, dockerfile, image string) error
}

// DockerBuilder shells out to the docker CLI.
type DockerBuilder struct {
	// Binary defaults to "docker".
	Binary string
	// Push publishes the image after building.
	Push bool
}

// Build runs `docker build -f dockerfile -t image contextDir`, then
// `docker push image` when Push is set.
func (b *DockerBuilder) Build(ctx context.Context, contextDir, dockerfile, image string) error {
	if err := b.run(ctx, "build", "-f", dockerfile, "-t", image, contextDir); err != nil {
		return err
	}
	if b.Push {
		return b.run(ctx, "push", image)
	}
	return nil
}

func (b *DockerBuilder) run(ctx context.Context, args ...string) error {
	bin := b.Binary
	if bin == "" {
		bin = "docker"
	}
	log := ctrl.LoggerFrom(ctx).WithName("image")
	log.Info("Running", "command", bin+" "+strings.Join(args, " "))

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return errdefs.Infrastructure(err, "%s %s failed: %s", bin, args[0], strings.TrimSpace(lastLines(out.String(), 20)))
	}
	log.V(logging.DEBUG).Info("Command output", "output", out.String())
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
