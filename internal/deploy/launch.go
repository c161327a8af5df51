package deploy

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/okikorg/okik/pkg/errdefs"
)

// SkyTaskSuffix names the task files written by WriteBuildSpec.
const SkyTaskSuffix = ".sky.yaml"

// Launcher starts a task file on a named cloud cluster.
type Launcher interface {
	Launch(ctx context.Context, cluster, taskFile string) error
}

// SkyLauncher shells out to the SkyPilot CLI.
type SkyLauncher struct {
	// Binary defaults to "sky".
	Binary string
	// Yes skips the confirmation prompt.
	Yes bool
	// Out receives the command output as it is produced; nil discards it.
	Out io.Writer
}

// Launch runs `sky launch -c cluster [--yes] taskFile`.
func (l *SkyLauncher) Launch(ctx context.Context, cluster, taskFile string) error {
	bin := l.Binary
	if bin == "" {
		bin = "sky"
	}
	args := []string{"launch", "-c", cluster}
	if l.Yes {
		args = append(args, "--yes")
	}
	args = append(args, taskFile)
	ctrl.LoggerFrom(ctx).WithName("launch").Info("Running", "command", bin+" "+strings.Join(args, " "))

	var tail bytes.Buffer
	out := io.Writer(&tail)
	if l.Out != nil {
		out = io.MultiWriter(l.Out, &tail)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return errdefs.Infrastructure(err, "launching %s on cluster %s failed: %s",
			taskFile, cluster, strings.TrimSpace(lastLines(tail.String(), 20)))
	}
	return nil
}

// TaskFile is a task written by WriteBuildSpec.
type TaskFile struct {
	Service string
	Path    string
}

// SkyTasks lists the task files in dir sorted by service name. A missing
// directory yields none.
func SkyTasks(dir string) ([]TaskFile, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+SkyTaskSuffix))
	if err != nil {
		return nil, errdefs.Configuration([]string{dir}, "listing task files: %v", err)
	}
	out := make([]TaskFile, 0, len(paths))
	for _, p := range paths {
		out = append(out, TaskFile{Service: strings.TrimSuffix(filepath.Base(p), SkyTaskSuffix), Path: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}
