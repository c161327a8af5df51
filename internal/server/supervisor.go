package server

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/okikorg/okik/internal/config"
	"github.com/okikorg/okik/pkg/errdefs"
	"github.com/okikorg/okik/pkg/service"
)

// WorkerEnv is set in the environment of every supervised process.
const WorkerEnv = "OKIK_WORKER"

// IsWorker reports whether this process was started by a Supervisor.
func IsWorker() bool { return os.Getenv(WorkerEnv) != "" }

// Worker is one replica process of the production server.
type Worker struct {
	Name string
	Port int
	// Services restricts the worker to these services; empty means all.
	Services []string
}

// Plan derives the worker processes for production mode.
//
// With the shared policy every worker serves every local service on the
// configured port and the worker count is the largest replica count among
// local services. With the per-service policy each local service gets its
// own port (configured port + index) and Replicas workers.
func Plan(cfg config.ServerConfig, services []*service.ServiceDefinition) []Worker {
	var local []*service.ServiceDefinition
	for _, svc := range services {
		if len(cfg.LocalServices) == 0 || slices.Contains(cfg.LocalServices, svc.Name) {
			local = append(local, svc)
		}
	}

	var workers []Worker
	switch cfg.ProcessPolicy {
	case config.PolicyPerService:
		for i, svc := range local {
			for r := range replicasFor(svc) {
				workers = append(workers, Worker{
					Name:     fmt.Sprintf("%s-%d", svc.Name, r),
					Port:     cfg.Port + i,
					Services: []string{svc.Name},
				})
			}
		}
	default:
		n := 1
		for _, svc := range local {
			n = max(n, replicasFor(svc))
		}
		for r := range n {
			workers = append(workers, Worker{
				Name:     fmt.Sprintf("shared-%d", r),
				Port:     cfg.Port,
				Services: slices.Clone(cfg.LocalServices),
			})
		}
	}
	if len(workers) == 0 {
		workers = append(workers, Worker{Name: "shared-0", Port: cfg.Port})
	}
	if !reusePortSupported {
		workers = onePerPort(workers)
	}
	return workers
}

func replicasFor(svc *service.ServiceDefinition) int {
	return max(1, svc.Replicas)
}

func onePerPort(workers []Worker) []Worker {
	seen := make(map[int]bool)
	var out []Worker
	for _, w := range workers {
		if seen[w.Port] {
			continue
		}
		seen[w.Port] = true
		out = append(out, w)
	}
	return out
}

// workerArgs appends the planned port and services to the inherited
// arguments. Flags outrank the environment and the last occurrence of a
// flag wins, so the parent's own --port cannot leak into a worker.
func workerArgs(args []string, w Worker) []string {
	return append(slices.Clone(args),
		"--port="+strconv.Itoa(w.Port),
		"--local-services="+strings.Join(w.Services, ","),
	)
}

// Supervisor runs workers as child processes of the current program.
type Supervisor struct {
	Config config.ServerConfig
	// Executable and Args start a worker; they default to the running
	// binary and its arguments.
	Executable string
	Args       []string
}

// Run starts every worker and waits. When ctx is cancelled workers are
// interrupted and given ShutdownTimeout to drain. If a worker fails, the
// others are stopped and the failure is returned as an InfrastructureError.
func (s *Supervisor) Run(ctx context.Context, workers []Worker) error {
	log := ctrl.LoggerFrom(ctx).WithName("supervisor")

	exe := s.Executable
	args := s.Args
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return errdefs.Infrastructure(err, "locating executable")
		}
		exe = self
		args = os.Args[1:]
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		cmd := exec.CommandContext(gctx, exe, workerArgs(args, w)...)
		cmd.Env = append(os.Environ(),
			WorkerEnv+"="+w.Name,
			"OKIK_SERVER_MODE="+config.ModeProduction,
			"OKIK_SERVER_PORT="+strconv.Itoa(w.Port),
			"OKIK_SERVER_LOCALSERVICES="+strings.Join(w.Services, ","),
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
		cmd.WaitDelay = s.Config.ShutdownTimeout

		g.Go(func() error {
			if err := cmd.Start(); err != nil {
				return errdefs.Infrastructure(err, "starting worker %s", w.Name)
			}
			log.Info("Started worker", "worker", w.Name, "pid", cmd.Process.Pid, "port", w.Port, "services", w.Services)
			err := cmd.Wait()
			if gctx.Err() != nil {
				log.Info("Worker stopped", "worker", w.Name)
				return nil
			}
			if err != nil {
				return errdefs.Infrastructure(err, "worker %s exited", w.Name)
			}
			log.Info("Worker exited", "worker", w.Name)
			return nil
		})
	}
	return g.Wait()
}
