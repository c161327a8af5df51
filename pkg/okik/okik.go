/*
Copyright 2025 The okik Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package okik is the command line embedded by programs that declare
// services. A program declares its services at init time and hands control
// to Main:
//
//	func init() {
//		_ = service.Define[Embedder](service.Replicas(2), service.Accelerator("cuda", "A40", 1))
//		_ = service.API[Embedder]("Embed")
//	}
//
//	func main() { okik.Main() }
//
// The resulting binary understands `routes`, `server`, `build`, `serve`,
// `create`, `show-config` and `version`.
package okik

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/okikorg/okik/internal/deploy"
	"github.com/okikorg/okik/pkg/errdefs"
	"github.com/okikorg/okik/pkg/service"
)

// Exit codes.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
)

// Main runs the command line against the process-wide registry and exits.
func Main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// Run executes args and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := &App{Registry: service.Default, Out: stdout, Err: stderr}
	cmd := app.Command()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return ExitCode(err)
}

// ExitCode maps an error to the exit code: configuration errors exit with
// 2, every other failure with 1.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errdefs.IsConfiguration(err):
		return ExitConfiguration
	default:
		return ExitFailure
	}
}

// Applier applies a descriptor to a cluster. deploy.Deployer implements it.
type Applier interface {
	Apply(ctx context.Context, desc *deploy.Descriptor) error
}

// App holds the collaborators of the command line. The zero value of every
// optional field selects the production implementation.
type App struct {
	// Registry is the declaration source; usually service.Default.
	Registry *service.Registry
	Out      io.Writer
	Err      io.Writer

	// ImageBuilder builds the application image; defaults to docker.
	ImageBuilder deploy.ImageBuilder
	// Launcher starts task files on a cloud cluster; defaults to the sky CLI.
	Launcher deploy.Launcher
	// NewApplier connects to the cluster; defaults to the kubeconfig
	// selected cluster.
	NewApplier func(retries uint) (Applier, error)

	state *state
}
