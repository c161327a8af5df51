//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package server

import (
	"context"
	"net"

	"github.com/okikorg/okik/pkg/errdefs"
)

const reusePortSupported = false

// Listen opens a plain TCP listener.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errdefs.Infrastructure(err, "binding %s", addr)
	}
	return ln, nil
}
