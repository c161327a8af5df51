//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package server

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/okikorg/okik/pkg/errdefs"
)

// reusePortSupported reports whether several processes can share a port.
const reusePortSupported = true

// Listen opens a TCP listener with SO_REUSEPORT so that replica processes
// can bind the same address and let the kernel spread connections.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errdefs.Infrastructure(err, "binding %s", addr)
	}
	return ln, nil
}
