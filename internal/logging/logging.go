// Package logging configures the process-wide logr logger used through
// controller-runtime's ctrl.Log and ctrl.LoggerFrom.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Verbosity levels for logger.V(...).
const (
	DEBUG = 1
	TRACE = 2
)

// Options selects the level, encoding and sink of the process logger.
type Options struct {
	// Level is one of "trace", "debug", "info", "warn", "error".
	Level string
	// Development switches to the human readable console encoder.
	Development bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

// ParseLevel converts a textual level into a zap level enabler.
// logr verbosity N maps to zap level -N.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.Level(-DEBUG), nil
	case "trace":
		return zapcore.Level(-TRACE), nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: must be one of trace, debug, info, warn, error", level)
	}
}

// Setup installs the process logger into controller-runtime and returns it.
func Setup(opts Options) (logr.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return logr.Discard(), err
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	log := zap.New(
		zap.UseDevMode(opts.Development),
		zap.Level(level),
		zap.WriteTo(out),
	)
	ctrl.SetLogger(log)
	return log, nil
}

// NewTestLogger installs a development logger at trace verbosity for test suites.
func NewTestLogger() {
	ctrl.SetLogger(zap.New(
		zap.UseDevMode(true),
		zap.Level(zapcore.Level(-TRACE)),
		zap.WriteTo(os.Stderr),
	))
}
