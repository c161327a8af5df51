package server

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/okikorg/okik/internal/logging"
	"github.com/okikorg/okik/pkg/errdefs"
)

// ReloadFunc is invoked after a burst of file changes has settled.
type ReloadFunc func(ctx context.Context) error

// Watcher triggers a reload when watched files change. Directories are
// watched recursively, skipping hidden directories and vendor.
type Watcher struct {
	paths    []string
	debounce time.Duration
	reload   ReloadFunc
}

// NewWatcher watches paths plus the overrides file.
func NewWatcher(paths []string, overridesFile string, debounce time.Duration, reload ReloadFunc) *Watcher {
	all := append([]string(nil), paths...)
	if overridesFile != "" {
		all = append(all, overridesFile)
	}
	return &Watcher{paths: all, debounce: debounce, reload: reload}
}

// Run blocks until ctx is cancelled. Failing to set up the watch is an
// InfrastructureError; failed reloads are logged and do not stop it.
func (w *Watcher) Run(ctx context.Context) error {
	log := ctrl.LoggerFrom(ctx).WithName("watcher")

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errdefs.Infrastructure(err, "creating file watcher")
	}
	defer func() { _ = fw.Close() }()

	for _, p := range w.paths {
		if err := w.add(fw, p); err != nil {
			return errdefs.Infrastructure(err, "watching %s", p)
		}
	}
	log.Info("Watching for changes", "paths", w.paths, "debounce", w.debounce)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			log.V(logging.DEBUG).Info("Change detected", "path", ev.Name, "op", ev.Op.String())
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !skipDir(ev.Name) {
					if err := w.add(fw, ev.Name); err != nil {
						log.Error(err, "Watching new directory failed", "path", ev.Name)
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			log.Info("Reloading route table")
			if err := w.reload(ctx); err != nil {
				log.V(logging.DEBUG).Info("Reload rejected", "error", err.Error())
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Error(err, "File watcher error")
		}
	}
}

// add watches p; directories are walked. A missing path is watched through
// its parent directory so that it is picked up once created.
func (w *Watcher) add(fw *fsnotify.Watcher, p string) error {
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fw.Add(filepath.Dir(p))
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fw.Add(p)
	}
	return filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != p && skipDir(path) {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}

func skipDir(path string) bool {
	base := filepath.Base(path)
	return base == "vendor" || (strings.HasPrefix(base, ".") && base != "." && base != "..")
}

func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(ev.Name)
	return !strings.HasPrefix(base, ".") && !strings.HasSuffix(base, "~")
}
