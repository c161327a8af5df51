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

// Package server binds a compiled route table to an HTTP server.
//
// Every route table is turned into its own immutable gin engine. The server
// publishes the active engine through an atomic pointer, so a reload swaps
// the whole table at once: requests already dispatched finish on the engine
// they started on, and new requests see the new one.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/okikorg/okik/internal/config"
	"github.com/okikorg/okik/internal/logging"
	"github.com/okikorg/okik/internal/metrics"
	"github.com/okikorg/okik/internal/routes"
	"github.com/okikorg/okik/pkg/errdefs"
	"github.com/okikorg/okik/pkg/service"
)

const (
	requestIDHeader = "X-Request-Id"
	requestIDKey    = "okik.requestID"
)

// Compiler produces a fresh route table. discovery.Discoverer implements it.
type Compiler interface {
	Compile(ctx context.Context) (*routes.Table, error)
}

// snapshot is one published route table together with its engine.
type snapshot struct {
	table      *routes.Table
	engine     *gin.Engine
	generation uint64
}

// Server serves the active route table.
type Server struct {
	cfg      config.ServerConfig
	compiler Compiler
	metrics  *metrics.Metrics

	instances  *instancePool
	active     atomic.Pointer[snapshot]
	generation atomic.Uint64
	reloadMu   sync.Mutex
}

// New returns a server that has no table yet; call Load before serving.
func New(cfg config.ServerConfig, compiler Compiler, m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.New()
	}
	if cfg.Dev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	return &Server{
		cfg:       cfg,
		compiler:  compiler,
		metrics:   m,
		instances: newInstancePool(),
	}
}

// Load compiles and publishes the initial table. Any error is fatal.
func (s *Server) Load(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.swap(ctx)
}

// Reload recompiles and atomically replaces the active table. On failure the
// previous table keeps serving and the error is returned for logging.
func (s *Server) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	log := ctrl.LoggerFrom(ctx).WithName("reload")
	if err := s.swap(ctx); err != nil {
		s.metrics.ObserveReload(metrics.ReloadFailure)
		log.Error(err, "Reload failed; keeping the last known good route table",
			"generation", s.Generation())
		return err
	}
	s.metrics.ObserveReload(metrics.ReloadSuccess)
	return nil
}

func (s *Server) swap(ctx context.Context) error {
	table, err := s.compiler.Compile(ctx)
	if err != nil {
		return err
	}
	snap, err := s.bind(ctx, table)
	if err != nil {
		return err
	}
	s.active.Store(snap)
	s.metrics.SetRoutes(len(table.Routes))
	ctrl.LoggerFrom(ctx).Info("Route table published", "generation", snap.generation, "routes", len(table.Routes))
	return nil
}

// Table returns the active route table, or nil before Load.
func (s *Server) Table() *routes.Table {
	if snap := s.active.Load(); snap != nil {
		return snap.table
	}
	return nil
}

// Generation counts successful table publications.
func (s *Server) Generation() uint64 {
	if snap := s.active.Load(); snap != nil {
		return snap.generation
	}
	return 0
}

// Metrics returns the server collectors.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

func (s *Server) local(name string) bool {
	return len(s.cfg.LocalServices) == 0 || slices.Contains(s.cfg.LocalServices, name)
}

// bind builds the engine for table. Service instances are resolved before
// anything is published.
func (s *Server) bind(ctx context.Context, table *routes.Table) (*snapshot, error) {
	var services []*service.ServiceDefinition
	for _, svc := range table.Services() {
		if s.local(svc.Name) {
			services = append(services, svc)
		}
	}
	instances, err := s.instances.resolve(ctx, services)
	if err != nil {
		return nil, err
	}

	engine := gin.New()
	engine.Use(requestID(), gin.CustomRecovery(func(c *gin.Context, rec any) {
		ctrl.LoggerFrom(c.Request.Context()).Error(nil, "Recovered from panic outside a handler", "panic", rec)
		writeError(c, http.StatusInternalServerError, errdefs.KindHandler, genericHandlerMessage)
	}))
	engine.NoRoute(notFound)

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "routes": len(table.Routes)})
	})
	engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	engine.GET("/routes", func(c *gin.Context) {
		c.JSON(http.StatusOK, table)
	})

	for _, r := range table.Routes {
		inst, ok := instances[r.Service]
		if !ok {
			continue
		}
		a := &adapter{
			route:    r,
			instance: inst,
			timeout:  s.cfg.RequestTimeout,
			maxBytes: s.cfg.MaxRequestBytes,
			metrics:  s.metrics,
		}
		engine.Handle(r.Method, r.Path, a.handle)
	}
	return &snapshot{table: table, engine: engine, generation: s.generation.Add(1)}, nil
}

// ServeHTTP dispatches to the engine that is active when the request
// arrives.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := s.active.Load()
	if snap == nil {
		http.Error(w, "route table not loaded", http.StatusServiceUnavailable)
		return
	}
	snap.engine.ServeHTTP(w, r)
}

// requestID tags each request with an id and a logger carrying it.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)

		log := ctrl.LoggerFrom(c.Request.Context()).WithValues("requestId", id)
		c.Request = c.Request.WithContext(ctrl.LoggerInto(c.Request.Context(), log))

		start := time.Now()
		c.Next()
		log.V(logging.DEBUG).Info("Request handled", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "elapsed", time.Since(start))
	}
}

// Serve loads the table if needed and serves ln until ctx is cancelled,
// then drains in-flight requests for up to ShutdownTimeout. In dev mode
// it also watches for changes and reloads.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := ctrl.LoggerFrom(ctx).WithName("server")
	if s.active.Load() == nil {
		if err := s.Load(ctx); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctrl.LoggerInto(context.WithoutCancel(ctx), log)
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Serving", "address", ln.Addr().String(), "mode", s.cfg.Mode)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errdefs.Infrastructure(err, "serving on %s", ln.Addr())
		}
		return nil
	})
	if s.cfg.Dev() {
		w := NewWatcher(s.cfg.Watch, s.cfg.OverridesFile, s.cfg.ReloadDebounce, s.Reload)
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		log.Info("Shutting down", "timeout", s.cfg.ShutdownTimeout)
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if cerr := s.instances.close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := Listen(ctx, s.cfg.Address())
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
