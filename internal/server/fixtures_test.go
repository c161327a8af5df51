package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/gomega"

	"github.com/okikorg/okik/internal/config"
	"github.com/okikorg/okik/internal/routes"
	"github.com/okikorg/okik/pkg/service"
)

type Embedder struct {
	started     chan struct{}
	release     chan struct{}
	setups      atomic.Int32
	constructed atomic.Int32
	closed      atomic.Bool
}

func newEmbedder() *Embedder {
	return &Embedder{started: make(chan struct{}, 8), release: make(chan struct{})}
}

type SentenceRequest struct {
	Sentence string `json:"sentence"`
}

type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (e *Embedder) Setup(context.Context) error {
	e.setups.Add(1)
	return nil
}

func (e *Embedder) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *Embedder) Version() string { return "1.0" }

func (e *Embedder) Embed(req SentenceRequest) []int { return []int{len(req.Sentence)} }

func (e *Embedder) Echo(req SentenceRequest) string { return req.Sentence }

func (e *Embedder) Search(req SearchRequest) map[int]string { return map[int]string{req.Limit: req.Query} }

func (e *Embedder) Fail() error { return errors.New("connection string postgres://admin:hunter2@db") }

func (e *Embedder) Panic() string { panic("boom") }

func (e *Embedder) Broken() (func(), error) { return func() {}, nil }

func (e *Embedder) Loop() map[string]any {
	m := map[string]any{}
	m["self"] = m
	return m
}

func (e *Embedder) Slow(ctx context.Context) (string, error) {
	e.started <- struct{}{}
	select {
	case <-e.release:
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type Ranker struct{}

func (*Ranker) Rank() int { return 7 }

// tableFor compiles a table with the Embedder fixture serving methods.
func tableFor(fx *Embedder, methods ...string) *routes.Table {
	reg := service.NewRegistry()
	_, err := reg.RegisterService(reflect.TypeFor[Embedder](), service.Factory(func() (any, error) {
		fx.constructed.Add(1)
		return fx, nil
	}))
	Expect(err).NotTo(HaveOccurred())
	for _, m := range methods {
		var opts []service.EndpointOption
		if m == "Search" {
			opts = append(opts, service.HTTPMethod(http.MethodGet))
		}
		_, err := reg.RegisterEndpoint(reflect.TypeFor[Embedder](), m, opts...)
		Expect(err).NotTo(HaveOccurred())
	}
	_, err = reg.RegisterService(reflect.TypeFor[Ranker]())
	Expect(err).NotTo(HaveOccurred())
	_, err = reg.RegisterEndpoint(reflect.TypeFor[Ranker](), "Rank")
	Expect(err).NotTo(HaveOccurred())
	reg.Freeze()
	return routes.MustCompile(reg)
}

// stubCompiler returns whatever table or error it was last given.
type stubCompiler struct {
	mu    sync.Mutex
	table *routes.Table
	err   error
}

func (s *stubCompiler) set(t *routes.Table, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table, s.err = t, err
}

func (s *stubCompiler) Compile(context.Context) (*routes.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table, s.err
}

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:            "127.0.0.1",
		Mode:            config.ModeProduction,
		RequestTimeout:  5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		MaxRequestBytes: 1 << 20,
		ProcessPolicy:   config.PolicyShared,
		ReloadDebounce:  50 * time.Millisecond,
	}
}

type response struct {
	status int
	body   string
	header http.Header
}

func (r response) errorBody() ErrorResponse {
	var out ErrorResponse
	Expect(json.Unmarshal([]byte(r.body), &out)).To(Succeed(), r.body)
	return out
}

func do(h http.Handler, method, target, body string) response {
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return response{status: rec.Code, body: rec.Body.String(), header: rec.Header()}
}
