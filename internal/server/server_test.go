package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/okikorg/okik/internal/config"
	"github.com/okikorg/okik/pkg/errdefs"
)

var allMethods = []string{"Version", "Embed", "Search", "Fail", "Panic", "Broken", "Loop", "Slow"}

var _ = Describe("Server", func() {
	var (
		ctx      context.Context
		fx       *Embedder
		compiler *stubCompiler
		cfg      config.ServerConfig
		srv      *Server
	)

	BeforeEach(func() {
		ctx = context.Background()
		fx = newEmbedder()
		compiler = &stubCompiler{}
		cfg = testConfig()
	})

	JustBeforeEach(func() {
		srv = New(cfg, compiler, nil)
	})

	AfterEach(func() {
		select {
		case <-fx.release:
		default:
			close(fx.release)
		}
	})

	Context("before a table is loaded", func() {
		It("should answer 503", func() {
			Expect(do(srv, http.MethodPost, "/embedder/version", "").status).To(Equal(http.StatusServiceUnavailable))
			Expect(srv.Table()).To(BeNil())
		})

		It("should fail Load on a compile error", func() {
			compiler.set(nil, errdefs.Configuration([]string{"embedder"}, "bad"))
			err := srv.Load(ctx)
			Expect(errdefs.IsConfiguration(err)).To(BeTrue())
			Expect(srv.Generation()).To(BeZero())
		})
	})

	Context("dispatching requests", func() {
		JustBeforeEach(func() {
			compiler.set(tableFor(fx, allMethods...), nil)
			Expect(srv.Load(ctx)).To(Succeed())
		})

		It("should serve POST /embedder/version", func() {
			resp := do(srv, http.MethodPost, "/embedder/version", "")
			Expect(resp.status).To(Equal(http.StatusOK))
			Expect(resp.body).To(Equal(`"1.0"`))
			Expect(resp.header.Get("Content-Type")).To(HavePrefix("application/json"))
		})

		It("should decode named arguments from the body", func() {
			resp := do(srv, http.MethodPost, "/embedder/embed", `{"sentence":"hello"}`)
			Expect(resp.status).To(Equal(http.StatusOK))
			Expect(resp.body).To(Equal(`[5]`))
		})

		It("should reject a missing argument and keep serving", func() {
			resp := do(srv, http.MethodPost, "/embedder/embed", `{}`)
			Expect(resp.status).To(Equal(http.StatusUnprocessableEntity))
			body := resp.errorBody()
			Expect(body.ErrorKind).To(Equal("RequestValidationError"))
			Expect(body.Message).To(ContainSubstring("sentence"))

			Expect(do(srv, http.MethodPost, "/embedder/embed", `{"sentence":"ok"}`).status).To(Equal(http.StatusOK))
		})

		It("should reject a body that is not a JSON object", func() {
			resp := do(srv, http.MethodPost, "/embedder/embed", `["hello"]`)
			Expect(resp.status).To(Equal(http.StatusUnprocessableEntity))
			Expect(resp.errorBody().ErrorKind).To(Equal("RequestValidationError"))
		})

		It("should reject unexpected arguments", func() {
			resp := do(srv, http.MethodPost, "/embedder/version", `{"verbose":true}`)
			Expect(resp.status).To(Equal(http.StatusUnprocessableEntity))
			Expect(resp.errorBody().Message).To(ContainSubstring("verbose"))
		})

		It("should read GET arguments from the query string", func() {
			resp := do(srv, http.MethodGet, "/embedder/search?query=cats&limit=3", "")
			Expect(resp.status).To(Equal(http.StatusOK))
			Expect(resp.body).To(MatchJSON(`{"3":"cats"}`))
		})

		It("should hide handler errors behind a generic message", func() {
			resp := do(srv, http.MethodPost, "/embedder/fail", "")
			Expect(resp.status).To(Equal(http.StatusInternalServerError))
			body := resp.errorBody()
			Expect(body.ErrorKind).To(Equal("HandlerError"))
			Expect(body.Message).To(Equal(genericHandlerMessage))
			Expect(resp.body).NotTo(ContainSubstring("hunter2"))
		})

		It("should recover from a panicking handler", func() {
			resp := do(srv, http.MethodPost, "/embedder/panic", "")
			Expect(resp.status).To(Equal(http.StatusInternalServerError))
			Expect(resp.errorBody().ErrorKind).To(Equal("HandlerError"))
			Expect(resp.body).NotTo(ContainSubstring("boom"))

			Expect(do(srv, http.MethodPost, "/embedder/version", "").status).To(Equal(http.StatusOK))
		})

		It("should report unserializable results", func() {
			resp := do(srv, http.MethodPost, "/embedder/broken", "")
			Expect(resp.status).To(Equal(http.StatusInternalServerError))
			Expect(resp.errorBody().ErrorKind).To(Equal("SerializationError"))
		})

		It("should answer a self-referencing result with an error and keep serving", func() {
			resp := do(srv, http.MethodPost, "/embedder/loop", "")
			Expect(resp.status).To(Equal(http.StatusInternalServerError))
			Expect(resp.errorBody().ErrorKind).To(Equal("SerializationError"))
			Expect(do(srv, http.MethodPost, "/embedder/version", "").status).To(Equal(http.StatusOK))
		})

		It("should answer unknown routes with NotFound", func() {
			resp := do(srv, http.MethodPost, "/embedder/missing", "")
			Expect(resp.status).To(Equal(http.StatusNotFound))
			Expect(resp.errorBody().ErrorKind).To(Equal("NotFound"))

			Expect(do(srv, http.MethodGet, "/embedder/version", "").status).To(Equal(http.StatusNotFound))
		})

		It("should serve every service in the table", func() {
			resp := do(srv, http.MethodPost, "/ranker/rank", "")
			Expect(resp.status).To(Equal(http.StatusOK))
			Expect(resp.body).To(Equal("7"))
		})

		It("should propagate or assign request ids", func() {
			req := httptest.NewRequest(http.MethodPost, "/embedder/version", nil)
			req.Header.Set(requestIDHeader, "abc-123")
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)
			Expect(rec.Header().Get(requestIDHeader)).To(Equal("abc-123"))

			resp := do(srv, http.MethodPost, "/embedder/missing", "")
			Expect(resp.header.Get(requestIDHeader)).NotTo(BeEmpty())
			Expect(resp.errorBody().RequestID).To(Equal(resp.header.Get(requestIDHeader)))
		})

		It("should expose health, routes and metrics", func() {
			Expect(do(srv, http.MethodGet, "/healthz", "").body).To(MatchJSON(`{"status":"ok","routes":8}`))

			routesResp := do(srv, http.MethodGet, "/routes", "")
			Expect(routesResp.status).To(Equal(http.StatusOK))
			Expect(routesResp.body).To(ContainSubstring(`"path":"/embedder/version"`))

			do(srv, http.MethodPost, "/embedder/version", "")
			metricsResp := do(srv, http.MethodGet, "/metrics", "")
			Expect(metricsResp.body).To(ContainSubstring(`okik_requests_total{code="200",endpoint="version",service="embedder"} 1`))
			Expect(metricsResp.body).To(ContainSubstring("okik_routes 8"))
		})

		It("should construct one instance per service and run Setup once", func() {
			for range 3 {
				do(srv, http.MethodPost, "/embedder/version", "")
			}
			Expect(fx.constructed.Load()).To(BeEquivalentTo(1))
			Expect(fx.setups.Load()).To(BeEquivalentTo(1))
		})

		It("should discard the response when the client goes away", func() {
			reqCtx, cancel := context.WithCancel(ctx)
			req := httptest.NewRequest(http.MethodPost, "/embedder/slow", nil).WithContext(reqCtx)
			rec := httptest.NewRecorder()

			done := make(chan struct{})
			go func() {
				defer close(done)
				srv.ServeHTTP(rec, req)
			}()
			Eventually(fx.started).Should(Receive())
			cancel()
			Eventually(done).Should(BeClosed())
			Expect(rec.Code).To(Equal(statusClientClosedRequest))
			Expect(rec.Body.String()).To(BeEmpty())
		})
	})

	Context("with limits", func() {
		BeforeEach(func() {
			cfg.RequestTimeout = 50 * time.Millisecond
			cfg.MaxRequestBytes = 16
		})

		JustBeforeEach(func() {
			compiler.set(tableFor(fx, allMethods...), nil)
			Expect(srv.Load(ctx)).To(Succeed())
		})

		It("should time out slow handlers", func() {
			resp := do(srv, http.MethodPost, "/embedder/slow", "")
			Expect(resp.status).To(Equal(http.StatusGatewayTimeout))
			Expect(resp.errorBody().ErrorKind).To(Equal("HandlerError"))
		})

		It("should reject oversized bodies", func() {
			resp := do(srv, http.MethodPost, "/embedder/embed", `{"sentence":"`+strings.Repeat("x", 64)+`"}`)
			Expect(resp.status).To(Equal(http.StatusRequestEntityTooLarge))
			Expect(resp.errorBody().ErrorKind).To(Equal("RequestValidationError"))
		})
	})

	Context("with local services", func() {
		BeforeEach(func() {
			cfg.LocalServices = []string{"ranker"}
		})

		It("should only bind local services", func() {
			compiler.set(tableFor(fx, "Version"), nil)
			Expect(srv.Load(ctx)).To(Succeed())
			Expect(do(srv, http.MethodPost, "/ranker/rank", "").status).To(Equal(http.StatusOK))
			Expect(do(srv, http.MethodPost, "/embedder/version", "").status).To(Equal(http.StatusNotFound))
			Expect(fx.constructed.Load()).To(BeZero())
		})
	})

	Context("hot reload", func() {
		JustBeforeEach(func() {
			compiler.set(tableFor(fx, "Version", "Slow"), nil)
			Expect(srv.Load(ctx)).To(Succeed())
		})

		It("should let in-flight requests finish on the old table", func() {
			ts := httptest.NewServer(srv)
			defer ts.Close()

			var (
				wg       sync.WaitGroup
				inflight *http.Response
				err      error
			)
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				inflight, err = http.Post(ts.URL+"/embedder/slow", "application/json", nil)
			}()
			Eventually(fx.started).Should(Receive())
			Expect(srv.Metrics().InFlight()).To(Equal(1.0))

			compiler.set(tableFor(fx, "Version", "Echo"), nil)
			Expect(srv.Reload(ctx)).To(Succeed())
			Expect(srv.Generation()).To(BeEquivalentTo(2))

			resp, postErr := http.Post(ts.URL+"/embedder/echo", "application/json", strings.NewReader(`{"sentence":"new"}`))
			Expect(postErr).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Body.Close()).To(Succeed())

			resp, postErr = http.Post(ts.URL+"/embedder/slow", "application/json", nil)
			Expect(postErr).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(resp.Body.Close()).To(Succeed())

			close(fx.release)
			wg.Wait()
			Expect(err).NotTo(HaveOccurred())
			Expect(inflight.StatusCode).To(Equal(http.StatusOK))
			Expect(inflight.Body.Close()).To(Succeed())
			Eventually(srv.Metrics().InFlight).Should(BeZero())
		})

		It("should reuse service instances across reloads", func() {
			compiler.set(tableFor(fx, "Version", "Echo"), nil)
			Expect(srv.Reload(ctx)).To(Succeed())
			Expect(fx.constructed.Load()).To(BeEquivalentTo(1))
			Expect(fx.setups.Load()).To(BeEquivalentTo(1))
		})

		It("should keep the last known good table when a reload fails", func() {
			compiler.set(nil, errors.New("overrides are broken"))
			Expect(srv.Reload(ctx)).To(MatchError("overrides are broken"))
			Expect(srv.Generation()).To(BeEquivalentTo(1))
			Expect(do(srv, http.MethodPost, "/embedder/version", "").status).To(Equal(http.StatusOK))
		})
	})

	Context("serving on a listener", func() {
		It("should serve until cancelled and close instances", func() {
			compiler.set(tableFor(fx, "Version"), nil)
			ln, err := Listen(ctx, "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())

			sctx, cancel := context.WithCancel(ctx)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(sctx, ln) }()

			url := "http://" + ln.Addr().String() + "/embedder/version"
			Eventually(func() (int, error) {
				resp, err := http.Post(url, "application/json", nil)
				if err != nil {
					return 0, err
				}
				defer func() { _ = resp.Body.Close() }()
				return resp.StatusCode, nil
			}).Should(Equal(http.StatusOK))

			cancel()
			Eventually(errCh, 5*time.Second).Should(Receive(BeNil()))
			Expect(fx.closed.Load()).To(BeTrue())
		})

		It("should fail to bind a port that is taken", func() {
			plain, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = plain.Close() }()

			_, err = Listen(ctx, plain.Addr().String())
			Expect(err).To(MatchError(errdefs.ErrInfrastructure))
		})
	})
})
