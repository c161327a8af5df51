package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/okikorg/okik/internal/logging"
	"github.com/okikorg/okik/internal/metrics"
	"github.com/okikorg/okik/internal/routes"
	"github.com/okikorg/okik/pkg/errdefs"
	"github.com/okikorg/okik/pkg/service"
)

// statusClientClosedRequest is recorded when the client disconnects before
// the response is written.
const statusClientClosedRequest = 499

// adapter turns one route into a gin handler.
type adapter struct {
	route    routes.Route
	instance any
	timeout  time.Duration
	maxBytes int64
	metrics  *metrics.Metrics
}

type callResult struct {
	value any
	err   error
}

func (a *adapter) handle(c *gin.Context) {
	start := time.Now()
	reqCtx := c.Request.Context()
	log := ctrl.LoggerFrom(reqCtx).WithValues("service", a.route.Service, "endpoint", a.route.Endpoint.Name)

	defer a.metrics.StartRequest()()
	defer func() {
		a.metrics.ObserveRequest(a.route.Service, a.route.Endpoint.Name, c.Writer.Status(), time.Since(start))
	}()

	args, status, err := a.arguments(c)
	if err != nil {
		a.metrics.ObserveError(string(errdefs.KindRequestValidation))
		writeClientError(c, status, err)
		return
	}
	in, err := a.route.Endpoint.Params.Decode(args)
	if err != nil {
		a.metrics.ObserveError(string(errdefs.KindRequestValidation))
		writeClientError(c, http.StatusUnprocessableEntity, err)
		return
	}

	ctx := reqCtx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(reqCtx, a.timeout)
		defer cancel()
	}

	done := make(chan callResult, 1)
	go func() {
		done <- a.invoke(ctx, in)
	}()

	var (
		res      callResult
		finished bool
	)
	select {
	case res = <-done:
		finished = true
	case <-ctx.Done():
	}

	if reqCtx.Err() != nil {
		log.V(logging.DEBUG).Info("Client went away before the response was written; discarding it")
		c.AbortWithStatus(statusClientClosedRequest)
		return
	}
	if !finished || (res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		log.Info("Handler exceeded the request timeout", "timeout", a.timeout)
		a.metrics.ObserveError(string(errdefs.KindHandler))
		writeError(c, http.StatusGatewayTimeout, errdefs.KindHandler, "request timed out")
		return
	}

	if res.err != nil {
		if errdefs.KindOf(res.err) == errdefs.KindRequestValidation {
			a.metrics.ObserveError(string(errdefs.KindRequestValidation))
			writeClientError(c, http.StatusUnprocessableEntity, res.err)
			return
		}
		herr := errdefs.Handler(res.err, a.route.Service, a.route.Endpoint.Method)
		log.Error(herr, "Handler failed")
		a.metrics.ObserveError(string(errdefs.KindHandler))
		writeError(c, http.StatusInternalServerError, errdefs.KindHandler, genericHandlerMessage)
		return
	}

	body, err := encodeResult(res.value)
	if err != nil {
		serr := errdefs.Serialization(err, a.route.Service, a.route.Endpoint.Method)
		log.Error(serr, "Encoding handler result failed", "resultType", fmt.Sprintf("%T", res.value))
		a.metrics.ObserveError(string(errdefs.KindSerialization))
		writeError(c, http.StatusInternalServerError, errdefs.KindSerialization, "result could not be serialized")
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// invoke calls the handler and converts a panic into an error.
func (a *adapter) invoke(ctx context.Context, in reflect.Value) (res callResult) {
	defer func() {
		if r := recover(); r != nil {
			res = callResult{err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
		}
	}()
	v, err := a.route.Endpoint.Call(ctx, a.instance, in)
	return callResult{value: v, err: err}
}

// arguments extracts named arguments from the query string for GET and
// DELETE, and from the JSON body otherwise.
func (a *adapter) arguments(c *gin.Context) (map[string]any, int, error) {
	switch c.Request.Method {
	case http.MethodGet, http.MethodDelete:
		args := make(map[string]any)
		for key, values := range c.Request.URL.Query() {
			if len(values) == 1 {
				args[key] = values[0]
				continue
			}
			list := make([]any, len(values))
			for i, v := range values {
				list[i] = v
			}
			args[key] = list
		}
		return args, 0, nil
	}

	body := c.Request.Body
	if a.maxBytes > 0 {
		body = http.MaxBytesReader(c.Writer, body, a.maxBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge,
				errdefs.RequestValidation("request body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, http.StatusBadRequest, errdefs.RequestValidation("reading request body: %v", err)
	}
	args, err := service.ParseArguments(data)
	if err != nil {
		return nil, http.StatusUnprocessableEntity, err
	}
	return args, 0, nil
}
