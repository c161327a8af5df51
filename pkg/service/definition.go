package service

import (
	"context"
	"fmt"
	"reflect"

	"github.com/okikorg/okik/pkg/errdefs"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// Initializer is implemented by services that need one-time setup (e.g.
// loading model weights) before they can serve.
type Initializer interface {
	Setup(ctx context.Context) error
}

// ServiceDefinition is a declared deployable unit. It is created when the
// declaration is registered and must not be modified after the owning
// Registry is frozen.
type ServiceDefinition struct {
	// Name is the service identity used in paths and workload names.
	Name string
	// Type is the declared Go type (never a pointer type).
	Type reflect.Type
	// Replicas is the requested process count.
	Replicas int
	// Resources are the per-replica hardware requests.
	Resources Resources

	factory func() (any, error)
}

// NewInstance constructs and initialises a service instance.
func (s *ServiceDefinition) NewInstance(ctx context.Context) (any, error) {
	var (
		inst any
		err  error
	)
	if s.factory != nil {
		inst, err = s.factory()
		if err != nil {
			return nil, fmt.Errorf("constructing service %s: %w", s.Name, err)
		}
	} else {
		inst = reflect.New(s.Type).Interface()
	}
	if want := reflect.PointerTo(s.Type); reflect.TypeOf(inst) != want {
		return nil, errdefs.Configuration([]string{s.Name},
			"factory returned %T, want %s", inst, want)
	}
	if initializer, ok := inst.(Initializer); ok {
		if err := initializer.Setup(ctx); err != nil {
			return nil, fmt.Errorf("setting up service %s: %w", s.Name, err)
		}
	}
	return inst, nil
}

// signature captures how to invoke a resolved handler method.
type signature struct {
	fn        reflect.Value
	takesCtx  bool
	inPointer bool
	hasResult bool
	hasErr    bool
}

// EndpointDefinition is a method marked as routable. Ownership (which
// service serves it) is resolved by the route compiler, not here.
type EndpointDefinition struct {
	// Owner is the declared Go type the method belongs to.
	Owner reflect.Type
	// Method is the Go method name.
	Method string
	// Name is the path segment (snake_case of Method unless overridden).
	Name string
	// HTTPMethod is the HTTP verb; POST unless declared otherwise.
	HTTPMethod string
	// Params is the parameter schema derived from the handler's input struct.
	Params Schema
	// Returns is the best-effort return schema.
	Returns ReturnSchema

	sig *signature
	err error
}

// Err returns the deferred resolution error, if the method could not be
// resolved into a callable handler.
func (e *EndpointDefinition) Err() error { return e.err }

// Ref is the handler reference, "Type.Method".
func (e *EndpointDefinition) Ref() string {
	return fmt.Sprintf("%s.%s", e.Owner.Name(), e.Method)
}

// Path returns the route path when served by the named service.
func (e *EndpointDefinition) Path(service string) string {
	return "/" + service + "/" + e.Name
}

// newEndpoint resolves method on owner and derives its schemas. Resolution
// problems are recorded on the definition and surfaced at compile time.
func newEndpoint(owner reflect.Type, method string, cfg EndpointConfig) *EndpointDefinition {
	ep := &EndpointDefinition{
		Owner:      owner,
		Method:     method,
		Name:       cfg.Name,
		HTTPMethod: cfg.HTTPMethod,
		Returns:    ReturnSchema{Kind: KindNone},
	}
	if ep.Name == "" {
		ep.Name = endpointNameFor(method)
	}
	if ep.HTTPMethod == "" {
		ep.HTTPMethod = "POST"
	}
	if !validHTTPMethod(ep.HTTPMethod) {
		ep.err = errdefs.Configuration([]string{ep.Ref()}, "unsupported HTTP method %q", ep.HTTPMethod)
		return ep
	}
	if !validEndpointName(ep.Name) {
		ep.err = errdefs.Configuration([]string{ep.Ref()}, "invalid endpoint name %q", ep.Name)
		return ep
	}

	m, ok := reflect.PointerTo(owner).MethodByName(method)
	if !ok {
		ep.err = errdefs.Configuration([]string{ep.Ref()}, "%s has no exported method %s", owner, method)
		return ep
	}
	sig, in, err := resolveSignature(m)
	if err != nil {
		ep.err = errdefs.Configuration([]string{ep.Ref()}, "unsupported handler signature %s: %v", m.Type, err)
		return ep
	}
	params, err := schemaFor(in)
	if err != nil {
		ep.err = errdefs.Configuration([]string{ep.Ref()}, "%v", err)
		return ep
	}
	ep.sig = sig
	ep.Params = params
	if sig.hasResult {
		ep.Returns = ReturnSchema{Kind: kindOf(m.Type.Out(0))}
	}
	return ep
}

// resolveSignature accepts (recv [, ctx] [, In|*In]) ([R] [, error]).
func resolveSignature(m reflect.Method) (*signature, reflect.Type, error) {
	t := m.Type
	sig := &signature{fn: m.Func}
	var in reflect.Type

	args := make([]reflect.Type, 0, t.NumIn()-1)
	for i := 1; i < t.NumIn(); i++ {
		args = append(args, t.In(i))
	}
	if t.IsVariadic() {
		return nil, nil, fmt.Errorf("variadic handlers are not supported")
	}
	if len(args) > 0 && args[0] == contextType {
		sig.takesCtx = true
		args = args[1:]
	}
	switch len(args) {
	case 0:
	case 1:
		a := args[0]
		if a.Kind() == reflect.Pointer {
			sig.inPointer = true
			a = a.Elem()
		}
		if a.Kind() != reflect.Struct {
			return nil, nil, fmt.Errorf("argument must be a struct or pointer to struct, got %s", args[0])
		}
		in = a
	default:
		return nil, nil, fmt.Errorf("at most one argument besides context.Context is allowed")
	}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			sig.hasErr = true
		} else {
			sig.hasResult = true
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, nil, fmt.Errorf("second result must be error")
		}
		sig.hasResult = true
		sig.hasErr = true
	default:
		return nil, nil, fmt.Errorf("at most two results are allowed")
	}
	return sig, in, nil
}

// Call invokes the handler on instance. in is the value produced by
// Params.Decode (a pointer to the input struct, or the zero Value when the
// handler takes no input).
func (e *EndpointDefinition) Call(ctx context.Context, instance any, in reflect.Value) (any, error) {
	if e.sig == nil {
		return nil, e.err
	}
	args := []reflect.Value{reflect.ValueOf(instance)}
	if e.sig.takesCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	if e.Params.inType != nil {
		if !in.IsValid() {
			in = reflect.New(e.Params.inType)
		}
		if e.sig.inPointer {
			args = append(args, in)
		} else {
			args = append(args, in.Elem())
		}
	}
	out := e.sig.fn.Call(args)

	var (
		result any
		err    error
	)
	if e.sig.hasResult {
		result = out[0].Interface()
	}
	if e.sig.hasErr {
		if v := out[len(out)-1]; !v.IsNil() {
			err = v.Interface().(error)
		}
	}
	return result, err
}
