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

package service

import (
	"errors"
	"reflect"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/okikorg/okik/internal/logging"
	"github.com/okikorg/okik/pkg/errdefs"
)

// DeclarationKind distinguishes the two declaration forms.
type DeclarationKind int

const (
	// DeclareService marks a type as a deployable service.
	DeclareService DeclarationKind = iota
	// DeclareEndpoint marks a method as routable.
	DeclareEndpoint
)

// Declaration is one entry of a Registry's append-only declaration log.
// Discovery replays the log into a fresh Registry on every (re)load.
type Declaration struct {
	Kind            DeclarationKind
	Type            reflect.Type
	Method          string
	Options         []Option
	EndpointOptions []EndpointOption
}

// ServiceName returns the name a service declaration resolves to.
func (d Declaration) ServiceName() string {
	cfg := resolveConfig(d.Options)
	if cfg.Name != "" {
		return cfg.Name
	}
	return serviceNameFor(d.Type)
}

// Registry stores service and endpoint definitions in registration order.
//
// A Registry is open until Freeze is called. While open it accepts
// registrations from a single discovery goroutine; once frozen it is
// read-only and safe for concurrent readers without locking.
type Registry struct {
	mu     sync.Mutex
	frozen atomic.Bool

	decls     []Declaration
	services  []*ServiceDefinition
	byName    map[string]*ServiceDefinition
	byType    map[reflect.Type]*ServiceDefinition
	endpoints []*EndpointDefinition
	errs      []error
}

// NewRegistry returns an empty, open Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*ServiceDefinition),
		byType: make(map[reflect.Type]*ServiceDefinition),
	}
}

// Default is the process-wide Registry populated by Define and API at
// package initialisation.
var Default = NewRegistry()

func resolveConfig(opts []Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func resolveEndpointConfig(opts []EndpointOption) EndpointConfig {
	var cfg EndpointConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func normalizeType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// record keeps err for Err and returns it.
func (r *Registry) record(err error) error {
	r.errs = append(r.errs, err)
	return err
}

func (r *Registry) checkOpen(subject string) error {
	if r.frozen.Load() {
		return errdefs.Configuration([]string{subject}, "registry is frozen; declarations are only accepted during discovery")
	}
	return nil
}

// RegisterService validates the configuration and adds a ServiceDefinition
// for t. Errors are returned and also recorded for Err.
func (r *Registry) RegisterService(t reflect.Type, opts ...Option) (*ServiceDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t = normalizeType(t)
	if t == nil {
		return nil, r.record(errdefs.Configuration(nil, "service type must not be nil"))
	}
	if err := r.checkOpen(t.String()); err != nil {
		return nil, err
	}
	r.decls = append(r.decls, Declaration{Kind: DeclareService, Type: t, Options: slices.Clone(opts)})

	cfg := resolveConfig(opts)
	name := cfg.Name
	if name == "" {
		name = serviceNameFor(t)
	}
	if name == "" {
		return nil, r.record(errdefs.Configuration([]string{t.String()},
			"cannot derive a service name from an unnamed type; use service.Name"))
	}
	if msgs := validateServiceName(name); len(msgs) > 0 {
		return nil, r.record(errdefs.Configuration([]string{name, t.String()},
			"invalid service name: %s", strings.Join(msgs, "; ")))
	}
	if existing, dup := r.byName[name]; dup {
		return nil, r.record(errdefs.Configuration([]string{name, existing.Type.String(), t.String()},
			"duplicate service name %q", name))
	}
	if existing, dup := r.byType[t]; dup {
		return nil, r.record(errdefs.Configuration([]string{existing.Name, name, t.String()},
			"type %s is already declared as a service", t))
	}
	if err := cfg.Validate(name); err != nil {
		return nil, r.record(err)
	}

	svc := &ServiceDefinition{
		Name:      name,
		Type:      t,
		Replicas:  cfg.Replicas,
		Resources: cfg.Resources.Clone(),
		factory:   cfg.Factory,
	}
	r.services = append(r.services, svc)
	r.byName[name] = svc
	r.byType[t] = svc
	ctrl.Log.WithName("registry").V(logging.DEBUG).Info("Registered service",
		"service", name, "type", t.String(), "replicas", svc.Replicas)
	return svc, nil
}

// RegisterEndpoint marks method of owner as routable. The owning service
// need not be registered yet; the route compiler links the two.
func (r *Registry) RegisterEndpoint(owner reflect.Type, method string, opts ...EndpointOption) (*EndpointDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	owner = normalizeType(owner)
	if owner == nil {
		return nil, r.record(errdefs.Configuration([]string{method}, "endpoint owner type must not be nil"))
	}
	if err := r.checkOpen(owner.String() + "." + method); err != nil {
		return nil, err
	}
	r.decls = append(r.decls, Declaration{Kind: DeclareEndpoint, Type: owner, Method: method, EndpointOptions: slices.Clone(opts)})

	ep := newEndpoint(owner, method, resolveEndpointConfig(opts))
	r.endpoints = append(r.endpoints, ep)
	ctrl.Log.WithName("registry").V(logging.DEBUG).Info("Registered endpoint",
		"owner", owner.String(), "method", method, "httpMethod", ep.HTTPMethod)
	return ep, nil
}

// Freeze ends the discovery phase. It is idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

func (r *Registry) lock() func() {
	if r.frozen.Load() {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

// Err returns every error recorded during registration, joined.
func (r *Registry) Err() error {
	defer r.lock()()
	return errors.Join(r.errs...)
}

// Declarations returns the declaration log in registration order.
func (r *Registry) Declarations() []Declaration {
	defer r.lock()()
	return slices.Clone(r.decls)
}

// Services returns the registered services in registration order.
func (r *Registry) Services() []*ServiceDefinition {
	defer r.lock()()
	return slices.Clone(r.services)
}

// Endpoints returns every endpoint declaration in declaration order,
// including orphans and unresolvable ones.
func (r *Registry) Endpoints() []*EndpointDefinition {
	defer r.lock()()
	return slices.Clone(r.endpoints)
}

// Service looks up a service by name.
func (r *Registry) Service(name string) (*ServiceDefinition, bool) {
	defer r.lock()()
	svc, ok := r.byName[name]
	return svc, ok
}

// EndpointsOf returns the endpoints owned by svc in declaration order.
func (r *Registry) EndpointsOf(svc *ServiceDefinition) []*EndpointDefinition {
	defer r.lock()()
	var out []*EndpointDefinition
	for _, ep := range r.endpoints {
		if ep.Owner == svc.Type {
			out = append(out, ep)
		}
	}
	return out
}
