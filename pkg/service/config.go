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
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/okikorg/okik/pkg/errdefs"
)

// ResourceKind names a class of hardware resource a service may request.
type ResourceKind string

const (
	// ResourceAccelerator requests GPUs or other accelerator devices.
	ResourceAccelerator ResourceKind = "accelerator"
	// ResourceCPU requests whole CPU cores; Count is the number of cores.
	ResourceCPU ResourceKind = "cpu"
	// ResourceMemory requests memory; Count is in GiB.
	ResourceMemory ResourceKind = "memory"
)

var (
	knownKindsMu sync.RWMutex
	knownKinds   = map[ResourceKind]struct{}{
		ResourceAccelerator: {},
		ResourceCPU:         {},
		ResourceMemory:      {},
	}
)

// RegisterResourceKind makes kind acceptable in service configurations.
// The deployment layer must also know how to translate it, otherwise
// descriptor building fails for services that request it.
func RegisterResourceKind(kind ResourceKind) {
	knownKindsMu.Lock()
	defer knownKindsMu.Unlock()
	knownKinds[kind] = struct{}{}
}

// IsKnownResourceKind reports whether kind has been registered.
func IsKnownResourceKind(kind ResourceKind) bool {
	knownKindsMu.RLock()
	defer knownKindsMu.RUnlock()
	_, ok := knownKinds[kind]
	return ok
}

// ResourceRequest is the requested spec for one resource kind.
type ResourceRequest struct {
	// Type is the accelerator family (e.g. "cuda", "rocm", "tpu").
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
	// Device is the device class (e.g. "A40", "H100").
	Device string `json:"device,omitempty" yaml:"device,omitempty"`
	// Count is the number of units per replica.
	Count int `json:"count" yaml:"count"`
}

// Resources maps a resource kind to its request.
type Resources map[ResourceKind]ResourceRequest

// Kinds returns the resource kinds in sorted order.
func (r Resources) Kinds() []ResourceKind {
	kinds := slices.Collect(maps.Keys(r))
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Clone returns a copy of r.
func (r Resources) Clone() Resources {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Config is the configuration payload of a service declaration.
type Config struct {
	// Name overrides the derived service name.
	Name string
	// Replicas is the number of independent processes requested for the service.
	Replicas int
	// Resources are the per-replica hardware requests.
	Resources Resources
	// Factory constructs the service instance. It must return a pointer to
	// the declared type. Defaults to allocating a zero value.
	Factory func() (any, error)
}

// DefaultConfig returns the configuration used when no option is given.
func DefaultConfig() Config {
	return Config{Replicas: 1}
}

// Option mutates a Config.
type Option func(*Config)

// Replicas sets the replica count.
func Replicas(n int) Option {
	return func(c *Config) { c.Replicas = n }
}

// Resource adds a request for one resource kind.
func Resource(kind ResourceKind, req ResourceRequest) Option {
	return func(c *Config) {
		if c.Resources == nil {
			c.Resources = Resources{}
		}
		c.Resources[kind] = req
	}
}

// Accelerator requests count accelerators of the given type and device class.
func Accelerator(typ, device string, count int) Option {
	return Resource(ResourceAccelerator, ResourceRequest{Type: typ, Device: device, Count: count})
}

// Name overrides the service name derived from the type name.
func Name(name string) Option {
	return func(c *Config) { c.Name = name }
}

// Factory sets the instance constructor.
func Factory(fn func() (any, error)) Option {
	return func(c *Config) { c.Factory = fn }
}

// Validate checks replica and resource constraints. Every problem is
// reported; the result is a join of configuration errors.
func (c *Config) Validate(service string) error {
	var errs []error
	if c.Replicas < 1 {
		errs = append(errs, errdefs.Configuration([]string{service, "replicas"},
			"replicas must be >= 1, got %d", c.Replicas))
	}
	for _, kind := range c.Resources.Kinds() {
		req := c.Resources[kind]
		key := fmt.Sprintf("resources.%s", kind)
		if !IsKnownResourceKind(kind) {
			errs = append(errs, errdefs.Configuration([]string{service, key},
				"unknown resource kind %q", kind))
			continue
		}
		if req.Count < 1 {
			errs = append(errs, errdefs.Configuration([]string{service, key + ".count"},
				"resource count must be >= 1, got %d", req.Count))
		}
		if kind == ResourceAccelerator && strings.TrimSpace(req.Type) == "" {
			errs = append(errs, errdefs.Configuration([]string{service, key + ".type"},
				"accelerator type must not be empty"))
		}
	}
	return errors.Join(errs...)
}

// EndpointConfig is the configuration payload of an endpoint declaration.
type EndpointConfig struct {
	// Name overrides the snake_case endpoint name derived from the method name.
	Name string
	// HTTPMethod defaults to POST.
	HTTPMethod string
}

// EndpointOption mutates an EndpointConfig.
type EndpointOption func(*EndpointConfig)

// HTTPMethod overrides the HTTP method of the endpoint.
func HTTPMethod(method string) EndpointOption {
	return func(c *EndpointConfig) { c.HTTPMethod = strings.ToUpper(method) }
}

// EndpointName overrides the endpoint's path segment.
func EndpointName(name string) EndpointOption {
	return func(c *EndpointConfig) { c.Name = name }
}

var allowedHTTPMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

func validHTTPMethod(method string) bool {
	_, ok := allowedHTTPMethods[method]
	return ok
}
