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

// Package discovery builds a frozen service registry from the declarations
// made at program initialisation plus the overrides file. Every (re)load
// produces a brand new registry; nothing is mutated in place.
package discovery

import (
	"context"
	"errors"
	"reflect"
	"slices"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/okikorg/okik/internal/config"
	"github.com/okikorg/okik/internal/logging"
	"github.com/okikorg/okik/internal/routes"
	"github.com/okikorg/okik/pkg/errdefs"
	"github.com/okikorg/okik/pkg/service"
)

// Discoverer replays the declaration log of a base registry.
type Discoverer struct {
	// Base holds the declarations, normally service.Default.
	Base *service.Registry
	// OverridesFile is optional; a missing file means no overrides.
	OverridesFile string
}

// New returns a Discoverer over base.
func New(base *service.Registry, overridesFile string) *Discoverer {
	return &Discoverer{Base: base, OverridesFile: overridesFile}
}

// Discover builds and freezes a fresh registry. It fails with the joined
// configuration errors of every declaration and override.
func (d *Discoverer) Discover(ctx context.Context) (*service.Registry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := ctrl.LoggerFrom(ctx).WithName("discovery")

	overrides, err := config.LoadOverrides(d.OverridesFile)
	if err != nil {
		return nil, err
	}

	decls := d.Base.Declarations()
	typeToName := make(map[reflect.Type]string)
	nameToType := make(map[string]reflect.Type)
	for _, decl := range decls {
		if decl.Kind != service.DeclareService {
			continue
		}
		name := decl.ServiceName()
		if _, seen := typeToName[decl.Type]; !seen {
			typeToName[decl.Type] = name
		}
		if _, seen := nameToType[name]; !seen {
			nameToType[name] = decl.Type
		}
	}

	var errs []error
	for _, name := range overrides.Services() {
		if _, ok := nameToType[name]; !ok {
			errs = append(errs, errdefs.Configuration([]string{name, d.OverridesFile},
				"overrides refer to undeclared service %q", name))
		}
	}

	reg := service.NewRegistry()
	applied := make(map[string]map[string]bool)
	for _, decl := range decls {
		switch decl.Kind {
		case service.DeclareService:
			opts := slices.Concat(decl.Options, overrides.ServiceOptions(decl.ServiceName()))
			_, _ = reg.RegisterService(decl.Type, opts...)
		case service.DeclareEndpoint:
			opts := slices.Clone(decl.EndpointOptions)
			name, owned := typeToName[decl.Type]
			if owned {
				for _, eo := range overrides.Endpoints(name) {
					if eo.Method == decl.Method {
						opts = append(opts, eo.Options()...)
						markApplied(applied, name, eo.Method)
					}
				}
			}
			_, _ = reg.RegisterEndpoint(decl.Type, decl.Method, opts...)
		}
	}

	// Endpoints listed only in the overrides file are added after the
	// declared ones, in file order.
	for _, name := range overrides.Services() {
		t, ok := nameToType[name]
		if !ok {
			continue
		}
		for _, eo := range overrides.Endpoints(name) {
			if applied[name][eo.Method] {
				continue
			}
			log.V(logging.DEBUG).Info("Adding endpoint from overrides", "service", name, "method", eo.Method)
			_, _ = reg.RegisterEndpoint(t, eo.Method, eo.Options()...)
		}
	}

	reg.Freeze()
	if err := errors.Join(append(errs, reg.Err())...); err != nil {
		return nil, err
	}
	log.Info("Discovered services", "services", len(reg.Services()), "endpoints", len(reg.Endpoints()),
		"overrides", len(overrides.Services()))
	return reg, nil
}

// Compile discovers and compiles the route table in one step.
func (d *Discoverer) Compile(ctx context.Context) (*routes.Table, error) {
	reg, err := d.Discover(ctx)
	if err != nil {
		return nil, err
	}
	return routes.Compile(reg)
}

func markApplied(applied map[string]map[string]bool, svc, method string) {
	if applied[svc] == nil {
		applied[svc] = make(map[string]bool)
	}
	applied[svc][method] = true
}
