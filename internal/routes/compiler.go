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

package routes

import (
	"errors"
	"fmt"
	"reflect"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/okikorg/okik/internal/logging"
	"github.com/okikorg/okik/pkg/errdefs"
	"github.com/okikorg/okik/pkg/service"
)

type routeKey struct {
	path   string
	method string
}

// Compile links every endpoint declaration of reg to its owning service and
// derives the route table. It is a pure function of the registry contents:
// services are visited in registration order and endpoints in declaration
// order, so the same registry always yields the same table.
//
// All configuration problems are collected and returned together: errors
// recorded by the registry, orphan endpoints, unresolvable handlers and
// (path, method) collisions.
func Compile(reg *service.Registry) (*Table, error) {
	log := ctrl.Log.WithName("routes")

	errs := []error{reg.Err()}
	owned := make(map[reflect.Type]bool)
	seen := make(map[routeKey]Route)
	table := &Table{}

	for _, svc := range reg.Services() {
		owned[svc.Type] = true
		table.services = append(table.services, svc)
		eps := reg.EndpointsOf(svc)
		if len(eps) == 0 {
			log.Info("Service declares no endpoints and will not be routed", "service", svc.Name)
			table.Warnings = append(table.Warnings, fmt.Sprintf("service %s declares no endpoints", svc.Name))
			continue
		}

		for _, ep := range eps {
			if err := ep.Err(); err != nil {
				errs = append(errs, err)
				continue
			}
			r := newRoute(svc, ep)
			key := routeKey{path: r.Path, method: r.Method}
			if prev, dup := seen[key]; dup {
				errs = append(errs, errdefs.Configuration(
					[]string{prev.Service + "." + prev.Endpoint.Method, r.Service + "." + ep.Method},
					"route collision on %s %s", r.Method, r.Path))
				continue
			}
			seen[key] = r
			table.Routes = append(table.Routes, r)
			log.V(logging.DEBUG).Info("Compiled route", "method", r.Method, "path", r.Path, "handler", r.Handler)
		}
	}

	for _, ep := range reg.Endpoints() {
		if owned[ep.Owner] {
			continue
		}
		errs = append(errs, errdefs.Configuration([]string{ep.Ref()},
			"endpoint %s belongs to %s, which is not declared as a service", ep.Method, ep.Owner))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return table, nil
}

// MustCompile is Compile for tests and examples; it panics on error.
func MustCompile(reg *service.Registry) *Table {
	t, err := Compile(reg)
	if err != nil {
		panic(err)
	}
	return t
}
