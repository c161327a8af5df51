package service

import "reflect"

// Define declares T as a deployable service in the Default registry.
//
//	var _ = service.Define[Embedder](service.Replicas(2), service.Accelerator("cuda", "A40", 1))
//
// The returned error is also recorded in the registry and fails discovery,
// so declarations evaluated into the blank identifier are never lost.
func Define[T any](opts ...Option) error {
	_, err := Default.RegisterService(reflect.TypeFor[T](), opts...)
	return err
}

// API declares the exported method of T named method as an HTTP endpoint in
// the Default registry. It may be evaluated before or after Define[T].
//
//	var _ = service.API[Embedder]("Embed")
//	var _ = service.API[Embedder]("Version", service.HTTPMethod(http.MethodGet))
func API[T any](method string, opts ...EndpointOption) error {
	_, err := Default.RegisterEndpoint(reflect.TypeFor[T](), method, opts...)
	return err
}
