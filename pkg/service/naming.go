package service

import (
	"reflect"
	"regexp"
	"strings"

	strcase "github.com/stoewer/go-strcase"
	"k8s.io/apimachinery/pkg/util/validation"
)

var endpointNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// serviceNameFor derives the service identity from the declared type.
func serviceNameFor(t reflect.Type) string {
	return strings.ToLower(t.Name())
}

// endpointNameFor derives the endpoint path segment from a Go method name.
func endpointNameFor(method string) string {
	return strcase.SnakeCase(method)
}

// validateServiceName returns the DNS-1123 violations of name. Service names
// double as Kubernetes object names in deployment descriptors.
func validateServiceName(name string) []string {
	return validation.IsDNS1123Label(name)
}

func validEndpointName(name string) bool {
	return endpointNamePattern.MatchString(name)
}
