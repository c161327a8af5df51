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

// Package errdefs defines the error taxonomy shared by discovery, route
// compilation, request dispatch and descriptor building.
//
// Every error produced by okik carries a Kind. Configuration errors are fatal
// at compile/build time; request validation, handler and serialization errors
// are recovered per request; infrastructure errors are fatal to the process
// that hit them.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error. The string value is what clients see in the
// "error_kind" field of an error response.
type Kind string

const (
	// KindConfiguration covers bad or duplicate service config, orphan
	// endpoints, unknown resource kinds and route collisions.
	KindConfiguration Kind = "ConfigurationError"
	// KindRequestValidation is returned when a client payload does not match
	// the endpoint's parameter schema.
	KindRequestValidation Kind = "RequestValidationError"
	// KindHandler is returned when user code fails while handling a request.
	KindHandler Kind = "HandlerError"
	// KindSerialization is returned when a handler result cannot be encoded.
	KindSerialization Kind = "SerializationError"
	// KindInfrastructure covers bind failures and watch failures.
	KindInfrastructure Kind = "InfrastructureError"
	// KindNotFound is returned for requests that match no route.
	KindNotFound Kind = "NotFound"
)

// Error is the concrete error type for every Kind.
type Error struct {
	Kind Kind
	// Message is a human readable description.
	Message string
	// Subjects names the offending identifiers (service names, endpoint
	// names, resource kinds, config keys).
	Subjects []string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Subjects) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Subjects, ", "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind. This lets callers
// write errors.Is(err, errdefs.ErrConfiguration).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && len(t.Subjects) == 0
}

// Sentinels for errors.Is checks.
var (
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrRequestValidation = &Error{Kind: KindRequestValidation}
	ErrHandler           = &Error{Kind: KindHandler}
	ErrSerialization     = &Error{Kind: KindSerialization}
	ErrInfrastructure    = &Error{Kind: KindInfrastructure}
)

// Configuration builds a KindConfiguration error naming the offending identifiers.
func Configuration(subjects []string, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...), Subjects: subjects}
}

// RequestValidation builds a KindRequestValidation error.
func RequestValidation(format string, args ...any) *Error {
	return &Error{Kind: KindRequestValidation, Message: fmt.Sprintf(format, args...)}
}

// Handler wraps an error raised by user code.
func Handler(cause error, subjects ...string) *Error {
	return &Error{Kind: KindHandler, Message: "handler failed", Subjects: subjects, Err: cause}
}

// Serialization wraps an encoding failure of a handler result.
func Serialization(cause error, subjects ...string) *Error {
	return &Error{Kind: KindSerialization, Message: "result is not serializable", Subjects: subjects, Err: cause}
}

// Infrastructure wraps a transport or watcher failure.
func Infrastructure(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindInfrastructure, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or the empty
// Kind when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsConfiguration reports whether err (or any error joined into it) is a
// configuration error.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// HTTPStatus maps a Kind to the status code used by the server binder.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindRequestValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindHandler, KindSerialization, KindConfiguration, KindInfrastructure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
