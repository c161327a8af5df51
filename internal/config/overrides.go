package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/okikorg/okik/internal/logging"
	"github.com/okikorg/okik/pkg/errdefs"
	"github.com/okikorg/okik/pkg/service"
)

// GlobalDefaultsKey is the overrides entry applied to every service before
// the service's own entry.
const GlobalDefaultsKey = "default"

// ServiceOverride replaces declared values of one service at discovery time.
type ServiceOverride struct {
	// Service names the target service (only used in per-service entries).
	Service string `yaml:"service,omitempty" json:"service,omitempty"`

	// Replicas replaces the declared replica count.
	Replicas *int `yaml:"replicas,omitempty" json:"replicas,omitempty"`

	// Resources are merged into the declared resources, per kind.
	Resources service.Resources `yaml:"resources,omitempty" json:"resources,omitempty"`

	// Endpoints reconfigure declared endpoints or add new ones.
	Endpoints []EndpointOverride `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`
}

// EndpointOverride reconfigures the endpoint backed by the Go method Method.
// If the method was not declared as an endpoint it is added.
type EndpointOverride struct {
	Method     string `yaml:"method" json:"method"`
	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	HTTPMethod string `yaml:"http_method,omitempty" json:"http_method,omitempty"`
}

// Validate checks for invalid override values.
func (o *ServiceOverride) Validate() error {
	var errs []error
	if o.Replicas != nil && *o.Replicas < 1 {
		errs = append(errs, fmt.Errorf("replicas must be >= 1, got %d", *o.Replicas))
	}
	for _, kind := range o.Resources.Kinds() {
		if !service.IsKnownResourceKind(kind) {
			errs = append(errs, fmt.Errorf("unknown resource kind %q", kind))
		}
	}
	methods := make(map[string]bool, len(o.Endpoints))
	for i, ep := range o.Endpoints {
		if ep.Method == "" {
			errs = append(errs, fmt.Errorf("endpoints[%d]: method must not be empty", i))
			continue
		}
		if methods[ep.Method] {
			errs = append(errs, fmt.Errorf("endpoints[%d]: method %s listed twice", i, ep.Method))
		}
		methods[ep.Method] = true
	}
	return errors.Join(errs...)
}

// Options converts the override into service options applied after the
// declared ones.
func (o *ServiceOverride) Options() []service.Option {
	var opts []service.Option
	if o.Replicas != nil {
		opts = append(opts, service.Replicas(*o.Replicas))
	}
	for _, kind := range o.Resources.Kinds() {
		opts = append(opts, service.Resource(kind, o.Resources[kind]))
	}
	return opts
}

// Options converts the endpoint override into endpoint options.
func (e *EndpointOverride) Options() []service.EndpointOption {
	var opts []service.EndpointOption
	if e.Name != "" {
		opts = append(opts, service.EndpointName(e.Name))
	}
	if e.HTTPMethod != "" {
		opts = append(opts, service.HTTPMethod(e.HTTPMethod))
	}
	return opts
}

// Overrides holds the parsed overrides file, keyed by service name.
type Overrides map[string]ServiceOverride

// ParseOverrides parses an overrides document. The document is a mapping of
// entry names to ServiceOverride values:
//   - "default": applied to every service
//   - "<entry-name>": applied to the service named by its service field
//
// Unlike a ConfigMap, a bad overrides file must stop discovery, so every
// problem is returned as a configuration error instead of being skipped.
func ParseOverrides(data []byte) (Overrides, error) {
	out := make(Overrides)
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errdefs.Configuration(nil, "parsing overrides: %v", err)
	}

	keys := sortedMapKeys(raw)
	serviceToKey := make(map[string]string)
	var errs []error
	for _, key := range keys {
		node := raw[key]

		var override ServiceOverride
		if err := decodeStrict(&node, &override); err != nil {
			errs = append(errs, errdefs.Configuration([]string{key}, "invalid overrides entry: %v", err))
			continue
		}
		if err := override.Validate(); err != nil {
			errs = append(errs, errdefs.Configuration([]string{key}, "invalid overrides entry: %v", err))
			continue
		}

		if key == GlobalDefaultsKey {
			if override.Service != "" || len(override.Endpoints) > 0 {
				errs = append(errs, errdefs.Configuration([]string{key},
					"the default entry may only set replicas and resources"))
				continue
			}
			out[GlobalDefaultsKey] = override
			continue
		}

		if override.Service == "" {
			errs = append(errs, errdefs.Configuration([]string{key}, "overrides entry has no service field"))
			continue
		}
		if override.Service == GlobalDefaultsKey {
			errs = append(errs, errdefs.Configuration([]string{key},
				"service %q is reserved for global defaults; declare the service under another name", GlobalDefaultsKey))
			continue
		}
		if existing, dup := serviceToKey[override.Service]; dup {
			errs = append(errs, errdefs.Configuration([]string{override.Service, existing, key},
				"service %s is overridden by more than one entry", override.Service))
			continue
		}
		serviceToKey[override.Service] = key
		out[override.Service] = override
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	ctrl.Log.V(logging.DEBUG).Info("Parsed service overrides", "entryCount", len(out))
	return out, nil
}

// decodeStrict decodes node rejecting unknown fields.
func decodeStrict(node *yaml.Node, out any) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(node); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	dec := yaml.NewDecoder(&buf)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadOverrides reads and parses path. A missing file yields empty
// overrides.
func LoadOverrides(path string) (Overrides, error) {
	if path == "" {
		return Overrides{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Overrides{}, nil
	}
	if err != nil {
		return nil, errdefs.Configuration([]string{path}, "reading overrides: %v", err)
	}
	out, err := ParseOverrides(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// Services returns the overridden service names in sorted order, excluding
// the default entry.
func (o Overrides) Services() []string {
	names := make([]string, 0, len(o))
	for name := range o {
		if name != GlobalDefaultsKey {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ServiceOptions returns the options to append to the declaration of the
// named service: the default entry first, then the service's own entry.
func (o Overrides) ServiceOptions(name string) []service.Option {
	var opts []service.Option
	if defaults, ok := o[GlobalDefaultsKey]; ok {
		opts = append(opts, defaults.Options()...)
	}
	if override, ok := o[name]; ok {
		opts = append(opts, override.Options()...)
	}
	return opts
}

// Endpoints returns the endpoint overrides of the named service.
func (o Overrides) Endpoints(name string) []EndpointOverride {
	if name == GlobalDefaultsKey {
		return nil
	}
	return o[name].Endpoints
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the overrides for diagnostics.
func (o Overrides) String() string {
	var b strings.Builder
	for _, name := range sortedMapKeys(o) {
		out, _ := yaml.Marshal(o[name])
		fmt.Fprintf(&b, "%s:\n", name)
		for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	return b.String()
}
