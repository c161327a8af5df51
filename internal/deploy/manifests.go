package deploy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/okikorg/okik/api/v1alpha1"
	"github.com/okikorg/okik/pkg/errdefs"
	"github.com/okikorg/okik/pkg/service"
)

// DefaultManifestDir is where `okik create` writes service manifests.
const DefaultManifestDir = ".okik/services"

// Manifest describes svc and its endpoints as a ServiceManifest.
func Manifest(svc *service.ServiceDefinition, endpoints []*service.EndpointDefinition) *v1alpha1.ServiceManifest {
	m := &v1alpha1.ServiceManifest{
		TypeMeta: metav1.TypeMeta{
			APIVersion: v1alpha1.GroupVersion.String(),
			Kind:       v1alpha1.ServiceManifestKind,
		},
		ObjectMeta: metav1.ObjectMeta{Name: svc.Name},
		Spec: v1alpha1.ServiceManifestSpec{
			Kind:     "service",
			Type:     svc.Type.String(),
			Replicas: int32(svc.Replicas),
		},
	}
	for _, kind := range svc.Resources.Kinds() {
		req := svc.Resources[kind]
		if m.Spec.Resources == nil {
			m.Spec.Resources = map[string]v1alpha1.ResourceSpec{}
		}
		m.Spec.Resources[string(kind)] = v1alpha1.ResourceSpec{Type: req.Type, Device: req.Device, Count: int32(req.Count)}
	}
	for _, ep := range endpoints {
		m.Spec.Endpoints = append(m.Spec.Endpoints, v1alpha1.EndpointSpec{
			Name:       ep.Name,
			Method:     ep.Method,
			HTTPMethod: ep.HTTPMethod,
			Path:       ep.Path(svc.Name),
		})
	}
	return m
}

// Manifests describes every service of reg.
func Manifests(reg *service.Registry) []*v1alpha1.ServiceManifest {
	var out []*v1alpha1.ServiceManifest
	for _, svc := range reg.Services() {
		out = append(out, Manifest(svc, reg.EndpointsOf(svc)))
	}
	return out
}

// WriteManifests writes each manifest to dir/<name>.yaml, replacing any
// existing file, and returns the written paths.
func WriteManifests(dir string, manifests []*v1alpha1.ServiceManifest) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	var paths []string
	for _, m := range manifests {
		data, err := yaml.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encoding manifest %s: %w", m.Name, err)
		}
		path := filepath.Join(dir, m.Name+".yaml")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ReadManifests loads every *.yaml manifest in dir, sorted by name. A
// missing directory yields no manifests. Malformed files are reported
// together as ConfigurationErrors naming the file.
func ReadManifests(dir string) ([]*v1alpha1.ServiceManifest, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var (
		out  []*v1alpha1.ServiceManifest
		errs []error
	)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var m v1alpha1.ServiceManifest
		if err := yaml.UnmarshalStrict(data, &m); err != nil {
			errs = append(errs, errdefs.Configuration([]string{path}, "invalid service manifest: %v", err))
			continue
		}
		if m.Kind != v1alpha1.ServiceManifestKind {
			errs = append(errs, errdefs.Configuration([]string{path}, "unexpected kind %q", m.Kind))
			continue
		}
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, errors.Join(errs...)
}
