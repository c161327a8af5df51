package v1alpha1

import (
	"strconv"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ServiceManifestKind is the kind written to manifest files.
const ServiceManifestKind = "ServiceManifest"

// ServiceManifestSpec records the declared intent of one service.
type ServiceManifestSpec struct {
	// Kind is the workload kind. Only "service" is produced today.
	// +kubebuilder:validation:Enum=service
	Kind string `json:"kind"`

	// Type is the Go type that declared the service.
	// +optional
	Type string `json:"type,omitempty"`

	// Replicas is the requested number of independent processes.
	// +kubebuilder:validation:Minimum=1
	Replicas int32 `json:"replicas"`

	// Resources maps a resource kind (accelerator, cpu, memory) to its request.
	// +optional
	Resources map[string]ResourceSpec `json:"resources,omitempty"`

	// Endpoints lists the routes the service exposes, in declaration order.
	// +optional
	Endpoints []EndpointSpec `json:"endpoints,omitempty"`
}

// ResourceSpec is the per-replica request for one resource kind.
type ResourceSpec struct {
	// Type is the accelerator family (e.g. "cuda", "rocm").
	// +optional
	Type string `json:"type,omitempty"`

	// Device is the device class (e.g. "A40", "H100").
	// +optional
	Device string `json:"device,omitempty"`

	// Count is the number of units per replica.
	// +kubebuilder:validation:Minimum=1
	Count int32 `json:"count"`
}

// EndpointSpec describes one route.
type EndpointSpec struct {
	// Name is the endpoint name used in the path.
	Name string `json:"name"`

	// Method is the Go method that handles the route.
	Method string `json:"method"`

	// HTTPMethod is the HTTP verb of the route.
	HTTPMethod string `json:"httpMethod"`

	// Path is the full route path.
	Path string `json:"path"`
}

// +kubebuilder:object:root=true

// ServiceManifest is the on-disk description of a declared service, written
// by `okik create` to .okik/services/<name>.yaml.
type ServiceManifest struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec ServiceManifestSpec `json:"spec,omitempty"`
}

// ServiceManifestList contains a list of ServiceManifest.
// +kubebuilder:object:root=true
type ServiceManifestList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	Items []ServiceManifest `json:"items"`
}

func init() {
	SchemeBuilder.Register(&ServiceManifest{}, &ServiceManifestList{})
}

// AcceleratorSummary renders the accelerator request as "<device>:<count>",
// falling back to the type when no device class is set. It returns "" when
// no accelerator is requested.
func (s *ServiceManifestSpec) AcceleratorSummary() string {
	acc, ok := s.Resources["accelerator"]
	if !ok {
		return ""
	}
	device := acc.Device
	if device == "" {
		device = acc.Type
	}
	return device + ":" + strconv.FormatInt(int64(acc.Count), 10)
}
