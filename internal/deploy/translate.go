package deploy

import (
	"errors"
	"maps"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/okikorg/okik/internal/config"
	"github.com/okikorg/okik/pkg/errdefs"
	"github.com/okikorg/okik/pkg/service"
)

// Requirements is the orchestrator-side form of a service's resource
// requests.
type Requirements struct {
	Resources    corev1.ResourceRequirements
	NodeSelector map[string]string
}

// Empty reports whether nothing was requested.
func (r Requirements) Empty() bool {
	return len(r.Resources.Limits) == 0 && len(r.Resources.Requests) == 0 && len(r.NodeSelector) == 0
}

func (r *Requirements) set(name corev1.ResourceName, q resource.Quantity) {
	if r.Resources.Requests == nil {
		r.Resources.Requests = corev1.ResourceList{}
	}
	if r.Resources.Limits == nil {
		r.Resources.Limits = corev1.ResourceList{}
	}
	r.Resources.Requests[name] = q
	r.Resources.Limits[name] = q.DeepCopy()
}

func (r *Requirements) selectNode(label, value string) {
	if r.NodeSelector == nil {
		r.NodeSelector = map[string]string{}
	}
	r.NodeSelector[label] = value
}

// Rule translates the request for one resource kind into out. subject
// names the service for error reporting.
type Rule func(t *Translator, subject string, req service.ResourceRequest, out *Requirements) error

// Translator maps resource kinds to orchestrator vocabulary.
type Translator struct {
	accelerators map[string]string
	deviceLabel  string
	rules        map[service.ResourceKind]Rule
}

// NewTranslator returns a translator with the built-in rules for
// accelerator, cpu and memory.
func NewTranslator(cfg config.DeployConfig) *Translator {
	table := cfg.AcceleratorTable
	if len(table) == 0 {
		table = config.DefaultAcceleratorTable()
	}
	return &Translator{
		accelerators: maps.Clone(table),
		deviceLabel:  cfg.DeviceLabel,
		rules: map[service.ResourceKind]Rule{
			service.ResourceAccelerator: translateAccelerator,
			service.ResourceCPU:         translateCPU,
			service.ResourceMemory:      translateMemory,
		},
	}
}

// Register adds or replaces the rule for kind.
func (t *Translator) Register(kind service.ResourceKind, rule Rule) {
	t.rules[kind] = rule
}

// Translate converts every resource request of svc. All problems are
// reported together.
func (t *Translator) Translate(svc *service.ServiceDefinition) (Requirements, error) {
	var (
		out  Requirements
		errs []error
	)
	for _, kind := range svc.Resources.Kinds() {
		req := svc.Resources[kind]
		rule, ok := t.rules[kind]
		if !ok {
			errs = append(errs, errdefs.Configuration([]string{svc.Name, string(kind)},
				"no translation for resource kind %q", kind))
			continue
		}
		if req.Count < 1 {
			errs = append(errs, errdefs.Configuration([]string{svc.Name, string(kind)},
				"resource count must be at least 1, got %d", req.Count))
			continue
		}
		if err := rule(t, svc.Name, req, &out); err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

func translateAccelerator(t *Translator, subject string, req service.ResourceRequest, out *Requirements) error {
	name, ok := t.accelerators[req.Type]
	if !ok {
		return errdefs.Configuration([]string{subject, string(service.ResourceAccelerator), req.Type},
			"no translation for accelerator type %q", req.Type)
	}
	out.set(corev1.ResourceName(name), *resource.NewQuantity(int64(req.Count), resource.DecimalSI))
	if req.Device != "" && t.deviceLabel != "" {
		out.selectNode(t.deviceLabel, req.Device)
	}
	return nil
}

func translateCPU(_ *Translator, _ string, req service.ResourceRequest, out *Requirements) error {
	out.set(corev1.ResourceCPU, *resource.NewQuantity(int64(req.Count), resource.DecimalSI))
	return nil
}

// memory counts are in GiB.
func translateMemory(_ *Translator, _ string, req service.ResourceRequest, out *Requirements) error {
	out.set(corev1.ResourceMemory, *resource.NewQuantity(int64(req.Count)<<30, resource.BinarySI))
	return nil
}
