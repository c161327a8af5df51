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

package deploy

import (
	"context"
	"errors"
	"strconv"

	monitoringv1 "github.com/prometheus-operator/prometheus-operator/pkg/apis/monitoring/v1"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/okikorg/okik/internal/config"
	"github.com/okikorg/okik/internal/logging"
	"github.com/okikorg/okik/pkg/errdefs"
	"github.com/okikorg/okik/pkg/service"
)

// Labels stamped on every generated object.
const (
	LabelName      = "app.kubernetes.io/name"
	LabelComponent = "app.kubernetes.io/component"
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelVersion   = "app.kubernetes.io/version"

	managedBy = "okik"
	portName  = "http"
)

// Workload is the descriptor entry for one service.
type Workload struct {
	Name         string
	Replicas     int32
	Image        string
	Requirements Requirements

	Deployment     *appsv1.Deployment
	Service        *corev1.Service
	ServiceMonitor *monitoringv1.ServiceMonitor
}

// Objects returns the workload's objects in apply order.
func (w *Workload) Objects() []client.Object {
	objs := []client.Object{w.Deployment, w.Service}
	if w.ServiceMonitor != nil {
		objs = append(objs, w.ServiceMonitor)
	}
	return objs
}

// Descriptor is the deployment intent of one build.
type Descriptor struct {
	App       string
	Image     string
	Namespace string
	Workloads []Workload
}

// Objects returns every object of every workload, workloads in service
// registration order.
func (d *Descriptor) Objects() []client.Object {
	var objs []client.Object
	for i := range d.Workloads {
		objs = append(objs, d.Workloads[i].Objects()...)
	}
	return objs
}

// Workload returns the entry for the named service.
func (d *Descriptor) Workload(name string) (*Workload, bool) {
	for i := range d.Workloads {
		if d.Workloads[i].Name == name {
			return &d.Workloads[i], true
		}
	}
	return nil, false
}

// Builder renders registries into descriptors.
type Builder struct {
	build      config.BuildConfig
	deploy     config.DeployConfig
	translator *Translator
}

// NewBuilder returns a builder using the built-in translation rules.
func NewBuilder(build config.BuildConfig, deploy config.DeployConfig) *Builder {
	return &Builder{build: build, deploy: deploy, translator: NewTranslator(deploy)}
}

// Translator exposes the translation table so callers can add rules.
func (b *Builder) Translator() *Translator { return b.translator }

// Build emits one workload per service of reg, using image as the
// container reference. Every untranslatable request is reported in one
// joined ConfigurationError.
func (b *Builder) Build(ctx context.Context, reg *service.Registry, image string) (*Descriptor, error) {
	log := ctrl.LoggerFrom(ctx).WithName("descriptor")
	if image == "" {
		return nil, errdefs.Configuration([]string{"build.tag"}, "image reference must not be empty")
	}
	if err := reg.Err(); err != nil {
		return nil, err
	}

	desc := &Descriptor{App: b.build.AppName, Image: image, Namespace: b.deploy.Namespace}
	var errs []error
	for _, svc := range reg.Services() {
		req, err := b.translator.Translate(svc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		w := b.workload(svc, req, image)
		log.V(logging.DEBUG).Info("Built workload", "service", svc.Name, "replicas", w.Replicas,
			"resources", req.Resources.Limits)
		desc.Workloads = append(desc.Workloads, w)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return desc, nil
}

func (b *Builder) labels(svc string) map[string]string {
	app := b.build.AppName
	if app == "" {
		app = svc
	}
	return map[string]string{
		LabelName:      app,
		LabelComponent: svc,
		LabelManagedBy: managedBy,
	}
}

func (b *Builder) workload(svc *service.ServiceDefinition, req Requirements, image string) Workload {
	labels := b.labels(svc.Name)
	selector := map[string]string{LabelName: labels[LabelName], LabelComponent: svc.Name}
	podLabels := map[string]string{LabelVersion: b.build.Tag}
	for k, v := range labels {
		podLabels[k] = v
	}
	port := int32(b.build.Port)
	meta := metav1.ObjectMeta{Name: svc.Name, Namespace: b.deploy.Namespace, Labels: labels}

	deployment := &appsv1.Deployment{
		TypeMeta:   metav1.TypeMeta{APIVersion: appsv1.SchemeGroupVersion.String(), Kind: "Deployment"},
		ObjectMeta: *meta.DeepCopy(),
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(svc.Replicas)),
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					NodeSelector: req.NodeSelector,
					Containers: []corev1.Container{{
						Name:  svc.Name,
						Image: image,
						Args:  []string{"server"},
						Env: []corev1.EnvVar{
							{Name: "OKIK_WORKER", Value: svc.Name},
							{Name: "OKIK_SERVER_HOST", Value: "0.0.0.0"},
							{Name: "OKIK_SERVER_PORT", Value: strconv.Itoa(b.build.Port)},
							{Name: "OKIK_SERVER_LOCALSERVICES", Value: svc.Name},
						},
						Ports: []corev1.ContainerPort{{
							Name:          portName,
							ContainerPort: port,
							Protocol:      corev1.ProtocolTCP,
						}},
						Resources: req.Resources,
						ReadinessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{
								HTTPGet: &corev1.HTTPGetAction{Path: "/healthz", Port: intstr.FromString(portName)},
							},
							PeriodSeconds: 10,
						},
					}},
				},
			},
		},
	}

	svcObj := &corev1.Service{
		TypeMeta:   metav1.TypeMeta{APIVersion: corev1.SchemeGroupVersion.String(), Kind: "Service"},
		ObjectMeta: *meta.DeepCopy(),
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: selector,
			Ports: []corev1.ServicePort{{
				Name:       portName,
				Port:       80,
				TargetPort: intstr.FromString(portName),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}

	w := Workload{
		Name:         svc.Name,
		Replicas:     int32(svc.Replicas),
		Image:        image,
		Requirements: req,
		Deployment:   deployment,
		Service:      svcObj,
	}
	if b.deploy.ServiceMonitor {
		w.ServiceMonitor = &monitoringv1.ServiceMonitor{
			TypeMeta: metav1.TypeMeta{
				APIVersion: monitoringv1.SchemeGroupVersion.String(),
				Kind:       monitoringv1.ServiceMonitorsKind,
			},
			ObjectMeta: *meta.DeepCopy(),
			Spec: monitoringv1.ServiceMonitorSpec{
				Selector:  metav1.LabelSelector{MatchLabels: selector},
				Endpoints: []monitoringv1.Endpoint{{Port: portName, Path: "/metrics"}},
			},
		}
	}
	return w
}
