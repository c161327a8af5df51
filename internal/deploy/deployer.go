package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	monitoringv1 "github.com/prometheus-operator/prometheus-operator/pkg/apis/monitoring/v1"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/okikorg/okik/pkg/errdefs"
)

// Scheme knows every type a Descriptor contains.
var Scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(Scheme))
	utilruntime.Must(monitoringv1.AddToScheme(Scheme))
}

// Deployer applies descriptors to a cluster.
type Deployer struct {
	client  client.Client
	retries uint
	// initial backoff interval between attempts
	interval time.Duration
}

// NewDeployer returns a deployer using c. retries bounds the attempts per
// object; zero means a single attempt.
func NewDeployer(c client.Client, retries uint) *Deployer {
	return &Deployer{client: c, retries: max(retries, 1), interval: 500 * time.Millisecond}
}

// NewClusterDeployer connects to the cluster selected by the usual
// kubeconfig rules.
func NewClusterDeployer(retries uint) (*Deployer, error) {
	cfg, err := ctrl.GetConfig()
	if err != nil {
		return nil, errdefs.Infrastructure(err, "loading kubeconfig")
	}
	c, err := client.New(cfg, client.Options{Scheme: Scheme})
	if err != nil {
		return nil, errdefs.Infrastructure(err, "creating cluster client")
	}
	return NewDeployer(c, retries), nil
}

// Apply creates or updates every object of d. Transient API failures are
// retried with exponential backoff; invalid or forbidden objects are not.
func (d *Deployer) Apply(ctx context.Context, desc *Descriptor) error {
	log := ctrl.LoggerFrom(ctx).WithName("deployer")
	for _, desired := range desc.Objects() {
		kind := desired.GetObjectKind().GroupVersionKind().Kind
		op, err := backoff.Retry(ctx, func() (controllerutil.OperationResult, error) {
			res, err := d.apply(ctx, desired)
			if apierrors.IsInvalid(err) || apierrors.IsForbidden(err) || apierrors.IsBadRequest(err) {
				return res, backoff.Permanent(err)
			}
			return res, err
		},
			backoff.WithBackOff(d.backOff()),
			backoff.WithMaxTries(d.retries),
			backoff.WithNotify(func(err error, next time.Duration) {
				log.Info("Apply failed; retrying", "kind", kind, "name", desired.GetName(), "in", next, "error", err.Error())
			}),
		)
		if err != nil {
			return errdefs.Infrastructure(err, "applying %s %s/%s", kind, desired.GetNamespace(), desired.GetName())
		}
		log.Info("Applied", "kind", kind, "namespace", desired.GetNamespace(), "name", desired.GetName(), "operation", op)
	}
	return nil
}

func (d *Deployer) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.interval
	return b
}

// apply upserts one object. The mutate function copies the desired spec
// and labels onto whatever the cluster holds.
func (d *Deployer) apply(ctx context.Context, desired client.Object) (controllerutil.OperationResult, error) {
	switch want := desired.(type) {
	case *appsv1.Deployment:
		obj := &appsv1.Deployment{ObjectMeta: metaOf(want)}
		return controllerutil.CreateOrUpdate(ctx, d.client, obj, func() error {
			mergeLabels(obj, want.Labels)
			obj.Spec = *want.Spec.DeepCopy()
			return nil
		})
	case *corev1.Service:
		obj := &corev1.Service{ObjectMeta: metaOf(want)}
		return controllerutil.CreateOrUpdate(ctx, d.client, obj, func() error {
			mergeLabels(obj, want.Labels)
			// keep the allocated cluster IP
			clusterIP, clusterIPs := obj.Spec.ClusterIP, obj.Spec.ClusterIPs
			obj.Spec = *want.Spec.DeepCopy()
			obj.Spec.ClusterIP, obj.Spec.ClusterIPs = clusterIP, clusterIPs
			return nil
		})
	case *monitoringv1.ServiceMonitor:
		obj := &monitoringv1.ServiceMonitor{ObjectMeta: metaOf(want)}
		return controllerutil.CreateOrUpdate(ctx, d.client, obj, func() error {
			mergeLabels(obj, want.Labels)
			obj.Spec = *want.Spec.DeepCopy()
			return nil
		})
	default:
		return controllerutil.OperationResultNone, backoff.Permanent(fmt.Errorf("unsupported object %T", desired))
	}
}

func metaOf(obj client.Object) metav1.ObjectMeta {
	return metav1.ObjectMeta{Name: obj.GetName(), Namespace: obj.GetNamespace()}
}

func mergeLabels(obj client.Object, labels map[string]string) {
	merged := obj.GetLabels()
	if merged == nil {
		merged = make(map[string]string, len(labels))
	}
	for k, v := range labels {
		merged[k] = v
	}
	obj.SetLabels(merged)
}
