package deploy

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	monitoringv1 "github.com/prometheus-operator/prometheus-operator/pkg/apis/monitoring/v1"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/okikorg/okik/pkg/errdefs"
)

var _ = Describe("Deployer", func() {
	var (
		ctx  context.Context
		desc *Descriptor
	)

	BeforeEach(func() {
		ctx = context.Background()
		cfg := deployConfig()
		cfg.ServiceMonitor = true
		var err error
		desc, err = NewBuilder(buildConfig(), cfg).Build(ctx, twoServices(), "demo:v1")
		Expect(err).NotTo(HaveOccurred())
	})

	newDeployer := func(c client.Client) *Deployer {
		d := NewDeployer(c, 3)
		d.interval = time.Millisecond
		return d
	}

	It("should create every object of the descriptor", func() {
		c := fake.NewClientBuilder().WithScheme(Scheme).Build()
		Expect(newDeployer(c).Apply(ctx, desc)).To(Succeed())

		var deployments appsv1.DeploymentList
		Expect(c.List(ctx, &deployments, client.InNamespace("inference"))).To(Succeed())
		Expect(deployments.Items).To(HaveLen(2))

		var a appsv1.Deployment
		Expect(c.Get(ctx, client.ObjectKey{Namespace: "inference", Name: "a"}, &a)).To(Succeed())
		Expect(*a.Spec.Replicas).To(BeEquivalentTo(2))

		var sm monitoringv1.ServiceMonitor
		Expect(c.Get(ctx, client.ObjectKey{Namespace: "inference", Name: "b"}, &sm)).To(Succeed())
	})

	It("should update existing objects and keep foreign labels and cluster IPs", func() {
		existing := &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "a", Namespace: "inference", Labels: map[string]string{"team": "search"}},
			Spec:       corev1.ServiceSpec{ClusterIP: "10.0.0.7", ClusterIPs: []string{"10.0.0.7"}},
		}
		stale := &appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Name: "a", Namespace: "inference"},
			Spec:       appsv1.DeploymentSpec{Replicas: ptr.To[int32](9)},
		}
		c := fake.NewClientBuilder().WithScheme(Scheme).WithObjects(existing, stale).Build()
		Expect(newDeployer(c).Apply(ctx, desc)).To(Succeed())

		var svc corev1.Service
		Expect(c.Get(ctx, client.ObjectKey{Namespace: "inference", Name: "a"}, &svc)).To(Succeed())
		Expect(svc.Spec.ClusterIP).To(Equal("10.0.0.7"))
		Expect(svc.Labels).To(HaveKeyWithValue("team", "search"))
		Expect(svc.Labels).To(HaveKeyWithValue(LabelManagedBy, "okik"))

		var dep appsv1.Deployment
		Expect(c.Get(ctx, client.ObjectKey{Namespace: "inference", Name: "a"}, &dep)).To(Succeed())
		Expect(*dep.Spec.Replicas).To(BeEquivalentTo(2))
	})

	It("should retry transient failures", func() {
		var calls atomic.Int32
		c := fake.NewClientBuilder().WithScheme(Scheme).WithInterceptorFuncs(interceptor.Funcs{
			Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
				if _, ok := obj.(*appsv1.Deployment); ok && calls.Add(1) == 1 {
					return apierrors.NewServerTimeout(schema.GroupResource{Group: "apps", Resource: "deployments"}, "create", 1)
				}
				return c.Create(ctx, obj, opts...)
			},
		}).Build()

		Expect(newDeployer(c).Apply(ctx, desc)).To(Succeed())
		Expect(calls.Load()).To(BeEquivalentTo(3))
	})

	It("should not retry forbidden objects", func() {
		var calls atomic.Int32
		c := fake.NewClientBuilder().WithScheme(Scheme).WithInterceptorFuncs(interceptor.Funcs{
			Create: func(ctx context.Context, c client.WithWatch, obj client.Object, opts ...client.CreateOption) error {
				calls.Add(1)
				return apierrors.NewForbidden(schema.GroupResource{Group: "apps", Resource: "deployments"}, obj.GetName(), errors.New("quota"))
			},
		}).Build()

		err := newDeployer(c).Apply(ctx, desc)
		Expect(err).To(MatchError(errdefs.ErrInfrastructure))
		Expect(err.Error()).To(ContainSubstring("Deployment inference/a"))
		Expect(calls.Load()).To(BeEquivalentTo(1))
	})

	It("should give up after the configured attempts", func() {
		var calls atomic.Int32
		c := fake.NewClientBuilder().WithScheme(Scheme).WithInterceptorFuncs(interceptor.Funcs{
			Get: func(ctx context.Context, c client.WithWatch, key client.ObjectKey, obj client.Object, opts ...client.GetOption) error {
				calls.Add(1)
				return apierrors.NewServiceUnavailable("apiserver restarting")
			},
		}).Build()

		Expect(newDeployer(c).Apply(ctx, desc)).To(MatchError(errdefs.ErrInfrastructure))
		Expect(calls.Load()).To(BeEquivalentTo(3))
	})
})
