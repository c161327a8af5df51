package deploy

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"sigs.k8s.io/yaml"

	"github.com/okikorg/okik/pkg/errdefs"
	"github.com/okikorg/okik/pkg/service"
)

var _ = Describe("Builder", func() {
	var (
		ctx     context.Context
		builder *Builder
	)

	BeforeEach(func() {
		ctx = context.Background()
		builder = NewBuilder(buildConfig(), deployConfig())
	})

	It("should emit one workload per service with its replica count", func() {
		desc, err := builder.Build(ctx, twoServices(), "registry.local/demo:v1")
		Expect(err).NotTo(HaveOccurred())
		Expect(desc.Workloads).To(HaveLen(2))

		a, ok := desc.Workload("a")
		Expect(ok).To(BeTrue())
		Expect(a.Replicas).To(BeEquivalentTo(2))
		Expect(*a.Deployment.Spec.Replicas).To(BeEquivalentTo(2))

		b, ok := desc.Workload("b")
		Expect(ok).To(BeTrue())
		Expect(b.Replicas).To(BeEquivalentTo(1))
		Expect(*b.Deployment.Spec.Replicas).To(BeEquivalentTo(1))
	})

	It("should translate the accelerator request of A only", func() {
		desc, err := builder.Build(ctx, twoServices(), "registry.local/demo:v1")
		Expect(err).NotTo(HaveOccurred())

		a, _ := desc.Workload("a")
		limits := a.Deployment.Spec.Template.Spec.Containers[0].Resources.Limits
		Expect(limits).To(HaveKey(corev1.ResourceName("nvidia.com/gpu")))
		gpus := limits[corev1.ResourceName("nvidia.com/gpu")]
		Expect(gpus.Value()).To(BeEquivalentTo(1))

		b, _ := desc.Workload("b")
		Expect(b.Requirements.Empty()).To(BeTrue())
		Expect(b.Deployment.Spec.Template.Spec.Containers[0].Resources.Limits).To(BeEmpty())
	})

	It("should select nodes by device class", func() {
		reg := twoServices(service.Accelerator("cuda", "A40", 2))
		desc, err := builder.Build(ctx, reg, "demo:v1")
		Expect(err).NotTo(HaveOccurred())

		a, _ := desc.Workload("a")
		Expect(a.Deployment.Spec.Template.Spec.NodeSelector).To(HaveKeyWithValue("okik.io/device", "A40"))
	})

	It("should fail with a configuration error for an unknown accelerator type", func() {
		reg := twoServices(service.Accelerator("quantum", "", 1))
		_, err := builder.Build(ctx, reg, "demo:v1")
		Expect(errdefs.IsConfiguration(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("quantum"))
	})

	It("should fail for a resource kind that has no translation", func() {
		service.RegisterResourceKind("qpu")
		reg := twoServices(service.Resource("qpu", service.ResourceRequest{Count: 1}))
		_, err := builder.Build(ctx, reg, "demo:v1")
		Expect(errdefs.IsConfiguration(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("qpu"))
	})

	It("should accept rules registered for new kinds", func() {
		service.RegisterResourceKind("qpu")
		builder.Translator().Register("qpu", func(_ *Translator, _ string, req service.ResourceRequest, out *Requirements) error {
			out.set("example.com/qpu", *resource.NewQuantity(int64(req.Count), resource.DecimalSI))
			return nil
		})
		reg := twoServices(service.Resource("qpu", service.ResourceRequest{Count: 3}))
		desc, err := builder.Build(ctx, reg, "demo:v1")
		Expect(err).NotTo(HaveOccurred())
		a, _ := desc.Workload("a")
		Expect(a.Requirements.Resources.Limits).To(HaveKey(corev1.ResourceName("example.com/qpu")))
	})

	It("should refuse an empty image reference", func() {
		_, err := builder.Build(ctx, twoServices(), "")
		Expect(errdefs.IsConfiguration(err)).To(BeTrue())
	})

	It("should surface registry errors", func() {
		reg := service.NewRegistry()
		_, _ = reg.RegisterService(reflect.TypeFor[A](), service.Replicas(0))
		reg.Freeze()
		_, err := builder.Build(ctx, reg, "demo:v1")
		Expect(errdefs.IsConfiguration(err)).To(BeTrue())
	})

	It("should wire the workload to serve only its own service", func() {
		desc, err := builder.Build(ctx, twoServices(), "demo:v1")
		Expect(err).NotTo(HaveOccurred())
		a, _ := desc.Workload("a")

		container := a.Deployment.Spec.Template.Spec.Containers[0]
		Expect(container.Image).To(Equal("demo:v1"))
		Expect(container.Env).To(ContainElement(corev1.EnvVar{Name: "OKIK_SERVER_LOCALSERVICES", Value: "a"}))
		Expect(container.Ports[0].ContainerPort).To(BeEquivalentTo(3000))
		Expect(a.Service.Spec.Selector).To(Equal(a.Deployment.Spec.Selector.MatchLabels))
		Expect(a.Deployment.Namespace).To(Equal("inference"))
		Expect(a.Deployment.Labels).To(HaveKeyWithValue(LabelManagedBy, "okik"))
	})

	Context("with service monitors enabled", func() {
		BeforeEach(func() {
			cfg := deployConfig()
			cfg.ServiceMonitor = true
			builder = NewBuilder(buildConfig(), cfg)
		})

		It("should add a ServiceMonitor per workload", func() {
			desc, err := builder.Build(ctx, twoServices(), "demo:v1")
			Expect(err).NotTo(HaveOccurred())
			Expect(desc.Objects()).To(HaveLen(6))

			a, _ := desc.Workload("a")
			Expect(a.ServiceMonitor).NotTo(BeNil())
			Expect(a.ServiceMonitor.Spec.Endpoints[0].Path).To(Equal("/metrics"))
		})
	})

	Describe("rendering", func() {
		It("should write a multi-document YAML stream", func() {
			desc, err := builder.Build(ctx, twoServices(), "demo:v1")
			Expect(err).NotTo(HaveOccurred())

			var buf bytes.Buffer
			Expect(desc.Render(&buf)).To(Succeed())
			docs := strings.Split(buf.String(), "---\n")
			Expect(docs).To(HaveLen(4))

			var first map[string]any
			Expect(yaml.Unmarshal([]byte(docs[0]), &first)).To(Succeed())
			Expect(first).To(HaveKeyWithValue("kind", "Deployment"))
			Expect(first).To(HaveKeyWithValue("apiVersion", "apps/v1"))
			Expect(docs[1]).To(ContainSubstring("kind: Service"))
		})

		It("should write the descriptor file", func() {
			desc, err := builder.Build(ctx, twoServices(), "demo:v1")
			Expect(err).NotTo(HaveOccurred())

			dir := GinkgoT().TempDir()
			path, err := desc.WriteFile(dir)
			Expect(err).NotTo(HaveOccurred())
			Expect(path).To(Equal(filepath.Join(dir, "demo.yaml")))
			data, err := os.ReadFile(path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(ContainSubstring("nvidia.com/gpu"))
		})
	})
})
