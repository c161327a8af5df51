//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
)

var _ = Describe("demo program", Ordered, func() {
	var work string

	BeforeAll(func() {
		work = GinkgoT().TempDir()
	})

	It("should list its routes", func() {
		out, err := demo(work, "routes")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(MatchRegexp(`GET\s+/embedder/version`))
		Expect(out).To(MatchRegexp(`POST\s+/embedder/embed\s+Embedder.Embed\s+sentence:string`))
		Expect(out).To(MatchRegexp(`POST\s+/ranker/rank\s+Ranker.Rank\s+query:string, candidates:array, limit:integer\?`))
	})

	It("should exit with code 2 on a broken overrides file", func() {
		overrides := filepath.Join(work, "broken.yaml")
		Expect(os.WriteFile(overrides, []byte("ranker:\n  service: ranker\n  replicas: 0\n"), 0o644)).To(Succeed())
		_, err := demo(work, "routes", "--overrides", overrides)
		var exitErr *exec.ExitError
		Expect(err).To(BeAssignableToTypeOf(exitErr))
		Expect(err.(*exec.ExitError).ExitCode()).To(Equal(2))
	})

	It("should write and list service manifests", func() {
		_, err := demo(work, "create")
		Expect(err).NotTo(HaveOccurred())
		out, err := demo(work, "show-config")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(MatchRegexp(`embedder\s+service\s+2\s+A40:1`))
		Expect(out).To(MatchRegexp(`ranker\s+service\s+1\s+-`))
	})

	It("should serve with one worker process per replica", func() {
		port := freePort()
		cmd := exec.Command(demoBinary, "server", "--host", "127.0.0.1", "--port", strconv.Itoa(port))
		cmd.Dir = work
		cmd.Stdout = GinkgoWriter
		cmd.Stderr = GinkgoWriter
		Expect(cmd.Start()).To(Succeed())
		DeferCleanup(func() {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			done := make(chan error, 1)
			go func() { done <- cmd.Wait() }()
			Eventually(done, 30*time.Second).Should(Receive())
		})

		base := fmt.Sprintf("http://127.0.0.1:%d", port)
		Eventually(func(g Gomega) {
			resp, err := http.Get(base + "/healthz")
			g.Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			g.Expect(resp.StatusCode).To(Equal(http.StatusOK))
		}, 30*time.Second, 200*time.Millisecond).Should(Succeed())

		resp, err := http.Get(base + "/embedder/version")
		Expect(err).NotTo(HaveOccurred())
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		Expect(string(body)).To(Equal(`"demo-1"`))

		resp, err = http.Post(base+"/ranker/rank", "application/json",
			strings.NewReader(`{"query":"red apple","candidates":["red apple pie","blue sky","green"],"limit":1}`))
		Expect(err).NotTo(HaveOccurred())
		var ranked []struct {
			Text string `json:"text"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&ranked)).To(Succeed())
		_ = resp.Body.Close()
		Expect(ranked).To(HaveLen(1))
		Expect(ranked[0].Text).To(Equal("red apple pie"))

		resp, err = http.Post(base+"/embedder/embed", "application/json", strings.NewReader(`{}`))
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
	})

	It("should build a descriptor and deploy it", func() {
		if !withCluster {
			Skip("E2E_CLUSTER is not set")
		}
		registry, tag, _ := strings.Cut(clusterImg, ":")
		app := filepath.Base(registry)
		registry = strings.TrimSuffix(strings.TrimSuffix(registry, app), "/")
		args := []string{"build", "--app-name", app, "--skip-image", "--deploy", "--namespace", namespace}
		if tag != "" {
			args = append(args, "--tag", tag)
		}
		if registry != "" {
			args = append(args, "--registry", registry)
		}
		_, err := demo(work, args...)
		Expect(err).NotTo(HaveOccurred())

		cfg, err := ctrl.GetConfig()
		Expect(err).NotTo(HaveOccurred())
		k8sClient, err := kubernetes.NewForConfig(cfg)
		Expect(err).NotTo(HaveOccurred())

		for _, name := range []string{"embedder", "ranker"} {
			By("waiting for deployment " + name)
			Eventually(func(g Gomega) {
				d, err := k8sClient.AppsV1().Deployments(namespace).Get(context.Background(), name, metav1.GetOptions{})
				g.Expect(err).NotTo(HaveOccurred())
				g.Expect(d.Spec.Template.Spec.Containers[0].Image).To(Equal(clusterImg))
				g.Expect(d.Labels).To(HaveKeyWithValue("app.kubernetes.io/managed-by", "okik"))
			}, 2*time.Minute, time.Second).Should(Succeed())
		}
	})
})
