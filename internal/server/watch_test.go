package server

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Watcher", func() {
	var (
		dir     string
		reloads atomic.Int32
		cancel  context.CancelFunc
		done    chan error
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		reloads.Store(0)
		Expect(os.MkdirAll(filepath.Join(dir, "pkg", "embed"), 0o755)).To(Succeed())
		Expect(os.MkdirAll(filepath.Join(dir, ".git"), 0o755)).To(Succeed())
	})

	start := func(overrides string) {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		w := NewWatcher([]string{dir}, overrides, 50*time.Millisecond, func(context.Context) error {
			reloads.Add(1)
			return nil
		})
		done = make(chan error, 1)
		go func() { done <- w.Run(ctx) }()
		// let the watches register
		time.Sleep(100 * time.Millisecond)
	}

	AfterEach(func() {
		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})

	It("should reload once after a burst of writes", func() {
		start("")
		for i := range 5 {
			Expect(os.WriteFile(filepath.Join(dir, "pkg", "embed", "embed.go"), []byte{byte('a' + i)}, 0o644)).To(Succeed())
		}
		Eventually(reloads.Load).Should(BeEquivalentTo(1))
		Consistently(reloads.Load, 200*time.Millisecond).Should(BeEquivalentTo(1))
	})

	It("should ignore hidden directories and files", func() {
		start("")
		Expect(os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("x"), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, ".swap"), []byte("x"), 0o644)).To(Succeed())
		Consistently(reloads.Load, 300*time.Millisecond).Should(BeZero())
	})

	It("should pick up an overrides file created after start", func() {
		outside := GinkgoT().TempDir()
		overrides := filepath.Join(outside, "okik.services.yaml")
		start(overrides)
		Expect(os.WriteFile(overrides, []byte("default:\n  replicas: 2\n"), 0o644)).To(Succeed())
		Eventually(reloads.Load).Should(BeNumerically(">=", 1))
	})

	It("should watch directories created after start", func() {
		start("")
		sub := filepath.Join(dir, "pkg", "rank")
		Expect(os.Mkdir(sub, 0o755)).To(Succeed())
		Eventually(reloads.Load).Should(BeEquivalentTo(1))

		Expect(os.WriteFile(filepath.Join(sub, "rank.go"), []byte("package rank"), 0o644)).To(Succeed())
		Eventually(reloads.Load).Should(BeEquivalentTo(2))
	})
})

var _ = Describe("skipDir", func() {
	DescribeTable("classifies directories",
		func(path string, skip bool) {
			Expect(skipDir(path)).To(Equal(skip))
		},
		Entry("source", "pkg/embed", false),
		Entry("vendor", "vendor", true),
		Entry("hidden", ".okik", true),
		Entry("current", ".", false),
	)
})
