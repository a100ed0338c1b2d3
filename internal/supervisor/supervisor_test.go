//go:build !windows

package supervisor_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tradelab/paramopt/internal/supervisor"
)

var _ = Describe("worker pool", func() {
	var sup *supervisor.Supervisor

	BeforeEach(func() {
		sup = nil
		sleep, err := exec.LookPath("sleep")
		if err != nil {
			Skip("sleep binary not available")
		}
		sup = supervisor.New(supervisor.Spec{Command: sleep, Args: []string{"60"}}, 2, 200*time.Millisecond)
	})

	AfterEach(func() {
		if sup != nil {
			sup.Stop()
		}
	})

	It("refuses to restart before start", func() {
		Expect(errors.Is(sup.Restart(context.TODO()), supervisor.ErrNotStarted)).To(BeTrue())
	})

	It("passes the inherited environment once plus the extra variables", func() {
		sh, err := exec.LookPath("sh")
		if err != nil {
			Skip("sh binary not available")
		}
		out := filepath.Join(GinkgoT().TempDir(), "env")
		sup = supervisor.New(supervisor.Spec{
			Command: sh,
			Args:    []string{"-c", "env > \"$ENV_OUT.tmp\" && mv \"$ENV_OUT.tmp\" \"$ENV_OUT\"; exec sleep 60"},
			Env:     []string{"ENV_OUT=" + out, "PARAMOPT_WORKER_MARKER=1"},
		}, 1, 200*time.Millisecond)
		Expect(sup.Start(context.TODO())).To(Succeed())

		var env []string
		Eventually(func() error {
			raw, err := os.ReadFile(out)
			env = strings.Split(strings.TrimSpace(string(raw)), "\n")
			return err
		}, 5*time.Second, 50*time.Millisecond).Should(Succeed())

		Expect(env).To(ContainElement("PARAMOPT_WORKER_MARKER=1"))
		seen := map[string]int{}
		for _, kv := range env {
			if key, _, ok := strings.Cut(kv, "="); ok {
				seen[key]++
			}
		}
		Expect(seen).To(HaveKeyWithValue("ENV_OUT", 1))
		if _, ok := os.LookupEnv("PATH"); ok {
			Expect(seen).To(HaveKeyWithValue("PATH", 1))
		}
	})

	It("starts the configured number of workers", func() {
		Expect(sup.Start(context.TODO())).To(Succeed())
		Expect(sup.PIDs()).To(HaveLen(2))
	})

	It("respawns a worker that exits", func() {
		Expect(sup.Start(context.TODO())).To(Succeed())
		pids := sup.PIDs()
		Expect(syscall.Kill(pids[0], syscall.SIGKILL)).To(Succeed())

		Eventually(sup.PIDs, 5*time.Second, 50*time.Millisecond).Should(And(HaveLen(2), Not(ContainElement(pids[0]))))
	})

	It("replaces every worker on restart", func() {
		Expect(sup.Start(context.TODO())).To(Succeed())
		before := sup.PIDs()

		ctx, cancel := context.WithTimeout(context.TODO(), 5*time.Second)
		defer cancel()
		Expect(sup.Restart(ctx)).To(Succeed())

		after := sup.PIDs()
		Expect(after).To(HaveLen(2))
		for _, pid := range before {
			Expect(after).NotTo(ContainElement(pid))
		}
	})
})
