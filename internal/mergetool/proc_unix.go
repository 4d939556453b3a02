//go:build unix

package mergetool

import (
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// configure puts cmd in its own process group. On context end the group gets
// SIGTERM, then SIGKILL after grace unless the process has exited. The
// returned func must be called once Wait has returned.
func configure(cmd *exec.Cmd, grace time.Duration) (exited func()) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var (
		mu   sync.Mutex
		done bool
	)
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		_ = syscall.Kill(pgid, syscall.SIGTERM)
		time.AfterFunc(grace, func() {
			mu.Lock()
			defer mu.Unlock()
			if !done {
				_ = syscall.Kill(pgid, syscall.SIGKILL)
			}
		})
		return nil
	}
	cmd.WaitDelay = grace + time.Second

	return func() {
		mu.Lock()
		done = true
		mu.Unlock()
	}
}
