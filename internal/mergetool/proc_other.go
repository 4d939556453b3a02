//go:build !unix

package mergetool

import (
	"os/exec"
	"time"
)

func configure(cmd *exec.Cmd, grace time.Duration) (exited func()) {
	cmd.WaitDelay = grace
	return func() {}
}
