//go:build unix

package host

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// killProcessGroup starts c in its own process group and makes
// cancellation kill the whole group, not only c itself.
func killProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		err := syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}
