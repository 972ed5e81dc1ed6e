//go:build windows

package hostbrowser

import "os/exec"

// terminate kills the browser process. Windows has no SIGTERM equivalent for
// GUI processes without a console.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
