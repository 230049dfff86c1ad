package hook

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/criyle/go-zygisk/pkg/unixsocket"
)

type spawnFunc func(child *os.File, is64 bool) error

// passthrough obtains a plain replacement image for a non-zygote caller and
// re-execs it directly, leaving argv and environment untouched. The daemon
// is reached through a detached helper because the caller's security context
// may not connect to it directly. Failure here is loud, there is nothing to
// inject and no image to fall back to beyond the one already denied.
func (c *Client) passthrough() error {
	ins, outs, err := unixsocket.NewSocketPair()
	if err != nil {
		return fmt.Errorf("hook: %v", err)
	}
	defer ins.Close()

	// the child end has to survive into the helper
	childFile, err := outs.File()
	outs.Close()
	if err != nil {
		return fmt.Errorf("hook: dup helper socket: %v", err)
	}
	if err := c.spawnHelper(childFile, is64Bit); err != nil {
		childFile.Close()
		return fmt.Errorf("hook: %v", err)
	}
	childFile.Close()

	status, err := ins.ReadInt()
	if err != nil {
		return fmt.Errorf("hook: read relay status: %v", err)
	}
	if status != 0 {
		return fmt.Errorf("hook: failed to connect daemon, try umount %s or reboot", c.exeName())
	}
	fd, err := ins.RecvFd()
	if err != nil {
		return fmt.Errorf("hook: %v", err)
	}
	if err := c.execFd(fd, c.Args, c.Env); err != nil {
		return fmt.Errorf("hook: exec replacement image: %v", err)
	}
	return nil
}

// startHelper spawns the detached passthrough relay with the child socket
// end passed as fd 3. The helper is released, never waited on.
func (c *Client) startHelper(child *os.File, is64 bool) error {
	arg64 := "0"
	if is64 {
		arg64 = "1"
	}
	cmd := exec.Command(c.HelperCommand, "passthrough", "3", arg64)
	cmd.ExtraFiles = []*os.File{child}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn relay: %v", err)
	}
	return cmd.Process.Release()
}

func (c *Client) exeName() string {
	if len(c.Args) > 0 {
		return c.Args[0]
	}
	return "app_process"
}
