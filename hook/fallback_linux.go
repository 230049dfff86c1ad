package hook

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var procSelfExe = "/proc/self/exe"

// fallback re-execs the unmodified original executable with the original
// argument vector and environment. It resolves the underlying binary from
// this process's own image and lazily detaches any overlay mounted over it,
// guaranteeing the process still starts when injection failed. It only
// returns if the final exec itself fails.
func (c *Client) fallback() error {
	path, err := os.Readlink(procSelfExe)
	if err != nil {
		return fmt.Errorf("hook: resolve original executable: %v", err)
	}
	// best effort, there may be no overlay left to detach
	unix.Unmount(procSelfExe, unix.MNT_DETACH)
	if err := c.execPath(path, c.Args, c.Env); err != nil {
		return fmt.Errorf("hook: exec original executable: %v", err)
	}
	return nil
}
