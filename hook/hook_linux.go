// Package hook implements the stand-in executed by the OS in place of the
// real process-spawning server binary. It classifies the current invocation
// and either requests a plain replacement image through a detached relay
// helper, or performs the full injection setup handshake with the privileged
// daemon. Every failure on the zygote path degrades to re-executing the
// unmodified original program, the stand-in never prevents a process from
// starting.
package hook

import (
	"strconv"

	"github.com/criyle/go-zygisk/daemon"
	"github.com/criyle/go-zygisk/pkg/envfilter"
)

const (
	zygoteArg   = "--zygote"
	zygoteLabel = "u:r:zygote:s0"
	initLabel   = "u:r:init:s0"
	preloadEnv  = "LD_PRELOAD"
)

// TmpDirEnv carries the daemon's temporary-directory path into the
// replacement image
const TmpDirEnv = "ZYGISK_TMP"

// DefaultHelperCommand is the daemon binary spawned for the passthrough
// relay, resolved through PATH
const DefaultHelperCommand = "zygiskd"

const is64Bit = strconv.IntSize == 64

// Client drives the stand-in state machine for one invocation. Args and Env
// are the original argument vector and environment, both are left untouched
// on every path except the successful setup exec.
type Client struct {
	Args []string
	Env  []string

	// Connect opens a channel to the privileged daemon, nil uses
	// daemon.Connect
	Connect daemon.ConnectFunc

	// Filter sanitizes the environment before the setup exec, nil uses the
	// default bounds and unsafe-name list
	Filter *envfilter.Filter

	// HelperCommand is the binary spawned as the passthrough relay
	HelperCommand string

	classify    func() bool
	spawnHelper spawnFunc
	relabel     func(label string) error
	execFd      func(fd int, argv, env []string) error
	execPath    func(path string, argv, env []string) error
}

// New creates a client for the given original argument vector and
// environment
func New(args, env []string) *Client {
	c := &Client{
		Args:          args,
		Env:           env,
		HelperCommand: DefaultHelperCommand,
	}
	c.classify = func() bool { return isZygote(c.Args) }
	c.spawnHelper = c.startHelper
	c.relabel = writeLabel
	c.execFd = execImageFd
	c.execPath = execImagePath
	return c
}

// Run executes the state machine. It only returns on failure: every
// successful path replaces the process image.
func (c *Client) Run() error {
	if !c.classify() {
		return c.passthrough()
	}
	if err := c.setup(); err != nil {
		return c.fallback()
	}
	return nil
}
