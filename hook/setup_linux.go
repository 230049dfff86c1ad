package hook

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/criyle/go-zygisk/daemon"
	"github.com/criyle/go-zygisk/pkg/envfilter"
	"github.com/criyle/go-zygisk/pkg/memfd"
	"golang.org/x/sys/unix"
)

// setup performs the full injection handshake for the zygote invocation:
// receive the loader and replacement image, mutate a copy of the
// environment, transition the security label and replace the process image.
// Any error leaves the original Args and Env untouched for the fallback.
func (c *Client) setup() error {
	connect := c.Connect
	if connect == nil {
		connect = daemon.Connect
	}
	s, err := connect(daemon.Setup)
	if err != nil {
		return fmt.Errorf("hook: %v", err)
	}
	defer s.Close()

	status, err := s.ReadInt()
	if err != nil {
		return fmt.Errorf("hook: setup ack: %v", err)
	}
	if status != 0 {
		return fmt.Errorf("hook: setup rejected with status %d", status)
	}

	loader, err := s.ReadBytes()
	if err != nil {
		return fmt.Errorf("hook: receive loader: %v", err)
	}
	appFd, err := s.RecvFd()
	if err != nil {
		return fmt.Errorf("hook: receive replacement image: %v", err)
	}
	tmp, err := s.ReadString()
	if err != nil {
		unix.Close(appFd)
		return fmt.Errorf("hook: receive tmp path: %v", err)
	}

	loaderFile, loaderPath, err := installLoader(loader)
	if err != nil {
		unix.Close(appFd)
		return err
	}

	env := appendPreload(c.Env, loaderPath)
	env = setEnvEntry(env, TmpDirEnv, tmp)

	if err := c.relabel(initLabel); err != nil {
		loaderFile.Close()
		unix.Close(appFd)
		return fmt.Errorf("hook: relabel: %v", err)
	}

	// this process just crossed a security transition, apply the same
	// environment hardening the loader would for a setuid exec
	filter := c.Filter
	if filter == nil {
		filter = &envfilter.Filter{}
	}
	env = filter.Sanitize(env)

	if err := c.execFd(appFd, c.Args, env); err != nil {
		loaderFile.Close()
		unix.Close(appFd)
		return fmt.Errorf("hook: exec replacement image: %v", err)
	}
	return nil
}

// installLoader stages the received loader bytes into a sealed memfd that
// survives exec, so the preload entry can reference it without any on-disk
// footprint
func installLoader(b []byte) (*os.File, string, error) {
	f, err := memfd.DupToMemfd("zygisk-ld", bytes.NewReader(b))
	if err != nil {
		return nil, "", fmt.Errorf("hook: install loader: %v", err)
	}
	if err := memfd.ClearCloexec(f); err != nil {
		f.Close()
		return nil, "", fmt.Errorf("hook: install loader: %v", err)
	}
	return f, fmt.Sprintf("/proc/self/fd/%d", f.Fd()), nil
}

// appendPreload returns a copy of env with path appended to the preload
// entry, creating the entry if absent
func appendPreload(env []string, path string) []string {
	out := make([]string, len(env))
	copy(out, env)
	for i, e := range out {
		if strings.HasPrefix(e, preloadEnv+"=") {
			out[i] = e + ":" + path
			return out
		}
	}
	return append(out, preloadEnv+"="+path)
}

// setEnvEntry returns env with NAME=value replaced or appended
func setEnvEntry(env []string, name, value string) []string {
	entry := name + "=" + value
	for i, e := range env {
		if strings.HasPrefix(e, name+"=") {
			env[i] = entry
			return env
		}
	}
	return append(env, entry)
}
