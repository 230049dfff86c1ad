package companion

import (
	"fmt"

	libseccomp "github.com/elastic/go-seccomp-bpf"
)

// relay helper runs in the caller's context with an inherited descriptor,
// its only job is to move one status integer and one fd
var relayAllows = []string{
	"read", "write", "readv", "writev", "recvfrom", "sendto",
	"recvmsg", "sendmsg", "socket", "connect", "close", "shutdown",
	"fcntl", "fstat", "getsockopt", "setsockopt",
	"poll", "ppoll", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
	"mmap", "munmap", "mprotect", "madvise", "brk",
	"futex", "nanosleep", "clock_gettime", "clock_nanosleep", "sched_yield",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	"getpid", "gettid", "getuid", "getrandom", "restart_syscall",
	"tgkill", "exit", "exit_group",
}

// RelayGuard installs a no-new-privs syscall allowlist for the passthrough
// relay process before it speaks to the privileged router
func RelayGuard() error {
	filter := libseccomp.Filter{
		NoNewPrivs: true,
		Flag:       libseccomp.FilterFlagTSync,
		Policy: libseccomp.Policy{
			DefaultAction: libseccomp.ActionErrno,
			Syscalls: []libseccomp.SyscallGroup{
				{
					Action: libseccomp.ActionAllow,
					Names:  relayAllows,
				},
			},
		},
	}
	if err := libseccomp.LoadFilter(filter); err != nil {
		return fmt.Errorf("relay guard: %v", err)
	}
	return nil
}
