package hook

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// execImageFd replaces the current process image with the image reachable
// only through the open descriptor, equivalent to fexecve. It only returns
// on failure.
func execImageFd(fd int, argv, env []string) error {
	argvp, err := syscall.SlicePtrFromStrings(argv)
	if err != nil {
		return fmt.Errorf("execveat: %v", err)
	}
	envp, err := syscall.SlicePtrFromStrings(env)
	if err != nil {
		return fmt.Errorf("execveat: %v", err)
	}
	empty, err := syscall.BytePtrFromString("")
	if err != nil {
		return fmt.Errorf("execveat: %v", err)
	}
	_, _, errno := syscall.Syscall6(unix.SYS_EXECVEAT, uintptr(fd),
		uintptr(unsafe.Pointer(empty)),
		uintptr(unsafe.Pointer(&argvp[0])),
		uintptr(unsafe.Pointer(&envp[0])),
		uintptr(unix.AT_EMPTY_PATH), 0)
	return fmt.Errorf("execveat: %v", errno)
}

// execImagePath replaces the current process image from a filesystem path.
// It only returns on failure.
func execImagePath(path string, argv, env []string) error {
	return syscall.Exec(path, argv, env)
}
