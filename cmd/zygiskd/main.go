// Command zygiskd is the per-architecture companion process. It is only
// ever invoked internally on an already-open descriptor:
//
//	zygiskd companion <fd>
//	zygiskd passthrough <fd> <is-64-bit>
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/criyle/go-zygisk/companion"
)

func main() {
	switch {
	case len(os.Args) == 3 && os.Args[1] == "companion":
		runCompanion(os.Args[2])

	case len(os.Args) == 4 && os.Args[1] == "passthrough":
		runPassthrough(os.Args[2], os.Args[3])

	default:
		fmt.Fprintf(os.Stderr, "usage: %s companion <fd> | passthrough <fd> <is-64-bit>\n", os.Args[0])
		os.Exit(2)
	}
}

func runCompanion(fdArg string) {
	fd, err := strconv.Atoi(fdArg)
	if err != nil {
		die("companion: invalid fd %q", fdArg)
	}
	// must run as the privileged user with a valid control channel
	if os.Getuid() != 0 {
		die("companion: must run as root")
	}
	d, err := companion.New(fd, nil)
	if err != nil {
		die("%v", err)
	}
	if err := d.LoadModules(); err != nil {
		die("%v", err)
	}
	// the control channel broke, the supervisor is shutting down
	d.Serve()
	os.Exit(0)
}

func runPassthrough(fdArg, is64Arg string) {
	fd, err := strconv.Atoi(fdArg)
	if err != nil {
		die("passthrough: invalid fd %q", fdArg)
	}
	is64 := is64Arg == "1"

	// this process runs in the caller's context, restrict it to relaying
	if err := companion.RelayGuard(); err != nil {
		fmt.Fprintf(os.Stderr, "zygiskd: %v\n", err)
	}
	if err := companion.Passthrough(fd, is64, nil); err != nil {
		die("%v", err)
	}
}

func die(format string, v ...interface{}) {
	fmt.Fprintf(os.Stderr, "zygiskd: "+format+"\n", v...)
	os.Exit(1)
}
