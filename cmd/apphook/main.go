// Command apphook stands in for the real app_process binary. It receives
// the original argument vector unchanged and replaces its own process image,
// injected or not. It only exits when every path including the fallback
// re-exec failed.
package main

import (
	"fmt"
	"os"

	"github.com/criyle/go-zygisk/hook"
)

func main() {
	c := hook.New(os.Args, os.Environ())
	if err := c.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
