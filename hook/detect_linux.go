package hook

import (
	"os"
	"strings"
)

// variables to allow tests to redirect the classification inputs
var (
	selinuxRoot     = "/sys/fs/selinux"
	procAttrCurrent = "/proc/self/attr/current"
)

// isZygote classifies the current invocation. With mandatory access control
// disabled the argument vector carries the zygote marker, otherwise the
// process security label decides. A label that cannot be read classifies as
// not zygote.
func isZygote(args []string) bool {
	if !selinuxEnabled() {
		for _, a := range args {
			if a == zygoteArg {
				return true
			}
		}
		return false
	}
	label, err := currentLabel()
	if err != nil {
		return false
	}
	return label == zygoteLabel
}

func selinuxEnabled() bool {
	st, err := os.Stat(selinuxRoot)
	return err == nil && st.IsDir()
}

// currentLabel reads this process's security label
func currentLabel() (string, error) {
	b, err := os.ReadFile(procAttrCurrent)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\x00\n "), nil
}

// writeLabel transitions this process to the given security label
func writeLabel(label string) error {
	f, err := os.OpenFile(procAttrCurrent, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(label); err != nil {
		return err
	}
	return nil
}
