// Package envfilter validates and filters NAME=value environment entries
// before a process image is replaced across a security transition.
//
// It mirrors the hardening libc applies to AT_SECURE execs: malformed or
// oversized entries are dropped, and names known to alter loader or libc
// behavior are removed. The unsafe-name list is configuration data on the
// Filter, not fixed logic, since the correct set depends on the platform.
package envfilter

import "strings"

// DefaultMaxLen bounds a single entry. The kernel uses 32 pages as the
// maximum size of one environment string.
const DefaultMaxLen = 32 * 4096

// DefaultUnsafe lists variable names that must not cross a privilege
// boundary. LD_PRELOAD is deliberately absent: the injection setup itself
// appends to it.
var DefaultUnsafe = []string{
	"ANDROID_DNS_MODE",
	"GCONV_PATH",
	"GETCONF_DIR",
	"HOSTALIASES",
	"JE_MALLOC_CONF",
	"LD_AOUT_LIBRARY_PATH",
	"LD_AOUT_PRELOAD",
	"LD_AUDIT",
	"LD_CONFIG_FILE",
	"LD_DEBUG",
	"LD_DEBUG_OUTPUT",
	"LD_DYNAMIC_WEAK",
	"LD_LIBRARY_PATH",
	"LD_ORIGIN_PATH",
	"LD_PROFILE",
	"LD_SHOW_AUXV",
	"LD_USE_LOAD_BIAS",
	"LIBC_DEBUG_MALLOC_OPTIONS",
	"LIBC_HOOKS_ENABLE",
	"LOCALDOMAIN",
	"LOCPATH",
	"MALLOC_CHECK_",
	"MALLOC_CONF",
	"MALLOC_TRACE",
	"NIS_PATH",
	"NLSPATH",
	"RESOLV_HOST_CONF",
	"RES_OPTIONS",
	"SCUDO_OPTIONS",
	"TMPDIR",
	"TZDIR",
}

// Filter drops malformed and unsafe environment entries
type Filter struct {
	// MaxLen bounds a single entry, 0 uses DefaultMaxLen
	MaxLen int

	// Unsafe lists variable names to drop, nil uses DefaultUnsafe
	Unsafe []string
}

func (f *Filter) maxLen() int {
	if f.MaxLen <= 0 {
		return DefaultMaxLen
	}
	return f.MaxLen
}

func (f *Filter) unsafe() []string {
	if f.Unsafe == nil {
		return DefaultUnsafe
	}
	return f.Unsafe
}

// IsValid reports whether the entry is well formed: bounded in length and
// containing '=' at index >= 1
func (f *Filter) IsValid(entry string) bool {
	if len(entry) >= f.maxLen() {
		return false
	}
	return strings.IndexByte(entry, '=') >= 1
}

// IsUnsafe reports whether the entry's name matches the unsafe list
func (f *Filter) IsUnsafe(entry string) bool {
	eq := strings.IndexByte(entry, '=')
	if eq < 0 {
		return false
	}
	name := entry[:eq]
	for _, u := range f.unsafe() {
		if name == u {
			return true
		}
	}
	return false
}

// Sanitize returns surviving entries in their original relative order.
// Applying Sanitize to its own output yields an identical result.
func (f *Filter) Sanitize(env []string) []string {
	out := make([]string, 0, len(env))
	for _, e := range env {
		if !f.IsValid(e) {
			continue
		}
		if f.IsUnsafe(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Sanitize filters env with default bounds and unsafe names
func Sanitize(env []string) []string {
	f := Filter{}
	return f.Sanitize(env)
}
