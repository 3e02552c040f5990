// Package sysconf applies the process's virtual-memory ulimit, the one
// OS resource the core explicitly manages (spec §5 "Resource policy").
// Grounded on original_source/helpers/misc.py's set_resource_limits:
// read the current RLIMIT and raise it to the requested floor if lower.
// On a platform with no rlimit API, an explicit request logs a warning
// and returns ErrPlatformUnsupported.
package sysconf

import (
	"errors"

	"github.com/clustermeta/psscan/internal/logging"
)

// ErrPlatformUnsupported is returned by SetVMemLimit when a ulimit was
// explicitly requested (minBytes > 0) on a platform with no POSIX
// rlimit API. Callers map this to spec §6.3's exit code 2 ("platform
// mismatch"); a generic Setrlimit failure on a supported platform is a
// different error and must not be confused with this one.
var ErrPlatformUnsupported = errors.New("sysconf: virtual memory ulimit is not supported on this platform")

// SetVMemLimit raises the process's virtual-memory limit to at least
// minBytes. minBytes == 0 is a no-op. Platform support is implemented in
// sysconf_unix.go (build-tagged) and sysconf_other.go (fallback); both
// satisfy this same signature.
func SetVMemLimit(minBytes uint64, log *logging.Logger) error {
	if minBytes == 0 {
		return nil
	}
	return setVMemLimit(minBytes, log)
}
