//go:build !linux && !darwin && !freebsd

package sysconf

import "github.com/clustermeta/psscan/internal/logging"

// setVMemLimit has no POSIX rlimit API to call on this platform.
// SetVMemLimit already treats minBytes == 0 as a no-op, so reaching
// here means a ulimit was explicitly requested and cannot be honored:
// return ErrPlatformUnsupported (spec §6.3 exit code 2) rather than
// silently ignoring the request.
func setVMemLimit(minBytes uint64, log *logging.Logger) error {
	log.Warnf("sysconf: virtual memory ulimit is not supported on this platform, ignoring -ulimit=%d", minBytes)
	return ErrPlatformUnsupported
}
