//go:build linux || darwin || freebsd

package sysconf

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/clustermeta/psscan/internal/logging"
)

// setVMemLimit reads RLIMIT_AS (address-space size, the closest POSIX
// analogue to the original's RLIMIT_VMEM). If the current soft limit is
// below minBytes, it sets both the soft and the hard limit to minBytes,
// or to the hard limit when that is finite and smaller than minBytes.
// An unlimited hard limit is therefore lowered to minBytes.
func setVMemLimit(minBytes uint64, log *logging.Logger) error {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &rlim); err != nil {
		log.Warnf("sysconf: could not read RLIMIT_AS, ulimit not applied: %v", err)
		return nil
	}
	if rlim.Cur >= minBytes {
		return nil
	}
	newLim := unix.Rlimit{Cur: minBytes, Max: minBytes}
	if rlim.Max != unix.RLIM_INFINITY && minBytes > rlim.Max {
		newLim.Max = rlim.Max
		newLim.Cur = rlim.Max
	}
	if err := unix.Setrlimit(unix.RLIMIT_AS, &newLim); err != nil {
		return fmt.Errorf("sysconf: setrlimit RLIMIT_AS: %w", err)
	}
	log.Infof("sysconf: RLIMIT_AS raised to %d bytes", newLim.Cur)
	return nil
}
