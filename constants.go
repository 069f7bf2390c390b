package gator

import (
	"time"

	"github.com/ARM-software/gator-sub000/internal/constants"
)

// Re-exported tunables for callers that build their own Session options.
const (
	DefaultDataBufferPages = constants.DefaultDataBufferPages
	DefaultAuxBufferPages  = constants.DefaultAuxBufferPages
	MaxResponseLength      = constants.MaxResponseLength
)

var (
	DrainTickLive  = constants.DrainTickLive
	DrainTickLocal = constants.DrainTickLocal
)

// PollInterval returns the sysfs CPU-state poll interval, fast while any
// CPU is known offline.
func PollInterval(anyOffline bool) time.Duration {
	if anyOffline {
		return constants.SysfsPollIntervalFast
	}
	return constants.SysfsPollIntervalSlow
}
