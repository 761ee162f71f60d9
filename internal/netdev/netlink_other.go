//go:build !linux

package netdev

import (
	"fmt"
	"runtime"
)

// New reports that kernel devices are unavailable on this platform.
func New() (Driver, error) {
	return nil, fmt.Errorf("network device driver is not supported on %s", runtime.GOOS)
}
