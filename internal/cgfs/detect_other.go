//go:build !linux

package cgfs

import (
	"errors"

	"github.com/valtlin/cgacct/pkg/cgroupid"
)

// Detect requires a cgroup filesystem and is only implemented on Linux.
func Detect(controller, procRoot string) (cgroupid.RuntimeConfig, error) {
	return cgroupid.RuntimeConfig{}, errors.New("cgroup detection requires Linux")
}
