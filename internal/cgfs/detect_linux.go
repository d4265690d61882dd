//go:build linux

package cgfs

import (
	"fmt"

	"github.com/containerd/cgroups/v3"
	"golang.org/x/sys/unix"

	"github.com/valtlin/cgacct/pkg/cgroupid"
)

// Detect inspects the live host and builds the runtime config the cgroup
// resolver needs. On the unified hierarchy the controller argument is
// ignored; on the legacy hierarchy it must name a controller present in
// /proc/cgroups.
func Detect(controller, procRoot string) (cgroupid.RuntimeConfig, error) {
	return detect(cgroups.Mode(), controller, procRoot)
}

func detect(mode cgroups.CGMode, controller, procRoot string) (cgroupid.RuntimeConfig, error) {
	if mode == cgroups.Unified {
		return cgroupid.RuntimeConfig{FSMagic: uint64(unix.CGROUP2_SUPER_MAGIC)}, nil
	}

	controllers, err := Controllers(procRoot)
	if err != nil {
		return cgroupid.RuntimeConfig{}, err
	}

	c, ok := Lookup(controllers, controller)
	if !ok {
		return cgroupid.RuntimeConfig{}, fmt.Errorf("controller %q not present in cgroups listing", controller)
	}

	return cgroupid.RuntimeConfig{
		FSMagic:   uint64(unix.CGROUP_SUPER_MAGIC),
		SubsysIdx: c.Idx,
	}, nil
}
