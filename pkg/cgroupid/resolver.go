// Package cgroupid resolves a stable 64-bit cgroup identifier for a task,
// masking the differences between the unified (v2) and legacy (v1) cgroup
// hierarchies.
//
// On the unified hierarchy the id is carried directly on the task view. On
// the legacy hierarchy the id is reached by walking
// task → css_set → subsys[idx] → cgroup → kernfs node, validating every link.
// The subsystem index is not ABI-stable across kernel builds, so it is
// supplied through RuntimeConfig, discovered once at startup (see the cgfs
// package) rather than hardcoded.
package cgroupid

import (
	"golang.org/x/sys/unix"

	"github.com/valtlin/cgacct/pkg/kmem"
)

// MaxLegacySubsysIdx is the highest subsystem index on the legacy hierarchy
// (the pids controller on an upstream kernel). Configured indexes above it
// point at out-of-tree controllers we cannot reason about, so resolution
// fails instead of reading a bogus slot.
const MaxLegacySubsysIdx = 11

// Identifier values with fixed meaning for callers.
const (
	// IDFailed means resolution failed; the event must be dropped.
	IDFailed = 0
	// IDRoot is the root cgroup. Root attribution is too coarse to be
	// useful, so callers drop it as well.
	IDRoot = 1
)

// RuntimeConfig selects the hierarchy and, for the legacy hierarchy, the
// controller slot to walk. It is read once per resolver, populated at
// startup by inspecting the live system.
type RuntimeConfig struct {
	// FSMagic is the magic number of the mounted cgroup filesystem,
	// unix.CGROUP2_SUPER_MAGIC on unified hosts.
	FSMagic uint64
	// SubsysIdx is the css_set slot of the controller to attribute by on
	// the legacy hierarchy. Ignored on unified hosts.
	SubsysIdx uint32
}

// Unified reports whether the config selects the unified hierarchy.
func (c RuntimeConfig) Unified() bool {
	return c.FSMagic == unix.CGROUP2_SUPER_MAGIC
}

// Resolver resolves cgroup identifiers for tasks.
type Resolver struct {
	mem kmem.Reader
	cfg RuntimeConfig
}

// NewResolver returns a resolver reading through mem with the given runtime
// config.
func NewResolver(mem kmem.Reader, cfg RuntimeConfig) *Resolver {
	return &Resolver{mem: mem, cfg: cfg}
}

// CurrentID returns the cgroup id of task, or IDFailed on any failure along
// the chain.
func (r *Resolver) CurrentID(task kmem.Ref) uint64 {
	t, err := r.mem.Task(task)
	if err != nil {
		return IDFailed
	}

	if r.cfg.Unified() {
		return t.CgroupID
	}

	return r.legacyID(t)
}

// legacyID walks the v1 chain for the configured controller slot. Every
// link is validated; the first broken one aborts with IDFailed.
func (r *Resolver) legacyID(t kmem.Task) uint64 {
	if r.cfg.SubsysIdx > MaxLegacySubsysIdx {
		return IDFailed
	}

	set, err := r.mem.CSSSet(t.CSSSet)
	if err != nil {
		return IDFailed
	}

	state, err := r.mem.SubsysState(set.Subsys[r.cfg.SubsysIdx])
	if err != nil {
		return IDFailed
	}

	cgrp, err := r.mem.Cgroup(state.Cgroup)
	if err != nil {
		return IDFailed
	}

	kn, err := r.mem.KernfsNode(cgrp.Kn)
	if err != nil {
		return IDFailed
	}

	return kn.ID
}

// Reportable reports whether id identifies a cgroup worth accounting:
// neither a failed resolution nor the root cgroup.
func Reportable(id uint64) bool {
	return id > IDRoot
}
