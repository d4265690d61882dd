package cgroupid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/valtlin/cgacct/pkg/kmem"
)

// legacyTask builds a v1 chain ending in the given kernfs id, installed at
// the given subsystem slot, and returns the task ref plus the refs of the
// intermediate objects.
func legacyTask(im *kmem.Image, slot uint32, id uint64) (task, set, state, cgrp, kn kmem.Ref) {
	kn = im.Add(kmem.KernfsNode{ID: id})
	cgrp = im.Add(kmem.Cgroup{Kn: kn})
	state = im.Add(kmem.SubsysState{Cgroup: cgrp})

	var css kmem.CSSSet
	css.Subsys[slot] = state
	set = im.Add(css)
	task = im.Add(kmem.Task{CSSSet: set})

	return task, set, state, cgrp, kn
}

func TestUnifiedFastPath(t *testing.T) {
	im := kmem.NewImage()
	task := im.Add(kmem.Task{CgroupID: 777})

	r := NewResolver(im, RuntimeConfig{FSMagic: unix.CGROUP2_SUPER_MAGIC})

	assert.Equal(t, uint64(777), r.CurrentID(task))

	// Stable across repeated calls.
	for i := 0; i < 10; i++ {
		assert.Equal(t, uint64(777), r.CurrentID(task))
	}
}

func TestLegacyWalk(t *testing.T) {
	im := kmem.NewImage()
	task, _, _, _, _ := legacyTask(im, 4, 90210)

	r := NewResolver(im, RuntimeConfig{
		FSMagic:   unix.CGROUP_SUPER_MAGIC,
		SubsysIdx: 4,
	})

	require.Equal(t, uint64(90210), r.CurrentID(task))

	for i := 0; i < 10; i++ {
		assert.Equal(t, uint64(90210), r.CurrentID(task))
	}
}

func TestLegacySubsysIndexOutOfRange(t *testing.T) {
	im := kmem.NewImage()
	task, _, _, _, _ := legacyTask(im, 0, 1234)

	r := NewResolver(im, RuntimeConfig{
		FSMagic:   unix.CGROUP_SUPER_MAGIC,
		SubsysIdx: MaxLegacySubsysIdx + 1,
	})

	assert.Equal(t, uint64(IDFailed), r.CurrentID(task))
}

func TestLegacyBrokenLinks(t *testing.T) {
	tests := []struct {
		name  string
		corrupt func(im *kmem.Image, task, set, state, cgrp, kn kmem.Ref)
	}{
		{"unreadable task", func(im *kmem.Image, task, _, _, _, _ kmem.Ref) { im.Poison(task) }},
		{"unreadable css_set", func(im *kmem.Image, _, set, _, _, _ kmem.Ref) { im.Poison(set) }},
		{"unreadable subsys state", func(im *kmem.Image, _, _, state, _, _ kmem.Ref) { im.Poison(state) }},
		{"unreadable cgroup", func(im *kmem.Image, _, _, _, cgrp, _ kmem.Ref) { im.Poison(cgrp) }},
		{"unreadable kernfs node", func(im *kmem.Image, _, _, _, _, kn kmem.Ref) { im.Poison(kn) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im := kmem.NewImage()
			task, set, state, cgrp, kn := legacyTask(im, 2, 555)
			tt.corrupt(im, task, set, state, cgrp, kn)

			r := NewResolver(im, RuntimeConfig{
				FSMagic:   unix.CGROUP_SUPER_MAGIC,
				SubsysIdx: 2,
			})

			assert.Equal(t, uint64(IDFailed), r.CurrentID(task))
		})
	}
}

func TestLegacyNullSubsysSlot(t *testing.T) {
	im := kmem.NewImage()
	// Chain installed at slot 4, resolver configured for slot 5: the slot
	// holds a null ref.
	task, _, _, _, _ := legacyTask(im, 4, 555)

	r := NewResolver(im, RuntimeConfig{
		FSMagic:   unix.CGROUP_SUPER_MAGIC,
		SubsysIdx: 5,
	})

	assert.Equal(t, uint64(IDFailed), r.CurrentID(task))
}

func TestReportable(t *testing.T) {
	assert.False(t, Reportable(IDFailed))
	assert.False(t, Reportable(IDRoot))
	assert.True(t, Reportable(2))
	assert.True(t, Reportable(90210))
}
