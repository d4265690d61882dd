//go:build linux

package cgfs

import (
	"testing"

	"github.com/containerd/cgroups/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDetectUnified(t *testing.T) {
	cfg, err := detect(cgroups.Unified, "cpuacct", t.TempDir())
	require.NoError(t, err)

	assert.True(t, cfg.Unified())
	assert.Equal(t, uint32(0), cfg.SubsysIdx)
}

func TestDetectLegacy(t *testing.T) {
	procRoot := writeListing(t, cgroupsListing)

	cfg, err := detect(cgroups.Legacy, "cpuacct", procRoot)
	require.NoError(t, err)

	assert.False(t, cfg.Unified())
	assert.Equal(t, uint64(unix.CGROUP_SUPER_MAGIC), cfg.FSMagic)
	assert.Equal(t, uint32(2), cfg.SubsysIdx)
}

func TestDetectLegacyUnknownController(t *testing.T) {
	procRoot := writeListing(t, cgroupsListing)

	_, err := detect(cgroups.Legacy, "rdma", procRoot)
	assert.Error(t, err)
}
