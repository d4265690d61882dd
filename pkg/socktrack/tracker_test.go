package socktrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/valtlin/cgacct/pkg/kmem"
)

func tcpSock(packetsIn, bytesRecv uint64) kmem.Sock {
	return kmem.Sock{
		Family:    unix.AF_INET,
		SrcAddrLo: 0x0100007F,
		DstAddrLo: 0x0101A8C0,
		SrcPort:   43210,
		DstPort:   443,
		TCP: kmem.TCPCounters{
			SegsIn:    uint32(packetsIn),
			BytesRecv: bytesRecv,
		},
	}
}

func TestTrackTCPDeltaSequence(t *testing.T) {
	im := kmem.NewImage()
	sock := im.NewRef()

	tr := NewTracker(im, 0)

	// First observation is its own baseline: cumulative values verbatim.
	im.Set(sock, tcpSock(10, 20))
	fam, incr, ok := tr.TrackTCP(sock)
	require.True(t, ok)
	assert.Equal(t, uint16(unix.AF_INET), fam)
	assert.Equal(t, Stats{PacketsIn: 10, BytesRecv: 20}, incr)

	// Second observation yields per-field deltas.
	im.Set(sock, tcpSock(15, 20))
	_, incr, ok = tr.TrackTCP(sock)
	require.True(t, ok)
	assert.Equal(t, Stats{PacketsIn: 5, BytesRecv: 0}, incr)

	// Wraparound / socket reuse: current below baseline clamps the
	// increment to the new current value and resets the baseline.
	im.Set(sock, tcpSock(12, 20))
	_, incr, ok = tr.TrackTCP(sock)
	require.True(t, ok)
	assert.Equal(t, Stats{PacketsIn: 12, BytesRecv: 0}, incr)

	// Baseline really was rewritten to (12, 20).
	im.Set(sock, tcpSock(13, 25))
	_, incr, ok = tr.TrackTCP(sock)
	require.True(t, ok)
	assert.Equal(t, Stats{PacketsIn: 1, BytesRecv: 5}, incr)
}

func TestTrackTCPAllFields(t *testing.T) {
	im := kmem.NewImage()
	sock := im.NewRef()

	s := tcpSock(1, 100)
	s.TCP.SegsOut = 2
	s.TCP.BytesSent = 200
	s.TCP.TotalRetrans = 3
	s.TCP.BytesRetrans = 300
	im.Set(sock, s)

	tr := NewTracker(im, 0)

	_, incr, ok := tr.TrackTCP(sock)
	require.True(t, ok)
	assert.Equal(t, Stats{
		PacketsIn: 1, PacketsOut: 2,
		BytesRecv: 100, BytesSent: 200,
		Retrans: 3, RetransBytes: 300,
	}, incr)
}

func TestTrackTCPUnreadableSocket(t *testing.T) {
	im := kmem.NewImage()
	sock := im.Add(tcpSock(1, 1))
	im.Poison(sock)

	tr := NewTracker(im, 0)

	_, _, ok := tr.TrackTCP(sock)
	assert.False(t, ok)
}

func TestTrackTCPIncompleteTuple(t *testing.T) {
	im := kmem.NewImage()
	s := tcpSock(1, 1)
	s.DstPort = 0
	sock := im.Add(s)

	tr := NewTracker(im, 0)

	_, _, ok := tr.TrackTCP(sock)
	assert.False(t, ok)
}

func TestTrackerBaselineTableBounded(t *testing.T) {
	im := kmem.NewImage()
	tr := NewTracker(im, 8)

	for i := 0; i < 64; i++ {
		s := tcpSock(1, 1)
		s.SrcPort = uint16(1000 + i) // distinct tuples
		sock := im.Add(s)

		_, _, ok := tr.TrackTCP(sock)
		require.True(t, ok)
	}

	assert.LessOrEqual(t, tr.Len(), 8)
}

func TestTrackerEvictedBaselineRestarts(t *testing.T) {
	im := kmem.NewImage()
	tr := NewTracker(im, 1)

	a := im.NewRef()
	im.Set(a, tcpSock(10, 0))
	_, _, ok := tr.TrackTCP(a)
	require.True(t, ok)

	// A second tuple evicts the first baseline.
	other := tcpSock(1, 1)
	other.SrcPort = 999
	b := im.Add(other)
	_, _, ok = tr.TrackTCP(b)
	require.True(t, ok)

	// The first tuple starts over as a fresh first observation.
	im.Set(a, tcpSock(12, 0))
	_, incr, ok := tr.TrackTCP(a)
	require.True(t, ok)
	assert.Equal(t, Stats{PacketsIn: 12}, incr)
}
