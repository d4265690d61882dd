package socktrack

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/valtlin/cgacct/pkg/kmem"
)

// DefaultCapacity bounds the baseline table. Stale entries for connections
// that stopped being observed are harmless, they only cost capacity, so the
// table is sized well above the expected number of live flows.
const DefaultCapacity = 2048

// Stats holds per-socket counters. Depending on context the fields are
// either cumulative kernel values (baselines) or increments since the last
// observation (tracker results).
type Stats struct {
	PacketsIn    uint64
	PacketsOut   uint64
	BytesRecv    uint64
	BytesSent    uint64
	Retrans      uint64
	RetransBytes uint64
}

// sub returns the per-field increment from prev to cur. A current value
// below the stored one means counter wraparound or socket reuse behind the
// same tuple; the increment is clamped to the new current value instead of
// going negative.
func sub(cur, prev Stats) Stats {
	d := func(c, p uint64) uint64 {
		if c < p {
			return c
		}

		return c - p
	}

	return Stats{
		PacketsIn:    d(cur.PacketsIn, prev.PacketsIn),
		PacketsOut:   d(cur.PacketsOut, prev.PacketsOut),
		BytesRecv:    d(cur.BytesRecv, prev.BytesRecv),
		BytesSent:    d(cur.BytesSent, prev.BytesSent),
		Retrans:      d(cur.Retrans, prev.Retrans),
		RetransBytes: d(cur.RetransBytes, prev.RetransBytes),
	}
}

// Tracker converts cumulative socket counters into increments, keyed by
// connection tuple. The baseline table is bounded LRU: evicting a live
// flow's baseline only makes its next observation count as a fresh first
// one, which undercounts nothing it has already reported.
type Tracker struct {
	mem kmem.Reader

	mu        sync.Mutex
	baselines *lru.LRU[Tuple, Stats]
}

// NewTracker returns a tracker reading through mem with the given baseline
// capacity (DefaultCapacity when zero or negative).
func NewTracker(mem kmem.Reader, capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	baselines, err := lru.NewLRU[Tuple, Stats](capacity, nil)
	if err != nil {
		// NewLRU only fails on a non-positive size.
		panic(err)
	}

	return &Tracker{mem: mem, baselines: baselines}
}

// TrackTCP reads the socket's tuple and cumulative counters and returns the
// increments since the tuple was last observed, plus the socket's address
// family for attribution. The first observation of a tuple is its own
// baseline: the cumulative values are returned verbatim. ok is false when
// the socket is unreadable or its tuple is incomplete; the caller must skip
// accounting for this call.
func (tr *Tracker) TrackTCP(sock kmem.Ref) (family uint16, incr Stats, ok bool) {
	s, err := tr.mem.Sock(sock)
	if err != nil {
		return 0, Stats{}, false
	}

	t, ok := readTuple(s)
	if !ok {
		return 0, Stats{}, false
	}

	cur := Stats{
		PacketsIn:    uint64(s.TCP.SegsIn),
		PacketsOut:   uint64(s.TCP.SegsOut),
		BytesRecv:    s.TCP.BytesRecv,
		BytesSent:    s.TCP.BytesSent,
		Retrans:      uint64(s.TCP.TotalRetrans),
		RetransBytes: s.TCP.BytesRetrans,
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	prev, seen := tr.baselines.Get(t)
	tr.baselines.Add(t, cur)

	if !seen {
		return s.Family, cur, true
	}

	return s.Family, sub(cur, prev), true
}

// Len returns the number of baselines currently held.
func (tr *Tracker) Len() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	return tr.baselines.Len()
}
