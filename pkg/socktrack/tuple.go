// Package socktrack derives canonical connection tuples from live sockets
// and converts the kernel's cumulative per-socket counters into increments.
//
// The kernel counters grow for the lifetime of a socket while the
// aggregation tables must only ever receive increments, so the tracker keeps
// a bounded table of last-seen cumulative values keyed by the full tuple and
// subtracts on every observation.
package socktrack

import (
	"golang.org/x/sys/unix"

	"github.com/valtlin/cgacct/pkg/kmem"
)

// Tuple identifies a network flow: address pair, port pair. IPv4 addresses
// occupy only the low 32 bits of the low word; IPv6 addresses use both
// 64-bit halves. An IPv4-mapped IPv6 address is normalized to its bare IPv4
// form before the tuple is used as a key, so both renderings of the same
// flow collapse into one entry.
type Tuple struct {
	SrcHi, SrcLo uint64
	DstHi, DstLo uint64
	SrcPort      uint16
	DstPort      uint16
}

// isIPv4Mapped reports whether an address half pair holds the
// ::ffff:a.b.c.d form (RFC 4291 §2.5.5). Addresses are in network byte
// order loaded as little-endian words, so the mask sits in the least
// significant 32 bits of the low word.
func isIPv4Mapped(hi, lo uint64) bool {
	return hi == 0 && uint32(lo) == 0xFFFF0000
}

// normalize rewrites an IPv4-mapped IPv6 tuple into its bare IPv4 form.
// Normalizing an already-normalized tuple is a no-op.
func (t *Tuple) normalize() {
	if !isIPv4Mapped(t.SrcHi, t.SrcLo) && !isIPv4Mapped(t.DstHi, t.DstLo) {
		return
	}

	t.SrcHi, t.DstHi = 0, 0
	t.SrcLo = uint64(uint32(t.SrcLo >> 32))
	t.DstLo = uint64(uint32(t.DstLo >> 32))
}

// readTuple derives the tuple for sock. It returns false when any required
// field is missing: unknown family, zero address on either side, or a zero
// port. Such sockets are skipped entirely.
func readTuple(s kmem.Sock) (Tuple, bool) {
	var t Tuple

	switch s.Family {
	case unix.AF_INET:
		t.SrcLo = uint64(uint32(s.SrcAddrLo))
		t.DstLo = uint64(uint32(s.DstAddrLo))

		if t.SrcLo == 0 || t.DstLo == 0 {
			return Tuple{}, false
		}
	case unix.AF_INET6:
		t.SrcHi, t.SrcLo = s.SrcAddrHi, s.SrcAddrLo
		t.DstHi, t.DstLo = s.DstAddrHi, s.DstAddrLo

		if t.SrcHi|t.SrcLo == 0 || t.DstHi|t.DstLo == 0 {
			return Tuple{}, false
		}

		t.normalize()
	default:
		return Tuple{}, false
	}

	t.SrcPort, t.DstPort = s.SrcPort, s.DstPort
	if t.SrcPort == 0 || t.DstPort == 0 {
		return Tuple{}, false
	}

	return t, true
}
