package aggstore

import "go.uber.org/atomic"

// Records live behind pointers inside the tables and are mutated with
// per-field atomic adds; a table never locks a whole record for an
// increment. Counters only grow; the single way a value disappears is
// table eviction.

// RWRecord accumulates read or write traffic for one attribution key.
type RWRecord struct {
	Bytes  atomic.Uint64
	Calls  atomic.Uint64
	Errors atomic.Uint64
}

// RWDelta is one observation's contribution to an RWRecord.
type RWDelta struct {
	Bytes  uint64
	Calls  uint64
	Errors uint64
}

// RWSnapshot is a point-in-time copy of an RWRecord.
type RWSnapshot struct {
	Bytes  uint64
	Calls  uint64
	Errors uint64
}

func (r *RWRecord) add(d RWDelta) {
	r.Bytes.Add(d.Bytes)
	r.Calls.Add(d.Calls)
	r.Errors.Add(d.Errors)
}

func (r *RWRecord) snapshot() RWSnapshot {
	return RWSnapshot{
		Bytes:  r.Bytes.Load(),
		Calls:  r.Calls.Load(),
		Errors: r.Errors.Load(),
	}
}

func newRWRecord(d RWDelta) *RWRecord {
	r := &RWRecord{}
	r.Bytes.Store(d.Bytes)
	r.Calls.Store(d.Calls)
	r.Errors.Store(d.Errors)

	return r
}

// InodeRecord accumulates filesystem-object lifecycle calls (open, create,
// unlink) for one cgroup.
type InodeRecord struct {
	Calls  atomic.Uint64
	Errors atomic.Uint64
}

// InodeDelta is one observation's contribution to an InodeRecord.
type InodeDelta struct {
	Calls  uint64
	Errors uint64
}

// InodeSnapshot is a point-in-time copy of an InodeRecord.
type InodeSnapshot struct {
	Calls  uint64
	Errors uint64
}

func (r *InodeRecord) add(d InodeDelta) {
	r.Calls.Add(d.Calls)
	r.Errors.Add(d.Errors)
}

func (r *InodeRecord) snapshot() InodeSnapshot {
	return InodeSnapshot{Calls: r.Calls.Load(), Errors: r.Errors.Load()}
}

func newInodeRecord(d InodeDelta) *InodeRecord {
	r := &InodeRecord{}
	r.Calls.Store(d.Calls)
	r.Errors.Store(d.Errors)

	return r
}

// NetRecord accumulates packet and byte counts for one network attribution
// key.
type NetRecord struct {
	Packets atomic.Uint64
	Bytes   atomic.Uint64
}

// NetDelta is one observation's contribution to a NetRecord.
type NetDelta struct {
	Packets uint64
	Bytes   uint64
}

// NetSnapshot is a point-in-time copy of a NetRecord.
type NetSnapshot struct {
	Packets uint64
	Bytes   uint64
}

func (r *NetRecord) add(d NetDelta) {
	r.Packets.Add(d.Packets)
	r.Bytes.Add(d.Bytes)
}

func (r *NetRecord) snapshot() NetSnapshot {
	return NetSnapshot{Packets: r.Packets.Load(), Bytes: r.Bytes.Load()}
}

func newNetRecord(d NetDelta) *NetRecord {
	r := &NetRecord{}
	r.Packets.Store(d.Packets)
	r.Bytes.Store(d.Bytes)

	return r
}
