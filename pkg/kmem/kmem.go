// Package kmem models bounds-checked access to kernel data structures.
//
// Every structure the accounting core walks (task, cgroup chain, mount and
// dentry chain, socket) is read through a Reader. Reads never dereference
// anything directly: a Ref is an opaque handle, each accessor copies a small
// fixed record out, and each accessor can fail. Callers must treat any failed
// read as "drop this event"; a failed read is never fatal.
package kmem

import "errors"

var (
	// ErrNullRef is returned when an accessor is handed the zero Ref.
	ErrNullRef = errors.New("kmem: null reference")

	// ErrFault is returned when the referenced memory cannot be read or
	// does not hold the expected structure.
	ErrFault = errors.New("kmem: unreadable memory")
)

// Ref is an opaque handle to a kernel object. The zero Ref is the null
// pointer.
type Ref uint64

// NumSubsys is the number of subsystem slots in a css_set on a
// default-config kernel. Slots past the compiled-in controllers are null.
const NumSubsys = 14

// Task is the view of a task_struct the core needs: the unified-hierarchy
// cgroup id (the fast path on cgroup v2 hosts) and the css_set link used by
// the legacy walk.
type Task struct {
	CgroupID uint64
	CSSSet   Ref
}

// CSSSet holds the per-controller subsystem state links of a css_set.
type CSSSet struct {
	Subsys [NumSubsys]Ref
}

// SubsysState links a cgroup_subsys_state to its owning cgroup.
type SubsysState struct {
	Cgroup Ref
}

// Cgroup links a cgroup to its kernfs node.
type Cgroup struct {
	Kn Ref
}

// KernfsNode carries the filesystem node identifier that serves as the
// stable cgroup id on the legacy hierarchy.
type KernfsNode struct {
	ID uint64
}

// Mount is the view of a mount structure: the dentry the mount is attached
// on in its parent, and the parent mount.
type Mount struct {
	MountPoint Ref
	Parent     Ref
}

// Dentry is a directory entry: parent link and component name. A dentry is
// the filesystem root when it is its own parent.
type Dentry struct {
	Parent Ref
	Name   []byte
}

// File is the view of a file handle: the mount its path belongs to.
type File struct {
	Mount Ref
}

// Sock is the view of a socket. Address halves are stored the way the
// kernel lays an in6_addr out in memory, loaded as two little-endian 64-bit
// words; an IPv4 address occupies only the low 32 bits of the low word.
// Ports are in host byte order. The cumulative TCP counters are only
// meaningful for TCP sockets.
type Sock struct {
	Family uint16

	SrcAddrHi, SrcAddrLo uint64
	DstAddrHi, DstAddrLo uint64
	SrcPort, DstPort     uint16

	TCP TCPCounters
}

// TCPCounters are the kernel's cumulative per-socket counters. They grow
// for the lifetime of the socket; converting them into increments is the
// tracker's job, not the reader's.
type TCPCounters struct {
	SegsIn       uint32
	SegsOut      uint32
	BytesRecv    uint64
	BytesSent    uint64
	TotalRetrans uint32
	BytesRetrans uint64
}

// Reader is the bounds-checked copy primitive. Implementations must return
// ErrNullRef for the zero Ref and ErrFault (or a wrapped error) for any
// reference that cannot be read.
type Reader interface {
	Task(Ref) (Task, error)
	CSSSet(Ref) (CSSSet, error)
	SubsysState(Ref) (SubsysState, error)
	Cgroup(Ref) (Cgroup, error)
	KernfsNode(Ref) (KernfsNode, error)
	Mount(Ref) (Mount, error)
	Dentry(Ref) (Dentry, error)
	File(Ref) (File, error)
	Sock(Ref) (Sock, error)
}
