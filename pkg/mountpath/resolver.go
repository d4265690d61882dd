// Package mountpath reconstructs the mount-point path of a file handle by
// walking the mount/dentry chain backwards under a hard iteration limit.
//
// The walk builds the path from its end towards its beginning inside a
// fixed-size scratch buffer: a write cursor starts at the buffer's end and
// moves backwards as components are prepended, so no allocation happens on
// the hot path. Scratch buffers come from a pool sized by demand, the
// multi-threaded rendering of a per-CPU single-slot scratch map.
//
// The target is the mount point, not the full path of the inode: mount
// points are rarely nested deeply, which is why a walk budget of eight
// rounds is acceptable. Deeper hierarchies resolve to a truncated suffix.
package mountpath

import (
	"errors"
	"sync"

	"github.com/valtlin/cgacct/pkg/kmem"
)

const (
	// maxBufLen is the usable scratch space for the resolved path.
	maxBufLen = 4096
	// nameMax bounds a single path component, matching the kernel's own
	// maximum component length. It doubles as slack at the end of the
	// scratch buffer so a bounded copy can never run past it.
	nameMax = 256
	// maxWalkRounds caps the mount walk.
	maxWalkRounds = 8

	scratchLen = maxBufLen + nameMax
)

// errNameTooLong reports that a component (or its '/' separator) did not
// fit; the walk stops and the result is truncated.
var errNameTooLong = errors.New("mountpath: component does not fit")

// Status tells the caller whether the walk concluded at the filesystem root.
type Status int

const (
	// StatusResolved means every component of the mount path was written
	// and the walk reached the root. One walk round is spent confirming
	// the root, so only paths of up to seven named components resolve;
	// a path of exactly eight comes back complete but Truncated because
	// no round was left to see the root.
	StatusResolved Status = iota
	// StatusTruncated means the walk ran out of rounds or buffer space;
	// the returned path is a suffix of the true path.
	StatusTruncated
)

func (s Status) String() string {
	if s == StatusResolved {
		return "resolved"
	}

	return "truncated"
}

// Resolver resolves mount paths for file handles.
type Resolver struct {
	mem  kmem.Reader
	pool sync.Pool
}

// NewResolver returns a resolver reading through mem.
func NewResolver(mem kmem.Reader) *Resolver {
	return &Resolver{
		mem: mem,
		pool: sync.Pool{
			New: func() any { return new([scratchLen]byte) },
		},
	}
}

// Resolve returns the mount path of file's vfsmount and a status. The path
// is an owned copy, at most nameMax bytes; a zero-length path means nothing
// resolved and the event must not be used. Any unreadable link aborts the
// event with a zero-length path, regardless of partial progress.
func (r *Resolver) Resolve(file kmem.Ref) ([]byte, Status) {
	f, err := r.mem.File(file)
	if err != nil {
		return nil, StatusTruncated
	}

	scratch := r.pool.Get().(*[scratchLen]byte)
	defer r.pool.Put(scratch)

	buf := scratch[:]
	cur := maxBufLen    // write cursor, moves backwards
	remain := maxBufLen // remaining space in front of the cursor

	var prev kmem.Ref // previous round's dentry, for cycle/root detection

	mnt := f.Mount
	resolved := false

	for i := 0; i < maxWalkRounds; i++ {
		m, err := r.mem.Mount(mnt)
		if err != nil {
			return nil, StatusTruncated
		}

		de := m.MountPoint
		if de == prev {
			resolved = true

			break
		}

		d, err := r.mem.Dentry(de)
		if err != nil {
			return nil, StatusTruncated
		}

		// Global root: a dentry that is its own parent.
		if d.Parent == de {
			resolved = true

			break
		}

		if err := prependName(buf, &cur, &remain, d.Name); err != nil {
			break
		}

		prev = de
		mnt = m.Parent
	}

	if cur == maxBufLen {
		// Cursor never moved, nothing was written.
		return nil, StatusTruncated
	}

	status := StatusTruncated
	if resolved {
		status = StatusResolved
	}

	n := maxBufLen - cur
	if n > nameMax {
		// Keep the output bounded; the front of the span holds the
		// outermost resolved components.
		n = nameMax
		status = StatusTruncated
	}

	out := make([]byte, n)
	copy(out, buf[cur:cur+n])

	return out, status
}

// prependName writes name, preceded by '/', in front of the cursor. When
// the remaining space cannot hold the whole component plus its separator,
// the tail of the name that fits is kept (preferring the suffix over
// silently dropping data) and errNameTooLong is returned so the walk halts.
func prependName(buf []byte, cur, remain *int, name []byte) error {
	if len(name) > nameMax {
		return errNameTooLong
	}

	writeSlash := true

	n := len(name)
	if n >= *remain {
		name = name[n-*remain:]
		n = *remain
		writeSlash = false
	}

	need := n
	if writeSlash {
		need++
	}

	if need > *cur {
		return errNameTooLong
	}

	*remain -= need
	*cur -= need

	if writeSlash {
		buf[*cur] = '/'
		copy(buf[*cur+1:], name)

		return nil
	}

	copy(buf[*cur:], name)

	return errNameTooLong
}
