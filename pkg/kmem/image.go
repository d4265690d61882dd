package kmem

import "sync"

// Image is an in-memory Reader. It backs tests and replay tooling: objects
// are registered under fresh refs, and individual refs can be poisoned to
// make every read of them fail, exercising the drop-on-failure paths.
type Image struct {
	mu       sync.RWMutex
	next     Ref
	objs     map[Ref]any
	poisoned map[Ref]struct{}
}

// NewImage returns an empty image.
func NewImage() *Image {
	return &Image{
		objs:     make(map[Ref]any),
		poisoned: make(map[Ref]struct{}),
	}
}

// NewRef allocates a fresh ref with no object behind it. Reading it before
// Set fails with ErrFault. Useful when building self-referential structures
// such as root dentries.
func (im *Image) NewRef() Ref {
	im.mu.Lock()
	defer im.mu.Unlock()

	im.next++

	return im.next
}

// Set installs obj behind ref, replacing whatever was there.
func (im *Image) Set(ref Ref, obj any) {
	im.mu.Lock()
	defer im.mu.Unlock()

	im.objs[ref] = obj
}

// Add registers obj under a fresh ref and returns it.
func (im *Image) Add(obj any) Ref {
	im.mu.Lock()
	defer im.mu.Unlock()

	im.next++
	im.objs[im.next] = obj

	return im.next
}

// Poison makes every subsequent read of ref fail with ErrFault.
func (im *Image) Poison(ref Ref) {
	im.mu.Lock()
	defer im.mu.Unlock()

	im.poisoned[ref] = struct{}{}
}

func read[T any](im *Image, ref Ref) (T, error) {
	var zero T

	if ref == 0 {
		return zero, ErrNullRef
	}

	im.mu.RLock()
	defer im.mu.RUnlock()

	if _, bad := im.poisoned[ref]; bad {
		return zero, ErrFault
	}

	obj, ok := im.objs[ref].(T)
	if !ok {
		return zero, ErrFault
	}

	return obj, nil
}

func (im *Image) Task(ref Ref) (Task, error)               { return read[Task](im, ref) }
func (im *Image) CSSSet(ref Ref) (CSSSet, error)           { return read[CSSSet](im, ref) }
func (im *Image) SubsysState(ref Ref) (SubsysState, error) { return read[SubsysState](im, ref) }
func (im *Image) Cgroup(ref Ref) (Cgroup, error)           { return read[Cgroup](im, ref) }
func (im *Image) KernfsNode(ref Ref) (KernfsNode, error)   { return read[KernfsNode](im, ref) }
func (im *Image) Mount(ref Ref) (Mount, error)             { return read[Mount](im, ref) }
func (im *Image) Dentry(ref Ref) (Dentry, error)           { return read[Dentry](im, ref) }
func (im *Image) File(ref Ref) (File, error)               { return read[File](im, ref) }
func (im *Image) Sock(ref Ref) (Sock, error)               { return read[Sock](im, ref) }

var _ Reader = (*Image)(nil)
