package mountpath

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valtlin/cgacct/pkg/kmem"
)

// mountChain builds a mount hierarchy where every component of the path is
// itself a mount point, outermost first, and returns a file ref living on
// the innermost mount plus the refs of all mounts (outermost first).
func mountChain(im *kmem.Image, components ...string) (kmem.Ref, []kmem.Ref) {
	rootDentry := im.NewRef()
	im.Set(rootDentry, kmem.Dentry{Parent: rootDentry, Name: []byte("/")})

	rootMnt := im.NewRef()
	im.Set(rootMnt, kmem.Mount{MountPoint: rootDentry, Parent: rootMnt})

	mounts := []kmem.Ref{rootMnt}
	parent := rootMnt

	for _, name := range components {
		de := im.Add(kmem.Dentry{Parent: rootDentry, Name: []byte(name)})
		mnt := im.Add(kmem.Mount{MountPoint: de, Parent: parent})
		mounts = append(mounts, mnt)
		parent = mnt
	}

	file := im.Add(kmem.File{Mount: parent})

	return file, mounts
}

func TestResolveShallow(t *testing.T) {
	tests := []struct {
		name       string
		components []string
		want       string
	}{
		{"single component", []string{"scratch"}, "/scratch"},
		{"two components", []string{"data", "jobs"}, "/data/jobs"},
		{"seven components", []string{"a", "b", "c", "d", "e", "f", "g"}, "/a/b/c/d/e/f/g"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im := kmem.NewImage()
			file, _ := mountChain(im, tt.components...)

			r := NewResolver(im)

			path, status := r.Resolve(file)
			assert.Equal(t, StatusResolved, status)
			assert.Equal(t, tt.want, string(path))
		})
	}
}

func TestResolveRootMount(t *testing.T) {
	im := kmem.NewImage()
	file, _ := mountChain(im) // file directly on the root mount

	r := NewResolver(im)

	path, status := r.Resolve(file)
	// Root resolves immediately: nothing written, event unusable.
	assert.Empty(t, path)
	assert.Equal(t, StatusTruncated, status)
}

func TestResolveDeepHierarchyTruncates(t *testing.T) {
	var components []string
	for i := 1; i <= 12; i++ {
		components = append(components, fmt.Sprintf("c%d", i))
	}

	im := kmem.NewImage()
	file, _ := mountChain(im, components...)

	r := NewResolver(im)

	path, status := r.Resolve(file)
	require.Equal(t, StatusTruncated, status)
	require.NotEmpty(t, path)

	// The walk ascends from the innermost mount, so what fits in eight
	// rounds is the path's deepest eight components: a proper suffix of
	// the true path.
	full := "/" + strings.Join(components, "/")
	assert.True(t, strings.HasSuffix(full, string(path)), "got %q", path)
	assert.Equal(t, "/c5/c6/c7/c8/c9/c10/c11/c12", string(path))
}

func TestResolveEightComponentsCompleteButTruncated(t *testing.T) {
	components := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	im := kmem.NewImage()
	file, _ := mountChain(im, components...)

	r := NewResolver(im)

	path, status := r.Resolve(file)
	// All eight rounds are spent prepending components, leaving none to
	// confirm the root: the path is complete but reported Truncated.
	assert.Equal(t, "/a/b/c/d/e/f/g/h", string(path))
	assert.Equal(t, StatusTruncated, status)
}

func TestResolveStopsOnRepeatedDentry(t *testing.T) {
	im := kmem.NewImage()

	rootDentry := im.NewRef()
	im.Set(rootDentry, kmem.Dentry{Parent: rootDentry, Name: []byte("/")})

	de := im.Add(kmem.Dentry{Parent: rootDentry, Name: []byte("loop")})

	// Both mounts share the same mountpoint dentry: the second round sees
	// the previous round's dentry and concludes the walk.
	outer := im.NewRef()
	im.Set(outer, kmem.Mount{MountPoint: de, Parent: outer})
	inner := im.Add(kmem.Mount{MountPoint: de, Parent: outer})

	file := im.Add(kmem.File{Mount: inner})

	r := NewResolver(im)

	path, status := r.Resolve(file)
	assert.Equal(t, StatusResolved, status)
	assert.Equal(t, "/loop", string(path))
}

func TestResolveUnreadableLinksDropEvent(t *testing.T) {
	t.Run("unreadable file", func(t *testing.T) {
		im := kmem.NewImage()
		file, _ := mountChain(im, "data")
		im.Poison(file)

		r := NewResolver(im)

		path, _ := r.Resolve(file)
		assert.Empty(t, path)
	})

	t.Run("unreadable mount mid-walk", func(t *testing.T) {
		im := kmem.NewImage()
		file, mounts := mountChain(im, "data", "jobs")
		im.Poison(mounts[1]) // the "data" mount, reached on round two

		r := NewResolver(im)

		// Partial progress must not leak: unreadable memory aborts the
		// whole event rather than producing a truncated record.
		path, _ := r.Resolve(file)
		assert.Empty(t, path)
	})

	t.Run("unreadable dentry", func(t *testing.T) {
		im := kmem.NewImage()

		rootDentry := im.NewRef()
		im.Set(rootDentry, kmem.Dentry{Parent: rootDentry, Name: []byte("/")})
		rootMnt := im.NewRef()
		im.Set(rootMnt, kmem.Mount{MountPoint: rootDentry, Parent: rootMnt})

		de := im.Add(kmem.Dentry{Parent: rootDentry, Name: []byte("data")})
		im.Poison(de)
		mnt := im.Add(kmem.Mount{MountPoint: de, Parent: rootMnt})
		file := im.Add(kmem.File{Mount: mnt})

		r := NewResolver(im)

		path, _ := r.Resolve(file)
		assert.Empty(t, path)
	})
}

func TestResolveConcurrentReuse(t *testing.T) {
	im := kmem.NewImage()

	fileA, _ := mountChain(im, "alpha", "one")
	fileB, _ := mountChain(im, "beta", "two", "three")

	r := NewResolver(im)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(2)

		go func() {
			defer wg.Done()

			path, status := r.Resolve(fileA)
			assert.Equal(t, StatusResolved, status)
			assert.Equal(t, "/alpha/one", string(path))
		}()

		go func() {
			defer wg.Done()

			path, status := r.Resolve(fileB)
			assert.Equal(t, StatusResolved, status)
			assert.Equal(t, "/beta/two/three", string(path))
		}()
	}

	wg.Wait()
}

func TestPrependNameTailPreserved(t *testing.T) {
	buf := make([]byte, scratchLen)
	cur, remain := 8, 8 // room for eight bytes in front of the cursor

	err := prependName(buf, &cur, &remain, []byte("report.json"))
	require.ErrorIs(t, err, errNameTooLong)

	// The suffix of the name fills the available space; no separator.
	assert.Equal(t, 0, cur)
	assert.Equal(t, "ort.json", string(buf[:8]))
}

func TestPrependNameRejectsOversizedComponent(t *testing.T) {
	buf := make([]byte, scratchLen)
	cur, remain := maxBufLen, maxBufLen

	err := prependName(buf, &cur, &remain, make([]byte, nameMax+1))
	require.ErrorIs(t, err, errNameTooLong)
	assert.Equal(t, maxBufLen, cur, "nothing may be written")
}

func TestPrependNameSequence(t *testing.T) {
	buf := make([]byte, scratchLen)
	cur, remain := maxBufLen, maxBufLen

	require.NoError(t, prependName(buf, &cur, &remain, []byte("jobs")))
	require.NoError(t, prependName(buf, &cur, &remain, []byte("data")))

	assert.Equal(t, "/data/jobs", string(buf[cur:maxBufLen]))
	assert.Equal(t, maxBufLen-10, cur)
	assert.Equal(t, maxBufLen-10, remain)
}
