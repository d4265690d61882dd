package aggstore

// MountKeyLen is the fixed width of the mount-path component of a VFSKey.
// Longer paths are truncated, shorter ones zero padded, so any two paths
// agreeing on the first 64 bytes share a record.
const MountKeyLen = 64

// VFSKey attributes read/write traffic to a cgroup on a mount point.
type VFSKey struct {
	CID uint32
	Mnt [MountKeyLen]byte
}

// InodeKey attributes filesystem-object lifecycle calls to a cgroup.
type InodeKey struct {
	CID uint32
}

// NetKey attributes network traffic to a cgroup split by transport
// protocol and address family.
type NetKey struct {
	CID   uint32
	Proto uint16
	Fam   uint16
}

// MountKey packs a resolved mount path into the fixed-width form used in
// VFSKey, truncating or zero padding as needed.
func MountKey(path []byte) [MountKeyLen]byte {
	var mnt [MountKeyLen]byte

	copy(mnt[:], path)

	return mnt
}
