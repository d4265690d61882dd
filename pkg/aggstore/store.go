package aggstore

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"
)

const (
	// DefaultCapacity is the nominal entry budget per table. An individual
	// table may briefly hold slightly fewer live entries than this because
	// the budget is split across shards.
	DefaultCapacity = 16384

	// DefaultShards is the number of independently locked LRU segments per
	// table.
	DefaultShards = 8
)

// Config controls table sizing and the mount-path ignore list.
type Config struct {
	// Capacity is the per-table entry budget.
	Capacity int `mapstructure:"capacity"`

	// Shards splits each table into independently locked segments.
	Shards int `mapstructure:"shards"`

	// IgnoredMounts drops read/write observations whose resolved mount
	// path begins with any of these prefixes.
	IgnoredMounts []string `mapstructure:"ignored_mounts"`
}

// DefaultConfig returns the production defaults: pseudo filesystems are
// ignored so their churn does not crowd real workloads out of the tables.
func DefaultConfig() Config {
	return Config{
		Capacity:      DefaultCapacity,
		Shards:        DefaultShards,
		IgnoredMounts: []string{"/proc", "/sys", "/dev", "/run"},
	}
}

// Validate checks config for invalid values.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}

	if c.Shards <= 0 {
		return fmt.Errorf("shards must be positive, got %d", c.Shards)
	}

	if c.Shards > c.Capacity {
		return fmt.Errorf("shards (%d) must not exceed capacity (%d)", c.Shards, c.Capacity)
	}

	return nil
}

// Store holds the aggregation tables for every accounted event class.
// All methods are safe for concurrent use.
type Store struct {
	reads   *table[VFSKey, *RWRecord]
	writes  *table[VFSKey, *RWRecord]
	opens   *table[InodeKey, *InodeRecord]
	creates *table[InodeKey, *InodeRecord]
	unlinks *table[InodeKey, *InodeRecord]
	ingress *table[NetKey, *NetRecord]
	egress  *table[NetKey, *NetRecord]
	retrans *table[NetKey, *NetRecord]

	ignored [][]byte
	logger  *zap.Logger
}

// NewStore builds a store sized by cfg. Passing a nil logger is allowed.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid aggstore config: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	ignored := make([][]byte, 0, len(cfg.IgnoredMounts))
	for _, m := range cfg.IgnoredMounts {
		if m == "" {
			continue
		}

		ignored = append(ignored, []byte(m))
	}

	s := &Store{
		reads:   newTable[VFSKey, *RWRecord](cfg.Capacity, cfg.Shards),
		writes:  newTable[VFSKey, *RWRecord](cfg.Capacity, cfg.Shards),
		opens:   newTable[InodeKey, *InodeRecord](cfg.Capacity, cfg.Shards),
		creates: newTable[InodeKey, *InodeRecord](cfg.Capacity, cfg.Shards),
		unlinks: newTable[InodeKey, *InodeRecord](cfg.Capacity, cfg.Shards),
		ingress: newTable[NetKey, *NetRecord](cfg.Capacity, cfg.Shards),
		egress:  newTable[NetKey, *NetRecord](cfg.Capacity, cfg.Shards),
		retrans: newTable[NetKey, *NetRecord](cfg.Capacity, cfg.Shards),
		ignored: ignored,
		logger:  logger.Named("aggstore"),
	}

	s.logger.Debug("Aggregation store created",
		zap.Int("capacity", cfg.Capacity),
		zap.Int("shards", cfg.Shards),
		zap.Strings("ignored_mounts", cfg.IgnoredMounts))

	return s, nil
}

// MountIgnored reports whether a resolved mount path falls under one of
// the configured ignore prefixes.
func (s *Store) MountIgnored(path []byte) bool {
	for _, prefix := range s.ignored {
		if bytes.HasPrefix(path, prefix) {
			return true
		}
	}

	return false
}

// AddRead folds one read observation into the reads table, creating the
// record if the key is new.
func (s *Store) AddRead(key VFSKey, d RWDelta) {
	s.reads.upsert(key, func() *RWRecord { return newRWRecord(d) }, func(r *RWRecord) { r.add(d) })
}

// AddWrite folds one write observation into the writes table.
func (s *Store) AddWrite(key VFSKey, d RWDelta) {
	s.writes.upsert(key, func() *RWRecord { return newRWRecord(d) }, func(r *RWRecord) { r.add(d) })
}

// AddOpen folds one open observation into the opens table.
func (s *Store) AddOpen(key InodeKey, d InodeDelta) {
	s.opens.upsert(key, func() *InodeRecord { return newInodeRecord(d) }, func(r *InodeRecord) { r.add(d) })
}

// AddCreate folds one create observation into the creates table.
func (s *Store) AddCreate(key InodeKey, d InodeDelta) {
	s.creates.upsert(key, func() *InodeRecord { return newInodeRecord(d) }, func(r *InodeRecord) { r.add(d) })
}

// AddUnlink folds one unlink observation into the unlinks table.
func (s *Store) AddUnlink(key InodeKey, d InodeDelta) {
	s.unlinks.upsert(key, func() *InodeRecord { return newInodeRecord(d) }, func(r *InodeRecord) { r.add(d) })
}

// AddIngress folds one inbound traffic observation into the ingress table.
func (s *Store) AddIngress(key NetKey, d NetDelta) {
	s.ingress.upsert(key, func() *NetRecord { return newNetRecord(d) }, func(r *NetRecord) { r.add(d) })
}

// AddEgress folds one outbound traffic observation into the egress table.
func (s *Store) AddEgress(key NetKey, d NetDelta) {
	s.egress.upsert(key, func() *NetRecord { return newNetRecord(d) }, func(r *NetRecord) { r.add(d) })
}

// AddRetrans folds one retransmission observation into the retrans table.
func (s *Store) AddRetrans(key NetKey, d NetDelta) {
	s.retrans.upsert(key, func() *NetRecord { return newNetRecord(d) }, func(r *NetRecord) { r.add(d) })
}

// Read returns a snapshot of the reads record for key.
func (s *Store) Read(key VFSKey) (RWSnapshot, bool) {
	return rwSnapshot(s.reads, key)
}

// Write returns a snapshot of the writes record for key.
func (s *Store) Write(key VFSKey) (RWSnapshot, bool) {
	return rwSnapshot(s.writes, key)
}

// Open returns a snapshot of the opens record for key.
func (s *Store) Open(key InodeKey) (InodeSnapshot, bool) {
	return inodeSnapshot(s.opens, key)
}

// Create returns a snapshot of the creates record for key.
func (s *Store) Create(key InodeKey) (InodeSnapshot, bool) {
	return inodeSnapshot(s.creates, key)
}

// Unlink returns a snapshot of the unlinks record for key.
func (s *Store) Unlink(key InodeKey) (InodeSnapshot, bool) {
	return inodeSnapshot(s.unlinks, key)
}

// Ingress returns a snapshot of the ingress record for key.
func (s *Store) Ingress(key NetKey) (NetSnapshot, bool) {
	return netSnapshot(s.ingress, key)
}

// Egress returns a snapshot of the egress record for key.
func (s *Store) Egress(key NetKey) (NetSnapshot, bool) {
	return netSnapshot(s.egress, key)
}

// Retrans returns a snapshot of the retrans record for key.
func (s *Store) Retrans(key NetKey) (NetSnapshot, bool) {
	return netSnapshot(s.retrans, key)
}

// RangeReads visits a snapshot of every reads record. fn returning false
// stops the walk early.
func (s *Store) RangeReads(fn func(VFSKey, RWSnapshot) bool) {
	s.reads.rangeAll(func(k VFSKey, r *RWRecord) bool { return fn(k, r.snapshot()) })
}

// RangeWrites visits a snapshot of every writes record.
func (s *Store) RangeWrites(fn func(VFSKey, RWSnapshot) bool) {
	s.writes.rangeAll(func(k VFSKey, r *RWRecord) bool { return fn(k, r.snapshot()) })
}

// RangeOpens visits a snapshot of every opens record.
func (s *Store) RangeOpens(fn func(InodeKey, InodeSnapshot) bool) {
	s.opens.rangeAll(func(k InodeKey, r *InodeRecord) bool { return fn(k, r.snapshot()) })
}

// RangeCreates visits a snapshot of every creates record.
func (s *Store) RangeCreates(fn func(InodeKey, InodeSnapshot) bool) {
	s.creates.rangeAll(func(k InodeKey, r *InodeRecord) bool { return fn(k, r.snapshot()) })
}

// RangeUnlinks visits a snapshot of every unlinks record.
func (s *Store) RangeUnlinks(fn func(InodeKey, InodeSnapshot) bool) {
	s.unlinks.rangeAll(func(k InodeKey, r *InodeRecord) bool { return fn(k, r.snapshot()) })
}

// RangeIngress visits a snapshot of every ingress record.
func (s *Store) RangeIngress(fn func(NetKey, NetSnapshot) bool) {
	s.ingress.rangeAll(func(k NetKey, r *NetRecord) bool { return fn(k, r.snapshot()) })
}

// RangeEgress visits a snapshot of every egress record.
func (s *Store) RangeEgress(fn func(NetKey, NetSnapshot) bool) {
	s.egress.rangeAll(func(k NetKey, r *NetRecord) bool { return fn(k, r.snapshot()) })
}

// RangeRetrans visits a snapshot of every retrans record.
func (s *Store) RangeRetrans(fn func(NetKey, NetSnapshot) bool) {
	s.retrans.rangeAll(func(k NetKey, r *NetRecord) bool { return fn(k, r.snapshot()) })
}

// DeleteCgroup removes every record attributed to one cgroup across all
// tables, for use when a cgroup is torn down.
func (s *Store) DeleteCgroup(cid uint32) {
	var vfsKeys []VFSKey

	collect := func(k VFSKey, _ RWSnapshot) bool {
		if k.CID == cid {
			vfsKeys = append(vfsKeys, k)
		}

		return true
	}

	s.RangeReads(collect)
	for _, k := range vfsKeys {
		s.reads.delete(k)
	}

	vfsKeys = vfsKeys[:0]
	s.RangeWrites(collect)
	for _, k := range vfsKeys {
		s.writes.delete(k)
	}

	ik := InodeKey{CID: cid}
	s.opens.delete(ik)
	s.creates.delete(ik)
	s.unlinks.delete(ik)

	var netKeys []NetKey

	collectNet := func(k NetKey, _ NetSnapshot) bool {
		if k.CID == cid {
			netKeys = append(netKeys, k)
		}

		return true
	}

	for _, t := range []*table[NetKey, *NetRecord]{s.ingress, s.egress, s.retrans} {
		netKeys = netKeys[:0]
		t.rangeAll(func(k NetKey, r *NetRecord) bool { return collectNet(k, r.snapshot()) })

		for _, k := range netKeys {
			t.delete(k)
		}
	}
}

// Len reports the total number of live records across all tables.
func (s *Store) Len() int {
	return s.reads.len() + s.writes.len() +
		s.opens.len() + s.creates.len() + s.unlinks.len() +
		s.ingress.len() + s.egress.len() + s.retrans.len()
}

func rwSnapshot(t *table[VFSKey, *RWRecord], key VFSKey) (RWSnapshot, bool) {
	r, ok := t.get(key)
	if !ok {
		return RWSnapshot{}, false
	}

	return r.snapshot(), true
}

func inodeSnapshot(t *table[InodeKey, *InodeRecord], key InodeKey) (InodeSnapshot, bool) {
	r, ok := t.get(key)
	if !ok {
		return InodeSnapshot{}, false
	}

	return r.snapshot(), true
}

func netSnapshot(t *table[NetKey, *NetRecord], key NetKey) (NetSnapshot, bool) {
	r, ok := t.get(key)
	if !ok {
		return NetSnapshot{}, false
	}

	return r.snapshot(), true
}
