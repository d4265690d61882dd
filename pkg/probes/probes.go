// Package probes contains the per-event handlers that turn raw kernel-side
// observations into aggregated accounting records. Each handler resolves the
// owning cgroup, derives the attribution key for its event family, and folds
// one increment into the matching store table. Handlers never propagate
// errors: an event that cannot be attributed is dropped and counted in
// self-telemetry.
package probes

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/valtlin/cgacct/pkg/aggstore"
	"github.com/valtlin/cgacct/pkg/cgroupid"
	"github.com/valtlin/cgacct/pkg/kmem"
	"github.com/valtlin/cgacct/pkg/mountpath"
	"github.com/valtlin/cgacct/pkg/socktrack"
)

// Op identifies the VFS operation that produced an event.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpOpen
	OpCreate
	OpMkdir
	OpUnlink
	OpRmdir
)

// String returns the operation name for logging.
func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpOpen:
		return "open"
	case OpCreate:
		return "create"
	case OpMkdir:
		return "mkdir"
	case OpUnlink:
		return "unlink"
	case OpRmdir:
		return "rmdir"
	default:
		return "unknown"
	}
}

// Direction tells a datagram handler which way the traffic flowed.
type Direction uint8

const (
	Ingress Direction = iota
	Egress
)

// Probes dispatches kernel events into the aggregation store.
type Probes struct {
	mem     kmem.Reader
	cgroups *cgroupid.Resolver
	mounts  *mountpath.Resolver
	socks   *socktrack.Tracker
	store   *aggstore.Store
	logger  *zap.Logger

	eventsHandled metric.Int64Counter
	eventsDropped metric.Int64Counter
}

// New wires the handlers to their collaborators. The mount resolver and
// socket tracker read through the same memory view as the cgroup resolver.
func New(mem kmem.Reader, cgroups *cgroupid.Resolver, store *aggstore.Store, logger *zap.Logger) *Probes {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Probes{
		mem:     mem,
		cgroups: cgroups,
		mounts:  mountpath.NewResolver(mem),
		socks:   socktrack.NewTracker(mem, socktrack.DefaultCapacity),
		store:   store,
		logger:  logger.Named("probes"),
	}

	meter := otel.Meter("cgacct.probes")

	var err error

	p.eventsHandled, err = meter.Int64Counter(
		"cgacct_events_handled_total",
		metric.WithDescription("Total events folded into the aggregation tables"),
	)
	if err != nil {
		p.logger.Warn("Failed to create events handled counter", zap.Error(err))
	}

	p.eventsDropped, err = meter.Int64Counter(
		"cgacct_events_dropped_total",
		metric.WithDescription("Total events dropped before aggregation"),
	)
	if err != nil {
		p.logger.Warn("Failed to create events dropped counter", zap.Error(err))
	}

	return p
}

// HandleRW accounts one read or write call. ret is the syscall-style result:
// negative values count as an error, anything else as bytes moved.
func (p *Probes) HandleRW(ctx context.Context, op Op, task, file kmem.Ref, ret int64) {
	if op != OpRead && op != OpWrite {
		p.drop(ctx, "bad_op")
		return
	}

	cid := uint32(p.cgroups.CurrentID(task))
	if cid <= cgroupid.IDRoot {
		p.drop(ctx, "cgroup")
		return
	}

	path, _ := p.mounts.Resolve(file)
	if len(path) == 0 {
		p.drop(ctx, "mount_path")
		return
	}

	if p.store.MountIgnored(path) {
		p.drop(ctx, "ignored_mount")
		return
	}

	key := aggstore.VFSKey{CID: cid, Mnt: aggstore.MountKey(path)}

	d := aggstore.RWDelta{Calls: 1}
	if ret < 0 {
		d.Errors = 1
	} else {
		d.Bytes = uint64(ret)
	}

	if op == OpRead {
		p.store.AddRead(key, d)
	} else {
		p.store.AddWrite(key, d)
	}

	p.handled(ctx, op.String())
}

// HandleInode accounts one filesystem-object lifecycle call. Directory
// creation folds into the create table and directory removal into the
// unlink table, so files and directories share one lifecycle view.
func (p *Probes) HandleInode(ctx context.Context, op Op, task kmem.Ref, ret int64) {
	cid := uint32(p.cgroups.CurrentID(task))
	if cid <= cgroupid.IDRoot {
		p.drop(ctx, "cgroup")
		return
	}

	key := aggstore.InodeKey{CID: cid}

	d := aggstore.InodeDelta{Calls: 1}
	if ret < 0 {
		d.Errors = 1
	}

	switch op {
	case OpOpen:
		p.store.AddOpen(key, d)
	case OpCreate, OpMkdir:
		p.store.AddCreate(key, d)
	case OpUnlink, OpRmdir:
		p.store.AddUnlink(key, d)
	default:
		p.drop(ctx, "bad_op")
		return
	}

	p.handled(ctx, op.String())
}

// HandleTCP folds the connection's traffic since its last observation into
// the ingress, egress and retransmission tables. The socket tracker turns
// the kernel's cumulative counters into increments, so calling this on every
// transmit event double counts nothing.
func (p *Probes) HandleTCP(ctx context.Context, task, sock kmem.Ref) {
	cid := uint32(p.cgroups.CurrentID(task))
	if cid <= cgroupid.IDRoot {
		p.drop(ctx, "cgroup")
		return
	}

	fam, incr, ok := p.socks.TrackTCP(sock)
	if !ok {
		p.drop(ctx, "socket")
		return
	}

	key := aggstore.NetKey{CID: cid, Proto: unix.IPPROTO_TCP, Fam: fam}

	if incr.PacketsIn > 0 || incr.BytesRecv > 0 {
		p.store.AddIngress(key, aggstore.NetDelta{Packets: incr.PacketsIn, Bytes: incr.BytesRecv})
	}

	if incr.PacketsOut > 0 || incr.BytesSent > 0 {
		p.store.AddEgress(key, aggstore.NetDelta{Packets: incr.PacketsOut, Bytes: incr.BytesSent})
	}

	if incr.Retrans > 0 || incr.RetransBytes > 0 {
		p.store.AddRetrans(key, aggstore.NetDelta{Packets: incr.Retrans, Bytes: incr.RetransBytes})
	}

	p.handled(ctx, "tcp")
}

// HandleUDP accounts one datagram send or receive. ret is the syscall-style
// result; failed calls moved no data and are dropped.
func (p *Probes) HandleUDP(ctx context.Context, dir Direction, task kmem.Ref, family uint16, ret int64) {
	if ret < 0 {
		p.drop(ctx, "failed_call")
		return
	}

	if family != unix.AF_INET && family != unix.AF_INET6 {
		p.drop(ctx, "family")
		return
	}

	cid := uint32(p.cgroups.CurrentID(task))
	if cid <= cgroupid.IDRoot {
		p.drop(ctx, "cgroup")
		return
	}

	key := aggstore.NetKey{CID: cid, Proto: unix.IPPROTO_UDP, Fam: family}
	d := aggstore.NetDelta{Packets: 1, Bytes: uint64(ret)}

	if dir == Ingress {
		p.store.AddIngress(key, d)
	} else {
		p.store.AddEgress(key, d)
	}

	p.handled(ctx, "udp")
}

func (p *Probes) handled(ctx context.Context, class string) {
	if p.eventsHandled != nil {
		p.eventsHandled.Add(ctx, 1,
			metric.WithAttributes(attribute.String("class", class)))
	}
}

func (p *Probes) drop(ctx context.Context, reason string) {
	if p.eventsDropped != nil {
		p.eventsDropped.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", reason)))
	}
}
