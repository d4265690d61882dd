// Package exporter exposes the aggregation tables as Prometheus counters.
// The collector drains snapshots at scrape time, so scrapes never block the
// event handlers beyond the per-shard locks of the store.
package exporter

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/valtlin/cgacct/pkg/aggstore"
)

const namespace = "cgacct"

var (
	protoNames = map[uint16]string{
		unix.IPPROTO_TCP: "tcp",
		unix.IPPROTO_UDP: "udp",
	}
	familyNames = map[uint16]string{
		unix.AF_INET:  "ipv4",
		unix.AF_INET6: "ipv6",
	}
)

// Config controls what the collector exposes.
type Config struct {
	// AllowedMounts, when non-empty, restricts read/write metrics to mount
	// points matching one of these prefixes. Inode and network metrics are
	// not mount scoped and are always exposed.
	AllowedMounts []string `mapstructure:"allowed_mounts"`
}

// Collector drains an aggregation store on every scrape.
type Collector struct {
	store   *aggstore.Store
	logger  *zap.Logger
	allowed []string

	writeBytes    *prometheus.Desc
	writeRequests *prometheus.Desc
	writeErrors   *prometheus.Desc
	readBytes     *prometheus.Desc
	readRequests  *prometheus.Desc
	readErrors    *prometheus.Desc

	openRequests   *prometheus.Desc
	openErrors     *prometheus.Desc
	createRequests *prometheus.Desc
	createErrors   *prometheus.Desc
	unlinkRequests *prometheus.Desc
	unlinkErrors   *prometheus.Desc

	ingressPackets *prometheus.Desc
	ingressBytes   *prometheus.Desc
	egressPackets  *prometheus.Desc
	egressBytes    *prometheus.Desc
	retransPackets *prometheus.Desc
	retransBytes   *prometheus.Desc
}

// New builds a collector over store. Passing a nil logger is allowed.
func New(store *aggstore.Store, cfg Config, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}

	rwLabels := []string{"cgroup", "mountpoint"}
	inodeLabels := []string{"cgroup"}
	netLabels := []string{"cgroup", "proto", "family"}

	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}

	return &Collector{
		store:   store,
		logger:  logger.Named("exporter"),
		allowed: cfg.AllowedMounts,

		writeBytes:    desc("write_bytes_total", "Total bytes written by a cgroup", rwLabels),
		writeRequests: desc("write_requests_total", "Total write calls issued by a cgroup", rwLabels),
		writeErrors:   desc("write_errors_total", "Total failed write calls issued by a cgroup", rwLabels),
		readBytes:     desc("read_bytes_total", "Total bytes read by a cgroup", rwLabels),
		readRequests:  desc("read_requests_total", "Total read calls issued by a cgroup", rwLabels),
		readErrors:    desc("read_errors_total", "Total failed read calls issued by a cgroup", rwLabels),

		openRequests:   desc("open_requests_total", "Total open calls issued by a cgroup", inodeLabels),
		openErrors:     desc("open_errors_total", "Total failed open calls issued by a cgroup", inodeLabels),
		createRequests: desc("create_requests_total", "Total create calls issued by a cgroup", inodeLabels),
		createErrors:   desc("create_errors_total", "Total failed create calls issued by a cgroup", inodeLabels),
		unlinkRequests: desc("unlink_requests_total", "Total unlink calls issued by a cgroup", inodeLabels),
		unlinkErrors:   desc("unlink_errors_total", "Total failed unlink calls issued by a cgroup", inodeLabels),

		ingressPackets: desc("ingress_packets_total", "Total packets received by a cgroup", netLabels),
		ingressBytes:   desc("ingress_bytes_total", "Total bytes received by a cgroup", netLabels),
		egressPackets:  desc("egress_packets_total", "Total packets sent by a cgroup", netLabels),
		egressBytes:    desc("egress_bytes_total", "Total bytes sent by a cgroup", netLabels),
		retransPackets: desc("retrans_packets_total", "Total packets retransmitted by a cgroup", netLabels),
		retransBytes:   desc("retrans_bytes_total", "Total bytes retransmitted by a cgroup", netLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.writeBytes, c.writeRequests, c.writeErrors,
		c.readBytes, c.readRequests, c.readErrors,
		c.openRequests, c.openErrors,
		c.createRequests, c.createErrors,
		c.unlinkRequests, c.unlinkErrors,
		c.ingressPackets, c.ingressBytes,
		c.egressPackets, c.egressBytes,
		c.retransPackets, c.retransBytes,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.collectRW(ch)
	c.collectInode(ch)
	c.collectNet(ch)
}

func (c *Collector) collectRW(ch chan<- prometheus.Metric) {
	emit := func(bytesDesc, reqDesc, errDesc *prometheus.Desc) func(aggstore.VFSKey, aggstore.RWSnapshot) bool {
		return func(key aggstore.VFSKey, snap aggstore.RWSnapshot) bool {
			mnt := unix.ByteSliceToString(key.Mnt[:])
			if !c.mountAllowed(mnt) {
				return true
			}

			cgroup := cgroupLabel(key.CID)
			ch <- prometheus.MustNewConstMetric(reqDesc, prometheus.CounterValue, float64(snap.Calls), cgroup, mnt)
			ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.CounterValue, float64(snap.Bytes), cgroup, mnt)
			ch <- prometheus.MustNewConstMetric(errDesc, prometheus.CounterValue, float64(snap.Errors), cgroup, mnt)

			return true
		}
	}

	c.store.RangeWrites(emit(c.writeBytes, c.writeRequests, c.writeErrors))
	c.store.RangeReads(emit(c.readBytes, c.readRequests, c.readErrors))
}

func (c *Collector) collectInode(ch chan<- prometheus.Metric) {
	emit := func(reqDesc, errDesc *prometheus.Desc) func(aggstore.InodeKey, aggstore.InodeSnapshot) bool {
		return func(key aggstore.InodeKey, snap aggstore.InodeSnapshot) bool {
			cgroup := cgroupLabel(key.CID)
			ch <- prometheus.MustNewConstMetric(reqDesc, prometheus.CounterValue, float64(snap.Calls), cgroup)
			ch <- prometheus.MustNewConstMetric(errDesc, prometheus.CounterValue, float64(snap.Errors), cgroup)

			return true
		}
	}

	c.store.RangeOpens(emit(c.openRequests, c.openErrors))
	c.store.RangeCreates(emit(c.createRequests, c.createErrors))
	c.store.RangeUnlinks(emit(c.unlinkRequests, c.unlinkErrors))
}

func (c *Collector) collectNet(ch chan<- prometheus.Metric) {
	emit := func(pktDesc, bytesDesc *prometheus.Desc) func(aggstore.NetKey, aggstore.NetSnapshot) bool {
		return func(key aggstore.NetKey, snap aggstore.NetSnapshot) bool {
			cgroup := cgroupLabel(key.CID)
			proto := protoLabel(key.Proto)
			family := familyLabel(key.Fam)
			ch <- prometheus.MustNewConstMetric(pktDesc, prometheus.CounterValue, float64(snap.Packets), cgroup, proto, family)
			ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.CounterValue, float64(snap.Bytes), cgroup, proto, family)

			return true
		}
	}

	c.store.RangeIngress(emit(c.ingressPackets, c.ingressBytes))
	c.store.RangeEgress(emit(c.egressPackets, c.egressBytes))
	c.store.RangeRetrans(emit(c.retransPackets, c.retransBytes))
}

func (c *Collector) mountAllowed(mnt string) bool {
	if len(c.allowed) == 0 {
		return true
	}

	for _, prefix := range c.allowed {
		if len(mnt) >= len(prefix) && mnt[:len(prefix)] == prefix {
			return true
		}
	}

	return false
}

func cgroupLabel(cid uint32) string {
	return strconv.FormatUint(uint64(cid), 10)
}

func protoLabel(proto uint16) string {
	if name, ok := protoNames[proto]; ok {
		return name
	}

	return strconv.FormatUint(uint64(proto), 10)
}

func familyLabel(fam uint16) string {
	if name, ok := familyNames[fam]; ok {
		return name
	}

	return strconv.FormatUint(uint64(fam), 10)
}
