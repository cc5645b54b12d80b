package metrics

import (
	"net/http"
	"time"

	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "objectnode"

// Metrics holds all Prometheus metrics of the object node. Every method is
// safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Auditor
	AuditObjectsScanned  *prometheus.CounterVec
	AuditObjectsExpired  *prometheus.CounterVec
	AuditErrors          *prometheus.CounterVec
	AuditReclaimed       *prometheus.CounterVec
	AuditListingFailures *prometheus.CounterVec

	// Replication, labeled by tier (object or container)
	ReplicationSuffixesChecked *prometheus.CounterVec
	ReplicationSuffixesSynced  *prometheus.CounterVec
	ReplicationRecordsPulled   *prometheus.CounterVec
	ReplicationRecordsPushed   *prometheus.CounterVec
	ReplicationPeerFailures    *prometheus.CounterVec
	ReplicationHandoffsRemoved *prometheus.CounterVec

	// Updater
	UpdaterDeltasPushed     prometheus.Counter
	UpdaterDeltasDuplicate  prometheus.Counter
	UpdaterDeltasFailed     prometheus.Counter
	UpdaterDeltasRebased    prometheus.Counter
	UpdaterContainersFailed prometheus.Counter

	// Passes
	PassDuration *prometheus.HistogramVec
	PassesTotal  *prometheus.CounterVec

	// Gossip
	GossipMembersTotal   prometheus.Gauge
	GossipMembersHealthy prometheus.Gauge

	// Devices
	DiskUsagePercent   *prometheus.GaugeVec
	DiskAvailableBytes *prometheus.GaugeVec
}

// NewMetrics creates all metrics on a private registry labeled with nodeID.
func NewMetrics(nodeID string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	counterVec := func(subsystem, name, help string, labelNames ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, labelNames)
	}
	counter := func(subsystem, name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &Metrics{
		registry: reg,

		AuditObjectsScanned:  counterVec("auditor", "objects_scanned_total", "Objects visited by audit passes", "device"),
		AuditObjectsExpired:  counterVec("auditor", "objects_expired_total", "Objects replaced by expiration markers", "device"),
		AuditErrors:          counterVec("auditor", "errors_total", "Objects the auditor failed to read or expire", "device"),
		AuditReclaimed:       counterVec("auditor", "reclaimed_total", "Tombstones and rows purged after the reclaim age", "device", "tier"),
		AuditListingFailures: counterVec("auditor", "listing_update_failures_total", "Container listing updates that failed after an expiration", "device"),

		ReplicationSuffixesChecked: counterVec("replicator", "suffixes_checked_total", "Suffixes compared with a peer", "tier"),
		ReplicationSuffixesSynced:  counterVec("replicator", "suffixes_synced_total", "Suffixes whose digests differed and were merged", "tier"),
		ReplicationRecordsPulled:   counterVec("replicator", "records_pulled_total", "Records applied locally from a peer", "tier"),
		ReplicationRecordsPushed:   counterVec("replicator", "records_pushed_total", "Records sent to a peer", "tier"),
		ReplicationPeerFailures:    counterVec("replicator", "peer_failures_total", "Partition syncs abandoned because the peer failed", "tier"),
		ReplicationHandoffsRemoved: counterVec("replicator", "handoffs_removed_total", "Handoff partitions removed after reaching every primary", "tier"),

		UpdaterDeltasPushed:     counter("updater", "deltas_pushed_total", "Deltas applied by the account tier"),
		UpdaterDeltasDuplicate:  counter("updater", "deltas_duplicate_total", "Deltas the account tier had already applied"),
		UpdaterDeltasFailed:     counter("updater", "deltas_failed_total", "Delta pushes that failed and were retained"),
		UpdaterDeltasRebased:    counter("updater", "deltas_rebased_total", "Deltas rejected because the account total moved under them"),
		UpdaterContainersFailed: counter("updater", "containers_failed_total", "Containers whose drain failed"),

		PassDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "pass_duration_seconds",
			Help:        "Duration of background passes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"pass"}),
		PassesTotal: counterVec("", "passes_total", "Background passes by result", "pass", "result"),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Members known to gossip",
			ConstLabels: labels,
		}),
		GossipMembersHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "gossip",
			Name:        "members_healthy",
			Help:        "Members reporting healthy status",
			ConstLabels: labels,
		}),

		DiskUsagePercent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "device",
			Name:        "usage_percent",
			Help:        "Filesystem usage of each device",
			ConstLabels: labels,
		}, []string{"device"}),
		DiskAvailableBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "device",
			Name:        "available_bytes",
			Help:        "Free bytes of each device",
			ConstLabels: labels,
		}, []string{"device"}),
	}
}

// Registry returns the registry holding these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAudit adds the counters of one audit pass.
func (m *Metrics) RecordAudit(device string, scanned, expired, errs, reclaimed, listingFailures int) {
	if m == nil {
		return
	}
	m.AuditObjectsScanned.WithLabelValues(device).Add(float64(scanned))
	m.AuditObjectsExpired.WithLabelValues(device).Add(float64(expired))
	m.AuditErrors.WithLabelValues(device).Add(float64(errs))
	m.AuditReclaimed.WithLabelValues(device, "object").Add(float64(reclaimed))
	m.AuditListingFailures.WithLabelValues(device).Add(float64(listingFailures))
}

// RecordContainerReclaim counts container rows purged on a device.
func (m *Metrics) RecordContainerReclaim(device string, n int) {
	if m == nil {
		return
	}
	m.AuditReclaimed.WithLabelValues(device, "container").Add(float64(n))
}

// RecordSync adds the counters of one partition sync.
func (m *Metrics) RecordSync(tier string, checked, synced, pulled, pushed int) {
	if m == nil {
		return
	}
	m.ReplicationSuffixesChecked.WithLabelValues(tier).Add(float64(checked))
	m.ReplicationSuffixesSynced.WithLabelValues(tier).Add(float64(synced))
	m.ReplicationRecordsPulled.WithLabelValues(tier).Add(float64(pulled))
	m.ReplicationRecordsPushed.WithLabelValues(tier).Add(float64(pushed))
}

func (m *Metrics) RecordPeerFailure(tier string) {
	if m == nil {
		return
	}
	m.ReplicationPeerFailures.WithLabelValues(tier).Inc()
}

func (m *Metrics) RecordHandoffRemoved(tier string) {
	if m == nil {
		return
	}
	m.ReplicationHandoffsRemoved.WithLabelValues(tier).Inc()
}

// RecordDelta counts one delta push by outcome.
func (m *Metrics) RecordDelta(outcome model.DeltaOutcome, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.UpdaterDeltasFailed.Inc()
	case outcome == model.DeltaDuplicate:
		m.UpdaterDeltasDuplicate.Inc()
	case outcome == model.DeltaRebased:
		m.UpdaterDeltasRebased.Inc()
	default:
		m.UpdaterDeltasPushed.Inc()
	}
}

func (m *Metrics) RecordContainerFailure() {
	if m == nil {
		return
	}
	m.UpdaterContainersFailed.Inc()
}

// ObservePass records the duration and result of a pass.
func (m *Metrics) ObservePass(pass string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PassDuration.WithLabelValues(pass).Observe(time.Since(started).Seconds())
	m.PassesTotal.WithLabelValues(pass, result).Inc()
}

// UpdateGossipStats updates gossip membership gauges.
func (m *Metrics) UpdateGossipStats(total, healthy int) {
	if m == nil {
		return
	}
	m.GossipMembersTotal.Set(float64(total))
	m.GossipMembersHealthy.Set(float64(healthy))
}

// UpdateDiskStats updates device gauges.
func (m *Metrics) UpdateDiskStats(device string, usagePercent float64, availableBytes uint64) {
	if m == nil {
		return
	}
	m.DiskUsagePercent.WithLabelValues(device).Set(usagePercent)
	m.DiskAvailableBytes.WithLabelValues(device).Set(float64(availableBytes))
}
