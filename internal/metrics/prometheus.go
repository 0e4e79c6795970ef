// Package metrics wraps Prometheus collectors for the orchestrator,
// trimmed from the teacher's broader serverless-platform metrics surface
// down to the machine-lifecycle and vsock-channel counters this spec's
// components actually produce.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type collectors struct {
	registry *prometheus.Registry

	machinesProvisioned *prometheus.CounterVec
	machinesDeprovisioned *prometheus.CounterVec
	machinesCrashed     prometheus.Counter

	vmBootDuration  prometheus.Histogram
	vsockLatency    *prometheus.HistogramVec
	guestAcceptTime prometheus.Histogram

	activeMachines   prometheus.Gauge
	allocatorSlotsInUse prometheus.Gauge
	logSubscribersDropped prometheus.Counter
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var m *collectors

// Init initializes the Prometheus metrics subsystem under the given
// namespace (e.g. "nodemanager"). Safe to call once at process startup.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	c := &collectors{
		registry: registry,
		machinesProvisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "machines_provisioned_total", Help: "Total machines provisioned",
		}, []string{"status"}),
		machinesDeprovisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "machines_deprovisioned_total", Help: "Total machines deprovisioned",
		}, []string{"reason"}),
		machinesCrashed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "machines_crashed_total", Help: "Machines whose image pull failed or whose byte channel closed without an Exited packet",
		}),
		vmBootDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "vm_boot_duration_ms", Help: "Time from VMM spawn to guest byte-channel accept", Buckets: defaultBuckets,
		}),
		vsockLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "vsock_latency_ms", Help: "Host<->guest control channel operation latency", Buckets: defaultBuckets,
		}, []string{"op"}),
		guestAcceptTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "guest_accept_ms", Help: "Time waiting for the guest's inbound byte-channel connection", Buckets: defaultBuckets,
		}),
		activeMachines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_machines", Help: "Machines currently tracked in the machine table",
		}),
		allocatorSlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "allocator_slots_in_use", Help: "Network slots currently issued and not reclaimed",
		}),
		logSubscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "log_subscribers_dropped_total", Help: "Subscribers dropped for being too slow to drain",
		}),
	}

	registry.MustRegister(
		c.machinesProvisioned, c.machinesDeprovisioned, c.machinesCrashed,
		c.vmBootDuration, c.vsockLatency, c.guestAcceptTime,
		c.activeMachines, c.allocatorSlotsInUse, c.logSubscribersDropped,
	)
	m = c
}

// Handler returns the Prometheus scrape handler. Init must be called first.
func Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func RecordProvisioned(success bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !success {
		status = "error"
	}
	m.machinesProvisioned.WithLabelValues(status).Inc()
}

func RecordDeprovisioned(reason string) {
	if m == nil {
		return
	}
	m.machinesDeprovisioned.WithLabelValues(reason).Inc()
}

func RecordCrashed() {
	if m == nil {
		return
	}
	m.machinesCrashed.Inc()
}

func RecordVMBootDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.vmBootDuration.Observe(float64(d.Milliseconds()))
}

func RecordVsockLatency(op string, ms float64) {
	if m == nil {
		return
	}
	m.vsockLatency.WithLabelValues(op).Observe(ms)
}

func RecordGuestAcceptDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.guestAcceptTime.Observe(float64(d.Milliseconds()))
}

func SetActiveMachines(n int) {
	if m == nil {
		return
	}
	m.activeMachines.Set(float64(n))
}

func SetAllocatorSlotsInUse(n int) {
	if m == nil {
		return
	}
	m.allocatorSlotsInUse.Set(float64(n))
}

func RecordSubscriberDropped() {
	if m == nil {
		return
	}
	m.logSubscribersDropped.Inc()
}
