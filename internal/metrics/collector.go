package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crowdguard/internal/model"
)

// Collector exposes session state and ingest health as Prometheus series.
type Collector struct {
	gatherer prometheus.Gatherer

	Samples          prometheus.Counter
	Alerts           *prometheus.CounterVec
	Dropped          *prometheus.CounterVec
	PollFailures     *prometheus.CounterVec
	ThresholdWrites  *prometheus.CounterVec
	StampedeChanges  *prometheus.CounterVec
	CrowdCount       prometheus.Gauge
	Velocity         prometheus.Gauge
	RiskTier         prometheus.Gauge
	StampedeActive   prometheus.Gauge
	ActiveAlerts     prometheus.Gauge
	BackendConnected prometheus.Gauge
}

// NewCollector registers on reg. A nil reg gets a private registry so callers never need
// to nil-check the collector's series.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Collector{
		gatherer: reg,
		Samples: f.NewCounter(prometheus.CounterOpts{
			Name: "crowdguard_samples_total",
			Help: "Crowd samples accepted.",
		}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdguard_alerts_total",
			Help: "Alerts recorded by panel and type.",
		}, []string{"panel", "type"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdguard_payloads_dropped_total",
			Help: "Inbound payloads rejected during normalization.",
		}, []string{"kind", "reason"}),
		PollFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdguard_poll_failures_total",
			Help: "Failed history polls.",
		}, []string{"what"}),
		ThresholdWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdguard_threshold_writes_total",
			Help: "Background threshold write-through attempts by result.",
		}, []string{"result"}),
		StampedeChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdguard_stampede_transitions_total",
			Help: "Stampede flag transitions by direction and reason.",
		}, []string{"state", "reason"}),
		CrowdCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "crowdguard_crowd_count",
			Help: "Latest crowd count.",
		}),
		Velocity: f.NewGauge(prometheus.GaugeOpts{
			Name: "crowdguard_crowd_velocity",
			Help: "Latest average crowd velocity.",
		}),
		RiskTier: f.NewGauge(prometheus.GaugeOpts{
			Name: "crowdguard_risk_tier",
			Help: "Current risk tier (0=SAFE, 1=MEDIUM, 2=HIGH, 3=CRITICAL).",
		}),
		StampedeActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "crowdguard_stampede_active",
			Help: "1 while the stampede flag is raised.",
		}),
		ActiveAlerts: f.NewGauge(prometheus.GaugeOpts{
			Name: "crowdguard_active_alerts",
			Help: "Non-stampede alerts inside the retention window.",
		}),
		BackendConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "crowdguard_backend_connected",
			Help: "1 while the push transport is connected.",
		}),
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) PayloadDropped(kind model.EventKind, reason string) {
	c.Dropped.WithLabelValues(string(kind), reason).Inc()
}

func (c *Collector) PollFailed(what string) {
	c.PollFailures.WithLabelValues(what).Inc()
}

func (c *Collector) SampleAccepted() {
	c.Samples.Inc()
}

func (c *Collector) AlertRecorded(panel string, t model.AlertType) {
	c.Alerts.WithLabelValues(panel, string(t)).Inc()
}

func (c *Collector) StampedeChanged(active bool, reason string) {
	state := "clear"
	if active {
		state = "active"
	}
	c.StampedeChanges.WithLabelValues(state, reason).Inc()
}

func (c *Collector) ThresholdWritten(err error) {
	if err != nil {
		c.ThresholdWrites.WithLabelValues("error").Inc()
		return
	}
	c.ThresholdWrites.WithLabelValues("ok").Inc()
}

func (c *Collector) ViewPublished(v model.View) {
	c.CrowdCount.Set(float64(v.Count))
	c.Velocity.Set(v.Velocity)
	c.RiskTier.Set(float64(v.Risk))
	c.ActiveAlerts.Set(float64(v.ActiveAlertCount))
	c.StampedeActive.Set(boolGauge(v.Stampede))
	c.BackendConnected.Set(boolGauge(v.Connected))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
