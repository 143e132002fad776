package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/repobench/internal/events"
)

// Recorder holds the run's Prometheus metrics on a private registry, so a
// textfile export contains only this run.
type Recorder struct {
	registry *prometheus.Registry

	// JobDuration tracks benchmark wall-clock time of successful jobs.
	JobDuration *prometheus.HistogramVec
	// JobsTotal counts finished jobs by outcome and failed stage.
	JobsTotal *prometheus.CounterVec
	// StageDuration tracks how long each successful stage took.
	StageDuration *prometheus.HistogramVec
	// ProgressBytes tracks bytes received by clones in flight.
	ProgressBytes prometheus.Counter
	// RunInfo carries the config fingerprint as a label.
	RunInfo *prometheus.GaugeVec
	// RunDuration is the elapsed time of the whole run.
	RunDuration prometheus.Gauge

	lastBytes map[string]uint64
}

// NewRecorder creates a Recorder with all metrics registered.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "repobench",
				Subsystem: "job",
				Name:      "duration_seconds",
				Help:      "Wall-clock duration of the benchmark command",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 18), // 10ms to ~22m
			},
			[]string{"command", "repository"},
		),
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "repobench",
				Name:      "jobs_total",
				Help:      "Finished jobs by outcome and failed stage",
			},
			[]string{"outcome", "stage"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "repobench",
				Subsystem: "stage",
				Name:      "duration_seconds",
				Help:      "Duration of successful pipeline stages",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12), // 1ms to ~70m
			},
			[]string{"stage"},
		),
		ProgressBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "repobench",
				Subsystem: "fetch",
				Name:      "received_bytes_total",
				Help:      "Bytes received while cloning",
			},
		),
		RunInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "repobench",
				Subsystem: "run",
				Name:      "info",
				Help:      "Run metadata; always 1",
			},
			[]string{"config_blake3"},
		),
		RunDuration: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "repobench",
				Subsystem: "run",
				Name:      "duration_seconds",
				Help:      "Elapsed time of the whole run",
			},
		),
		lastBytes: make(map[string]uint64),
	}
}

// SetRunInfo records the config fingerprint.
func (r *Recorder) SetRunInfo(fingerprint string) {
	r.RunInfo.WithLabelValues(fingerprint).Set(1)
}

// Listen records metrics from hub events until the returned function is called.
func (r *Recorder) Listen(hub *events.Hub) func() {
	return hub.AddListener(r.Observe)
}

// Observe updates metrics from one event. The hub serializes calls.
func (r *Recorder) Observe(ev events.Event) {
	switch p := ev.Payload.(type) {
	case events.JobState:
		if p.Stage != "" && p.State != "failed" {
			r.StageDuration.WithLabelValues(p.Stage).Observe(msToSeconds(p.DurationMS))
		}
	case events.JobProgress:
		if p.Bytes > r.lastBytes[p.JobID] {
			r.ProgressBytes.Add(float64(p.Bytes - r.lastBytes[p.JobID]))
			r.lastBytes[p.JobID] = p.Bytes
		}
	case events.JobCompleted:
		delete(r.lastBytes, p.JobID)
		if p.Succeeded {
			r.JobsTotal.WithLabelValues("success", "").Inc()
			r.JobDuration.WithLabelValues(p.Label, p.RepositoryURL).Observe(msToSeconds(p.DurationMS))
			return
		}
		r.JobsTotal.WithLabelValues("failure", p.Stage).Inc()
	case events.RunCompleted:
		r.RunDuration.Set(msToSeconds(p.ElapsedMS))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// WriteTextfile writes the registry for node_exporter's textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Gatherer exposes the registry for tests and custom exporters.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

func msToSeconds(ms int64) float64 {
	return (time.Duration(ms) * time.Millisecond).Seconds()
}
