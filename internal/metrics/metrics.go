// Package metrics exposes the Prometheus collectors of one camera device.
// Every device owns its registry, so several cameras can live in one process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/stagetask"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
)

const namespace = "camhal"

// Device holds the collectors of one camera.
type Device struct {
	registry *prometheus.Registry

	tasksSubmitted  *prometheus.CounterVec
	tasksResolved   *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	framesInFlight  prometheus.Gauge
	framesCompleted prometheus.Counter
	buffersDropped  *prometheus.CounterVec
	configures      *prometheus.CounterVec
	events          *prometheus.CounterVec
}

var _ stagetask.Observer = (*Device)(nil)

// New registers the collectors of camera cameraID on a fresh registry.
func New(cameraID int) *Device {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	labels := prometheus.Labels{"camera": strconv.Itoa(cameraID)}

	return &Device{
		registry: reg,
		tasksSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "stage_tasks_submitted_total",
			Help:        "Stage tasks handed to the execution engine.",
			ConstLabels: labels,
		}, []string{"stage"}),
		tasksResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "stage_tasks_resolved_total",
			Help:        "Stage tasks by final outcome.",
			ConstLabels: labels,
		}, []string{"stage", "resolution"}),
		taskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "stage_task_duration_seconds",
			Help:        "Time from task submission to its resolution.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"stage"}),
		framesInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "frames_in_flight",
			Help:        "Capture requests admitted and not yet completed.",
			ConstLabels: labels,
		}),
		framesCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "frames_completed_total",
			Help:        "Capture requests completed.",
			ConstLabels: labels,
		}),
		buffersDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "buffers_dropped_total",
			Help:        "Output buffers returned without a valid image.",
			ConstLabels: labels,
		}, []string{"stream"}),
		configures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "configures_total",
			Help:        "Stream configurations by status code.",
			ConstLabels: labels,
		}, []string{"code"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "events_total",
			Help:        "Device events published.",
			ConstLabels: labels,
		}, []string{"kind"}),
	}
}

// Registry returns the registry the collectors live on.
func (d *Device) Registry() *prometheus.Registry {
	return d.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (d *Device) Handler() http.Handler {
	return promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry})
}

// TaskSubmitted implements stagetask.Observer.
func (d *Device) TaskSubmitted(stage string) {
	d.tasksSubmitted.WithLabelValues(stage).Inc()
}

// TaskResolved implements stagetask.Observer.
func (d *Device) TaskResolved(stage string, r stagetask.Resolution, took time.Duration) {
	d.tasksResolved.WithLabelValues(stage, r.String()).Inc()
	if r == stagetask.Completed {
		d.taskDuration.WithLabelValues(stage).Observe(took.Seconds())
	}
}

// FrameAdmitted counts a request entering the pipeline.
func (d *Device) FrameAdmitted() {
	d.framesInFlight.Inc()
}

// FrameCompleted counts a request leaving the pipeline.
func (d *Device) FrameCompleted() {
	d.framesInFlight.Dec()
	d.framesCompleted.Inc()
}

// FramesAbandoned removes n requests dropped by a stop.
func (d *Device) FramesAbandoned(n int) {
	d.framesInFlight.Sub(float64(n))
}

// BufferDropped counts a dropped output buffer of streamID.
func (d *Device) BufferDropped(streamID int) {
	d.buffersDropped.WithLabelValues(strconv.Itoa(streamID)).Inc()
}

// Configured counts the outcome of a configure call.
func (d *Device) Configured(err error) {
	d.configures.WithLabelValues(status.CodeOf(err).String()).Inc()
}

// Event counts one published event.
func (d *Device) Event(kind string) {
	d.events.WithLabelValues(kind).Inc()
}
