// Package metrics exposes kiosk pipeline counters over Prometheus. Every
// method is safe on a nil *Metrics so components can run unobserved in
// tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portunus_kiosk"

type Metrics struct {
	registry *prometheus.Registry

	framesCaptured   prometheus.Counter
	framesDropped    *prometheus.CounterVec
	recognitionTime  prometheus.Histogram
	recognitionErrs  prometheus.Counter
	decisions        *prometheus.CounterVec
	wiegandReadings  *prometheus.CounterVec
	deliveryAttempts *prometheus.CounterVec
	pendingEvents    prometheus.Gauge
	gallerySize      prometheus.Gauge
	observerDrops    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_captured_total",
			Help: "Frames read from the camera.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_dropped_total",
			Help: "Frames not sent to recognition, by reason.",
		}, []string{"reason"}),
		recognitionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "recognition_seconds",
			Help:    "Wall time of one detect+encode+match pass.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		recognitionErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "recognition_errors_total",
			Help: "Recognition passes that failed.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "admission_decisions_total",
			Help: "Grant and reject decisions, by outcome and method.",
		}, []string{"outcome", "method"}),
		wiegandReadings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "wiegand_readings_total",
			Help: "Decoded card reader frames, by format.",
		}, []string{"format"}),
		deliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_attempts_total",
			Help: "Remote delivery attempts, by result.",
		}, []string{"result"}),
		pendingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_events",
			Help: "Admission events awaiting delivery.",
		}),
		gallerySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gallery_identities",
			Help: "Identities in the active recognition gallery.",
		}),
		observerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "observer_events_dropped_total",
			Help: "Status events dropped because an observer was slow.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesCaptured, m.framesDropped, m.recognitionTime, m.recognitionErrs,
		m.decisions, m.wiegandReadings, m.deliveryAttempts,
		m.pendingEvents, m.gallerySize, m.observerDrops,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) FrameCaptured() {
	if m != nil {
		m.framesCaptured.Inc()
	}
}

func (m *Metrics) FrameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) RecognitionDone(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.recognitionTime.Observe(d.Seconds())
	if err != nil {
		m.recognitionErrs.Inc()
	}
}

func (m *Metrics) Decision(outcome, method string) {
	if m != nil {
		m.decisions.WithLabelValues(outcome, method).Inc()
	}
}

func (m *Metrics) WiegandReading(format string) {
	if m != nil {
		m.wiegandReadings.WithLabelValues(format).Inc()
	}
}

func (m *Metrics) DeliveryAttempt(result string) {
	if m != nil {
		m.deliveryAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.pendingEvents.Set(float64(n))
	}
}

func (m *Metrics) SetGallerySize(n int) {
	if m != nil {
		m.gallerySize.Set(float64(n))
	}
}

func (m *Metrics) ObserverDropped() {
	if m != nil {
		m.observerDrops.Inc()
	}
}
