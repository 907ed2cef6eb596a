// Package metrics exposes Prometheus instrumentation for the listeners and
// their sessions.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds every collector used by the server. All methods are safe to
// call on a nil *Metrics, which records nothing.
type Metrics struct {
	ListenersActive    *prometheus.GaugeVec
	BindFailures       *prometheus.CounterVec
	SessionsActive     *prometheus.GaugeVec
	SessionsStarted    *prometheus.CounterVec
	SessionsTerminated *prometheus.CounterVec
	SessionDuration    *prometheus.HistogramVec
	FramesReceived     *prometheus.CounterVec
	MalformedFrames    *prometheus.CounterVec
	BytesReceived      *prometheus.CounterVec
	BytesSent          *prometheus.CounterVec
	DatagramsDropped   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ListenersActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trackd_listeners_active",
			Help: "Number of bound listeners",
		}, []string{"protocol"}),
		BindFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trackd_bind_failures_total",
			Help: "Total number of ports that could not be bound",
		}, []string{"protocol"}),
		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trackd_sessions_active",
			Help: "Current number of device sessions",
		}, []string{"listener"}),
		SessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trackd_sessions_started_total",
			Help: "Total number of device sessions started",
		}, []string{"listener"}),
		SessionsTerminated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trackd_sessions_terminated_total",
			Help: "Total number of device sessions ended, by reason",
		}, []string{"listener", "reason"}),
		SessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trackd_session_duration_seconds",
			Help:    "Duration of device sessions",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27 minutes
		}, []string{"listener"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trackd_frames_received_total",
			Help: "Total number of packets framed",
		}, []string{"listener"}),
		MalformedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trackd_malformed_frames_total",
			Help: "Total number of packets cut at the maximum packet length",
		}, []string{"listener"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trackd_received_bytes_total",
			Help: "Total number of packet bytes received",
		}, []string{"listener"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trackd_sent_bytes_total",
			Help: "Total number of response bytes sent",
		}, []string{"listener"}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trackd_datagrams_dropped_total",
			Help: "Total number of UDP datagrams dropped because a session queue was full",
		}, []string{"listener"}),
	}
}

func (m *Metrics) ListenerStarted(protocol string) {
	if m != nil {
		m.ListenersActive.WithLabelValues(protocol).Inc()
	}
}

func (m *Metrics) ListenerStopped(protocol string) {
	if m != nil {
		m.ListenersActive.WithLabelValues(protocol).Dec()
	}
}

func (m *Metrics) BindFailed(protocol string) {
	if m != nil {
		m.BindFailures.WithLabelValues(protocol).Inc()
	}
}

func (m *Metrics) SessionStarted(listener string) {
	if m != nil {
		m.SessionsStarted.WithLabelValues(listener).Inc()
		m.SessionsActive.WithLabelValues(listener).Inc()
	}
}

func (m *Metrics) SessionEnded(listener, reason string, duration time.Duration) {
	if m != nil {
		m.SessionsActive.WithLabelValues(listener).Dec()
		m.SessionsTerminated.WithLabelValues(listener, reason).Inc()
		m.SessionDuration.WithLabelValues(listener).Observe(duration.Seconds())
	}
}

func (m *Metrics) FrameReceived(listener string, size int, malformed bool) {
	if m != nil {
		m.FramesReceived.WithLabelValues(listener).Inc()
		m.BytesReceived.WithLabelValues(listener).Add(float64(size))
		if malformed {
			m.MalformedFrames.WithLabelValues(listener).Inc()
		}
	}
}

func (m *Metrics) Sent(listener string, size int) {
	if m != nil {
		m.BytesSent.WithLabelValues(listener).Add(float64(size))
	}
}

func (m *Metrics) DatagramDropped(listener string) {
	if m != nil {
		m.DatagramsDropped.WithLabelValues(listener).Inc()
	}
}

// Serve exposes the collectors registered with gatherer on /metrics until ctx
// is cancelled.
func Serve(ctx context.Context, logger *logrus.Logger, port int, gatherer prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Infof("[METRICS] serving on %s/metrics", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("[METRICS] error serving metrics: %v", err)
		}
	}()
}
