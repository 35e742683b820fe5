package run

import (
	"context"
	"errors"
	"net/http"
	"time"

	"sensed/internal/cadence"
	"sensed/internal/listen"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// metrics lives on a private registry so tests can build many servers.
type metrics struct {
	reg            *prometheus.Registry
	captures       *prometheus.CounterVec
	captureLatency prometheus.Histogram
	events         *prometheus.CounterVec
}

func newMetrics(sched func() cadence.Schedule, state func() listen.ListenerState, stats func() listen.Stats) *metrics {
	reg := prometheus.NewRegistry()
	auto := promauto.With(reg)
	m := &metrics{
		reg: reg,
		captures: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "sensed_captures_total",
			Help: "Capture attempts by trigger and result",
		}, []string{"reason", "result"}),
		captureLatency: auto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sensed_capture_duration_seconds",
			Help:    "Wall time of successful capture commands",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		events: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "sensed_events_total",
			Help: "Listener notifications by type",
		}, []string{"type"}),
	}

	auto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sensed_capture_interval_seconds",
		Help: "Interval of the armed capture timer (0 when stopped)",
	}, func() float64 { return sched().IntervalSeconds })
	auto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sensed_capture_active",
		Help: "1 while the activity signal is active",
	}, func() float64 {
		if sched().Mode == cadence.Active {
			return 1
		}
		return 0
	})
	auto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sensed_vad_state",
		Help: "VAD state: 0 idle, 1 speaking, 2 processing",
	}, func() float64 { return float64(state().VadState) })

	counter := func(name, help, label, value string, read func(listen.Stats) uint64) {
		auto.NewCounterFunc(prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{label: value},
		}, func() float64 { return float64(read(stats())) })
	}
	counter("sensed_utterances_total", "Finalized or discarded speech segments", "outcome", "forwarded",
		func(s listen.Stats) uint64 { return s.Utterances - s.Cutoffs })
	counter("sensed_utterances_total", "Finalized or discarded speech segments", "outcome", "cutoff",
		func(s listen.Stats) uint64 { return s.Cutoffs })
	counter("sensed_utterances_total", "Finalized or discarded speech segments", "outcome", "discarded",
		func(s listen.Stats) uint64 { return s.Discarded })
	counter("sensed_duplicates_suppressed_total", "Repeated work dropped by the dedup guards", "kind", "utterance",
		func(s listen.Stats) uint64 { return s.DuplicateUtterances })
	counter("sensed_duplicates_suppressed_total", "Repeated work dropped by the dedup guards", "kind", "event",
		func(s listen.Stats) uint64 { return s.DuplicateEvents })
	counter("sensed_transcriptions_total", "Transcription outcomes", "result", "recognized",
		func(s listen.Stats) uint64 { return s.Recognized })
	counter("sensed_transcriptions_total", "Transcription outcomes", "result", "empty",
		func(s listen.Stats) uint64 { return s.Empty })
	counter("sensed_transcriptions_total", "Transcription outcomes", "result", "failed",
		func(s listen.Stats) uint64 { return s.Failed })
	counter("sensed_transcriptions_total", "Transcription outcomes", "result", "stale",
		func(s listen.Stats) uint64 { return s.StaleResults })
	counter("sensed_recognition_events_total", "Terminal recognition-service events applied", "class", "terminal",
		func(s listen.Stats) uint64 { return s.RecognitionEvents })
	return m
}

func (m *metrics) observeCapture(reason string, elapsed time.Duration, err error) {
	if err != nil {
		m.captures.WithLabelValues(reason, "failed").Inc()
		return
	}
	m.captures.WithLabelValues(reason, "ok").Inc()
	m.captureLatency.Observe(elapsed.Seconds())
}

func (m *metrics) observeEvent(ev listen.Event) {
	m.events.WithLabelValues(string(ev.Type)).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *metrics) serve(ctx context.Context, addr string, logger *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	logger.Infof("metrics listening on http://%s/metrics", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warnf("metrics server: %v", err)
	}
}
