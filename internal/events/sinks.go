package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// LogSink emits structured logs for every event. Useful in development and
// for audit trails where no metrics backend is available.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.logger.Info("pipeline event",
			zap.String("job_id", evt.JobID),
			zap.String("kind", string(evt.Kind)),
			zap.String("stage", string(evt.Stage)),
			zap.String("module", string(evt.Module)),
			zap.String("site", evt.Site),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

// PrometheusSink exports pipeline progress via Prometheus. It owns collectors
// for job starts/completions, running jobs, and cache effectiveness.
type PrometheusSink struct {
	jobsAccepted  prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	cacheOutcomes *prometheus.CounterVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitelens_pipeline_jobs_accepted_total",
			Help: "Jobs accepted into the pipeline.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitelens_pipeline_jobs_finished_total",
			Help: "Jobs finished partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitelens_pipeline_jobs_running",
			Help: "Jobs currently in flight.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitelens_pipeline_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		cacheOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitelens_pipeline_cache_outcomes_total",
			Help: "Cache hits and joins observed at submission.",
		}, []string{"outcome"}),
		running: make(map[string]struct{}),
	}
	for _, c := range []prometheus.Collector{
		s.jobsAccepted, s.jobsFinished, s.jobsRunning, s.jobRuntime, s.cacheOutcomes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register pipeline collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case KindJobAccepted:
			s.jobsAccepted.Inc()
			if s.track(evt.JobID) {
				s.jobsRunning.Inc()
			}
		case KindJobDone:
			s.finish(evt, "success")
		case KindJobFailed:
			s.finish(evt, "error")
		case KindCacheHit:
			s.cacheOutcomes.WithLabelValues("hit").Inc()
		case KindCacheJoin:
			s.cacheOutcomes.WithLabelValues("join").Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt Event, result string) {
	s.jobsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.untrack(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func (s *PrometheusSink) track(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; ok {
		return false
	}
	s.running[id] = struct{}{}
	return true
}

func (s *PrometheusSink) untrack(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; !ok {
		return false
	}
	delete(s.running, id)
	return true
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
