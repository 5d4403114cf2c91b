package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wb-go/wbf/zlog"
)

// Metrics records orchestration counters. A nil *Metrics is a valid
// no-op receiver so tests and tools can skip instrumentation.
type Metrics struct {
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	transformSec  prometheus.Histogram
}

// New registers the collectors on the default registry.
func New(namespace string) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Artifact cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Artifact cache misses",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs finished by terminal state",
		}, []string{"state"}),
		transformSec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transform_duration_seconds",
			Help:      "Wall time of transformation engine runs",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	prometheus.MustRegister(m.cacheHits, m.cacheMisses, m.jobsCompleted, m.transformSec)
	return m
}

func (m *Metrics) IncCacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) IncCacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) IncJobCompleted(state string) {
	if m != nil {
		m.jobsCompleted.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) ObserveTransform(d time.Duration) {
	if m != nil {
		m.transformSec.Observe(d.Seconds())
	}
}

// Serve exposes /metrics on its own listener until ctx is cancelled.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		zlog.Logger.Err(err).Msg("metrics listener stopped")
	}
}
