package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "all4you_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds by stage and outcome",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~44min
		},
		[]string{"stage", "outcome"},
	)

	datasetSamples = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "all4you_dataset_samples",
			Help: "Number of samples in the current run by split",
		},
		[]string{"split"}, // "train" or "eval"
	)

	// Evaluation metrics
	generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "all4you_generation_duration_seconds",
			Help:    "Prediction generation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"status"},
	)

	judgeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "all4you_judge_requests_total",
			Help: "Judge requests by backend and outcome",
		},
		[]string{"backend", "outcome"}, // outcome: "success"/"unavailable"/"protocol_error"/"error"
	)

	judgeScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "all4you_judge_score",
			Help:    "Distribution of parsed judge scores",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)
)

// Collector provides convenience methods for recording metrics. A nil
// *Collector is valid and records nothing.
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// RecordStage records how long a stage ran and whether it succeeded
func (c *Collector) RecordStage(stage string, duration time.Duration, success bool) {
	if c == nil {
		return
	}
	stageDuration.WithLabelValues(stage, outcome(success)).Observe(duration.Seconds())
}

// SetDatasetSamples sets the sample count of a split
func (c *Collector) SetDatasetSamples(split string, n int) {
	if c == nil {
		return
	}
	datasetSamples.WithLabelValues(split).Set(float64(n))
}

// RecordGeneration records one prediction generation
func (c *Collector) RecordGeneration(duration time.Duration, success bool) {
	if c == nil {
		return
	}
	generationDuration.WithLabelValues(outcome(success)).Observe(duration.Seconds())
}

// IncrementJudgeRequest counts one judge call
func (c *Collector) IncrementJudgeRequest(backend, result string) {
	if c == nil {
		return
	}
	judgeRequests.WithLabelValues(backend, result).Inc()
}

// ObserveJudgeScore records a parsed judge score
func (c *Collector) ObserveJudgeScore(score float64) {
	if c == nil {
		return
	}
	judgeScores.Observe(score)
}

// Serve exposes /metrics on addr until ctx is cancelled
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if c != nil && c.logger != nil {
			c.logger.Info("Serving metrics", "addr", addr, "path", "/metrics")
		}
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
