package metrics

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatheredNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestCollector_RecordsMetrics(t *testing.T) {
	c := NewCollector(slog.New(slog.NewTextHandler(io.Discard, nil)))

	c.RecordStage("Train", 2*time.Second, true)
	c.SetDatasetSamples("train", 8)
	c.RecordGeneration(300*time.Millisecond, true)
	c.IncrementJudgeRequest("ollama", "success")
	c.ObserveJudgeScore(4)

	names := gatheredNames(t)
	for _, name := range []string{
		"all4you_stage_duration_seconds",
		"all4you_dataset_samples",
		"all4you_generation_duration_seconds",
		"all4you_judge_requests_total",
		"all4you_judge_score",
	} {
		assert.True(t, names[name], name)
	}
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordStage("Train", time.Second, false)
		c.SetDatasetSamples("eval", 2)
		c.RecordGeneration(time.Second, false)
		c.IncrementJudgeRequest("model", "error")
		c.ObserveJudgeScore(1)
	})
}
