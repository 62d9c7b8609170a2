package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-engine/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{
			RunID:       runID,
			TS:          now.Add(time.Second),
			Stage:       progress.StageFetchDone,
			Site:        "example.com",
			Bytes:       1024,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{RunID: runID, TS: now.Add(time.Second), Stage: progress.StageTaskDone, Site: "example.com"},
		{RunID: runID, TS: now.Add(2 * time.Second), Stage: progress.StageSkipped, Site: "example.org"},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsActive))
	require.InDelta(
		t,
		1.0,
		testutil.ToFloat64(sink.fetchRequests.WithLabelValues("example.com", string(progress.Status2xx))),
		1e-9,
	)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "crawler_fetch_duration_seconds"))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.taskOutcomes.WithLabelValues("succeeded")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.taskOutcomes.WithLabelValues("skipped")))

	stop := progress.Event{RunID: runID, TS: now.Add(5 * time.Second), Stage: progress.StageRunStop, Dur: 5 * time.Second}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{stop, stop}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
