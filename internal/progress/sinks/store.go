package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/progress"
	"github.com/JakeFAU/crawl-engine/internal/store"
)

// StoreSink persists progress deltas via a store.RunRepository. It collapses
// site-level counters and task outcomes per batch to reduce write amplification.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume collapses deltas and forwards them to the repository. It respects
// ctx deadlines and returns any repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)
	outcomes := make(map[uuid.UUID]*store.OutcomeDelta)
	var stops []progress.Event

	for _, evt := range batch {
		runID := evt.RunUUID()
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.repo.UpsertRunStart(ctx, runID, evt.TS); err != nil {
				return fmt.Errorf("upsert run start: %w", err)
			}
		case progress.StageRunStop:
			stops = append(stops, evt)
		case progress.StageFetchDone:
			s.recordSiteStats(stats, runID, evt)
		case progress.StageTaskDone:
			outcomeFor(outcomes, runID).Succeeded++
		case progress.StageTaskFailed:
			outcomeFor(outcomes, runID).Failed++
		case progress.StageSkipped:
			outcomeFor(outcomes, runID).Skipped++
		}
	}

	for key, delta := range stats {
		if delta.fetches == 0 && delta.bytes == 0 {
			continue
		}
		if err := s.repo.UpsertSiteStats(
			ctx,
			key.runID,
			key.site,
			delta.fetches,
			delta.bytes,
			key.statusClass,
			delta.at,
		); err != nil {
			return fmt.Errorf("upsert site stats: %w", err)
		}
	}
	for runID, delta := range outcomes {
		if err := s.repo.AddOutcomes(ctx, runID, *delta); err != nil {
			return fmt.Errorf("add outcomes: %w", err)
		}
	}
	// stops are applied last so outcome counts land before the run closes
	for _, evt := range stops {
		if err := s.repo.CompleteRun(ctx, evt.RunUUID(), evt.TS); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

func outcomeFor(outcomes map[uuid.UUID]*store.OutcomeDelta, runID uuid.UUID) *store.OutcomeDelta {
	delta := outcomes[runID]
	if delta == nil {
		delta = &store.OutcomeDelta{}
		outcomes[runID] = delta
	}
	return delta
}

func (s *StoreSink) recordSiteStats(stats map[statsKey]*statsDelta, runID uuid.UUID, evt progress.Event) {
	if evt.Site == "" {
		return
	}
	key := statsKey{
		runID:       runID,
		site:        evt.Site,
		statusClass: string(evt.StatusClass),
	}
	stat := stats[key]
	if stat == nil {
		stat = &statsDelta{}
		stats[key] = stat
	}
	stat.fetches++
	stat.bytes += evt.Bytes
	if evt.TS.After(stat.at) || stat.at.IsZero() {
		stat.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	runID       uuid.UUID
	site        string
	statusClass string
}

type statsDelta struct {
	fetches int64
	bytes   int64
	at      time.Time
}
