package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/streamtools/streamer.tools/pkg/reconcile"
	"github.com/streamtools/streamer.tools/pkg/report"
	"github.com/streamtools/streamer.tools/pkg/store"
	"github.com/streamtools/streamer.tools/pkg/tasks"
)

type choppedArgs struct {
	Report       string `json:"rpt"`
	AttemptCount int    `json:"attempt_count"`
}

type e2SyncArgs struct {
	Device       uint32   `json:"device"`
	SeqIDs       []uint32 `json:"seq_ids"`
	AttemptCount int      `json:"attempt_count"`
}

// blockMarkers are the committed readings that can close a dirty block:
// a reboot, or a report marker confirming the device finished its
// transmission window.
var blockMarkers = []uint16{
	report.StreamReboot,
	report.StreamCompleteReport,
	report.StreamChoppedReport,
}

// HandleChoppedRetry re-anchors a truncated report's committed readings
// once a later report has delivered a marker bounding the block. Until
// one arrives it re-schedules itself with backoff, giving up after the
// attempt budget.
func (p *Pipeline) HandleChoppedRetry(ctx context.Context, args json.RawMessage) error {
	var a choppedArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("bad chopped-retry args: %w", err)
	}
	return p.recoverDirtyBlock(ctx, a, tasks.TypeChoppedRetry)
}

// HandleRebootFixup retroactively cleans a report whose oldest block
// stayed dirty for lack of an anchor. Same marker search as chopped
// recovery; scheduled when a commit leaves dirty rows behind.
func (p *Pipeline) HandleRebootFixup(ctx context.Context, args json.RawMessage) error {
	var a choppedArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("bad reboot-fixup args: %w", err)
	}
	return p.recoverDirtyBlock(ctx, a, tasks.TypeRebootFixup)
}

func (p *Pipeline) recoverDirtyBlock(ctx context.Context, a choppedArgs, taskType string) error {
	ctx, span := tracer.Start(ctx, "recoverDirtyBlock")
	defer span.End()

	logger := p.Logger.With("report", a.Report, "task", taskType)

	rpt, err := p.Store.GetReport(ctx, a.Report)
	if err != nil {
		return fmt.Errorf("failed to load report: %w", err)
	}
	if rpt.ActualLastID == 0 {
		return nil
	}

	rows, err := p.Store.ReadingsInRange(ctx, rpt.DeviceID, rpt.ActualFirstID, rpt.ActualLastID)
	if err != nil {
		return fmt.Errorf("failed to load committed readings: %w", err)
	}
	if !hasDirty(rows) {
		return nil
	}

	marker, err := p.Store.NextBlockMarker(ctx, rpt.DeviceID, rpt.ActualLastID, blockMarkers)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return p.retryRecovery(ctx, a, taskType, logger)
		}
		return fmt.Errorf("failed to search for block marker: %w", err)
	}
	if marker.Status != reconcile.StatusClean && marker.Status != reconcile.StatusUTC {
		// The anchor itself is still an estimate; wait for better data.
		return p.retryRecovery(ctx, a, taskType, logger)
	}

	items := fromRows(rows)
	batch := &reconcile.Batch{
		ReceivedAt:          rpt.SentTimestamp,
		DeviceSentTimestamp: rpt.DeviceSentTimestamp,
		RefRebootTime:       &marker.Timestamp,
		Readings:            items,
	}
	anchors := &reportAnchors{store: p.Store, slug: rpt.StreamerSlug, incrementalID: rpt.IncrementalID}
	if err := batch.HandleReboots(ctx, anchors); err != nil {
		return fmt.Errorf("failed to re-anchor block: %w", err)
	}

	for i := range rows {
		rows[i].Timestamp = batch.Readings[i].Timestamp
		rows[i].Status = batch.Readings[i].Status
		rows[i].DirtyTS = batch.Readings[i].DirtyTS
	}
	if err := p.Store.UpdateReadingTimes(ctx, rows); err != nil {
		return fmt.Errorf("failed to rewrite timestamps: %w", err)
	}

	p.resyncBlockEvents(ctx, rpt, batch.Readings, logger)

	logger.Info("dirty block recovered",
		"readings", len(rows),
		"anchor_seq", marker.StreamerLocalID,
		"attempts", a.AttemptCount,
	)
	blocksRecovered.WithLabelValues(taskType).Inc()
	return nil
}

func (p *Pipeline) retryRecovery(ctx context.Context, a choppedArgs, taskType string, logger *slog.Logger) error {
	if a.AttemptCount+1 >= ChoppedMaxAttempts {
		p.Notifier.Notify(ctx, "giving up on dirty block recovery", map[string]interface{}{
			"report":   a.Report,
			"attempts": a.AttemptCount + 1,
		})
		logger.Warn("recovery budget exhausted, leaving block dirty")
		return nil
	}
	return p.Scheduler.Schedule(ctx, taskType, choppedArgs{
		Report:       a.Report,
		AttemptCount: a.AttemptCount + 1,
	}, ChoppedRetryDelay)
}

// resyncBlockEvents pushes corrected timestamps onto events whose
// source readings just moved.
func (p *Pipeline) resyncBlockEvents(ctx context.Context, rpt *store.StreamerReport, items []reconcile.Reading, logger *slog.Logger) {
	seqIDs := make([]uint32, 0, len(items))
	times := make(map[uint32]reconcile.Reading, len(items))
	for _, it := range items {
		seqIDs = append(seqIDs, it.SeqID)
		times[it.SeqID] = it
	}

	events, err := p.Store.EventsBySeqIDs(ctx, rpt.DeviceID, seqIDs)
	if err != nil {
		logger.Error("failed to load events for resync", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	for i := range events {
		it := times[events[i].StreamerLocalID]
		events[i].Timestamp = it.Timestamp
		events[i].Status = it.Status
		events[i].DirtyTS = it.DirtyTS
	}
	if err := p.Store.UpdateEventTimes(ctx, events); err != nil {
		logger.Error("failed to resync event times", "error", err)
	}
}

// HandleE2SyncRetry retries event-timestamp sync for events that had not
// been uploaded yet when their readings committed.
func (p *Pipeline) HandleE2SyncRetry(ctx context.Context, args json.RawMessage) error {
	var a e2SyncArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("bad e2-sync args: %w", err)
	}

	events, err := p.Store.EventsBySeqIDs(ctx, a.Device, a.SeqIDs)
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}

	found := make(map[uint32]bool, len(events))
	for _, e := range events {
		found[e.StreamerLocalID] = true
	}
	var missing []uint32
	for _, id := range a.SeqIDs {
		if !found[id] {
			missing = append(missing, id)
		}
	}

	if len(events) > 0 {
		rows, err := p.Store.ReadingsBySeqValues(ctx, a.Device, a.SeqIDs)
		if err != nil {
			return fmt.Errorf("failed to load readings: %w", err)
		}
		byRef := make(map[uint32]store.StreamData, len(rows))
		for _, r := range rows {
			byRef[r.Value] = r
		}
		for i := range events {
			if r, ok := byRef[events[i].StreamerLocalID]; ok {
				events[i].Timestamp = r.Timestamp
				events[i].DeviceTimestamp = r.DeviceTimestamp
				events[i].Status = reconcile.StatusClean
				events[i].DirtyTS = false
			}
		}
		if err := p.Store.UpdateEventTimes(ctx, events); err != nil {
			return fmt.Errorf("failed to sync event times: %w", err)
		}
	}

	if len(missing) > 0 {
		if a.AttemptCount+1 >= ChoppedMaxAttempts {
			p.Notifier.Notify(ctx, "giving up on event sync", map[string]interface{}{
				"device":  a.Device,
				"seq_ids": missing,
			})
			return nil
		}
		return p.Scheduler.Schedule(ctx, tasks.TypeE2SyncRetry, e2SyncArgs{
			Device:       a.Device,
			SeqIDs:       missing,
			AttemptCount: a.AttemptCount + 1,
		}, ChoppedRetryDelay)
	}
	return nil
}

func fromRows(rows []store.StreamData) []reconcile.Reading {
	items := make([]reconcile.Reading, 0, len(rows))
	for _, r := range rows {
		items = append(items, reconcile.Reading{
			RowID:   r.ID,
			SeqID:   r.StreamerLocalID,
			Stream:  r.Variable,
			Elapsed: r.DeviceTimestamp,
			Value:   r.Value,

			Timestamp: r.Timestamp,
			Status:    r.Status,
			DirtyTS:   r.DirtyTS,
		})
	}
	return items
}
