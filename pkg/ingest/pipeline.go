// Package ingest orchestrates report processing: decode, per-streamer
// serialization, sequence dedup, timestamp reconciliation, commit, and
// the follow-up reactions (chopped recovery, reboot fixups, forwarding,
// filter evaluation).
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/streamtools/streamer.tools/pkg/blob"
	"github.com/streamtools/streamer.tools/pkg/lease"
	"github.com/streamtools/streamer.tools/pkg/reconcile"
	"github.com/streamtools/streamer.tools/pkg/report"
	"github.com/streamtools/streamer.tools/pkg/store"
	"github.com/streamtools/streamer.tools/pkg/tasks"
)

var tracer = otel.Tracer("ingest")

// ErrDeferred means the report was accepted but processing was handed to
// the task queue because the streamer's lease is held.
var ErrDeferred = errors.New("processing deferred")

// EngineVersion is the reconciliation engine this build implements.
const EngineVersion = 2

// Chopped-recovery retry policy.
const (
	ChoppedRetryDelay  = 900 * time.Second
	ChoppedMaxAttempts = 100
)

// WarehouseSink receives committed readings for analytics. Optional.
type WarehouseSink interface {
	Insert(ctx context.Context, rows []store.StreamData) error
}

// Pipeline wires the processing stages together. Fields left nil
// (Filters, Sink, Forwarder) disable the corresponding reaction.
type Pipeline struct {
	Store     *store.Store
	Leases    lease.Provider
	Scheduler *tasks.Scheduler
	Blobs     blob.Store
	Notifier  Notifier
	Filters   FilterEvaluator
	Sink      WarehouseSink
	Forwarder *Forwarder

	Logger *slog.Logger
}

// Result is what the upload API reports back.
type Result struct {
	ReportID      string `json:"report_id"`
	Count         int    `json:"count"`
	ActualFirstID uint32 `json:"actual_first_id"`
	ActualLastID  uint32 `json:"actual_last_id"`
	Chopped       bool   `json:"chopped,omitempty"`
}

type processArgs struct {
	Report       string `json:"rpt"`
	AttemptCount int    `json:"attempt_count"`
}

// HandleUpload runs the full pipeline for freshly uploaded bytes. The
// raw blob is always archived: under the streamer's key on acceptance,
// under errors/ on structural rejection.
func (p *Pipeline) HandleUpload(ctx context.Context, raw []byte, ext string, receivedAt time.Time) (*Result, error) {
	ctx, span := tracer.Start(ctx, "HandleUpload")
	defer span.End()

	start := time.Now()

	dec, err := report.Decode(ext, raw)
	if err != nil {
		p.archiveError(ctx, raw, ext, receivedAt, err)
		reportsProcessed.WithLabelValues("rejected").Inc()
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("device", int64(dec.Header.DeviceID)),
		attribute.Int64("report", int64(dec.Header.ReportID)),
	)

	device, err := p.Store.GetDevice(ctx, dec.Header.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotClaimed) {
			p.Logger.Info("dropping report for unclaimed device", "device", device.Slug)
			reportsProcessed.WithLabelValues("unclaimed").Inc()
		}
		return nil, err
	}

	if dec.Header.StreamerSelector == report.SelectorUserNoReboots {
		return nil, fmt.Errorf("%w: selector %#x", ErrSelectorUnsupported, dec.Header.StreamerSelector)
	}

	streamer, err := p.Store.GetOrCreateStreamer(ctx, dec.Header.DeviceID, dec.Header.StreamerIndex, dec.Header.StreamerSelector, EngineVersion)
	if err != nil {
		return nil, err
	}

	key := blob.ReportKey(streamer.Slug, receivedAt, ext)
	if err := p.Blobs.Put(ctx, key, raw); err != nil {
		return nil, fmt.Errorf("failed to archive report: %w", err)
	}

	rpt := &store.StreamerReport{
		ID:                  uuid.NewString(),
		DeviceID:            dec.Header.DeviceID,
		StreamerSlug:        streamer.Slug,
		IncrementalID:       dec.Header.ReportID,
		DeviceSentTimestamp: dec.Header.SentTimestamp,
		SentTimestamp:       receivedAt.UTC(),
		OriginalFirstID:     dec.Footer.LowestID,
		OriginalLastID:      dec.Footer.HighestID,
		Status:              store.ReportStatusUnknown,
		Ext:                 ext,
		BlobKey:             key,
	}
	if err := p.Store.CreateReport(ctx, rpt); err != nil {
		return nil, fmt.Errorf("failed to record report: %w", err)
	}

	res, err := p.process(ctx, rpt, dec, 0)
	if err != nil {
		return nil, err
	}

	processDuration.Observe(float64(time.Since(start).Milliseconds()))
	return res, nil
}

// HandleProcessTask is the task-queue entry point for deferred and
// retried reports.
func (p *Pipeline) HandleProcessTask(ctx context.Context, args json.RawMessage) error {
	var a processArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("bad process-report args: %w", err)
	}

	rpt, err := p.Store.GetReport(ctx, a.Report)
	if err != nil {
		return fmt.Errorf("failed to load report %s: %w", a.Report, err)
	}
	if rpt.Status == store.ReportStatusSuccess {
		return nil
	}

	raw, err := p.Blobs.Get(ctx, rpt.BlobKey)
	if err != nil {
		return fmt.Errorf("failed to load report blob: %w", err)
	}

	dec, err := report.Decode(rpt.Ext, raw)
	if err != nil {
		return err
	}

	_, err = p.process(ctx, rpt, dec, a.AttemptCount)
	if errors.Is(err, ErrDeferred) {
		return nil
	}
	return err
}

func (p *Pipeline) process(ctx context.Context, rpt *store.StreamerReport, dec *report.Decoded, attempt int) (*Result, error) {
	ctx, span := tracer.Start(ctx, "process")
	defer span.End()

	logger := p.Logger.With("report", rpt.ID, "streamer", rpt.StreamerSlug)

	token, err := p.Leases.Acquire(ctx, rpt.StreamerSlug, lease.DefaultTTL)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return nil, p.deferProcessing(ctx, rpt, attempt, logger)
		}
		return nil, err
	}
	defer func() {
		if err := p.Leases.Release(ctx, rpt.StreamerSlug, token); err != nil {
			logger.Error("failed to release streamer lease", "error", err)
		}
	}()

	// Re-read the cursor under the lease; the pre-lease snapshot may be
	// stale.
	streamer, err := p.Store.GetOrCreateStreamer(ctx, dec.Header.DeviceID, dec.Header.StreamerIndex, dec.Header.StreamerSelector, EngineVersion)
	if err != nil {
		return nil, err
	}
	if streamer.Slug != rpt.StreamerSlug {
		return nil, fmt.Errorf("%w: %s vs %s", ErrStreamerMismatch, streamer.Slug, rpt.StreamerSlug)
	}

	kept, first, last, err := filterNew(dec.Data, streamer.LastID, dec.Footer)
	if err != nil {
		p.failReport(ctx, rpt, logger, err)
		return nil, err
	}

	if len(kept) == 0 {
		if err := p.Store.CommitReport(ctx, rpt, streamer, nil, nil, 0, 0); err != nil {
			return nil, err
		}
		logger.Info("report contained nothing new", "incremental_id", rpt.IncrementalID)
		reportsProcessed.WithLabelValues("duplicate").Inc()
		return &Result{ReportID: rpt.ID, Count: 0}, nil
	}

	batch := &reconcile.Batch{
		ReceivedAt:          rpt.SentTimestamp,
		DeviceSentTimestamp: rpt.DeviceSentTimestamp,
		Readings:            toReconcile(kept, dec.Times),
	}

	anchors := &reportAnchors{store: p.Store, slug: streamer.Slug, incrementalID: rpt.IncrementalID}
	if err := batch.HandleReboots(ctx, anchors); err != nil {
		p.failReport(ctx, rpt, logger, err)
		return nil, err
	}

	rows, events, updates, e2Refs, err := p.postProcess(ctx, dec, batch)
	if err != nil {
		p.failReport(ctx, rpt, logger, err)
		return nil, err
	}

	if err := p.Store.CommitReport(ctx, rpt, streamer, rows, events, first, last); err != nil {
		return nil, fmt.Errorf("failed to commit report: %w", err)
	}
	readingsCommitted.Add(float64(len(rows)))

	if err := p.Store.TouchDeviceHeartbeat(ctx, dec.Header.DeviceID, last); err != nil {
		logger.Error("failed to update device heartbeat", "error", err)
	}
	if err := p.Store.SetDeviceVersions(ctx, dec.Header.DeviceID, updates); err != nil {
		logger.Error("failed to record version markers", "error", err)
	}

	p.syncE2Events(ctx, rpt, e2Refs, logger)
	p.react(ctx, rpt, dec, rows, logger)

	logger.Info("report committed",
		"incremental_id", rpt.IncrementalID,
		"readings", len(rows),
		"events", len(events),
		"actual_first_id", first,
		"actual_last_id", last,
		"chopped", dec.Chopped,
	)
	reportsProcessed.WithLabelValues("committed").Inc()

	return &Result{
		ReportID:      rpt.ID,
		Count:         len(rows),
		ActualFirstID: first,
		ActualLastID:  last,
		Chopped:       dec.Chopped,
	}, nil
}

// postProcess turns the reconciled batch into persistable rows: drops
// reboot markers on non-system channels, extracts version markers,
// assembles encoded-stream events, merges gateway-supplied events, and
// collects E2 references.
func (p *Pipeline) postProcess(
	ctx context.Context,
	dec *report.Decoded,
	batch *reconcile.Batch,
) ([]store.StreamData, []store.StreamEvent, map[string]interface{}, map[uint32]e2Ref, error) {
	deviceID := dec.Header.DeviceID

	metas, err := p.Store.StreamMetaByDevice(ctx, deviceID)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to load stream meta: %w", err)
	}
	encoded := make(map[uint16]bool)
	e2 := make(map[uint16]bool)
	for _, m := range metas {
		if m.Encoded {
			encoded[m.Variable] = true
		}
		if m.DataType == store.DataTypeEventSync {
			e2[m.Variable] = true
		}
	}

	updates := otaUpdates(batch.Readings)
	events, consumed := assembleEncodedEvents(deviceID, batch.Readings, encoded)
	e2Refs := e2SeqRefs(batch.Readings, e2)

	dropReboots := dec.Header.StreamerSelector != report.SelectorSystem

	rows := make([]store.StreamData, 0, len(batch.Readings))
	byseq := make(map[uint32]*reconcile.Reading, len(batch.Readings))
	for i := range batch.Readings {
		it := &batch.Readings[i]
		byseq[it.SeqID] = it

		if consumed[it.SeqID] {
			continue
		}
		// The system channel owns the physical reboot record; user
		// channels reporting the same reboot would double-count it.
		if dropReboots && it.Stream == report.StreamReboot {
			continue
		}

		rows = append(rows, store.StreamData{
			StreamSlug:      store.StreamSlug(deviceID, it.Stream),
			DeviceID:        deviceID,
			Variable:        it.Stream,
			StreamerLocalID: it.SeqID,
			DeviceTimestamp: it.Elapsed,
			Timestamp:       it.Timestamp,
			Value:           it.Value,
			Status:          it.Status,
			DirtyTS:         it.DirtyTS,
		})
	}

	// Gateway-resolved events ride along in JSON/MessagePack reports;
	// they inherit the reconciled time of their companion reading.
	for _, ev := range dec.Events {
		raw, err := json.Marshal(ev.ExtraData)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to encode event payload: %w", err)
		}
		e := store.StreamEvent{
			StreamSlug:      store.StreamSlug(deviceID, uint16(ev.Stream)),
			DeviceID:        deviceID,
			Variable:        uint16(ev.Stream),
			StreamerLocalID: ev.StreamerLocalID,
			DeviceTimestamp: ev.DeviceTimestamp,
			ExtraData:       raw,
			Status:          reconcile.StatusUnknown,
		}
		if it, ok := byseq[ev.StreamerLocalID]; ok {
			e.Timestamp = it.Timestamp
			e.Status = it.Status
			e.DirtyTS = it.DirtyTS
		}
		events = append(events, e)
	}

	return rows, events, updates, e2Refs, nil
}

// syncE2Events rewrites event timestamps referenced by E2 readings.
// Missing events get a bounded retry since the event upload may simply
// not have landed yet.
func (p *Pipeline) syncE2Events(ctx context.Context, rpt *store.StreamerReport, refs map[uint32]e2Ref, logger *slog.Logger) {
	if len(refs) == 0 {
		return
	}

	seqIDs := make([]uint32, 0, len(refs))
	for id := range refs {
		seqIDs = append(seqIDs, id)
	}

	events, err := p.Store.EventsBySeqIDs(ctx, rpt.DeviceID, seqIDs)
	if err != nil {
		logger.Error("failed to load events for sync", "error", err)
		return
	}

	found := make(map[uint32]bool, len(events))
	for i := range events {
		found[events[i].StreamerLocalID] = true
		ref := refs[events[i].StreamerLocalID]
		events[i].Timestamp = ref.Timestamp
		events[i].DeviceTimestamp = ref.Elapsed
		events[i].Status = reconcile.StatusClean
		events[i].DirtyTS = false
	}
	if len(events) > 0 {
		if err := p.Store.UpdateEventTimes(ctx, events); err != nil {
			logger.Error("failed to sync event times", "error", err)
			return
		}
	}

	var missing []uint32
	for _, id := range seqIDs {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		p.Notifier.Notify(ctx, "events missing for sync", map[string]interface{}{
			"device":  rpt.DeviceID,
			"seq_ids": missing,
		})
		err := p.Scheduler.Schedule(ctx, tasks.TypeE2SyncRetry, e2SyncArgs{
			Device:       rpt.DeviceID,
			SeqIDs:       missing,
			AttemptCount: 0,
		}, ChoppedRetryDelay)
		if err != nil {
			logger.Error("failed to schedule e2 sync retry", "error", err)
		}
	}
}

// react schedules the post-commit follow-ups.
func (p *Pipeline) react(ctx context.Context, rpt *store.StreamerReport, dec *report.Decoded, rows []store.StreamData, logger *slog.Logger) {
	if dec.Chopped {
		err := p.Scheduler.Schedule(ctx, tasks.TypeChoppedRetry, choppedArgs{Report: rpt.ID}, ChoppedRetryDelay)
		if err != nil {
			logger.Error("failed to schedule chopped recovery", "error", err)
		}
	} else if hasDirty(rows) {
		err := p.Scheduler.Schedule(ctx, tasks.TypeRebootFixup, choppedArgs{Report: rpt.ID}, ChoppedRetryDelay)
		if err != nil {
			logger.Error("failed to schedule reboot fixup", "error", err)
		}
	}

	if p.Sink != nil && len(rows) > 0 {
		if err := p.Sink.Insert(ctx, rows); err != nil {
			logger.Error("failed to stream readings to warehouse", "error", err)
		}
	}

	if p.Filters != nil {
		p.Filters.Evaluate(ctx, rows)
	}

	if p.Forwarder != nil {
		err := p.Scheduler.Schedule(ctx, tasks.TypeForward, forwardArgs{
			Org:    p.Forwarder.Org,
			Report: rpt.ID,
			Ext:    rpt.Ext,
		}, 0)
		if err != nil {
			logger.Error("failed to schedule forward", "error", err)
		}
	}
}

func (p *Pipeline) deferProcessing(ctx context.Context, rpt *store.StreamerReport, attempt int, logger *slog.Logger) error {
	leaseContention.Inc()

	// The lease provider has seen every bounced acquisition on this
	// channel, not just this report's retries; the thresholds act on
	// whichever signal is further along.
	if held, err := p.Leases.FailedCount(ctx, rpt.StreamerSlug); err != nil {
		logger.Error("failed to read lease contention count", "error", err)
	} else if held > attempt {
		attempt = held
	}

	if attempt >= lease.GiveUpAfter {
		p.Notifier.Notify(ctx, "abandoning report after lease contention", map[string]interface{}{
			"report":   rpt.ID,
			"streamer": rpt.StreamerSlug,
			"attempts": attempt,
		})
		p.failReport(ctx, rpt, logger, errors.New("lease contention budget exhausted"))
		return ErrDeferred
	}
	if attempt > 0 && attempt%lease.AlertEvery == 0 {
		p.Notifier.Notify(ctx, "streamer lease contention", map[string]interface{}{
			"report":   rpt.ID,
			"streamer": rpt.StreamerSlug,
			"attempts": attempt,
		})
	}

	err := p.Scheduler.Schedule(ctx, tasks.TypeProcessReport, processArgs{
		Report:       rpt.ID,
		AttemptCount: attempt + 1,
	}, lease.RetryDelay)
	if err != nil {
		return fmt.Errorf("failed to re-schedule report: %w", err)
	}

	if rpt.Status != store.ReportStatusRetrying {
		if err := p.Store.UpdateReportStatus(ctx, rpt.ID, store.ReportStatusRetrying); err != nil {
			logger.Error("failed to mark report retrying", "error", err)
		}
	}
	return ErrDeferred
}

func (p *Pipeline) failReport(ctx context.Context, rpt *store.StreamerReport, logger *slog.Logger, cause error) {
	logger.Error("report processing failed", "error", cause)
	if err := p.Store.UpdateReportStatus(ctx, rpt.ID, store.ReportStatusFailed); err != nil {
		logger.Error("failed to mark report failed", "error", err)
	}
	reportsProcessed.WithLabelValues("failed").Inc()
}

func (p *Pipeline) archiveError(ctx context.Context, raw []byte, ext string, receivedAt time.Time, cause error) {
	if errors.Is(cause, report.ErrUnsupportedMediaType) {
		return
	}
	key := blob.ErrorKey(receivedAt, ext)
	if err := p.Blobs.Put(ctx, key, raw); err != nil {
		p.Logger.Error("failed to archive rejected report", "key", key, "error", err)
		return
	}
	p.Notifier.Notify(ctx, "rejected report archived", map[string]interface{}{
		"key":   key,
		"cause": cause.Error(),
	})
}

func hasDirty(rows []store.StreamData) bool {
	for _, r := range rows {
		if r.DirtyTS {
			return true
		}
	}
	return false
}

func toReconcile(readings []report.RawReading, times map[uint32]time.Time) []reconcile.Reading {
	items := make([]reconcile.Reading, 0, len(readings))
	for _, r := range readings {
		it := reconcile.Reading{
			SeqID:   r.ID,
			Stream:  r.Stream,
			Elapsed: r.DeviceTimestamp,
			Value:   r.Value,
			Status:  reconcile.StatusUnknown,
		}
		// Gateway-stamped readings arrive already resolved.
		if ts, ok := times[r.ID]; ok {
			it.Timestamp = ts
			it.Status = reconcile.StatusUTC
		}
		items = append(items, it)
	}
	return items
}

// reportAnchors adapts the prior-report lookup to the reconciler's
// anchor interface.
type reportAnchors struct {
	store         *store.Store
	slug          string
	incrementalID uint32
}

func (a *reportAnchors) PriorAnchor(ctx context.Context) (*reconcile.Anchor, error) {
	prior, err := a.store.PriorAnchorReport(ctx, a.slug, a.incrementalID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &reconcile.Anchor{
		SentTimestamp:       prior.SentTimestamp,
		DeviceSentTimestamp: prior.DeviceSentTimestamp,
		LastID:              prior.ActualLastID,
	}, nil
}
