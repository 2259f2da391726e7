package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streamtools/streamer.tools/pkg/reconcile"
)

// Administrative reprocessing: on-demand timestamp repair for a
// committed sequence-id range, exposed through the admin API and run
// through the task queue so it holds no HTTP request open.

type adjustArgs struct {
	Device  uint32    `json:"device"`
	FirstID uint32    `json:"first_id"`
	LastID  uint32    `json:"last_id"`
	BaseTS  time.Time `json:"base_ts"`
}

type oneRebootArgs struct {
	Device        uint32 `json:"device"`
	FirstID       uint32 `json:"first_id"`
	LastID        uint32 `json:"last_id"`
	RebootSeq     uint32 `json:"reboot_seq"`
	ReferenceSeq  uint32 `json:"reference_seq"`
	OffsetSeconds int    `json:"offset_seconds"`
}

// HandleAdjustTask recomputes a range forward from a supplied base time.
func (p *Pipeline) HandleAdjustTask(ctx context.Context, args json.RawMessage) error {
	var a adjustArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("bad adjust args: %w", err)
	}
	return p.adjustRange(ctx, a, false)
}

// HandleAdjustReverseTask anchors on the supplied time for the newest
// reading and walks backward.
func (p *Pipeline) HandleAdjustReverseTask(ctx context.Context, args json.RawMessage) error {
	var a adjustArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("bad adjust-reverse args: %w", err)
	}
	return p.adjustRange(ctx, a, true)
}

func (p *Pipeline) adjustRange(ctx context.Context, a adjustArgs, reverse bool) error {
	ctx, span := tracer.Start(ctx, "adjustRange")
	defer span.End()

	rows, err := p.Store.ReadingsInRange(ctx, a.Device, a.FirstID, a.LastID)
	if err != nil {
		return fmt.Errorf("failed to load readings: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	items := fromRows(rows)
	if reverse {
		reconcile.AdjustTimestampsReverse(items, a.BaseTS)
	} else {
		reconcile.AdjustTimestamps(items, a.BaseTS)
	}

	for i := range rows {
		rows[i].Timestamp = items[i].Timestamp
		rows[i].Status = items[i].Status
		rows[i].DirtyTS = items[i].DirtyTS
	}
	if err := p.Store.UpdateReadingTimes(ctx, rows); err != nil {
		return fmt.Errorf("failed to rewrite timestamps: %w", err)
	}

	p.Logger.Info("range re-timestamped",
		"device", a.Device,
		"first_id", a.FirstID,
		"last_id", a.LastID,
		"reverse", reverse,
		"readings", len(rows),
	)
	return nil
}

// HandleOneRebootTask re-times a single reboot block against a trusted
// reference reading.
func (p *Pipeline) HandleOneRebootTask(ctx context.Context, args json.RawMessage) error {
	var a oneRebootArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("bad one-reboot args: %w", err)
	}

	ctx, span := tracer.Start(ctx, "HandleOneRebootTask")
	defer span.End()

	rows, err := p.Store.ReadingsInRange(ctx, a.Device, a.FirstID, a.LastID)
	if err != nil {
		return fmt.Errorf("failed to load readings: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	items := fromRows(rows)
	offset := time.Duration(a.OffsetSeconds) * time.Second
	if err := reconcile.MoveRebootBlock(items, a.RebootSeq, a.ReferenceSeq, offset); err != nil {
		return err
	}

	for i := range rows {
		rows[i].Timestamp = items[i].Timestamp
		rows[i].Status = items[i].Status
		rows[i].DirtyTS = items[i].DirtyTS
	}
	if err := p.Store.UpdateReadingTimes(ctx, rows); err != nil {
		return fmt.Errorf("failed to rewrite timestamps: %w", err)
	}

	p.Logger.Info("reboot block re-timestamped",
		"device", a.Device,
		"reboot_seq", a.RebootSeq,
		"reference_seq", a.ReferenceSeq,
	)
	return nil
}
