// Package reconcile rebuilds absolute UTC timestamps for device readings
// whose native clock is seconds-since-boot. Devices reboot between and
// during report windows, so elapsed counters restart at zero at reboot
// markers; the algorithms here anchor each boot block against whatever
// absolute time references exist: the report's own sent timestamp, RTC
// tagged readings, trip markers, a prior report, or a later reboot whose
// absolute time is already known.
//
// Everything operates on explicit in-memory batches and returns the
// rewritten readings; persistence is the caller's concern.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/streamtools/streamer.tools/pkg/report"
)

// Timestamp statuses carried on every reading.
const (
	StatusUnknown = "unk" // not yet reconciled
	StatusClean   = "cln" // anchored to a trusted reference
	StatusDirty   = "drt" // estimated, needs a later fixup
	StatusUTC     = "utc" // device supplied an absolute RTC time
)

// ErrAnchorMismatch means a prior-report anchor overlaps the block it is
// supposed to precede, so its time base cannot be trusted.
var ErrAnchorMismatch = errors.New("anchor report overlaps block")

// ErrMarkerNotFound means a requested reboot or reference reading is not
// in the batch.
var ErrMarkerNotFound = errors.New("marker not found in batch")

// Reading is the mutable working form of one reading. RowID is the
// database row for already-committed readings and zero for fresh ones.
type Reading struct {
	RowID   uint
	SeqID   uint32
	Stream  uint16
	Elapsed uint32
	Value   uint32

	Timestamp time.Time
	Status    string
	DirtyTS   bool
}

// Anchor is a trusted (absolute time, device elapsed) pair from an
// earlier report on the same streamer.
type Anchor struct {
	SentTimestamp       time.Time
	DeviceSentTimestamp uint32
	LastID              uint32
}

// AnchorSource supplies the prior-report anchor on demand. A nil anchor
// with a nil error means none exists and dirty readings stay dirty.
type AnchorSource interface {
	PriorAnchor(ctx context.Context) (*Anchor, error)
}

// Batch is one report's readings plus the references needed to anchor
// them. RefRebootTime is set only during chopped-report recovery, where
// the block's end is pinned by a later reboot instead of the report's
// sent timestamp.
type Batch struct {
	ReceivedAt          time.Time
	DeviceSentTimestamp uint32
	RefRebootTime       *time.Time
	Readings            []Reading
}

func seconds(v uint32) time.Duration {
	return time.Duration(v) * time.Second
}

// HandleReboots assigns a timestamp and status to every reading in the
// batch. It scans backward from the newest reading: the block after the
// last reboot anchors on the sent timestamp (or the reference reboot),
// and each reboot marker closes the block before it, whose readings can
// only be estimated against the reboot moment. If the oldest block is
// still dirty, the prior report's anchor recovers it when its elapsed
// base extends into this report.
func (b *Batch) HandleReboots(ctx context.Context, anchors AnchorSource) error {
	items := b.Readings
	if len(items) == 0 {
		return nil
	}

	var baseTS *time.Time
	var endOfBlock time.Time
	seenReboot := false
	foundTrip := false

	if b.RefRebootTime != nil {
		base := b.RefRebootTime.Add(-seconds(items[len(items)-1].Elapsed))
		baseTS = &base
	} else {
		base := b.ReceivedAt.Add(-seconds(b.DeviceSentTimestamp))
		baseTS = &base
	}

	for i := len(items) - 1; i >= 0; i-- {
		it := &items[i]

		if report.IsUTCTimestamp(it.Elapsed) {
			it.Timestamp = report.UTCTime(it.Elapsed)
			it.Status = StatusUTC
			it.DirtyTS = false
			continue
		}

		// Gateway-stamped readings arrive with an absolute time already
		// assigned and keep it.
		if it.Status == StatusUTC {
			continue
		}

		// Trip markers carry absolute times in their value and are
		// resolved in a second pass.
		if it.Stream == report.StreamTripStart || it.Stream == report.StreamTripEnd {
			foundTrip = true
			continue
		}

		if baseTS == nil {
			// First reading below a reboot: assume it landed right at
			// the end of its block.
			base := endOfBlock.Add(-seconds(it.Elapsed))
			baseTS = &base
		}

		it.Timestamp = baseTS.Add(seconds(it.Elapsed))
		if seenReboot {
			it.Status = StatusDirty
			it.DirtyTS = true
		} else {
			it.Status = StatusClean
			it.DirtyTS = false
		}

		if it.Stream == report.StreamReboot {
			endOfBlock = baseTS.Add(-time.Second)
			baseTS = nil
			seenReboot = true
		}
	}

	if items[0].Status == StatusDirty && anchors != nil {
		if err := b.recoverLeftmostBlock(ctx, anchors); err != nil {
			return err
		}
	}

	if foundTrip {
		b.handleTripData()
	}

	return nil
}

// recoverLeftmostBlock re-anchors the oldest (dirty) block using the
// prior report's sent-timestamp pair, walking forward until the first
// reboot marker.
func (b *Batch) recoverLeftmostBlock(ctx context.Context, anchors AnchorSource) error {
	anchor, err := anchors.PriorAnchor(ctx)
	if err != nil {
		return fmt.Errorf("failed to load prior anchor: %w", err)
	}
	if anchor == nil {
		return nil
	}

	base := anchor.SentTimestamp.Add(-seconds(anchor.DeviceSentTimestamp))

	for i := range b.Readings {
		it := &b.Readings[i]
		if it.Stream == report.StreamReboot {
			break
		}
		if report.IsUTCTimestamp(it.Elapsed) || it.Status == StatusUTC {
			continue
		}
		if it.Stream == report.StreamTripStart || it.Stream == report.StreamTripEnd {
			continue
		}
		if it.SeqID <= anchor.LastID {
			return fmt.Errorf("%w: reading %d at or below anchor last id %d", ErrAnchorMismatch, it.SeqID, anchor.LastID)
		}
		it.Timestamp = base.Add(seconds(it.Elapsed))
		it.Status = StatusClean
		it.DirtyTS = false
	}

	return nil
}

// handleTripData resolves trip start/end markers, whose value is a unix
// timestamp, and recomputes the readings between them forward from the
// trip start. RTC-tagged readings are never rewritten.
func (b *Batch) handleTripData() {
	items := b.Readings

	var prevTS time.Time
	var prevElapsed uint32
	anchored := false

	for i := range items {
		it := &items[i]

		if it.Status == StatusUTC {
			continue
		}

		switch it.Stream {
		case report.StreamTripStart:
			it.Timestamp = time.Unix(int64(it.Value), 0).UTC()
			it.Status = StatusUTC
			it.DirtyTS = false
			prevTS = it.Timestamp
			prevElapsed = it.Elapsed
			anchored = true
		case report.StreamTripEnd:
			it.Timestamp = time.Unix(int64(it.Value), 0).UTC()
			it.Status = StatusUTC
			it.DirtyTS = false
			anchored = false
		default:
			if !anchored {
				continue
			}
			delta := int64(it.Elapsed) - int64(prevElapsed)
			if delta < 0 {
				// Elapsed counter restarted mid-trip.
				delta = int64(it.Elapsed)
			}
			it.Timestamp = prevTS.Add(time.Duration(delta) * time.Second)
			it.Status = StatusClean
			it.DirtyTS = false
			prevTS = it.Timestamp
			prevElapsed = it.Elapsed
		}
	}
}

// AdjustTimestamps sweeps readings forward from a known boot-epoch base:
// the first reading lands at base plus its elapsed, and every later one
// advances by the elapsed delta, clamping counter restarts to the raw
// elapsed value. RTC-tagged readings keep their own time.
func AdjustTimestamps(items []Reading, base time.Time) {
	var prevTS time.Time
	var prevElapsed uint32
	started := false

	for i := range items {
		it := &items[i]

		if report.IsUTCTimestamp(it.Elapsed) {
			it.Timestamp = report.UTCTime(it.Elapsed)
			it.Status = StatusUTC
			it.DirtyTS = false
			continue
		}

		if !started {
			it.Timestamp = base.Add(seconds(it.Elapsed))
			started = true
		} else {
			delta := int64(it.Elapsed) - int64(prevElapsed)
			if delta < 0 {
				delta = int64(it.Elapsed)
			}
			it.Timestamp = prevTS.Add(time.Duration(delta) * time.Second)
		}

		it.Status = StatusClean
		it.DirtyTS = false
		prevTS = it.Timestamp
		prevElapsed = it.Elapsed
	}
}

// AdjustTimestampsReverse sweeps backward from a known absolute time for
// the newest reading, subtracting elapsed deltas with the same restart
// clamp as the forward sweep.
func AdjustTimestampsReverse(items []Reading, end time.Time) {
	var nextTS time.Time
	var nextElapsed uint32
	started := false

	for i := len(items) - 1; i >= 0; i-- {
		it := &items[i]

		if report.IsUTCTimestamp(it.Elapsed) {
			it.Timestamp = report.UTCTime(it.Elapsed)
			it.Status = StatusUTC
			it.DirtyTS = false
			continue
		}

		if !started {
			it.Timestamp = end
			started = true
		} else {
			delta := int64(nextElapsed) - int64(it.Elapsed)
			if delta < 0 {
				delta = int64(nextElapsed)
			}
			it.Timestamp = nextTS.Add(-time.Duration(delta) * time.Second)
		}

		it.Status = StatusClean
		it.DirtyTS = false
		nextTS = it.Timestamp
		nextElapsed = it.Elapsed
	}
}

// MoveRebootBlock re-times the block starting at a reboot marker using a
// reference reading whose timestamp is trusted. A reference inside the
// block gives the boot epoch directly; a reference just before the
// reboot places the boot at the reference time plus offset.
func MoveRebootBlock(items []Reading, rebootSeq, refSeq uint32, offset time.Duration) error {
	rebootIdx, refIdx := -1, -1
	for i := range items {
		switch items[i].SeqID {
		case rebootSeq:
			if items[i].Stream != report.StreamReboot {
				return fmt.Errorf("%w: reading %d is not a reboot marker", ErrMarkerNotFound, rebootSeq)
			}
			rebootIdx = i
		case refSeq:
			refIdx = i
		}
	}
	if rebootIdx < 0 {
		return fmt.Errorf("%w: reboot %d", ErrMarkerNotFound, rebootSeq)
	}
	if refIdx < 0 {
		return fmt.Errorf("%w: reference %d", ErrMarkerNotFound, refSeq)
	}

	// The move covers only the boot session the marker opens; a later
	// reboot starts a new epoch and keeps its own anchoring.
	end := len(items)
	for i := rebootIdx + 1; i < len(items); i++ {
		if items[i].Stream == report.StreamReboot {
			end = i
			break
		}
	}

	var base time.Time
	if refIdx >= rebootIdx {
		if refIdx >= end {
			return fmt.Errorf("%w: reference %d is past the next reboot", ErrMarkerNotFound, refSeq)
		}
		base = items[refIdx].Timestamp.Add(-seconds(items[refIdx].Elapsed))
	} else {
		if offset == 0 {
			offset = time.Second
		}
		base = items[refIdx].Timestamp.Add(offset)
	}

	AdjustTimestamps(items[rebootIdx:end], base)
	return nil
}
