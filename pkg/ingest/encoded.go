package ingest

import (
	"encoding/json"
	"time"

	"github.com/streamtools/streamer.tools/pkg/reconcile"
	"github.com/streamtools/streamer.tools/pkg/report"
	"github.com/streamtools/streamer.tools/pkg/store"
)

// packetBeginMarker is the low word of the value that opens a new
// fragment sequence on an encoded stream.
const packetBeginMarker = 0xFC00

// assembleEncodedEvents reassembles fragment readings on encoded streams
// into event records. Fragments between begin markers concatenate into
// one event anchored at the begin fragment's sequence id and timestamp.
// Returns the assembled events and the set of sequence ids consumed as
// fragments, which must not commit as scalar readings.
func assembleEncodedEvents(deviceID uint32, items []reconcile.Reading, encoded map[uint16]bool) ([]store.StreamEvent, map[uint32]bool) {
	if len(encoded) == 0 {
		return nil, nil
	}

	consumed := make(map[uint32]bool)
	var events []store.StreamEvent

	type open struct {
		event   *store.StreamEvent
		payload []uint32
	}
	current := make(map[uint16]*open)

	flush := func(stream uint16) {
		o := current[stream]
		if o == nil {
			return
		}
		raw, _ := json.Marshal(map[string]interface{}{"payload": o.payload})
		o.event.ExtraData = raw
		events = append(events, *o.event)
		delete(current, stream)
	}

	for _, it := range items {
		if !encoded[it.Stream] {
			continue
		}
		consumed[it.SeqID] = true

		if it.Value&0xFFFF == packetBeginMarker {
			flush(it.Stream)
			current[it.Stream] = &open{
				event: &store.StreamEvent{
					StreamSlug:      store.StreamSlug(deviceID, it.Stream),
					DeviceID:        deviceID,
					Variable:        it.Stream,
					StreamerLocalID: it.SeqID,
					DeviceTimestamp: it.Elapsed,
					Timestamp:       it.Timestamp,
					Status:          it.Status,
					DirtyTS:         it.DirtyTS,
				},
			}
			continue
		}

		if o := current[it.Stream]; o != nil {
			o.payload = append(o.payload, it.Value)
		}
		// Fragments before any begin marker are orphans from a previous
		// report window and are dropped.
	}

	for stream := range current {
		flush(stream)
	}

	return events, consumed
}

// e2Ref is the reconciled time pair an E2 reading donates to the event
// it points at.
type e2Ref struct {
	Timestamp time.Time
	Elapsed   uint32
}

// e2SeqRefs collects, per E2 stream, the event sequence ids referenced by
// its readings. E2 readings carry a pointer at a previously uploaded
// event whose timestamp must be rewritten once the reading reconciles.
// Readings with an RTC-tagged device timestamp stay out: their elapsed
// value is an absolute clock, not the event's boot-relative offset.
func e2SeqRefs(items []reconcile.Reading, e2 map[uint16]bool) map[uint32]e2Ref {
	if len(e2) == 0 {
		return nil
	}
	refs := make(map[uint32]e2Ref)
	for _, it := range items {
		if !e2[it.Stream] || report.IsUTCTimestamp(it.Elapsed) {
			continue
		}
		refs[it.Value] = e2Ref{Timestamp: it.Timestamp, Elapsed: it.Elapsed}
	}
	return refs
}
