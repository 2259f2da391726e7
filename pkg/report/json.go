package report

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// JSONReport is the logical-schema variant uploaded by gateway software.
// It carries the same identity fields as the binary header plus optional
// pre-resolved event records.
type JSONReport struct {
	Device              uint32        `json:"device"`
	StreamerIndex       uint8         `json:"streamer_index"`
	StreamerSelector    uint16        `json:"streamer_selector"`
	DeviceSentTimestamp uint32        `json:"device_sent_timestamp"`
	IncrementalID       uint32        `json:"incremental_id"`
	LowestID            uint32        `json:"lowest_id"`
	HighestID           uint32        `json:"highest_id"`
	Data                []JSONReading `json:"data"`
	Events              []JSONEvent   `json:"events"`
}

// JSONReading is one data item. Stream accepts either a hex string
// ("5c00") or a bare integer, which older gateways emit interchangeably.
// Timestamp is optional: gateways that buffered the reading and resolved
// its absolute time themselves stamp it here, and the stamped time wins
// over reboot reconciliation.
type JSONReading struct {
	Stream          StreamID `json:"stream"`
	StreamerLocalID uint32   `json:"streamer_local_id"`
	DeviceTimestamp uint32   `json:"device_timestamp"`
	Value           uint32   `json:"value"`
	Timestamp       string   `json:"timestamp,omitempty"`
}

// JSONEvent is a gateway-resolved event record riding along with a report.
type JSONEvent struct {
	Stream          StreamID               `json:"stream"`
	StreamerLocalID uint32                 `json:"streamer_local_id"`
	DeviceTimestamp uint32                 `json:"device_timestamp"`
	ExtraData       map[string]interface{} `json:"extra_data"`
}

// StreamID unmarshals from either a JSON number or a hex string.
type StreamID uint16

func (s *StreamID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(str, "0x"), 16, 16)
		if err != nil {
			return fmt.Errorf("%w: stream id %q: %v", ErrCorruptReport, str, err)
		}
		*s = StreamID(v)
		return nil
	}
	var v uint16
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("%w: stream id: %v", ErrCorruptReport, err)
	}
	*s = StreamID(v)
	return nil
}

func (s StreamID) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("%04x", uint16(s)))
}

// DecodeJSON parses a JSON report and maps it onto the shared in-memory
// form so the pipeline has a single downstream representation.
func DecodeJSON(raw []byte) (*Decoded, error) {
	var jr JSONReport
	if err := json.Unmarshal(raw, &jr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptReport, err)
	}
	return jr.toDecoded(len(raw))
}

func (jr *JSONReport) toDecoded(rawLen int) (*Decoded, error) {
	d := &Decoded{
		Header: Header{
			Format:           FormatV1,
			Length:           rawLen,
			DeviceID:         jr.Device,
			ReportID:         jr.IncrementalID,
			SentTimestamp:    jr.DeviceSentTimestamp,
			StreamerIndex:    jr.StreamerIndex,
			StreamerSelector: jr.StreamerSelector,
		},
		Footer: Footer{
			LowestID:  jr.LowestID,
			HighestID: jr.HighestID,
		},
		Events: jr.Events,
		Ext:    ".json",
	}
	d.Data = make([]RawReading, 0, len(jr.Data))
	for _, item := range jr.Data {
		d.Data = append(d.Data, RawReading{
			Stream:          uint16(item.Stream),
			ID:              item.StreamerLocalID,
			DeviceTimestamp: item.DeviceTimestamp,
			Value:           item.Value,
		})
		if item.Timestamp == "" {
			continue
		}
		ts, err := dateparse.ParseAny(item.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %d timestamp %q: %v", ErrCorruptReport, item.StreamerLocalID, item.Timestamp, err)
		}
		if d.Times == nil {
			d.Times = make(map[uint32]time.Time)
		}
		d.Times[item.StreamerLocalID] = ts.UTC()
	}
	return d, nil
}
