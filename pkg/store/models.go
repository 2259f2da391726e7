package store

import (
	"time"

	"gorm.io/gorm"
)

// Device is the registered IoT device a streamer channel belongs to.
// Unclaimed devices still exist in inventory but their uploads are
// silently dropped.
type Device struct {
	ID        uint32 `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Slug    string `gorm:"uniqueIndex"`
	Claimed bool

	// LastKnownID tracks the highest sequence id seen from the device
	// across all streamers, used as a liveness heartbeat.
	LastKnownID uint32

	OSTag      uint32
	OSVersion  string
	AppTag     uint32
	AppVersion string
}

// Streamer is one report channel on a device. LastID is the idempotence
// boundary: readings at or below it have already been committed.
type Streamer struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Slug     string `gorm:"uniqueIndex"`
	DeviceID uint32 `gorm:"index:idx_streamer_device_index,unique,priority:1"`
	Index    uint8  `gorm:"index:idx_streamer_device_index,unique,priority:2"`
	Selector uint16
	LastID   uint32

	ProcessEngineVer int
}

// StreamerReport records one uploaded report and what processing did
// with it. The original ids come from the footer; the actual ids are the
// range that survived the sequence filter, set exactly once. (0, 0) with
// a processed status means the report contained nothing new.
type StreamerReport struct {
	ID        string `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	DeviceID     uint32 `gorm:"index"`
	StreamerSlug string `gorm:"index"`

	IncrementalID       uint32 `gorm:"index"`
	DeviceSentTimestamp uint32
	SentTimestamp       time.Time

	OriginalFirstID uint32
	OriginalLastID  uint32
	ActualFirstID   uint32
	ActualLastID    uint32

	Status     string `gorm:"index"`
	NumEntries int
	Ext        string
	BlobKey    string
}

// Report status values.
const (
	ReportStatusUnknown   = "unk"
	ReportStatusSuccess   = "done"
	ReportStatusFailed    = "failed"
	ReportStatusRetrying  = "retrying"
	ReportStatusForwarded = "forwarded"
)

// StreamData is one committed reading with its reconciled timestamp.
// Status records how the timestamp was derived.
type StreamData struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time

	StreamSlug string `gorm:"index"`
	DeviceID   uint32 `gorm:"index:idx_data_device_seq,priority:1"`
	Variable   uint16 `gorm:"index"`

	StreamerLocalID uint32 `gorm:"index:idx_data_device_seq,priority:2"`
	DeviceTimestamp uint32
	Timestamp       time.Time `gorm:"index"`
	Value           uint32

	Status  string
	DirtyTS bool
}

// StreamEvent is a gateway-resolved event record. E2 sync rewrites its
// Timestamp after the companion readings reconcile.
type StreamEvent struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time

	StreamSlug string `gorm:"index"`
	DeviceID   uint32 `gorm:"index:idx_event_device_seq,priority:1"`
	Variable   uint16

	StreamerLocalID uint32 `gorm:"index:idx_event_device_seq,priority:2"`
	DeviceTimestamp uint32
	Timestamp       time.Time
	ExtraData       []byte // JSON

	Status  string
	DirtyTS bool
}

// StreamMeta is per-stream configuration the pipeline consults: whether
// readings are event-payload fragments (encoded) or pointers at
// previously uploaded events (E2).
type StreamMeta struct {
	gorm.Model
	Slug     string `gorm:"uniqueIndex"`
	DeviceID uint32 `gorm:"index"`
	Variable uint16

	Encoded  bool
	DataType string
}

// Stream data types.
const (
	DataTypeDefault   = "D0"
	DataTypeEventSync = "E2"
)
