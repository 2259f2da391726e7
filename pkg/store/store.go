// Package store persists devices, streamer cursors, reports, and
// committed readings in SQLite through GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	slogGorm "github.com/orandin/slog-gorm"
	"go.opentelemetry.io/otel"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("store")

// ErrDeviceNotClaimed marks uploads for inventory devices nobody owns.
// The pipeline drops these without recording a failure.
var ErrDeviceNotClaimed = errors.New("device not claimed")

type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open initializes the SQLite database at path, sets the WAL pragmas,
// and optionally migrates the schema.
func Open(path string, logger *slog.Logger, migrate bool) (*Store, error) {
	logger = logger.With("module", "store")

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: slogGorm.New(slogGorm.WithLogger(logger)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	if err := db.Exec("PRAGMA synchronous=normal;").Error; err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if migrate {
		if err := s.Migrate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing gorm handle, used by tests with in-memory
// databases.
func NewWithDB(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger.With("module", "store")}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate() error {
	err := s.db.AutoMigrate(
		&Device{}, &Streamer{}, &StreamerReport{},
		&StreamData{}, &StreamEvent{}, &StreamMeta{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (s *Store) DB() *gorm.DB { return s.db }

// GetDevice looks up a device by id. Unclaimed devices return
// ErrDeviceNotClaimed alongside the record.
func (s *Store) GetDevice(ctx context.Context, id uint32) (*Device, error) {
	var d Device
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, err
	}
	if !d.Claimed {
		return &d, ErrDeviceNotClaimed
	}
	return &d, nil
}

// GetOrCreateStreamer resolves the streamer channel for (device, index),
// creating it with the reported selector on first contact.
func (s *Store) GetOrCreateStreamer(ctx context.Context, deviceID uint32, index uint8, selector uint16, engineVer int) (*Streamer, error) {
	ctx, span := tracer.Start(ctx, "GetOrCreateStreamer")
	defer span.End()

	var st Streamer
	err := s.db.WithContext(ctx).
		Where(&Streamer{DeviceID: deviceID, Index: index}).
		Attrs(Streamer{
			Slug:             StreamerSlug(deviceID, index),
			Selector:         selector,
			ProcessEngineVer: engineVer,
		}).
		FirstOrCreate(&st).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get or create streamer: %w", err)
	}
	return &st, nil
}

// CreateReport records a freshly accepted upload before processing.
func (s *Store) CreateReport(ctx context.Context, r *StreamerReport) error {
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *Store) GetReport(ctx context.Context, id string) (*StreamerReport, error) {
	var r StreamerReport
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpdateReportStatus(ctx context.Context, id, status string) error {
	return s.db.WithContext(ctx).
		Model(&StreamerReport{}).
		Where("id = ?", id).
		Update("status", status).Error
}

// PriorAnchorReport finds the most recent earlier report on the same
// streamer that actually committed data. Its sent timestamps serve as a
// secondary time anchor when a report starts inside a dirty block.
func (s *Store) PriorAnchorReport(ctx context.Context, streamerSlug string, incrementalID uint32) (*StreamerReport, error) {
	var r StreamerReport
	err := s.db.WithContext(ctx).
		Where("streamer_slug = ? AND incremental_id < ? AND actual_last_id > 0", streamerSlug, incrementalID).
		Order("incremental_id desc").
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ReadingsInRange returns committed readings for a device with sequence
// ids in [firstID, lastID], ordered by sequence id.
func (s *Store) ReadingsInRange(ctx context.Context, deviceID uint32, firstID, lastID uint32) ([]StreamData, error) {
	var rows []StreamData
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND streamer_local_id >= ? AND streamer_local_id <= ?", deviceID, firstID, lastID).
		Order("streamer_local_id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// NextBlockMarker returns the first committed reboot or report marker
// after a sequence id. Chopped-report recovery uses it to find the
// reference reboot bounding the truncated block.
func (s *Store) NextBlockMarker(ctx context.Context, deviceID uint32, afterID uint32, variables []uint16) (*StreamData, error) {
	var row StreamData
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND streamer_local_id > ? AND variable IN ?", deviceID, afterID, variables).
		Order("streamer_local_id asc").
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// LastReading returns a device's newest committed reading on one stream
// variable, e.g. the most recent reboot marker.
func (s *Store) LastReading(ctx context.Context, deviceID uint32, variable uint16) (*StreamData, error) {
	var row StreamData
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND variable = ?", deviceID, variable).
		Order("streamer_local_id desc").
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// StreamMetaByDevice returns all per-stream configuration for a device.
func (s *Store) StreamMetaByDevice(ctx context.Context, deviceID uint32) ([]StreamMeta, error) {
	var rows []StreamMeta
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetStreamMeta returns per-stream configuration, if any exists.
func (s *Store) GetStreamMeta(ctx context.Context, deviceID uint32, variable uint16) (*StreamMeta, error) {
	var m StreamMeta
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND variable = ?", deviceID, variable).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadingsBySeqValues fetches readings whose value field references one
// of the given sequence ids, used by E2 event sync.
func (s *Store) ReadingsBySeqValues(ctx context.Context, deviceID uint32, seqIDs []uint32) ([]StreamData, error) {
	var rows []StreamData
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND value IN ?", deviceID, seqIDs).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// EventsBySeqIDs fetches events by their streamer-local sequence ids.
func (s *Store) EventsBySeqIDs(ctx context.Context, deviceID uint32, seqIDs []uint32) ([]StreamEvent, error) {
	var rows []StreamEvent
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND streamer_local_id IN ?", deviceID, seqIDs).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CommitReport atomically inserts the surviving readings and events,
// advances the streamer cursor, and stamps the report's actual id range.
// Everything lands or nothing does.
func (s *Store) CommitReport(
	ctx context.Context,
	report *StreamerReport,
	streamer *Streamer,
	readings []StreamData,
	events []StreamEvent,
	actualFirst, actualLast uint32,
) error {
	ctx, span := tracer.Start(ctx, "CommitReport")
	defer span.End()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(readings) > 0 {
			if err := tx.CreateInBatches(readings, 500).Error; err != nil {
				return fmt.Errorf("failed to insert readings: %w", err)
			}
		}
		if len(events) > 0 {
			if err := tx.CreateInBatches(events, 500).Error; err != nil {
				return fmt.Errorf("failed to insert events: %w", err)
			}
		}

		if actualLast > streamer.LastID {
			res := tx.Model(&Streamer{}).
				Where("id = ? AND last_id < ?", streamer.ID, actualLast).
				Update("last_id", actualLast)
			if res.Error != nil {
				return fmt.Errorf("failed to advance streamer cursor: %w", res.Error)
			}
			streamer.LastID = actualLast
		}

		err := tx.Model(&StreamerReport{}).
			Where("id = ?", report.ID).
			Updates(map[string]interface{}{
				"actual_first_id": actualFirst,
				"actual_last_id":  actualLast,
				"status":          ReportStatusSuccess,
				"num_entries":     len(readings),
			}).Error
		if err != nil {
			return fmt.Errorf("failed to finalize report: %w", err)
		}

		report.ActualFirstID = actualFirst
		report.ActualLastID = actualLast
		report.Status = ReportStatusSuccess
		report.NumEntries = len(readings)
		return nil
	})
}

// TouchDeviceHeartbeat bumps the device's highest seen sequence id.
func (s *Store) TouchDeviceHeartbeat(ctx context.Context, deviceID uint32, lastID uint32) error {
	return s.db.WithContext(ctx).
		Model(&Device{}).
		Where("id = ? AND last_known_id < ?", deviceID, lastID).
		Update("last_known_id", lastID).Error
}

// SetDeviceVersions records decoded OTA version markers on the device.
func (s *Store) SetDeviceVersions(ctx context.Context, deviceID uint32, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&Device{}).
		Where("id = ?", deviceID).
		Updates(updates).Error
}

// UpdateReadingTimes rewrites reconciled timestamps in bulk, used by the
// reprocessing actions and E2 sync.
func (s *Store) UpdateReadingTimes(ctx context.Context, rows []StreamData) error {
	ctx, span := tracer.Start(ctx, "UpdateReadingTimes")
	defer span.End()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			err := tx.Model(&StreamData{}).
				Where("id = ?", rows[i].ID).
				Updates(map[string]interface{}{
					"timestamp": rows[i].Timestamp,
					"status":    rows[i].Status,
					"dirty_ts":  rows[i].DirtyTS,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateEventTimes rewrites event timestamps after E2 sync. The device
// timestamp travels with the absolute time so the pair stays coherent.
func (s *Store) UpdateEventTimes(ctx context.Context, rows []StreamEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			err := tx.Model(&StreamEvent{}).
				Where("id = ?", rows[i].ID).
				Updates(map[string]interface{}{
					"timestamp":        rows[i].Timestamp,
					"device_timestamp": rows[i].DeviceTimestamp,
					"status":           rows[i].Status,
					"dirty_ts":         rows[i].DirtyTS,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Streamers lists channels, newest first, for the query API.
func (s *Store) Streamers(ctx context.Context, limit int) ([]Streamer, error) {
	var rows []Streamer
	err := s.db.WithContext(ctx).
		Order("updated_at desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ReportsForStreamer lists reports on a channel, newest first.
func (s *Store) ReportsForStreamer(ctx context.Context, slug string, limit int) ([]StreamerReport, error) {
	var rows []StreamerReport
	err := s.db.WithContext(ctx).
		Where("streamer_slug = ?", slug).
		Order("incremental_id desc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// DataPage serves the query API: filter by device, optional stream
// variable, optional sequence-id window.
func (s *Store) DataPage(ctx context.Context, deviceID uint32, variable *uint16, firstID, lastID *uint32, limit int) ([]StreamData, error) {
	q := s.db.WithContext(ctx).Where("device_id = ?", deviceID)
	if variable != nil {
		q = q.Where("variable = ?", *variable)
	}
	if firstID != nil {
		q = q.Where("streamer_local_id >= ?", *firstID)
	}
	if lastID != nil {
		q = q.Where("streamer_local_id <= ?", *lastID)
	}
	var rows []StreamData
	err := q.Order("streamer_local_id asc").Limit(limit).Find(&rows).Error
	return rows, err
}

// UpsertDevice creates or updates an inventory record.
func (s *Store) UpsertDevice(ctx context.Context, d *Device) error {
	if d.Slug == "" {
		d.Slug = DeviceSlug(d.ID)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"claimed", "updated_at"}),
		}).
		Create(d).Error
}
