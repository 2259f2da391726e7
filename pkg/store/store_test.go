package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/streamtools/streamer.tools/pkg/reconcile"
	"gorm.io/gorm"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logger, true)
	require.NoError(t, err)
	return s
}

func TestSlugs(t *testing.T) {
	assert.Equal(t, "d--0000-0000-0000-00a5", DeviceSlug(0xA5))
	assert.Equal(t, "t--0000-0000-0000-00a5--0001", StreamerSlug(0xA5, 1))
	assert.Equal(t, "s--0000-0000-0000-00a5--5001", StreamSlug(0xA5, 0x5001))
}

func TestGetDeviceClaimedState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertDevice(ctx, &Device{ID: 1, Claimed: true}))
	require.NoError(t, s.UpsertDevice(ctx, &Device{ID: 2, Claimed: false}))

	d, err := s.GetDevice(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "d--0000-0000-0000-0001", d.Slug)

	_, err = s.GetDevice(ctx, 2)
	assert.ErrorIs(t, err, ErrDeviceNotClaimed)

	_, err = s.GetDevice(ctx, 3)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestGetOrCreateStreamer(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st, err := s.GetOrCreateStreamer(ctx, 0xA5, 0, 0xD7FF, 2)
	require.NoError(t, err)
	assert.Equal(t, "t--0000-0000-0000-00a5--0000", st.Slug)
	assert.Equal(t, uint32(0), st.LastID)

	st.LastID = 50
	require.NoError(t, s.DB().Save(st).Error)

	again, err := s.GetOrCreateStreamer(ctx, 0xA5, 0, 0xD7FF, 2)
	require.NoError(t, err)
	assert.Equal(t, st.ID, again.ID)
	assert.Equal(t, uint32(50), again.LastID)
}

func TestCommitReportAtomicity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st, err := s.GetOrCreateStreamer(ctx, 1, 0, 0xD7FF, 2)
	require.NoError(t, err)

	rpt := &StreamerReport{
		ID:            "rpt-1",
		DeviceID:      1,
		StreamerSlug:  st.Slug,
		IncrementalID: 10,
		Status:        ReportStatusUnknown,
	}
	require.NoError(t, s.CreateReport(ctx, rpt))

	readings := []StreamData{
		{StreamSlug: StreamSlug(1, 0x5001), DeviceID: 1, Variable: 0x5001, StreamerLocalID: 100, Value: 1, Status: reconcile.StatusClean, Timestamp: time.Now().UTC()},
		{StreamSlug: StreamSlug(1, 0x5001), DeviceID: 1, Variable: 0x5001, StreamerLocalID: 101, Value: 2, Status: reconcile.StatusClean, Timestamp: time.Now().UTC()},
	}

	require.NoError(t, s.CommitReport(ctx, rpt, st, readings, nil, 100, 101))

	assert.Equal(t, uint32(100), rpt.ActualFirstID)
	assert.Equal(t, uint32(101), rpt.ActualLastID)
	assert.Equal(t, ReportStatusSuccess, rpt.Status)
	assert.Equal(t, uint32(101), st.LastID)

	stored, err := s.GetReport(ctx, "rpt-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(101), stored.ActualLastID)
	assert.Equal(t, 2, stored.NumEntries)

	rows, err := s.ReadingsInRange(ctx, 1, 100, 101)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCommitReportDoesNotRewindCursor(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st, err := s.GetOrCreateStreamer(ctx, 1, 0, 0xD7FF, 2)
	require.NoError(t, err)
	st.LastID = 500
	require.NoError(t, s.DB().Save(st).Error)

	rpt := &StreamerReport{ID: "rpt-old", DeviceID: 1, StreamerSlug: st.Slug, IncrementalID: 1}
	require.NoError(t, s.CreateReport(ctx, rpt))

	require.NoError(t, s.CommitReport(ctx, rpt, st, nil, nil, 0, 0))

	var fresh Streamer
	require.NoError(t, s.DB().First(&fresh, st.ID).Error)
	assert.Equal(t, uint32(500), fresh.LastID)
}

func TestPriorAnchorReport(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	slug := StreamerSlug(1, 0)
	reports := []StreamerReport{
		{ID: "a", StreamerSlug: slug, IncrementalID: 1, ActualLastID: 10},
		{ID: "b", StreamerSlug: slug, IncrementalID: 2, ActualLastID: 0}, // empty, skipped
		{ID: "c", StreamerSlug: slug, IncrementalID: 3, ActualLastID: 30},
		{ID: "d", StreamerSlug: slug, IncrementalID: 5, ActualLastID: 50},
	}
	for i := range reports {
		require.NoError(t, s.CreateReport(ctx, &reports[i]))
	}

	prior, err := s.PriorAnchorReport(ctx, slug, 5)
	require.NoError(t, err)
	assert.Equal(t, "c", prior.ID)

	_, err = s.PriorAnchorReport(ctx, slug, 1)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestNextBlockMarker(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rows := []StreamData{
		{DeviceID: 1, Variable: 0x5001, StreamerLocalID: 10},
		{DeviceID: 1, Variable: 0x5C00, StreamerLocalID: 20, DeviceTimestamp: 0},
		{DeviceID: 1, Variable: 0x5C01, StreamerLocalID: 30},
	}
	require.NoError(t, s.DB().Create(&rows).Error)

	m, err := s.NextBlockMarker(ctx, 1, 10, []uint16{0x5C00, 0x5C01})
	require.NoError(t, err)
	assert.Equal(t, uint32(20), m.StreamerLocalID)

	m, err = s.NextBlockMarker(ctx, 1, 20, []uint16{0x5C00, 0x5C01})
	require.NoError(t, err)
	assert.Equal(t, uint32(30), m.StreamerLocalID)

	_, err = s.NextBlockMarker(ctx, 1, 30, []uint16{0x5C00, 0x5C01})
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestDataPageFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rows := []StreamData{
		{DeviceID: 1, Variable: 0x5001, StreamerLocalID: 1},
		{DeviceID: 1, Variable: 0x5002, StreamerLocalID: 2},
		{DeviceID: 1, Variable: 0x5001, StreamerLocalID: 3},
		{DeviceID: 2, Variable: 0x5001, StreamerLocalID: 4},
	}
	require.NoError(t, s.DB().Create(&rows).Error)

	v := uint16(0x5001)
	got, err := s.DataPage(ctx, 1, &v, nil, nil, 100)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(1), got[0].StreamerLocalID)
	assert.Equal(t, uint32(3), got[1].StreamerLocalID)

	first, last := uint32(2), uint32(3)
	got, err = s.DataPage(ctx, 1, nil, &first, &last, 100)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestUpdateReadingTimes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rows := []StreamData{
		{DeviceID: 1, Variable: 0x5001, StreamerLocalID: 1, Status: reconcile.StatusUnknown, DirtyTS: true},
	}
	require.NoError(t, s.DB().Create(&rows).Error)

	now := time.Date(2016, 9, 28, 10, 0, 0, 0, time.UTC)
	rows[0].Timestamp = now
	rows[0].Status = reconcile.StatusClean
	rows[0].DirtyTS = false
	require.NoError(t, s.UpdateReadingTimes(ctx, rows))

	var fresh StreamData
	require.NoError(t, s.DB().First(&fresh, rows[0].ID).Error)
	assert.Equal(t, reconcile.StatusClean, fresh.Status)
	assert.False(t, fresh.DirtyTS)
	assert.True(t, fresh.Timestamp.Equal(now))
}
