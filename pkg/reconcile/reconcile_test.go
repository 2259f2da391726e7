package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/streamtools/streamer.tools/pkg/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type anchorFunc func() (*Anchor, error)

func (f anchorFunc) PriorAnchor(ctx context.Context) (*Anchor, error) { return f() }

var noAnchor = anchorFunc(func() (*Anchor, error) { return nil, nil })

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestHandleReboots_NoReboot(t *testing.T) {
	b := &Batch{
		ReceivedAt:          ts("2016-09-28T10:00:00Z"),
		DeviceSentTimestamp: 120,
		Readings: []Reading{
			{SeqID: 1, Stream: 0x5001, Elapsed: 10, Value: 1},
			{SeqID: 2, Stream: 0x5001, Elapsed: 60, Value: 2},
		},
	}
	require.NoError(t, b.HandleReboots(context.Background(), noAnchor))

	assert.Equal(t, ts("2016-09-28T09:58:10Z"), b.Readings[0].Timestamp)
	assert.Equal(t, ts("2016-09-28T09:59:00Z"), b.Readings[1].Timestamp)
	for _, r := range b.Readings {
		assert.Equal(t, StatusClean, r.Status)
		assert.False(t, r.DirtyTS)
	}
}

func TestHandleReboots_SingleRebootNoAnchor(t *testing.T) {
	b := &Batch{
		ReceivedAt:          ts("2016-09-28T10:00:00Z"),
		DeviceSentTimestamp: 100,
		Readings: []Reading{
			{SeqID: 1, Stream: 0x5001, Elapsed: 500, Value: 1},
			{SeqID: 2, Stream: report.StreamReboot, Elapsed: 0},
			{SeqID: 3, Stream: 0x5001, Elapsed: 40, Value: 2},
		},
	}
	require.NoError(t, b.HandleReboots(context.Background(), noAnchor))

	base := ts("2016-09-28T09:58:20Z") // received - 100s

	// Post-reboot block anchors on the sent timestamp.
	assert.Equal(t, base.Add(40*time.Second), b.Readings[2].Timestamp)
	assert.Equal(t, StatusClean, b.Readings[2].Status)
	assert.Equal(t, base, b.Readings[1].Timestamp)
	assert.Equal(t, StatusClean, b.Readings[1].Status)

	// Pre-reboot reading is pinned one second before the reboot.
	assert.Equal(t, base.Add(-time.Second), b.Readings[0].Timestamp)
	assert.Equal(t, StatusDirty, b.Readings[0].Status)
	assert.True(t, b.Readings[0].DirtyTS)
}

func TestHandleReboots_PriorReportAnchor(t *testing.T) {
	anchor := anchorFunc(func() (*Anchor, error) {
		return &Anchor{
			SentTimestamp:       ts("2016-09-28T09:00:00Z"),
			DeviceSentTimestamp: 300,
			LastID:              0,
		}, nil
	})

	b := &Batch{
		ReceivedAt:          ts("2016-09-28T10:00:00Z"),
		DeviceSentTimestamp: 100,
		Readings: []Reading{
			{SeqID: 1, Stream: 0x5001, Elapsed: 500, Value: 1},
			{SeqID: 2, Stream: report.StreamReboot, Elapsed: 0},
			{SeqID: 3, Stream: 0x5001, Elapsed: 40, Value: 2},
		},
	}
	require.NoError(t, b.HandleReboots(context.Background(), anchor))

	// Anchor base is 08:55:00; the pre-reboot reading recovers to clean.
	assert.Equal(t, ts("2016-09-28T09:03:20Z"), b.Readings[0].Timestamp)
	assert.Equal(t, StatusClean, b.Readings[0].Status)
	assert.False(t, b.Readings[0].DirtyTS)

	// The post-reboot block keeps its own anchor.
	assert.Equal(t, ts("2016-09-28T09:59:00Z"), b.Readings[2].Timestamp)
}

func TestHandleReboots_AnchorOverlapIsFatal(t *testing.T) {
	anchor := anchorFunc(func() (*Anchor, error) {
		return &Anchor{
			SentTimestamp:       ts("2016-09-28T09:00:00Z"),
			DeviceSentTimestamp: 300,
			LastID:              1, // already covers seq 1
		}, nil
	})

	b := &Batch{
		ReceivedAt:          ts("2016-09-28T10:00:00Z"),
		DeviceSentTimestamp: 100,
		Readings: []Reading{
			{SeqID: 1, Stream: 0x5001, Elapsed: 500},
			{SeqID: 2, Stream: report.StreamReboot, Elapsed: 0},
		},
	}
	err := b.HandleReboots(context.Background(), anchor)
	assert.ErrorIs(t, err, ErrAnchorMismatch)
}

func TestHandleReboots_MultipleReboots(t *testing.T) {
	b := &Batch{
		ReceivedAt:          ts("2016-09-28T10:00:00Z"),
		DeviceSentTimestamp: 0,
		Readings: []Reading{
			{SeqID: 1, Stream: 0x5001, Elapsed: 30},
			{SeqID: 2, Stream: report.StreamReboot, Elapsed: 0},
			{SeqID: 3, Stream: 0x5001, Elapsed: 20},
			{SeqID: 4, Stream: report.StreamReboot, Elapsed: 0},
			{SeqID: 5, Stream: 0x5001, Elapsed: 10},
		},
	}
	require.NoError(t, b.HandleReboots(context.Background(), noAnchor))

	end := ts("2016-09-28T10:00:00Z")

	assert.Equal(t, end.Add(10*time.Second), b.Readings[4].Timestamp)
	assert.Equal(t, StatusClean, b.Readings[4].Status)
	assert.Equal(t, end, b.Readings[3].Timestamp)

	// Middle block sits one second before the newest boot.
	assert.Equal(t, end.Add(-time.Second), b.Readings[2].Timestamp)
	assert.Equal(t, StatusDirty, b.Readings[2].Status)
	assert.Equal(t, end.Add(-21*time.Second), b.Readings[1].Timestamp)
	assert.Equal(t, StatusDirty, b.Readings[1].Status)

	// Oldest block sits one second before the middle boot.
	assert.Equal(t, end.Add(-22*time.Second), b.Readings[0].Timestamp)
	assert.Equal(t, StatusDirty, b.Readings[0].Status)
}

func TestHandleReboots_RTCReadings(t *testing.T) {
	rtc := uint32(1<<31) | 536457600 // 2017-01-01T00:00:00Z

	b := &Batch{
		ReceivedAt:          ts("2017-01-02T00:00:00Z"),
		DeviceSentTimestamp: 0,
		Readings: []Reading{
			{SeqID: 1, Stream: 0x5001, Elapsed: rtc},
			{SeqID: 2, Stream: report.StreamReboot, Elapsed: 0},
			{SeqID: 3, Stream: 0x5001, Elapsed: 10},
		},
	}
	require.NoError(t, b.HandleReboots(context.Background(), noAnchor))

	assert.Equal(t, ts("2017-01-01T00:00:00Z"), b.Readings[0].Timestamp)
	assert.Equal(t, StatusUTC, b.Readings[0].Status)
	assert.False(t, b.Readings[0].DirtyTS)
}

func TestHandleReboots_ChoppedReference(t *testing.T) {
	ref := ts("2016-09-28T08:00:00Z")
	b := &Batch{
		ReceivedAt:          ts("2016-09-28T10:00:00Z"),
		DeviceSentTimestamp: 100,
		RefRebootTime:       &ref,
		Readings: []Reading{
			{SeqID: 1, Stream: 0x5001, Elapsed: 40},
			{SeqID: 2, Stream: 0x5001, Elapsed: 90},
		},
	}
	require.NoError(t, b.HandleReboots(context.Background(), noAnchor))

	// Block anchors so its newest reading lands at the reference reboot.
	assert.Equal(t, ref, b.Readings[1].Timestamp)
	assert.Equal(t, ref.Add(-50*time.Second), b.Readings[0].Timestamp)
	for _, r := range b.Readings {
		assert.Equal(t, StatusClean, r.Status)
	}
}

func TestHandleReboots_TripData(t *testing.T) {
	tripStart := ts("2016-09-28T12:00:00Z")
	tripEnd := ts("2016-09-28T12:10:00Z")

	b := &Batch{
		ReceivedAt:          ts("2016-09-28T13:00:00Z"),
		DeviceSentTimestamp: 0,
		Readings: []Reading{
			{SeqID: 1, Stream: report.StreamTripStart, Elapsed: 100, Value: uint32(tripStart.Unix())},
			{SeqID: 2, Stream: 0x5001, Elapsed: 160},
			{SeqID: 3, Stream: 0x5001, Elapsed: 5}, // counter restarted mid-trip
			{SeqID: 4, Stream: report.StreamTripEnd, Elapsed: 200, Value: uint32(tripEnd.Unix())},
		},
	}
	require.NoError(t, b.HandleReboots(context.Background(), noAnchor))

	assert.Equal(t, tripStart, b.Readings[0].Timestamp)
	assert.Equal(t, StatusUTC, b.Readings[0].Status)

	assert.Equal(t, tripStart.Add(60*time.Second), b.Readings[1].Timestamp)
	assert.Equal(t, StatusClean, b.Readings[1].Status)

	// Restart clamps the delta to the raw elapsed value.
	assert.Equal(t, tripStart.Add(65*time.Second), b.Readings[2].Timestamp)

	assert.Equal(t, tripEnd, b.Readings[3].Timestamp)
	assert.Equal(t, StatusUTC, b.Readings[3].Status)
}

func TestHandleReboots_TripPrecedence(t *testing.T) {
	rtc := uint32(1<<31) | 536457600 // 2017-01-01T00:00:00Z

	b := &Batch{
		ReceivedAt: ts("2017-01-02T00:00:00Z"),
		Readings: []Reading{
			{SeqID: 1, Stream: report.StreamTripStart, Elapsed: 0, Value: uint32(ts("2017-01-01T12:00:00Z").Unix())},
			{SeqID: 2, Stream: 0x5001, Elapsed: rtc},
			{SeqID: 3, Stream: 0x5001, Elapsed: 30},
		},
	}
	require.NoError(t, b.HandleReboots(context.Background(), noAnchor))

	// RTC readings are never rewritten by trip anchors.
	assert.Equal(t, ts("2017-01-01T00:00:00Z"), b.Readings[1].Timestamp)
	assert.Equal(t, StatusUTC, b.Readings[1].Status)

	assert.Equal(t, ts("2017-01-01T12:00:30Z"), b.Readings[2].Timestamp)
	assert.Equal(t, StatusClean, b.Readings[2].Status)
}

func TestHandleReboots_TripMarkersOnUserChannel(t *testing.T) {
	tripStart := ts("2016-09-28T12:00:00Z")

	// Trip markers can ride along on any channel; their absolute times
	// resolve whenever they appear, not only on the trip selector.
	b := &Batch{
		ReceivedAt:          ts("2016-09-28T13:00:00Z"),
		DeviceSentTimestamp: 0,
		Readings: []Reading{
			{SeqID: 1, Stream: report.StreamTripStart, Elapsed: 100, Value: uint32(tripStart.Unix())},
			{SeqID: 2, Stream: 0x5001, Elapsed: 160},
		},
	}
	require.NoError(t, b.HandleReboots(context.Background(), noAnchor))

	assert.Equal(t, tripStart, b.Readings[0].Timestamp)
	assert.Equal(t, StatusUTC, b.Readings[0].Status)
	assert.False(t, b.Readings[0].Timestamp.IsZero())

	assert.Equal(t, tripStart.Add(60*time.Second), b.Readings[1].Timestamp)
	assert.Equal(t, StatusClean, b.Readings[1].Status)
}

func TestHandleReboots_AnchorOnlyWhenOldestDirty(t *testing.T) {
	anchor := anchorFunc(func() (*Anchor, error) {
		return nil, errors.New("anchor source must not be consulted")
	})

	rtc := uint32(1<<31) | 536457600 // 2017-01-01T00:00:00Z

	// The oldest reading resolved on its own RTC tag, so nothing before
	// the reboot needs recovery and the prior report stays untouched.
	b := &Batch{
		ReceivedAt:          ts("2017-01-02T00:00:00Z"),
		DeviceSentTimestamp: 0,
		Readings: []Reading{
			{SeqID: 1, Stream: 0x5001, Elapsed: rtc},
			{SeqID: 2, Stream: report.StreamReboot, Elapsed: 0},
			{SeqID: 3, Stream: 0x5001, Elapsed: 10},
		},
	}
	require.NoError(t, b.HandleReboots(context.Background(), anchor))

	assert.Equal(t, ts("2017-01-01T00:00:00Z"), b.Readings[0].Timestamp)
	assert.Equal(t, StatusUTC, b.Readings[0].Status)
}

func TestHandleReboots_GatewayStampedPreserved(t *testing.T) {
	stamped := ts("2016-09-28T08:30:00Z")

	b := &Batch{
		ReceivedAt:          ts("2016-09-28T10:00:00Z"),
		DeviceSentTimestamp: 100,
		Readings: []Reading{
			{SeqID: 1, Stream: 0x5001, Elapsed: 10, Timestamp: stamped, Status: StatusUTC},
			{SeqID: 2, Stream: 0x5001, Elapsed: 60},
		},
	}
	require.NoError(t, b.HandleReboots(context.Background(), noAnchor))

	assert.Equal(t, stamped, b.Readings[0].Timestamp)
	assert.Equal(t, StatusUTC, b.Readings[0].Status)

	base := ts("2016-09-28T09:58:20Z")
	assert.Equal(t, base.Add(60*time.Second), b.Readings[1].Timestamp)
	assert.Equal(t, StatusClean, b.Readings[1].Status)
}

func TestHandleReboots_EmptyBatch(t *testing.T) {
	b := &Batch{ReceivedAt: ts("2016-09-28T10:00:00Z")}
	require.NoError(t, b.HandleReboots(context.Background(), noAnchor))
}

func TestAdjustTimestamps(t *testing.T) {
	base := ts("2016-09-28T09:00:00Z")
	items := []Reading{
		{SeqID: 1, Elapsed: 10},
		{SeqID: 2, Elapsed: 70},
		{SeqID: 3, Elapsed: 5}, // restart
		{SeqID: 4, Elapsed: 25},
	}
	AdjustTimestamps(items, base)

	assert.Equal(t, base.Add(10*time.Second), items[0].Timestamp)
	assert.Equal(t, base.Add(70*time.Second), items[1].Timestamp)
	assert.Equal(t, base.Add(75*time.Second), items[2].Timestamp)
	assert.Equal(t, base.Add(95*time.Second), items[3].Timestamp)
	for _, it := range items {
		assert.Equal(t, StatusClean, it.Status)
	}
}

func TestAdjustTimestampsReverse(t *testing.T) {
	end := ts("2016-09-28T09:10:00Z")
	items := []Reading{
		{SeqID: 1, Elapsed: 10},
		{SeqID: 2, Elapsed: 70},
		{SeqID: 3, Elapsed: 100},
	}
	AdjustTimestampsReverse(items, end)

	assert.Equal(t, end, items[2].Timestamp)
	assert.Equal(t, end.Add(-30*time.Second), items[1].Timestamp)
	assert.Equal(t, end.Add(-90*time.Second), items[0].Timestamp)
}

func TestAdjustTimestampsReverse_RestartClamp(t *testing.T) {
	end := ts("2016-09-28T09:10:00Z")
	items := []Reading{
		{SeqID: 1, Elapsed: 500}, // older boot session
		{SeqID: 2, Elapsed: 20},
	}
	AdjustTimestampsReverse(items, end)

	assert.Equal(t, end, items[1].Timestamp)
	assert.Equal(t, end.Add(-20*time.Second), items[0].Timestamp)
}

func TestMoveRebootBlock_ReferenceAfterReboot(t *testing.T) {
	refTime := ts("2016-09-28T11:00:00Z")
	items := []Reading{
		{SeqID: 10, Stream: 0x5001, Elapsed: 900, Timestamp: ts("2016-09-28T10:00:00Z")},
		{SeqID: 11, Stream: report.StreamReboot, Elapsed: 0},
		{SeqID: 12, Stream: 0x5001, Elapsed: 60, Timestamp: refTime},
		{SeqID: 13, Stream: 0x5001, Elapsed: 120},
	}
	require.NoError(t, MoveRebootBlock(items, 11, 12, 0))

	base := refTime.Add(-60 * time.Second)
	assert.Equal(t, base, items[1].Timestamp)
	assert.Equal(t, refTime, items[2].Timestamp)
	assert.Equal(t, base.Add(120*time.Second), items[3].Timestamp)
}

func TestMoveRebootBlock_ReferenceBeforeReboot(t *testing.T) {
	refTime := ts("2016-09-28T10:30:00Z")
	items := []Reading{
		{SeqID: 10, Stream: 0x5001, Elapsed: 900, Timestamp: refTime},
		{SeqID: 11, Stream: report.StreamReboot, Elapsed: 0},
		{SeqID: 12, Stream: 0x5001, Elapsed: 60},
	}
	require.NoError(t, MoveRebootBlock(items, 11, 10, 0))

	// Default offset places the boot one second after the reference.
	assert.Equal(t, refTime.Add(time.Second), items[1].Timestamp)
	assert.Equal(t, refTime.Add(61*time.Second), items[2].Timestamp)
}

func TestMoveRebootBlock_StopsAtNextReboot(t *testing.T) {
	refTime := ts("2016-09-28T11:00:00Z")
	laterTS := ts("2016-09-28T14:00:00Z")
	items := []Reading{
		{SeqID: 11, Stream: report.StreamReboot, Elapsed: 0},
		{SeqID: 12, Stream: 0x5001, Elapsed: 60, Timestamp: refTime},
		{SeqID: 13, Stream: report.StreamReboot, Elapsed: 0, Timestamp: laterTS},
		{SeqID: 14, Stream: 0x5001, Elapsed: 30, Timestamp: laterTS.Add(30 * time.Second)},
	}
	require.NoError(t, MoveRebootBlock(items, 11, 12, 0))

	base := refTime.Add(-60 * time.Second)
	assert.Equal(t, base, items[0].Timestamp)
	assert.Equal(t, refTime, items[1].Timestamp)

	// The next boot session keeps its own times.
	assert.Equal(t, laterTS, items[2].Timestamp)
	assert.Equal(t, laterTS.Add(30*time.Second), items[3].Timestamp)

	// A reference past the next reboot belongs to another session.
	assert.ErrorIs(t, MoveRebootBlock(items, 11, 14, 0), ErrMarkerNotFound)
}

func TestMoveRebootBlock_Errors(t *testing.T) {
	items := []Reading{
		{SeqID: 10, Stream: 0x5001, Elapsed: 5},
		{SeqID: 11, Stream: report.StreamReboot, Elapsed: 0},
	}
	assert.ErrorIs(t, MoveRebootBlock(items, 99, 10, 0), ErrMarkerNotFound)
	assert.ErrorIs(t, MoveRebootBlock(items, 11, 99, 0), ErrMarkerNotFound)
	assert.ErrorIs(t, MoveRebootBlock(items, 10, 11, 0), ErrMarkerNotFound)
}
