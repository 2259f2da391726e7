package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamtools/streamer.tools/pkg/report"
	"github.com/streamtools/streamer.tools/pkg/store"
)

func TestHandleUploadReport(t *testing.T) {
	p, _ := testPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.Store.UpsertDevice(ctx, &store.Device{ID: 3, Claimed: true}))

	raw := report.Build(report.Header{
		DeviceID: 3, ReportID: 1, SentTimestamp: 60, StreamerSelector: report.SelectorUser,
	}, []report.RawReading{{Stream: 0x2000, ID: 1, DeviceTimestamp: 30, Value: 5}})

	e := echo.New()

	// Raw body with an explicit receive timestamp, as a gateway relaying
	// a buffered upload would send it.
	req := httptest.NewRequest(http.MethodPost,
		"/v1/streamer/report?ext=.bin&timestamp=2024-05-01T10:00:00Z", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	require.NoError(t, p.HandleUploadReport(e.NewContext(req, rec)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Result)
	assert.Equal(t, 1, resp.Result.Count)
	assert.Equal(t, uint32(1), resp.Result.ActualLastID)

	rows, err := p.Store.DataPage(ctx, 3, nil, nil, nil, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).Add(-60 * time.Second).Add(30 * time.Second)
	assert.True(t, rows[0].Timestamp.Equal(want))
}

func TestHandleUploadReportErrors(t *testing.T) {
	p, _ := testPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.Store.UpsertDevice(ctx, &store.Device{ID: 3, Claimed: true}))
	require.NoError(t, p.Store.UpsertDevice(ctx, &store.Device{ID: 4, Claimed: false}))

	raw := report.Build(report.Header{
		DeviceID: 3, ReportID: 1, SentTimestamp: 60, StreamerSelector: report.SelectorUser,
	}, []report.RawReading{{Stream: 0x2000, ID: 1, DeviceTimestamp: 30, Value: 5}})

	e := echo.New()

	post := func(target string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
		rec := httptest.NewRecorder()
		require.NoError(t, p.HandleUploadReport(e.NewContext(req, rec)))
		return rec
	}

	rec := post("/v1/streamer/report?ext=.xml", raw)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = post("/v1/streamer/report?ext=.bin&timestamp=not-a-time", raw)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	corrupt := append([]byte(nil), raw...)
	corrupt[25] ^= 0xFF
	rec = post("/v1/streamer/report?ext=.bin", corrupt)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	unclaimed := report.Build(report.Header{
		DeviceID: 4, ReportID: 1, SentTimestamp: 60, StreamerSelector: report.SelectorUser,
	}, []report.RawReading{{Stream: 0x2000, ID: 1, DeviceTimestamp: 30, Value: 5}})
	rec = post("/v1/streamer/report?ext=.bin", unclaimed)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	unknown := report.Build(report.Header{
		DeviceID: 99, ReportID: 1, SentTimestamp: 60, StreamerSelector: report.SelectorUser,
	}, []report.RawReading{{Stream: 0x2000, ID: 1, DeviceTimestamp: 30, Value: 5}})
	rec = post("/v1/streamer/report?ext=.bin", unknown)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetDeviceStatus(t *testing.T) {
	p, _ := testPipeline(t)
	ctx := context.Background()
	require.NoError(t, p.Store.UpsertDevice(ctx, &store.Device{ID: 0xB1, Claimed: true}))

	received := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	raw := report.Build(report.Header{
		DeviceID: 0xB1, ReportID: 1, SentTimestamp: 300, StreamerSelector: report.SelectorSystem,
	}, []report.RawReading{
		{Stream: report.StreamReboot, ID: 1, DeviceTimestamp: 0, Value: 0},
		{Stream: 0x2000, ID: 2, DeviceTimestamp: 100, Value: 8},
	})
	_, err := p.HandleUpload(ctx, raw, ".bin", received)
	require.NoError(t, err)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/device/177", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("177")

	require.NoError(t, p.HandleGetDeviceStatus(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp DeviceStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Device)
	assert.Equal(t, uint32(0xB1), resp.Device.ID)
	require.NotNil(t, resp.LastReboot)
	assert.True(t, resp.LastReboot.Equal(received.Add(-300*time.Second)))

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/device/9999", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("9999")
	require.NoError(t, p.HandleGetDeviceStatus(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 100, parseLimit(""))
	assert.Equal(t, 25, parseLimit("25"))
	assert.Equal(t, 100, parseLimit("0"))
	assert.Equal(t, 100, parseLimit("junk"))
	assert.Equal(t, 1000, parseLimit("5000"))
}
