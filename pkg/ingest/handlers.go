package ingest

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/streamtools/streamer.tools/pkg/report"
	"github.com/streamtools/streamer.tools/pkg/store"
	"github.com/streamtools/streamer.tools/pkg/tasks"
)

type UploadResponse struct {
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// HandleUploadReport handles POST /v1/streamer/report. The report rides
// either as a multipart "file" part or as the raw request body with an
// "ext" query parameter. An optional "timestamp" query parameter
// overrides the receive time for gateway-buffered uploads.
func (p *Pipeline) HandleUploadReport(c echo.Context) error {
	resp := UploadResponse{}

	receivedAt := time.Now().UTC()
	if tsParam := c.QueryParam("timestamp"); tsParam != "" {
		ts, err := dateparse.ParseAny(tsParam)
		if err != nil {
			resp.Error = fmt.Sprintf("invalid timestamp: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		receivedAt = ts.UTC()
	}

	var raw []byte
	var ext string

	file, err := c.FormFile("file")
	if err == nil {
		src, err := file.Open()
		if err != nil {
			resp.Error = fmt.Sprintf("failed to open upload: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		defer src.Close()
		raw, err = io.ReadAll(src)
		if err != nil {
			resp.Error = fmt.Sprintf("failed to read upload: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		ext = filepath.Ext(file.Filename)
	} else {
		raw, err = io.ReadAll(c.Request().Body)
		if err != nil {
			resp.Error = fmt.Sprintf("failed to read body: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		ext = c.QueryParam("ext")
	}
	if ext == "" {
		// Legacy uploads carry no extension and are binary.
		ext = ".bin"
	}

	res, err := p.HandleUpload(c.Request().Context(), raw, ext, receivedAt)
	if err != nil {
		switch {
		case errors.Is(err, report.ErrUnsupportedMediaType):
			resp.Error = err.Error()
			return c.JSON(http.StatusUnsupportedMediaType, resp)
		case errors.Is(err, report.ErrUnsupportedFormat),
			errors.Is(err, report.ErrCorruptReport),
			errors.Is(err, ErrSelectorUnsupported),
			errors.Is(err, ErrSequenceInconsistency):
			resp.Error = err.Error()
			return c.JSON(http.StatusBadRequest, resp)
		case errors.Is(err, store.ErrDeviceNotClaimed):
			// Expected mid-provisioning state, not an error to the
			// uploader.
			return c.NoContent(http.StatusNoContent)
		case errors.Is(err, gorm.ErrRecordNotFound):
			resp.Error = "unknown device"
			return c.JSON(http.StatusBadRequest, resp)
		case errors.Is(err, ErrDeferred):
			return c.JSON(http.StatusAccepted, resp)
		default:
			resp.Error = err.Error()
			return c.JSON(http.StatusInternalServerError, resp)
		}
	}

	resp.Result = res
	return c.JSON(http.StatusCreated, resp)
}

type StreamersResponse struct {
	Streamers []store.Streamer `json:"streamers"`
	Error     string           `json:"error,omitempty"`
}

// HandleGetStreamers handles the GET /v1/streamer endpoint
func (p *Pipeline) HandleGetStreamers(c echo.Context) error {
	resp := StreamersResponse{}

	limit := parseLimit(c.QueryParam("limit"))

	rows, err := p.Store.Streamers(c.Request().Context(), limit)
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}
	resp.Streamers = rows
	return c.JSON(http.StatusOK, resp)
}

type ReportsResponse struct {
	Reports []store.StreamerReport `json:"reports"`
	Error   string                 `json:"error,omitempty"`
}

// HandleGetReports handles the GET /v1/streamer/:slug/reports endpoint
func (p *Pipeline) HandleGetReports(c echo.Context) error {
	resp := ReportsResponse{}

	limit := parseLimit(c.QueryParam("limit"))

	rows, err := p.Store.ReportsForStreamer(c.Request().Context(), c.Param("slug"), limit)
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}
	resp.Reports = rows
	return c.JSON(http.StatusOK, resp)
}

type DataResponse struct {
	Data  []store.StreamData `json:"data"`
	Error string             `json:"error,omitempty"`
}

// HandleGetData handles the GET /v1/data endpoint
func (p *Pipeline) HandleGetData(c echo.Context) error {
	// Parse the query parameters
	// device - Device id (required)
	// stream - Stream variable in hex (optional)
	// first_id / last_id - Sequence id window (optional)
	// limit - Number of readings to return (default=100)

	resp := DataResponse{}

	deviceParam := c.QueryParam("device")
	if deviceParam == "" {
		resp.Error = "device is required"
		return c.JSON(http.StatusBadRequest, resp)
	}
	device, err := strconv.ParseUint(deviceParam, 10, 32)
	if err != nil {
		resp.Error = fmt.Sprintf("invalid device: %s", err)
		return c.JSON(http.StatusBadRequest, resp)
	}

	var variable *uint16
	if streamParam := c.QueryParam("stream"); streamParam != "" {
		v, err := strconv.ParseUint(streamParam, 16, 16)
		if err != nil {
			resp.Error = fmt.Sprintf("invalid stream: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		vv := uint16(v)
		variable = &vv
	}

	var firstID, lastID *uint32
	if param := c.QueryParam("first_id"); param != "" {
		v, err := strconv.ParseUint(param, 10, 32)
		if err != nil {
			resp.Error = fmt.Sprintf("invalid first_id: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		vv := uint32(v)
		firstID = &vv
	}
	if param := c.QueryParam("last_id"); param != "" {
		v, err := strconv.ParseUint(param, 10, 32)
		if err != nil {
			resp.Error = fmt.Sprintf("invalid last_id: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		vv := uint32(v)
		lastID = &vv
	}

	limit := parseLimit(c.QueryParam("limit"))

	rows, err := p.Store.DataPage(c.Request().Context(), uint32(device), variable, firstID, lastID, limit)
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}
	resp.Data = rows
	return c.JSON(http.StatusOK, resp)
}

type DeviceStatusResponse struct {
	Device     *store.Device `json:"device,omitempty"`
	LastReboot *time.Time    `json:"last_reboot,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// HandleGetDeviceStatus handles the GET /v1/device/:id endpoint
func (p *Pipeline) HandleGetDeviceStatus(c echo.Context) error {
	resp := DeviceStatusResponse{}

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		resp.Error = fmt.Sprintf("invalid device: %s", err)
		return c.JSON(http.StatusBadRequest, resp)
	}

	device, err := p.Store.GetDevice(c.Request().Context(), uint32(id))
	if err != nil && !errors.Is(err, store.ErrDeviceNotClaimed) {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			resp.Error = "unknown device"
			return c.JSON(http.StatusNotFound, resp)
		}
		resp.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}
	resp.Device = device

	if rb, err := p.Store.LastReading(c.Request().Context(), uint32(id), report.StreamReboot); err == nil {
		resp.LastReboot = &rb.Timestamp
	}

	return c.JSON(http.StatusOK, resp)
}

type AdminResponse struct {
	Scheduled bool   `json:"scheduled"`
	Error     string `json:"error,omitempty"`
}

// HandleAdminAdjust handles POST /v1/admin/adjust and
// POST /v1/admin/adjust-reverse.
func (p *Pipeline) HandleAdminAdjust(reverse bool) echo.HandlerFunc {
	taskType := tasks.TypeAdjust
	if reverse {
		taskType = tasks.TypeAdjustReverse
	}

	return func(c echo.Context) error {
		resp := AdminResponse{}

		var a adjustArgs
		if err := c.Bind(&a); err != nil {
			resp.Error = fmt.Sprintf("invalid request: %s", err)
			return c.JSON(http.StatusBadRequest, resp)
		}
		if a.Device == 0 || a.LastID < a.FirstID || a.BaseTS.IsZero() {
			resp.Error = "device, first_id <= last_id, and base_ts are required"
			return c.JSON(http.StatusBadRequest, resp)
		}

		if err := p.Scheduler.Schedule(c.Request().Context(), taskType, a, 0); err != nil {
			resp.Error = err.Error()
			return c.JSON(http.StatusInternalServerError, resp)
		}
		resp.Scheduled = true
		return c.JSON(http.StatusAccepted, resp)
	}
}

// HandleAdminOneReboot handles POST /v1/admin/one-reboot.
func (p *Pipeline) HandleAdminOneReboot(c echo.Context) error {
	resp := AdminResponse{}

	var a oneRebootArgs
	if err := c.Bind(&a); err != nil {
		resp.Error = fmt.Sprintf("invalid request: %s", err)
		return c.JSON(http.StatusBadRequest, resp)
	}
	if a.Device == 0 || a.RebootSeq == 0 || a.ReferenceSeq == 0 {
		resp.Error = "device, reboot_seq, and reference_seq are required"
		return c.JSON(http.StatusBadRequest, resp)
	}

	if err := p.Scheduler.Schedule(c.Request().Context(), tasks.TypeOneReboot, a, 0); err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}
	resp.Scheduled = true
	return c.JSON(http.StatusAccepted, resp)
}

func parseLimit(param string) int {
	limit := 100
	if param != "" {
		if v, err := strconv.Atoi(param); err == nil {
			limit = v
		}
	}
	if limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit
}

// RegisterHandlers mounts the API on an echo group.
func (p *Pipeline) RegisterHandlers(e *echo.Echo, exporter echo.HandlerFunc) {
	v1 := e.Group("/v1")
	v1.POST("/streamer/report", p.HandleUploadReport)
	v1.GET("/streamer", p.HandleGetStreamers)
	v1.GET("/streamer/:slug/reports", p.HandleGetReports)
	v1.GET("/data", p.HandleGetData)
	v1.GET("/device/:id", p.HandleGetDeviceStatus)

	admin := v1.Group("/admin")
	admin.POST("/adjust", p.HandleAdminAdjust(false))
	admin.POST("/adjust-reverse", p.HandleAdminAdjust(true))
	admin.POST("/one-reboot", p.HandleAdminOneReboot)
	if exporter != nil {
		admin.GET("/export", exporter)
	}
}

// RegisterTaskHandlers binds the pipeline's task types on a dispatcher.
func (p *Pipeline) RegisterTaskHandlers(d *tasks.Dispatcher) {
	d.Register(tasks.TypeProcessReport, p.HandleProcessTask)
	d.Register(tasks.TypeChoppedRetry, p.HandleChoppedRetry)
	d.Register(tasks.TypeRebootFixup, p.HandleRebootFixup)
	d.Register(tasks.TypeE2SyncRetry, p.HandleE2SyncRetry)
	d.Register(tasks.TypeForward, p.HandleForwardTask)
	d.Register(tasks.TypeAdjust, p.HandleAdjustTask)
	d.Register(tasks.TypeAdjustReverse, p.HandleAdjustReverseTask)
	d.Register(tasks.TypeOneReboot, p.HandleOneRebootTask)
}
