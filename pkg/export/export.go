// Package export writes committed readings to parquet files for
// data-quality review and offline analysis.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/parquet-go/parquet-go"

	"github.com/streamtools/streamer.tools/pkg/store"
)

// Record is the parquet schema for one exported reading.
type Record struct {
	DeviceID        int64  `parquet:"device_id"`
	StreamSlug      string `parquet:"stream_slug"`
	StreamerLocalID int64  `parquet:"streamer_local_id"`
	DeviceTimestamp int64  `parquet:"device_timestamp"`
	Timestamp       int64  `parquet:"timestamp"`
	Value           int64  `parquet:"value"`
	Status          string `parquet:"status"`
	DirtyTS         bool   `parquet:"dirty_ts"`
}

type Exporter struct {
	logger  *slog.Logger
	store   *store.Store
	fileDir string
	prefix  string
}

func NewExporter(logger *slog.Logger, st *store.Store, fileDir, prefix string) (*Exporter, error) {
	// Make sure the file directory exists
	if err := os.MkdirAll(fileDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parquet file directory: %w", err)
	}

	return &Exporter{
		logger:  logger.With("module", "export"),
		store:   st,
		fileDir: fileDir,
		prefix:  prefix,
	}, nil
}

// ExportRange writes one parquet file covering a device's sequence-id
// range and returns the file path.
func (e *Exporter) ExportRange(ctx context.Context, deviceID uint32, firstID, lastID uint32) (string, int, error) {
	rows, err := e.store.ReadingsInRange(ctx, deviceID, firstID, lastID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to load readings: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, Record{
			DeviceID:        int64(r.DeviceID),
			StreamSlug:      r.StreamSlug,
			StreamerLocalID: int64(r.StreamerLocalID),
			DeviceTimestamp: int64(r.DeviceTimestamp),
			Timestamp:       r.Timestamp.UnixMilli(),
			Value:           int64(r.Value),
			Status:          r.Status,
			DirtyTS:         r.DirtyTS,
		})
	}

	fName := path.Join(e.fileDir, fmt.Sprintf("%s_%s.parquet", e.prefix, time.Now().UTC().Format("2006_01_02-15_04_05")))

	e.logger.Info("writing parquet file", "file_path", fName, "num_records", len(records))

	filterBits := uint(10)
	err = parquet.WriteFile(fName, records, parquet.BloomFilters(
		parquet.SplitBlockFilter(filterBits, "stream_slug"),
		parquet.SplitBlockFilter(filterBits, "status"),
	))
	if err != nil {
		return "", 0, fmt.Errorf("failed to write parquet file: %w", err)
	}

	return fName, len(records), nil
}

type exportResponse struct {
	File    string `json:"file,omitempty"`
	Records int    `json:"records"`
	Error   string `json:"error,omitempty"`
}

// Handler serves GET /v1/admin/export?device=&first_id=&last_id=.
func (e *Exporter) Handler(c echo.Context) error {
	resp := exportResponse{}

	device, err := strconv.ParseUint(c.QueryParam("device"), 10, 32)
	if err != nil {
		resp.Error = fmt.Sprintf("invalid device: %s", err)
		return c.JSON(http.StatusBadRequest, resp)
	}
	firstID, err := strconv.ParseUint(c.QueryParam("first_id"), 10, 32)
	if err != nil {
		resp.Error = fmt.Sprintf("invalid first_id: %s", err)
		return c.JSON(http.StatusBadRequest, resp)
	}
	lastID, err := strconv.ParseUint(c.QueryParam("last_id"), 10, 32)
	if err != nil {
		resp.Error = fmt.Sprintf("invalid last_id: %s", err)
		return c.JSON(http.StatusBadRequest, resp)
	}

	fName, n, err := e.ExportRange(c.Request().Context(), uint32(device), uint32(firstID), uint32(lastID))
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}

	resp.File = fName
	resp.Records = n
	return c.JSON(http.StatusOK, resp)
}
