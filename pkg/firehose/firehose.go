// Package firehose streams committed readings to a BigQuery dataset for
// analytics. Rows buffer in memory and flush in batches; the pipeline
// never blocks on warehouse availability.
package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/bigquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/streamtools/streamer.tools/pkg/store"
)

var tracer = otel.Tracer("firehose")

// Row is the warehouse schema for one reading.
type Row struct {
	DeviceID   int64     `bigquery:"device_id"`
	StreamSlug string    `bigquery:"stream_slug"`
	SeqID      int64     `bigquery:"seq_id"`
	Timestamp  time.Time `bigquery:"timestamp"`
	Value      int64     `bigquery:"value"`
	Status     string    `bigquery:"status"`
	IngestedAt time.Time `bigquery:"ingested_at"`
}

type Firehose struct {
	logger    *slog.Logger
	rowSchema bigquery.Schema
	client    *bigquery.Client
	dataset   *bigquery.Dataset

	tablePrefix string

	tableDate string
	inserter  *bigquery.Inserter

	rowBuf chan *Row
	done   chan struct{}
}

func NewFirehose(
	ctx context.Context,
	projectID string,
	dataset string,
	tablePrefix string,
	logger *slog.Logger,
) (*Firehose, error) {
	rowSchema, err := bigquery.InferSchema(Row{})
	if err != nil {
		return nil, fmt.Errorf("failed to infer schema: %w", err)
	}

	bqClient, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	bqDataset := bqClient.Dataset(dataset)

	if _, err := bqDataset.Metadata(ctx); err != nil {
		return nil, fmt.Errorf("failed to get dataset metadata, make sure to create it if it doesn't exist: %w", err)
	}

	fh := &Firehose{
		rowSchema:   rowSchema,
		client:      bqClient,
		dataset:     bqDataset,
		logger:      logger.With("module", "firehose"),
		tablePrefix: tablePrefix,
		rowBuf:      make(chan *Row, 100_000),
		done:        make(chan struct{}),
	}

	go fh.flushLoop(ctx)

	return fh, nil
}

// flushLoop batch-inserts buffered rows every 5 seconds until Close or
// context cancellation.
func (fh *Firehose) flushLoop(ctx context.Context) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-fh.done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			if err := fh.insertRows(ctx); err != nil {
				fh.logger.Error("failed to insert rows", "error", err)
			}
		}
	}
}

// Insert buffers committed readings for the next batch flush.
func (fh *Firehose) Insert(ctx context.Context, rows []store.StreamData) error {
	ctx, span := tracer.Start(ctx, "Insert")
	defer span.End()

	span.SetAttributes(attribute.Int("rows", len(rows)))

	now := time.Now().UTC()
	for i := range rows {
		fh.rowBuf <- &Row{
			DeviceID:   int64(rows[i].DeviceID),
			StreamSlug: rows[i].StreamSlug,
			SeqID:      int64(rows[i].StreamerLocalID),
			Timestamp:  rows[i].Timestamp,
			Value:      int64(rows[i].Value),
			Status:     rows[i].Status,
			IngestedAt: now,
		}
		rowsProcessed.WithLabelValues(fh.tablePrefix).Inc()
		queueDepth.WithLabelValues(fh.tablePrefix).Inc()
	}

	return nil
}

func (fh *Firehose) insertRows(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "insertRows")
	defer span.End()

	// Create table if it doesn't exist
	if err := fh.createTableIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	batchSize := 10_000

	rows := make([]*Row, 0, batchSize)
collect:
	for i := 0; i < batchSize; i++ {
		select {
		case row := <-fh.rowBuf:
			rows = append(rows, row)
			queueDepth.WithLabelValues(fh.tablePrefix).Dec()
		default:
			break collect
		}
	}

	if len(rows) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		batchSubmissionDuration.WithLabelValues(fh.tablePrefix).Observe(float64(elapsed.Milliseconds()))
		batchSizeHist.WithLabelValues(fh.tablePrefix).Observe(float64(len(rows)))
	}()

	if err := fh.inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("failed to insert rows: %w", err)
	}

	return nil
}

func (fh *Firehose) createTableIfNotExists(ctx context.Context) error {
	today := time.Now().Format("20060102")

	if fh.tableDate == today && fh.inserter != nil {
		return nil
	}

	table := fh.dataset.Table(fmt.Sprintf("%s_%s", fh.tablePrefix, today))
	_, err := table.Metadata(ctx)
	if err != nil {
		fh.logger.Info("table does not exist, creating", "table", table.FullyQualifiedName())
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: fh.rowSchema}); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	fh.inserter = table.Inserter()
	fh.tableDate = today

	return nil
}

func (fh *Firehose) Close() error {
	close(fh.done)
	return fh.client.Close()
}
