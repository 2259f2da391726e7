package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/streamtools/streamer.tools/pkg/blob"
)

type forwardArgs struct {
	Org    string `json:"org"`
	Report string `json:"report"`
	Ext    string `json:"ext"`
}

// Forwarder re-uploads committed report blobs to a secondary cloud. The
// limiter keeps a burst of backlogged forwards from hammering the
// destination.
type Forwarder struct {
	Org      string
	Endpoint string

	blobs   blob.Store
	client  *http.Client
	limiter *rate.Limiter
}

func NewForwarder(org, endpoint string, blobs blob.Store) *Forwarder {
	return &Forwarder{
		Org:      org,
		Endpoint: endpoint,
		blobs:    blobs,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(2), 5),
	}
}

// HandleForwardTask is the task-queue entry point.
func (p *Pipeline) HandleForwardTask(ctx context.Context, args json.RawMessage) error {
	if p.Forwarder == nil {
		return nil
	}
	var a forwardArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return fmt.Errorf("bad forward args: %w", err)
	}

	rpt, err := p.Store.GetReport(ctx, a.Report)
	if err != nil {
		return fmt.Errorf("failed to load report: %w", err)
	}
	return p.Forwarder.Forward(ctx, rpt.BlobKey, a.Ext, rpt.SentTimestamp)
}

// Forward pushes one archived blob to the destination, preserving the
// original receive timestamp so the far side reconciles identically.
func (f *Forwarder) Forward(ctx context.Context, blobKey, ext string, sentAt time.Time) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}

	raw, err := f.blobs.Get(ctx, blobKey)
	if err != nil {
		return fmt.Errorf("failed to load blob for forward: %w", err)
	}

	u := fmt.Sprintf("%s?timestamp=%s&ext=%s",
		f.Endpoint,
		url.QueryEscape(sentAt.UTC().Format(time.RFC3339)),
		url.QueryEscape(ext),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to forward report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("forward destination returned %d", resp.StatusCode)
	}

	reportsForwarded.Inc()
	return nil
}
