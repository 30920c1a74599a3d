package recordhttp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/pipeline"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// BatchKeyHeader carries a key derived from the event ids of a request. The
// fanout resends a whole batch after a failure, so receivers use the key to
// drop requests they already accepted.
const BatchKeyHeader = "Idempotency-Key"

var batchKeySpace = uuid.MustParse("5b0f6e0c-3f7a-4d0e-9a55-0c7f3e9d2a41")

// Config configures the HTTP writer.
type Config struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
	// MaxRecords splits larger batches into several requests. Zero means 500.
	MaxRecords int
	Compress   bool
}

// Writer posts record batches as a JSON array to a webhook.
type Writer struct {
	url        string
	headers    map[string]string
	maxRecords int
	compress   bool
	client     *http.Client
}

// NewWriter creates an HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http output URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	maxRecords := cfg.MaxRecords
	if maxRecords <= 0 {
		maxRecords = 500
	}
	return &Writer{
		url:        cfg.URL,
		headers:    cfg.Headers,
		maxRecords: maxRecords,
		compress:   cfg.Compress,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// WriteRecords posts recs in requests of at most MaxRecords records. A 4xx
// answer other than timeout or throttling is returned as pipeline.ErrRejected.
func (w *Writer) WriteRecords(recs []*models.EventRecord) error {
	for start := 0; start < len(recs); start += w.maxRecords {
		end := start + w.maxRecords
		if end > len(recs) {
			end = len(recs)
		}
		if err := w.post(recs[start:end]); err != nil {
			return fmt.Errorf("records %d-%d of %d: %w", start, end-1, len(recs), err)
		}
	}
	return nil
}

func (w *Writer) post(recs []*models.EventRecord) error {
	body, err := w.encode(recs)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(BatchKeyHeader, BatchKey(recs))
	if w.compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("http request failed with status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
		if pipeline.PermanentStatus(resp.StatusCode) {
			return fmt.Errorf("%w: %v", pipeline.ErrRejected, err)
		}
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (w *Writer) encode(recs []*models.EventRecord) ([]byte, error) {
	if !w.compress {
		body, err := json.Marshal(recs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal records: %w", err)
		}
		return body, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(recs); err != nil {
		return nil, fmt.Errorf("failed to marshal records: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress records: %w", err)
	}
	return buf.Bytes(), nil
}

// BatchKey derives the request key from the event ids in order.
func BatchKey(recs []*models.EventRecord) string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.EventID()
	}
	return uuid.NewSHA1(batchKeySpace, []byte(strings.Join(ids, "\n"))).String()
}

// Close releases HTTP resources.
func (w *Writer) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
