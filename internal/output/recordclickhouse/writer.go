package recordclickhouse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/pipeline"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// Config configures the ClickHouse HTTP writer.
type Config struct {
	URL      string
	Database string
	Table    string
	Username string
	Password string
	Timeout  time.Duration
	Headers  map[string]string
}

// Writer inserts flattened event records into ClickHouse via HTTP JSONEachRow.
type Writer struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// Row is one event_records table row.
type Row struct {
	EventID       string   `json:"event_id"`
	AgentID       string   `json:"agent_id"`
	Source        string   `json:"source"`
	Subtype       string   `json:"subtype"`
	OccurredAt    string   `json:"occurred_at"`
	Actor         string   `json:"actor"`
	PayloadRef    string   `json:"payload_ref"`
	Size          int64    `json:"size"`
	DataTypes     []string `json:"data_types"`
	MaxConfidence float64  `json:"max_confidence"`
	PolicyID      string   `json:"policy_id"`
	Action        string   `json:"action"`
	Severity      string   `json:"severity"`
	ActionResult  string   `json:"action_result"`
	Blocked       uint8    `json:"blocked"`
	PolicyVersion string   `json:"policy_version"`
	RecordedAt    string   `json:"recorded_at"`
	Record        string   `json:"record"`
}

const timeLayout = "2006-01-02 15:04:05.000"

// NewWriter creates a ClickHouse HTTP writer.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("clickhouse URL is empty")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Table == "" {
		cfg.Table = "event_records"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	q := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", quoteIdent(cfg.Database), quoteIdent(cfg.Table))
	endpoint := strings.TrimRight(cfg.URL, "/") + "/?query=" + url.QueryEscape(q)

	headers := map[string]string{}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.Username != "" {
		headers["X-ClickHouse-User"] = cfg.Username
	}
	if cfg.Password != "" {
		headers["X-ClickHouse-Key"] = cfg.Password
	}

	return &Writer{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// ToRow flattens a record into table columns. The full record is kept as JSON.
func ToRow(rec *models.EventRecord) (Row, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return Row{}, err
	}
	seen := map[string]struct{}{}
	types := []string{}
	for _, f := range rec.Findings {
		if _, ok := seen[string(f.DataType)]; ok {
			continue
		}
		seen[string(f.DataType)] = struct{}{}
		types = append(types, string(f.DataType))
	}
	sort.Strings(types)

	row := Row{
		EventID:       rec.EventID(),
		AgentID:       rec.Event.AgentID,
		Source:        string(rec.Event.Source),
		Subtype:       string(rec.Event.Subtype),
		OccurredAt:    rec.Event.OccurredAt.UTC().Format(timeLayout),
		Actor:         rec.Event.Actor,
		PayloadRef:    rec.Event.PayloadRef,
		Size:          rec.Event.Size,
		DataTypes:     types,
		MaxConfidence: models.HighestConfidence(rec.Findings),
		PolicyID:      rec.Match.PolicyID,
		Action:        string(rec.Match.Action),
		Severity:      string(rec.Match.Severity),
		ActionResult:  string(rec.Enforcement.Result),
		PolicyVersion: rec.PolicyVersion,
		RecordedAt:    rec.RecordedAt.UTC().Format(timeLayout),
		Record:        string(raw),
	}
	if rec.Enforcement.Blocked {
		row.Blocked = 1
	}
	return row, nil
}

// WriteRecords inserts a batch of records.
func (w *Writer) WriteRecords(recs []*models.EventRecord) error {
	if len(recs) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, rec := range recs {
		row, err := ToRow(rec)
		if err != nil {
			return fmt.Errorf("failed to flatten record %s: %w", rec.EventID(), err)
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to marshal row %s: %w", rec.EventID(), err)
		}
	}

	req, err := http.NewRequest(http.MethodPost, w.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("clickhouse request failed with status %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
		if pipeline.PermanentStatus(resp.StatusCode) {
			return fmt.Errorf("%w: %v", pipeline.ErrRejected, err)
		}
		return err
	}
	return nil
}

// Close releases resources.
func (w *Writer) Close() error {
	return nil
}

func quoteIdent(v string) string {
	v = strings.ReplaceAll(v, "`", "")
	return "`" + v + "`"
}
