package recordnats

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// Config configures the NATS writer.
type Config struct {
	URL     string
	Subject string
	Timeout time.Duration
}

// Writer publishes each record to "<subject>.<source>.<action>".
type Writer struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
}

// NewWriter connects to NATS.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats URL is empty")
	}
	if cfg.Subject == "" {
		cfg.Subject = "dlp.records"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name("dlp-server"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	logger.Infof("Record NATS writer connected: %s subject=%s", cfg.URL, cfg.Subject)
	return &Writer{conn: conn, subject: cfg.Subject, timeout: cfg.Timeout}, nil
}

// Subject returns the subject a record is published on.
func Subject(prefix string, rec *models.EventRecord) string {
	action := string(rec.Match.Action)
	if action == "" {
		action = "unknown"
	}
	return strings.Join([]string{prefix, string(rec.Event.Source), action}, ".")
}

// WriteRecords publishes a batch and waits for the server to confirm receipt.
func (w *Writer) WriteRecords(recs []*models.EventRecord) error {
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s: %w", rec.EventID(), err)
		}
		if err := w.conn.Publish(Subject(w.subject, rec), data); err != nil {
			return fmt.Errorf("failed to publish record %s: %w", rec.EventID(), err)
		}
	}
	if err := w.conn.FlushTimeout(w.timeout); err != nil {
		return fmt.Errorf("failed to flush nats: %w", err)
	}
	return nil
}

// Close drains the connection.
func (w *Writer) Close() error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Drain()
}
