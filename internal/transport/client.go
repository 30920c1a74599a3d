package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// ErrSchema reports a server response that does not match the protocol.
var ErrSchema = errors.New("malformed server response")

// StatusError is a non-2xx server response.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("server returned %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("server returned %s", e.Status)
}

// IsTransient reports whether a failed call is worth retrying as is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests || se.Code == http.StatusRequestTimeout
	}
	if errors.Is(err, ErrSchema) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// Config configures the client.
type Config struct {
	ServerURL   string
	BearerToken string
	Timeout     time.Duration
	// Compress gzips request bodies.
	Compress bool
}

// Client is the agent side of the agent/server protocol.
type Client struct {
	base     string
	token    string
	timeout  time.Duration
	compress bool
	client   *http.Client
}

// NewClient creates a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is empty")
	}
	if _, err := url.Parse(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:     strings.TrimRight(cfg.ServerURL, "/") + "/api/v1",
		token:    cfg.BearerToken,
		timeout:  timeout,
		compress: cfg.Compress,
		client:   &http.Client{},
	}, nil
}

// SubmitEvents posts a batch of records. Only the ids in the result may be
// removed from the local outbox.
func (c *Client) SubmitEvents(ctx context.Context, agentID string, records []*models.EventRecord) (models.SubmitResult, error) {
	batch := models.EventBatch{AgentID: agentID, Records: make([]models.EventRecord, len(records))}
	sent := make(map[string]bool, len(records))
	for i, r := range records {
		batch.Records[i] = *r
		sent[r.EventID()] = true
	}

	var raw struct {
		Accepted   *[]string `json:"accepted"`
		Duplicates *[]string `json:"duplicates"`
	}
	if err := c.do(ctx, http.MethodPost, "/events", batch, &raw); err != nil {
		return models.SubmitResult{}, err
	}
	if raw.Accepted == nil && raw.Duplicates == nil {
		return models.SubmitResult{}, fmt.Errorf("submit response lacks accepted and duplicates: %w", ErrSchema)
	}
	var res models.SubmitResult
	if raw.Accepted != nil {
		res.Accepted = *raw.Accepted
	}
	if raw.Duplicates != nil {
		res.Duplicates = *raw.Duplicates
	}
	for _, id := range res.Acknowledged() {
		if !sent[id] {
			return models.SubmitResult{}, fmt.Errorf("server acknowledged unknown event %q: %w", id, ErrSchema)
		}
	}
	return res, nil
}

// SendHeartbeat pushes agent status.
func (c *Client) SendHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	return c.do(ctx, http.MethodPut, "/agents/"+url.PathEscape(hb.AgentID)+"/heartbeat", hb, nil)
}

// FetchPolicies returns the active policy set.
func (c *Client) FetchPolicies(ctx context.Context) (models.PolicySet, error) {
	var set models.PolicySet
	if err := c.do(ctx, http.MethodGet, "/policies", nil, &set); err != nil {
		return models.PolicySet{}, err
	}
	return set, nil
}

// TriggerPoll asks the server for an immediate cloud poll.
func (c *Client) TriggerPoll(ctx context.Context) (models.PollStatus, error) {
	var st models.PollStatus
	if err := c.do(ctx, http.MethodPost, "/cloud/poll", nil, &st); err != nil {
		return models.PollStatus{}, err
	}
	if st.Status != models.PollQueued && st.Status != models.PollSkipped {
		return models.PollStatus{}, fmt.Errorf("unexpected poll status %q: %w", st.Status, ErrSchema)
	}
	return st, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	encoded := false
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		if c.compress {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(payload); err != nil {
				return fmt.Errorf("failed to compress request: %w", err)
			}
			if err := zw.Close(); err != nil {
				return fmt.Errorf("failed to compress request: %w", err)
			}
			payload = buf.Bytes()
			encoded = true
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if encoded {
		req.Header.Set("Content-Encoding", "gzip")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %v: %w", method, path, err, ErrSchema)
	}
	return nil
}
