package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrTooManyPages is returned when a query window holds more activity than
// one query may page through. Callers retry with a narrower window.
var ErrTooManyPages = errors.New("activity window exceeds page limit")

// ActivitySource returns the activities recorded in a folder in the window
// (after, until]. A zero until leaves the window open.
type ActivitySource interface {
	Query(ctx context.Context, folderID string, after, until time.Time) ([]Activity, error)
}

// DriveConfig configures the Drive Activity client.
type DriveConfig struct {
	APIURL      string
	AccessToken string
	Timeout     time.Duration
	PageSize    int
	// MaxPages bounds pagination per query window.
	MaxPages int
}

// DriveClient queries the Drive Activity v2 API.
type DriveClient struct {
	url      string
	token    string
	pageSize int
	maxPages int
	client   *http.Client
}

// NewDriveClient creates a Drive Activity client.
func NewDriveClient(cfg DriveConfig) (*DriveClient, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("drive activity API URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 20
	}
	return &DriveClient{
		url:      strings.TrimRight(cfg.APIURL, "/") + "/v2/activity:query",
		token:    cfg.AccessToken,
		pageSize: pageSize,
		maxPages: maxPages,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type queryRequest struct {
	AncestorName string `json:"ancestorName"`
	PageSize     int    `json:"pageSize"`
	Filter       string `json:"filter,omitempty"`
	PageToken    string `json:"pageToken,omitempty"`
}

type queryResponse struct {
	Activities    []Activity `json:"activities"`
	NextPageToken string     `json:"nextPageToken"`
}

// Query fetches every page of activities in (after, until].
func (c *DriveClient) Query(ctx context.Context, folderID string, after, until time.Time) ([]Activity, error) {
	body := queryRequest{
		AncestorName: "items/" + folderID,
		PageSize:     c.pageSize,
		Filter:       timeFilter(after, until),
	}

	var out []Activity
	for page := 0; page < c.maxPages; page++ {
		resp, err := c.do(ctx, body)
		if err != nil {
			return nil, err
		}
		out = append(out, resp.Activities...)
		if resp.NextPageToken == "" {
			return out, nil
		}
		body.PageToken = resp.NextPageToken
	}
	return nil, fmt.Errorf("drive activity query for %s: %w (%d pages)", folderID, ErrTooManyPages, c.maxPages)
}

func timeFilter(after, until time.Time) string {
	var parts []string
	if !after.IsZero() {
		parts = append(parts, fmt.Sprintf("time > %q", after.UTC().Format(time.RFC3339Nano)))
	}
	if !until.IsZero() {
		parts = append(parts, fmt.Sprintf("time <= %q", until.UTC().Format(time.RFC3339Nano)))
	}
	return strings.Join(parts, " AND ")
}

func (c *DriveClient) do(ctx context.Context, body queryRequest) (*queryResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("drive activity request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("drive activity request failed with status %s", resp.Status)
	}
	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode drive activity response: %w", err)
	}
	return &out, nil
}
