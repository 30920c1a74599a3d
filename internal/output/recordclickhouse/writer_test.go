package recordclickhouse

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/pipeline"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

func sample() *models.EventRecord {
	return &models.EventRecord{
		Event: models.ActivityEvent{
			ID: "e1", AgentID: "laptop-1", Source: models.SourceUSB, Subtype: models.SubtypeCopy,
			OccurredAt: time.Date(2024, 5, 1, 9, 30, 15, 250e6, time.UTC), PayloadRef: "/media/u/x.txt", Size: 42,
		},
		Findings: []models.Finding{
			{DataType: models.DataSSN, Confidence: 0.8},
			{DataType: models.DataCreditCard, Confidence: 0.95},
			{DataType: models.DataSSN, Confidence: 0.7},
		},
		Match:       models.PolicyMatch{PolicyID: "usb", Action: models.ActionBlock, Severity: models.SeverityCritical},
		Enforcement: models.EnforcementResult{Action: models.ActionBlock, Result: models.ActionResultSuccess, Blocked: true},
	}
}

func TestToRow(t *testing.T) {
	row, err := ToRow(sample())
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01 09:30:15.250", row.OccurredAt)
	assert.Equal(t, []string{"credit_card", "ssn"}, row.DataTypes)
	assert.Equal(t, 0.95, row.MaxConfidence)
	assert.Equal(t, uint8(1), row.Blocked)
	assert.Equal(t, "block", row.Action)
	assert.Contains(t, row.Record, `"event_id":"e1"`)
}

func TestWriterInsertsJSONEachRow(t *testing.T) {
	var query, user string
	var rows []Row
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("query")
		user = r.Header.Get("X-ClickHouse-User")
		sc := bufio.NewScanner(r.Body)
		sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for sc.Scan() {
			var row Row
			require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
			rows = append(rows, row)
		}
	}))
	defer ts.Close()

	w, err := NewWriter(Config{URL: ts.URL, Database: "dlp", Username: "writer"})
	require.NoError(t, err)
	require.NoError(t, w.WriteRecords([]*models.EventRecord{sample(), sample()}))

	assert.Equal(t, "INSERT INTO `dlp`.`event_records` FORMAT JSONEachRow", query)
	assert.Equal(t, "writer", user)
	assert.Len(t, rows, 2)
}

func TestWriterRejectsOnBadRequest(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Code: 27. Cannot parse input", int(status.Load()))
	}))
	defer ts.Close()

	w, err := NewWriter(Config{URL: ts.URL})
	require.NoError(t, err)
	err = w.WriteRecords([]*models.EventRecord{sample()})
	assert.ErrorIs(t, err, pipeline.ErrRejected)
	assert.Contains(t, err.Error(), "Cannot parse input")

	status.Store(http.StatusServiceUnavailable)
	err = w.WriteRecords([]*models.EventRecord{sample()})
	require.Error(t, err)
	assert.NotErrorIs(t, err, pipeline.ErrRejected)
}
