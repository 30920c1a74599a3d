package recordhttp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/pipeline"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

func records(n int) []*models.EventRecord {
	out := make([]*models.EventRecord, n)
	for i := range out {
		out[i] = &models.EventRecord{Event: models.ActivityEvent{ID: fmt.Sprintf("e%d", i)}}
	}
	return out
}

type webhook struct {
	mu       sync.Mutex
	requests [][]models.EventRecord
	keys     []string
}

func (h *webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer zr.Close()
		body = zr
	}
	var got []models.EventRecord
	if err := json.NewDecoder(body).Decode(&got); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.requests = append(h.requests, got)
	h.keys = append(h.keys, r.Header.Get(BatchKeyHeader))
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func TestWriterPostsBatch(t *testing.T) {
	var token string
	hook := &webhook{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("X-Token")
		hook.ServeHTTP(w, r)
	}))
	defer ts.Close()

	w, err := NewWriter(Config{URL: ts.URL, Headers: map[string]string{"X-Token": "secret"}})
	require.NoError(t, err)
	require.NoError(t, w.WriteRecords(records(1)))
	assert.Equal(t, "secret", token)
	require.Len(t, hook.requests, 1)
	assert.Equal(t, "e0", hook.requests[0][0].EventID())
}

func TestWriterSplitsCompressesAndKeysRequests(t *testing.T) {
	hook := &webhook{}
	ts := httptest.NewServer(hook)
	defer ts.Close()

	w, err := NewWriter(Config{URL: ts.URL, MaxRecords: 2, Compress: true})
	require.NoError(t, err)
	recs := records(5)
	require.NoError(t, w.WriteRecords(recs))

	require.Len(t, hook.requests, 3)
	assert.Len(t, hook.requests[0], 2)
	assert.Len(t, hook.requests[2], 1)
	assert.Equal(t, "e4", hook.requests[2][0].EventID())

	// A resent batch carries the same keys.
	require.NoError(t, w.WriteRecords(recs))
	assert.Equal(t, hook.keys[:3], hook.keys[3:])
	assert.Equal(t, BatchKey(recs[:2]), hook.keys[0])
	assert.NotEqual(t, hook.keys[0], hook.keys[1])
}

func TestWriterClassifiesErrorStatus(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", int(status.Load()))
	}))
	defer ts.Close()

	w, err := NewWriter(Config{URL: ts.URL})
	require.NoError(t, err)
	err = w.WriteRecords(records(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down for maintenance")
	assert.NotErrorIs(t, err, pipeline.ErrRejected)

	status.Store(http.StatusTooManyRequests)
	assert.NotErrorIs(t, w.WriteRecords(records(1)), pipeline.ErrRejected)

	status.Store(http.StatusUnprocessableEntity)
	assert.ErrorIs(t, w.WriteRecords(records(1)), pipeline.ErrRejected)
}
