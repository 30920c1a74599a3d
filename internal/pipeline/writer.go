package pipeline

import (
	"context"
	"errors"
	"net/http"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// ErrRejected marks a batch an output refused for good. The fanout drops the
// batch for that writer instead of retrying it.
var ErrRejected = errors.New("batch rejected by output")

// PermanentStatus reports whether an HTTP output status means the same batch
// will never be accepted. Timeouts and throttling are retried.
func PermanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

// RecordWriter writes finished event records to an output.
type RecordWriter interface {
	WriteRecords(records []*models.EventRecord) error
	Close() error
}

// RecordSink accepts one record as soon as it is produced.
type RecordSink interface {
	Put(ctx context.Context, rec *models.EventRecord) error
}

// SinkFunc adapts a function to RecordSink.
type SinkFunc func(ctx context.Context, rec *models.EventRecord) error

// Put calls f.
func (f SinkFunc) Put(ctx context.Context, rec *models.EventRecord) error {
	return f(ctx, rec)
}
