package recordnats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

func TestSubject(t *testing.T) {
	rec := &models.EventRecord{Event: models.ActivityEvent{Source: models.SourceCloud}, Match: models.PolicyMatch{Action: models.ActionQuarantine}}
	assert.Equal(t, "dlp.records.cloud.quarantine", Subject("dlp.records", rec))

	rec.Match.Action = ""
	assert.Equal(t, "dlp.records.cloud.unknown", Subject("dlp.records", rec))
}
