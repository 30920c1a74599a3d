package baseline

import (
	"context"
	"errors"
	"time"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// ErrUnknownFolder is returned for folders that have no baseline.
var ErrUnknownFolder = errors.New("folder has no baseline")

// Store persists folder baselines. Advance never moves a cursor backwards;
// only Reset may.
type Store interface {
	Get(ctx context.Context, folderID string) (models.FolderBaseline, error)
	// Create inserts a baseline unless one already exists and reports whether it did.
	Create(ctx context.Context, b models.FolderBaseline) (models.FolderBaseline, bool, error)
	Advance(ctx context.Context, folderID string, to time.Time) (models.FolderBaseline, error)
	Reset(ctx context.Context, folderID string, now time.Time) (models.FolderBaseline, error)
	List(ctx context.Context) ([]models.FolderBaseline, error)
	Close() error
}

// FolderBaselineAt returns a fresh baseline selected at t.
func FolderBaselineAt(folderID string, t time.Time) models.FolderBaseline {
	return models.FolderBaseline{FolderID: folderID, LastSeenActivityAt: t, InitializedAt: t}
}
