package baseline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// PollFunc processes activity strictly after cursor and returns the newest
// activity timestamp it saw, including skipped items. A zero time means
// nothing new.
type PollFunc func(ctx context.Context, cursor time.Time) (time.Time, error)

// Tracker owns the per-folder cursors. Cycles on the same folder are
// serialised; different folders proceed independently.
type Tracker struct {
	store Store
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTracker creates a tracker over store.
func NewTracker(store Store) *Tracker {
	return &Tracker{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		locks: make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

func (t *Tracker) folderLock(folderID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[folderID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[folderID] = l
	}
	return l
}

// Select starts monitoring a folder. Nothing that happened before selection
// is ever reported. Selecting an already monitored folder keeps its cursor.
func (t *Tracker) Select(ctx context.Context, folderID string) (models.FolderBaseline, error) {
	if folderID == "" {
		return models.FolderBaseline{}, fmt.Errorf("folder id is required")
	}
	l := t.folderLock(folderID)
	l.Lock()
	defer l.Unlock()

	now := t.now()
	b, created, err := t.store.Create(ctx, FolderBaselineAt(folderID, now))
	if err != nil {
		return models.FolderBaseline{}, err
	}
	if created {
		logger.Infof("Baseline created for folder %s at %s", folderID, now.Format(time.RFC3339))
	}
	return b, nil
}

// Get returns the current baseline of a folder.
func (t *Tracker) Get(ctx context.Context, folderID string) (models.FolderBaseline, error) {
	return t.store.Get(ctx, folderID)
}

// List returns all baselines.
func (t *Tracker) List(ctx context.Context) ([]models.FolderBaseline, error) {
	return t.store.List(ctx)
}

// Reset moves the folder cursor to now, discarding the previous one.
func (t *Tracker) Reset(ctx context.Context, folderID string) (models.FolderBaseline, error) {
	l := t.folderLock(folderID)
	l.Lock()
	defer l.Unlock()

	b, err := t.store.Reset(ctx, folderID, t.now())
	if err != nil {
		return models.FolderBaseline{}, err
	}
	logger.Infof("Baseline reset for folder %s", folderID)
	return b, nil
}

// Cycle runs one poll of a folder under its lock. A folder without a baseline
// is initialised to now and not polled in the same cycle. On success the cursor
// advances to the newest timestamp poll reports; it never regresses.
func (t *Tracker) Cycle(ctx context.Context, folderID string, poll PollFunc) (models.FolderBaseline, error) {
	l := t.folderLock(folderID)
	l.Lock()
	defer l.Unlock()

	b, err := t.store.Get(ctx, folderID)
	if errors.Is(err, ErrUnknownFolder) {
		b, _, err = t.store.Create(ctx, FolderBaselineAt(folderID, t.now()))
		if err == nil {
			logger.Infof("Baseline initialised for folder %s; first poll skipped", folderID)
		}
		return b, err
	}
	if err != nil {
		return models.FolderBaseline{}, err
	}

	newest, err := poll(ctx, b.LastSeenActivityAt)
	if err != nil {
		return b, err
	}
	if newest.IsZero() || !newest.After(b.LastSeenActivityAt) {
		return b, nil
	}
	return t.store.Advance(ctx, folderID, newest)
}

func sortBaselines(b []models.FolderBaseline) {
	sort.Slice(b, func(i, j int) bool { return b[i].FolderID < b[j].FolderID })
}
