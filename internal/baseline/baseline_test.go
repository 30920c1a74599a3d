package baseline

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T) (*Tracker, *SQLiteStore, *time.Time) {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(store)
	tr.SetClock(func() time.Time { return now })
	return tr, store, &now
}

func TestEventIDIsDeterministic(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 1, 500_000_000, time.UTC)
	a := EventID("folder-1", "item-9", "edit", ts)
	b := EventID("folder-1", "item-9", "edit", ts.In(time.FixedZone("IST", 5*3600+1800)))
	assert.Equal(t, a, b)
	assert.Regexp(t, `^cloud-[0-9a-f-]{36}$`, a)

	assert.NotEqual(t, a, EventID("folder-1", "item-9", "create", ts))
	assert.NotEqual(t, a, EventID("folder-2", "item-9", "edit", ts))
	assert.NotEqual(t, a, EventID("folder-1", "item-9", "edit", ts.Add(time.Millisecond)))
}

func TestSelectIsBaselineForward(t *testing.T) {
	tr, _, now := newTracker(t)
	ctx := context.Background()

	b, err := tr.Select(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, *now, b.LastSeenActivityAt)
	assert.Equal(t, *now, b.InitializedAt)

	*now = now.Add(time.Hour)
	again, err := tr.Select(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, b, again)
}

func TestCursorNeverRegresses(t *testing.T) {
	tr, _, now := newTracker(t)
	ctx := context.Background()
	start := *now
	_, err := tr.Select(ctx, "f1")
	require.NoError(t, err)

	later := start.Add(10 * time.Minute)
	b, err := tr.Cycle(ctx, "f1", func(context.Context, time.Time) (time.Time, error) { return later, nil })
	require.NoError(t, err)
	assert.Equal(t, later, b.LastSeenActivityAt)

	var seenCursor time.Time
	b, err = tr.Cycle(ctx, "f1", func(_ context.Context, cursor time.Time) (time.Time, error) {
		seenCursor = cursor
		return start.Add(time.Minute), nil
	})
	require.NoError(t, err)
	assert.Equal(t, later, seenCursor)
	assert.Equal(t, later, b.LastSeenActivityAt)

	// Direct store writes are monotonic too.
	b, err = tr.store.Advance(ctx, "f1", start)
	require.NoError(t, err)
	assert.Equal(t, later, b.LastSeenActivityAt)
}

func TestCycleFailureKeepsCursor(t *testing.T) {
	tr, _, now := newTracker(t)
	ctx := context.Background()
	_, err := tr.Select(ctx, "f1")
	require.NoError(t, err)

	b, err := tr.Cycle(ctx, "f1", func(context.Context, time.Time) (time.Time, error) {
		return time.Time{}, errors.New("api timeout")
	})
	require.Error(t, err)
	assert.Equal(t, *now, b.LastSeenActivityAt)
}

func TestFirstCycleInitialisesWithoutPolling(t *testing.T) {
	tr, _, now := newTracker(t)
	called := false
	b, err := tr.Cycle(context.Background(), "fresh", func(context.Context, time.Time) (time.Time, error) {
		called = true
		return now.Add(time.Hour), nil
	})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, *now, b.LastSeenActivityAt)
}

func TestResetMovesToNow(t *testing.T) {
	tr, _, now := newTracker(t)
	ctx := context.Background()
	_, err := tr.Select(ctx, "f1")
	require.NoError(t, err)
	_, err = tr.Cycle(ctx, "f1", func(context.Context, time.Time) (time.Time, error) { return now.Add(48 * time.Hour), nil })
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	b, err := tr.Reset(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, *now, b.LastSeenActivityAt)
	assert.Equal(t, *now, b.InitializedAt)

	_, err = tr.Reset(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownFolder)
	_, err = tr.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownFolder)
}

func TestConcurrentCyclesOnOneFolderSerialise(t *testing.T) {
	tr, _, now := newTracker(t)
	ctx := context.Background()
	_, err := tr.Select(ctx, "f1")
	require.NoError(t, err)

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tr.Cycle(ctx, "f1", func(context.Context, time.Time) (time.Time, error) {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				inFlight--
				mu.Unlock()
				return now.Add(time.Duration(i) * time.Minute), nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, maxInFlight)
	b, err := tr.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(8*time.Minute), b.LastSeenActivityAt)
}

func TestList(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()
	for _, f := range []string{"b", "a", "c"} {
		_, err := tr.Select(ctx, f)
		require.NoError(t, err)
	}
	list, err := tr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].FolderID)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("DLP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DLP_TEST_REDIS_ADDR not set")
	}
	store, err := NewRedisStore(RedisConfig{Addr: addr, KeyPrefix: "dlp:test:" + t.Name()})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	_, _, err = store.Create(ctx, FolderBaselineAt("f1", now))
	require.NoError(t, err)

	b, err := store.Advance(ctx, "f1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), b.LastSeenActivityAt)
	b, err = store.Advance(ctx, "f1", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), b.LastSeenActivityAt)

	b, err = store.Reset(ctx, "f1", now)
	require.NoError(t, err)
	assert.Equal(t, now, b.LastSeenActivityAt)
	_, err = store.Advance(ctx, "missing", now)
	assert.ErrorIs(t, err, ErrUnknownFolder)
}
