package fswatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	events  []Event
	emitted []time.Time
}

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.emitted = append(r.emitted, time.Now().UTC())
	r.mu.Unlock()
}

func (r *recorder) all() ([]Event, []time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...), append([]time.Time(nil), r.emitted...)
}

func (r *recorder) forPath(path string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Path == path {
			out = append(out, ev)
		}
	}
	return out
}

func startWatcher(t *testing.T, root string, excludes *ExcludeSet) *recorder {
	t.Helper()
	w, err := New(excludes, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.AddRecursive(root))

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx, rec.emit)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return rec
}

func TestWriteBurstSettlesIntoOneCreate(t *testing.T) {
	root := t.TempDir()
	rec := startWatcher(t, root, nil)

	path := filepath.Join(root, "report.txt")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = f.WriteString("chunk ")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool { return len(rec.forPath(path)) > 0 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	got := rec.forPath(path)
	require.Len(t, got, 1)
	assert.Equal(t, Create, got[0].Op)
}

func TestNewDirectoriesAreWatched(t *testing.T) {
	root := t.TempDir()
	rec := startWatcher(t, root, nil)

	sub := filepath.Join(root, "nested")
	require.NoError(t, os.Mkdir(sub, 0755))
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(sub, "a.csv")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	require.Eventually(t, func() bool { return len(rec.forPath(path)) == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestExcludedPathsAreSilent(t *testing.T) {
	root := t.TempDir()
	quarantine := filepath.Join(root, "quarantine")
	require.NoError(t, os.Mkdir(quarantine, 0755))
	rec := startWatcher(t, root, NewExcludeSet(quarantine))

	hidden := filepath.Join(quarantine, "moved.txt")
	visible := filepath.Join(root, "visible.txt")
	require.NoError(t, os.WriteFile(hidden, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(visible, []byte("x"), 0644))

	require.Eventually(t, func() bool { return len(rec.forPath(visible)) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Empty(t, rec.forPath(hidden))
}

func TestRemoveIsImmediate(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "old.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	rec := startWatcher(t, root, nil)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		for _, ev := range rec.forPath(path) {
			if ev.Op == Remove {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestExclusionAddedWhileRunning(t *testing.T) {
	root := t.TempDir()
	excludes := NewExcludeSet()
	rec := startWatcher(t, root, excludes)

	folder := filepath.Join(root, "policy-quarantine")
	excludes.Add(folder)
	require.NoError(t, os.Mkdir(folder, 0700))
	hidden := filepath.Join(folder, "20240501T120000_0a1b2c3d_card.txt")
	require.NoError(t, os.WriteFile(hidden, []byte("x"), 0644))
	visible := filepath.Join(root, "visible.txt")
	require.NoError(t, os.WriteFile(visible, []byte("x"), 0644))

	require.Eventually(t, func() bool { return len(rec.forPath(visible)) == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Empty(t, rec.forPath(hidden))
	assert.Empty(t, rec.forPath(folder))
}

func TestSettledEventsKeepDetectionOrder(t *testing.T) {
	root := t.TempDir()
	rec := startWatcher(t, root, nil)

	before := time.Now().UTC()
	var want []string
	for i := 0; i < 10; i++ {
		path := filepath.Join(root, fmt.Sprintf("f%02d.txt", i))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
		want = append(want, path)
	}

	require.Eventually(t, func() bool {
		events, _ := rec.all()
		return len(events) >= len(want)
	}, 3*time.Second, 20*time.Millisecond)

	events, emitted := rec.all()
	var got []string
	for i, ev := range events {
		got = append(got, ev.Path)
		assert.False(t, ev.At.Before(before), "event time precedes the first write")
		assert.GreaterOrEqual(t, emitted[i].Sub(ev.At), 50*time.Millisecond, "event time is the flush time, not detection")
		if i > 0 {
			assert.False(t, ev.At.Before(events[i-1].At))
		}
	}
	assert.Equal(t, want, got)
}
