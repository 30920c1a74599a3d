package fswatch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
)

// Op is a normalized filesystem operation.
type Op int

const (
	Create Op = iota + 1
	Write
	Remove
	Rename
)

func (o Op) String() string {
	switch o {
	case Create:
		return "create"
	case Write:
		return "write"
	case Remove:
		return "remove"
	case Rename:
		return "rename"
	}
	return "unknown"
}

// Event is a settled filesystem change of one file.
type Event struct {
	Path string
	Op   Op
	At   time.Time
}

type pending struct {
	op    Op
	seq   uint64
	first time.Time
	last  time.Time
}

// Watcher watches directory trees recursively. Create and Write bursts on the
// same path are held until the path has been quiet for the settle period, so
// a file copy yields one event once it is complete.
type Watcher struct {
	fsw      *fsnotify.Watcher
	excludes *ExcludeSet
	settle   time.Duration

	mu      sync.Mutex
	seq     uint64
	pending map[string]*pending
	roots   map[string]struct{}
}

// New creates a watcher. Paths in excludes are never reported; a nil set
// excludes nothing.
func New(excludes *ExcludeSet, settle time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fsw:      fsw,
		excludes: excludes,
		settle:   settle,
		pending:  make(map[string]*pending),
		roots:    make(map[string]struct{}),
	}
	return w, nil
}

// AddRecursive watches root and every directory below it.
func (w *Watcher) AddRecursive(root string) error {
	root = cleanAbs(root)
	if w.Excluded(root) {
		return nil
	}
	w.mu.Lock()
	w.roots[root] = struct{}{}
	w.mu.Unlock()

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.Excluded(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			logger.Warnf("Failed to watch %s: %v", path, err)
		}
		return nil
	})
}

// Excluded reports whether path lies inside an excluded prefix.
func (w *Watcher) Excluded(path string) bool {
	return w.excludes.Contains(path)
}

// Close releases the watcher without running it.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run delivers events to emit until ctx is done. It closes the watcher on return.
func (w *Watcher) Run(ctx context.Context, emit func(Event)) error {
	defer w.fsw.Close()

	tick := w.settle / 2
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(time.Time{}, emit)
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev, emit)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warnf("Filesystem watcher error: %v", err)
		case now := <-ticker.C:
			w.flush(now, emit)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event, emit func(Event)) {
	path := ev.Name
	if w.Excluded(path) {
		return
	}

	switch {
	case ev.Has(fsnotify.Remove):
		w.drop(path)
		emit(Event{Path: path, Op: Remove, At: time.Now().UTC()})
	case ev.Has(fsnotify.Rename):
		w.drop(path)
		emit(Event{Path: path, Op: Rename, At: time.Now().UTC()})
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.AddRecursive(path); err != nil {
				logger.Warnf("Failed to watch new directory %s: %v", path, err)
			}
			return
		}
		w.hold(path, Create, emit)
	case ev.Has(fsnotify.Write):
		w.hold(path, Write, emit)
	}
}

func (w *Watcher) hold(path string, op Op, emit func(Event)) {
	if w.settle <= 0 {
		emit(Event{Path: path, Op: op, At: time.Now().UTC()})
		return
	}
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[path]
	if !ok {
		w.seq++
		w.pending[path] = &pending{op: op, seq: w.seq, first: now, last: now}
		return
	}
	// A create followed by writes is still reported as a create.
	p.last = time.Now()
}

func (w *Watcher) drop(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()
}

// flush emits entries quiet for at least the settle period, in the order they
// were first seen and stamped with that time. A zero now flushes everything.
func (w *Watcher) flush(now time.Time, emit func(Event)) {
	type settled struct {
		seq uint64
		ev  Event
	}
	var ready []settled
	w.mu.Lock()
	for path, p := range w.pending {
		if now.IsZero() || now.Sub(p.last) >= w.settle {
			ready = append(ready, settled{seq: p.seq, ev: Event{Path: path, Op: p.op, At: p.first.UTC()}})
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()
	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
	for _, r := range ready {
		emit(r.ev)
	}
}

func cleanAbs(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
