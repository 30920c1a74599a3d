package clipboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

type fakeClipboard struct {
	mu   sync.Mutex
	text string
	err  error
}

func (f *fakeClipboard) ReadText() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text, f.err
}

func (f *fakeClipboard) set(text string) {
	f.mu.Lock()
	f.text = text
	f.mu.Unlock()
}

type sliceSink struct {
	mu     sync.Mutex
	events []*models.ActivityEvent
}

func (s *sliceSink) Push(ev *models.ActivityEvent) bool {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return false
}

func (s *sliceSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestSameContentEmitsOnce(t *testing.T) {
	cb := &fakeClipboard{text: "ssn 123-45-6789"}
	c := New(cb, time.Second)
	sink := &sliceSink{}

	require.NoError(t, c.poll(sink))
	require.NoError(t, c.poll(sink))
	require.Len(t, sink.events, 1)

	ev := sink.events[0]
	assert.Equal(t, models.SourceClipboard, ev.Source)
	assert.Equal(t, models.SubtypeCopy, ev.Subtype)
	assert.Equal(t, []byte("ssn 123-45-6789"), ev.ContentSample)
	assert.Equal(t, int64(15), ev.Size)

	cb.set("something else")
	require.NoError(t, c.poll(sink))
	assert.Len(t, sink.events, 2)
}

func TestEmptyClipboardIgnored(t *testing.T) {
	c := New(&fakeClipboard{}, time.Second)
	sink := &sliceSink{}
	require.NoError(t, c.poll(sink))
	assert.Empty(t, sink.events)
}

func TestReadErrorKeepsPolling(t *testing.T) {
	cb := &fakeClipboard{err: errors.New("no display")}
	c := New(cb, 10*time.Millisecond)
	sink := &sliceSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, sink) }()

	time.Sleep(30 * time.Millisecond)
	cb.mu.Lock()
	cb.err = nil
	cb.text = "hello"
	cb.mu.Unlock()

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
