package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

func ev(id string) *models.ActivityEvent {
	return &models.ActivityEvent{ID: id, Source: models.SourceFile, Subtype: models.SubtypeCreate}
}

func TestFIFO(t *testing.T) {
	q := New(4)
	q.Push(ev("a"))
	q.Push(ev("b"))

	ctx := context.Background()
	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
	got, err = q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)
}

func TestDropOldestWhenFull(t *testing.T) {
	q := New(3)
	var dropped []string
	q.OnDrop(func(e *models.ActivityEvent) { dropped = append(dropped, e.ID) })

	for i := 0; i < 5; i++ {
		q.Push(ev(fmt.Sprintf("e%d", i)))
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(2), q.Overflow())
	assert.Equal(t, []string{"e0", "e1"}, dropped)

	got, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "e2", got.ID)
}

// Producers must never stall when nothing consumes the queue.
func TestPushNeverBlocksWhenSaturated(t *testing.T) {
	q := New(10)
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := 0; i < 1000; i++ {
					q.Push(ev(fmt.Sprintf("%d-%d", p, i)))
				}
			}(p)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producers blocked on a full queue")
	}
	assert.Equal(t, 10, q.Len())
	assert.Equal(t, uint64(3990), q.Overflow())
}

func TestPopWaitsForPush(t *testing.T) {
	q := New(2)
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(ev("late"))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", got.ID)
}

func TestPopHonoursContext(t *testing.T) {
	q := New(2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseDrainsThenErrors(t *testing.T) {
	q := New(2)
	q.Push(ev("x"))
	q.Close()
	assert.False(t, q.Push(ev("y")))

	got, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", got.ID)
	_, err = q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
