package usb

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

type fakeSession struct {
	mu      sync.Mutex
	devices []Device
	panics  bool
	closed  atomic.Int32
	changes chan struct{}
}

func (f *fakeSession) Devices(context.Context) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("device query exploded")
	}
	return append([]Device(nil), f.devices...), nil
}

func (f *fakeSession) Close() error {
	f.closed.Add(1)
	return nil
}

func (f *fakeSession) Changes() <-chan struct{} { return f.changes }

func (f *fakeSession) set(devs ...Device) {
	f.mu.Lock()
	f.devices = devs
	f.mu.Unlock()
	f.changes <- struct{}{}
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

func (s *sliceSink) snapshot() []*models.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.ActivityEvent(nil), s.events...)
}

func (s *sliceSink) bySubtype(st models.Subtype) []*models.ActivityEvent {
	var out []*models.ActivityEvent
	for _, ev := range s.snapshot() {
		if ev.Subtype == st {
			out = append(out, ev)
		}
	}
	return out
}

func TestAttachDetach(t *testing.T) {
	sess := &fakeSession{changes: make(chan struct{})}
	c := New(Config{ScanInterval: time.Hour}, func() (Session, error) { return sess, nil })
	sink := &sliceSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, sink) }()

	stick := Device{ID: "ABC/sdb1", Name: "Cruzer", MountPoint: "/media/cruzer", VendorID: "0781", ProductID: "5567", Serial: "ABC"}
	sess.set(stick)
	require.Eventually(t, func() bool { return len(sink.bySubtype(models.SubtypeConnect)) == 1 }, time.Second, 5*time.Millisecond)

	// Unchanged device set emits nothing new.
	sess.set(stick)
	sess.set()
	require.Eventually(t, func() bool { return len(sink.bySubtype(models.SubtypeDisconnect)) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), sess.closed.Load())

	events := sink.snapshot()
	require.Len(t, events, 2)
	conn := events[0]
	assert.Equal(t, models.SourceUSB, conn.Source)
	assert.Equal(t, "/media/cruzer", conn.PayloadRef)
	assert.Equal(t, "0781", conn.Meta(models.MetaVendorID))
	assert.Equal(t, "ABC", conn.Meta(models.MetaSerial))
	assert.Equal(t, "Cruzer", conn.Meta(models.MetaDeviceName))
}

func TestSessionClosedWhenQueryPanics(t *testing.T) {
	sess := &fakeSession{panics: true, changes: make(chan struct{})}
	c := New(Config{ScanInterval: time.Hour}, func() (Session, error) { return sess, nil })

	err := c.Run(context.Background(), &sliceSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device query exploded")
	assert.Equal(t, int32(1), sess.closed.Load())
}

func TestOpenFailureReturnsError(t *testing.T) {
	c := New(Config{}, func() (Session, error) { return nil, os.ErrPermission })
	err := c.Run(context.Background(), &sliceSink{})
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestCopyMonitorReportsWritesToVolume(t *testing.T) {
	mount := t.TempDir()
	quarantine := filepath.Join(mount, models.VolumeQuarantineDir)
	require.NoError(t, os.Mkdir(quarantine, 0755))

	sess := &fakeSession{changes: make(chan struct{})}
	sess.devices = []Device{{ID: "S1/sdc1", Name: "stick", MountPoint: mount, Serial: "S1"}}
	c := New(Config{MonitorCopies: true, ScanInterval: time.Hour, Settle: 30 * time.Millisecond},
		func() (Session, error) { return sess, nil })
	sink := &sliceSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, sink) }()
	require.Eventually(t, func() bool { return len(sink.bySubtype(models.SubtypeConnect)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(quarantine, "old.xlsx"), []byte("x"), 0644))
	target := filepath.Join(mount, "report.xlsx")
	require.NoError(t, os.WriteFile(target, []byte("4111 1111 1111 1111"), 0644))

	require.Eventually(t, func() bool { return len(sink.bySubtype(models.SubtypeCopy)) == 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	copies := sink.bySubtype(models.SubtypeCopy)
	require.Len(t, copies, 1)
	assert.Equal(t, target, copies[0].PayloadRef)
	assert.Equal(t, mount, copies[0].Meta(models.MetaMountPoint))
	assert.Equal(t, int64(19), copies[0].Size)

	cancel()
	require.NoError(t, <-done)
}
