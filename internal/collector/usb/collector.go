package usb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector/fswatch"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// Device is a mounted removable volume.
type Device struct {
	ID         string
	Name       string
	MountPoint string
	VendorID   string
	ProductID  string
	Serial     string
}

// Session is a device-query session bound to the thread that opened it.
// Close must be called on that same thread.
type Session interface {
	Devices(ctx context.Context) ([]Device, error)
	Close() error
}

// Notifier is implemented by sessions that can signal hotplug activity
// between scans.
type Notifier interface {
	Changes() <-chan struct{}
}

// Opener opens a session on the calling thread.
type Opener func() (Session, error)

// Config configures the USB collector.
type Config struct {
	MonitorCopies bool
	ScanInterval  time.Duration
	Settle        time.Duration
}

// Collector reports device attach/detach and, when enabled, files written
// to mounted volumes.
type Collector struct {
	cfg  Config
	open Opener

	mu      sync.Mutex
	watches map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a USB collector. A nil opener uses the platform session.
func New(cfg Config, open Opener) *Collector {
	if open == nil {
		open = OpenSession
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	return &Collector{cfg: cfg, open: open, watches: make(map[string]context.CancelFunc)}
}

// Name returns the collector name.
func (c *Collector) Name() string { return "usb" }

// Run scans for devices until ctx is done. Device queries run on a
// dedicated OS thread for the lifetime of the session.
func (c *Collector) Run(ctx context.Context, sink collector.Sink) error {
	errc := make(chan error, 1)
	go func() {
		errc <- c.deviceLoop(ctx, sink)
	}()
	err := <-errc
	c.stopWatches()
	c.wg.Wait()
	return err
}

func (c *Collector) deviceLoop(ctx context.Context, sink collector.Sink) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	sess, err := c.open()
	if err != nil {
		return fmt.Errorf("open device session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Warnf("USB session close failed: %v", cerr)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("usb device loop panic: %v", r)
		}
	}()

	var changes <-chan struct{}
	if n, ok := sess.(Notifier); ok {
		changes = n.Changes()
	}

	known := make(map[string]Device)
	c.scan(ctx, sess, sink, known)

	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-changes:
		}
		c.scan(ctx, sess, sink, known)
	}
}

func (c *Collector) scan(ctx context.Context, sess Session, sink collector.Sink, known map[string]Device) {
	devices, err := sess.Devices(ctx)
	if err != nil {
		logger.Warnf("USB device scan failed: %v", err)
		return
	}
	current := make(map[string]Device, len(devices))
	for _, d := range devices {
		current[d.ID] = d
	}

	var gone []Device
	for id, d := range known {
		if _, ok := current[id]; !ok {
			gone = append(gone, d)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].ID < gone[j].ID })
	for _, d := range gone {
		delete(known, d.ID)
		c.unwatch(d.ID)
		logger.Infof("USB device detached: %s (%s)", d.Name, d.MountPoint)
		sink.Push(deviceEvent(models.SubtypeDisconnect, d))
	}

	for _, d := range devices {
		if _, ok := known[d.ID]; ok {
			continue
		}
		known[d.ID] = d
		logger.Infof("USB device attached: %s (%s)", d.Name, d.MountPoint)
		sink.Push(deviceEvent(models.SubtypeConnect, d))
		if c.cfg.MonitorCopies && d.MountPoint != "" {
			c.watch(ctx, d, sink)
		}
	}
}

func (c *Collector) watch(ctx context.Context, d Device, sink collector.Sink) {
	exclude := filepath.Join(d.MountPoint, models.VolumeQuarantineDir)
	w, err := fswatch.New(fswatch.NewExcludeSet(exclude), c.cfg.Settle)
	if err != nil {
		logger.Warnf("USB copy monitor for %s: %v", d.MountPoint, err)
		return
	}
	if err := w.AddRecursive(d.MountPoint); err != nil {
		_ = w.Close()
		logger.Warnf("USB copy monitor cannot watch %s: %v", d.MountPoint, err)
		return
	}

	wctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.watches[d.ID] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := w.Run(wctx, func(ev fswatch.Event) {
			if ev.Op != fswatch.Create && ev.Op != fswatch.Write {
				return
			}
			collector.Guard(c.Name(), func() {
				sink.Push(copyEvent(d, ev))
			})
		})
		if err != nil {
			logger.Warnf("USB copy monitor for %s stopped: %v", d.MountPoint, err)
		}
	}()
}

func (c *Collector) unwatch(id string) {
	c.mu.Lock()
	cancel, ok := c.watches[id]
	delete(c.watches, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Collector) stopWatches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.watches {
		cancel()
		delete(c.watches, id)
	}
}

func deviceEvent(subtype models.Subtype, d Device) *models.ActivityEvent {
	ev := collector.NewEvent(models.SourceUSB, subtype, d.MountPoint)
	stampDevice(ev, d)
	return ev
}

func copyEvent(d Device, fe fswatch.Event) *models.ActivityEvent {
	ev := collector.NewEvent(models.SourceUSB, models.SubtypeCopy, fe.Path)
	ev.OccurredAt = fe.At
	if info, err := os.Stat(fe.Path); err == nil {
		ev.Size = info.Size()
	}
	stampDevice(ev, d)
	return ev
}

func stampDevice(ev *models.ActivityEvent, d Device) {
	set := func(k, v string) {
		if v != "" {
			ev.Metadata[k] = v
		}
	}
	set(models.MetaDeviceID, d.ID)
	set(models.MetaDeviceName, d.Name)
	set(models.MetaMountPoint, d.MountPoint)
	set(models.MetaVendorID, d.VendorID)
	set(models.MetaProductID, d.ProductID)
	set(models.MetaSerial, d.Serial)
}
