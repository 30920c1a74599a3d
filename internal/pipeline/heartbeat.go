package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// HeartbeatSender pushes agent status to the server.
type HeartbeatSender interface {
	SendHeartbeat(ctx context.Context, hb models.Heartbeat) error
}

// Heartbeater sends a status snapshot on an interval.
type Heartbeater struct {
	client   HeartbeatSender
	interval time.Duration
	status   func(ctx context.Context) models.Heartbeat
}

// NewHeartbeater creates a heartbeat loop. status builds each payload.
func NewHeartbeater(client HeartbeatSender, interval time.Duration, status func(ctx context.Context) models.Heartbeat) *Heartbeater {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Heartbeater{client: client, interval: interval, status: status}
}

// Run sends a heartbeat immediately and then on every tick.
func (h *Heartbeater) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	failures := 0
	for {
		if err := h.client.SendHeartbeat(ctx, h.status(ctx)); err != nil {
			failures++
			if ctx.Err() == nil && (failures == 1 || failures%10 == 0) {
				logger.Warnf("Heartbeat failed (%d consecutive): %v", failures, err)
			}
		} else {
			if failures > 0 {
				logger.Infof("Heartbeat restored after %d failure(s)", failures)
			}
			failures = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// HostStats fills host name and load figures into hb. Missing figures stay zero.
func HostStats(ctx context.Context, hb *models.Heartbeat) {
	if info, err := host.InfoWithContext(ctx); err == nil && info.Hostname != "" {
		hb.Hostname = info.Hostname
	} else if name, err := os.Hostname(); err == nil {
		hb.Hostname = name
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		hb.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hb.MemoryPercent = vm.UsedPercent
	}
}
