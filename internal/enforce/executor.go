package enforce

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/metrics"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// ClipboardWriter replaces clipboard content.
type ClipboardWriter interface {
	WriteText(text string) error
}

// Excluder silences a folder for the file collectors.
type Excluder interface {
	Add(path string)
}

// Config configures the executor.
type Config struct {
	// QuarantineDir is the host-local quarantine folder for file events.
	QuarantineDir string
	Clipboard     ClipboardWriter
	// Excludes receives every quarantine folder before a file is moved into it.
	Excludes Excluder
	Metrics  *metrics.Metrics
}

// Executor carries out policy actions on the medium an event came from.
type Executor struct {
	quarantineDir string
	clipboard     ClipboardWriter
	excludes      Excluder
	metrics       *metrics.Metrics
	now           func() time.Time
}

// New creates an executor.
func New(cfg Config) *Executor {
	e := &Executor{
		quarantineDir: cfg.QuarantineDir,
		clipboard:     cfg.Clipboard,
		excludes:      cfg.Excludes,
		metrics:       cfg.Metrics,
		now:           func() time.Time { return time.Now().UTC() },
	}
	if e.excludes != nil && e.quarantineDir != "" {
		e.excludes.Add(e.quarantineDir)
	}
	return e
}

// Execute runs the action of match against ev. Failures are reported in the
// result with the attempted action kept.
func (e *Executor) Execute(ev *models.ActivityEvent, match models.PolicyMatch) models.EnforcementResult {
	res := models.EnforcementResult{Action: match.Action}

	var err error
	switch match.Action {
	case models.ActionLog, models.ActionAlert:
		res.Result = models.ActionResultSuccess
	case models.ActionBlock:
		err = e.block(ev, &res)
	case models.ActionQuarantine:
		err = e.quarantine(ev, match, &res)
	default:
		err = fmt.Errorf("unknown action %q", match.Action)
	}

	res.CompletedAt = e.now()
	if err != nil {
		res.Result = models.ActionResultFailed
		res.Blocked = false
		res.Error = err.Error()
		e.metrics.IncEnforcementFailure(string(match.Action))
		logger.With("event_id", ev.ID, "stage", "enforce").Warnf("%s failed on %s: %v", match.Action, ev.PayloadRef, err)
		return res
	}
	if res.Result == models.ActionResultSkipped {
		logger.Debugf("%s skipped for %s/%s event %s", match.Action, ev.Source, ev.Subtype, ev.ID)
	}
	return res
}

func (e *Executor) block(ev *models.ActivityEvent, res *models.EnforcementResult) error {
	switch ev.Source {
	case models.SourceFile, models.SourceUSB:
		if !hasFile(ev) {
			res.Result = models.ActionResultSkipped
			return nil
		}
		if err := os.Remove(ev.PayloadRef); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", ev.PayloadRef, err)
		}
		logger.Infof("Blocked %s event %s: removed %s", ev.Source, ev.ID, ev.PayloadRef)
	case models.SourceClipboard:
		if err := e.clearClipboard(); err != nil {
			return err
		}
		logger.Infof("Blocked clipboard event %s: clipboard cleared", ev.ID)
	default:
		res.Result = models.ActionResultSkipped
		return nil
	}
	res.Result = models.ActionResultSuccess
	res.Blocked = true
	return nil
}

func (e *Executor) quarantine(ev *models.ActivityEvent, match models.PolicyMatch, res *models.EnforcementResult) error {
	switch ev.Source {
	case models.SourceCloud:
		res.Quarantine = &models.QuarantineRecord{
			OriginalPath:  ev.PayloadRef,
			QuarantinedAt: e.now(),
			EventID:       ev.ID,
			MetadataOnly:  true,
		}
		res.Result = models.ActionResultSuccess
		return nil
	case models.SourceClipboard:
		if err := e.clearClipboard(); err != nil {
			return err
		}
		res.Quarantine = &models.QuarantineRecord{
			OriginalPath:  ev.PayloadRef,
			QuarantinedAt: e.now(),
			EventID:       ev.ID,
			MetadataOnly:  true,
		}
		res.Result = models.ActionResultSuccess
		res.Blocked = true
		return nil
	case models.SourceFile, models.SourceUSB:
	default:
		res.Result = models.ActionResultSkipped
		return nil
	}

	if !hasFile(ev) {
		res.Result = models.ActionResultSkipped
		return nil
	}
	dir, err := e.quarantineFolder(ev, match)
	if err != nil {
		return err
	}
	if e.excludes != nil {
		e.excludes.Add(dir)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create quarantine folder %s: %w", dir, err)
	}
	at := e.now()
	dest := filepath.Join(dir, quarantineName(at, filepath.Base(ev.PayloadRef)))
	if err := move(ev.PayloadRef, dest); err != nil {
		return err
	}
	logger.Infof("Quarantined %s -> %s (event %s)", ev.PayloadRef, dest, ev.ID)
	res.Quarantine = &models.QuarantineRecord{
		OriginalPath:    ev.PayloadRef,
		DestinationPath: dest,
		QuarantinedAt:   at,
		EventID:         ev.ID,
	}
	res.Result = models.ActionResultSuccess
	res.Blocked = true
	return nil
}

// quarantineFolder keeps USB files on their own volume so the move is a rename.
func (e *Executor) quarantineFolder(ev *models.ActivityEvent, match models.PolicyMatch) (string, error) {
	if ev.Source == models.SourceUSB {
		mount := ev.Meta(models.MetaMountPoint)
		if mount == "" {
			return "", fmt.Errorf("usb event %s has no mount point", ev.ID)
		}
		return filepath.Join(mount, models.VolumeQuarantineDir), nil
	}
	if match.QuarantinePath != "" {
		return match.QuarantinePath, nil
	}
	if e.quarantineDir == "" {
		return "", fmt.Errorf("no quarantine folder configured")
	}
	return e.quarantineDir, nil
}

func (e *Executor) clearClipboard() error {
	if e.clipboard == nil {
		return fmt.Errorf("no clipboard writer available")
	}
	if err := e.clipboard.WriteText(""); err != nil {
		return fmt.Errorf("clear clipboard: %w", err)
	}
	return nil
}

// hasFile reports whether the event refers to file content that may still exist.
func hasFile(ev *models.ActivityEvent) bool {
	if ev.PayloadRef == "" {
		return false
	}
	switch ev.Subtype {
	case models.SubtypeDelete, models.SubtypeConnect, models.SubtypeDisconnect:
		return false
	}
	return true
}

func quarantineName(at time.Time, base string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s_%s_%s", at.UTC().Format("20060102T150405"), id[:8], base)
}

// move renames src to dst, falling back to copy and remove across volumes.
func move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return fmt.Errorf("move %s: %w", src, err)
	}
	if err := copyFile(src, dst); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("copy %s across volumes: %w", src, err)
	}
	if err := os.Remove(src); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("remove %s after copy: %w", src, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
