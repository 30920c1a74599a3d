package enforce

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector/fswatch"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

type fakeClipboard struct {
	text string
	err  error
}

func (f *fakeClipboard) WriteText(text string) error {
	if f.err != nil {
		return f.err
	}
	f.text = text
	return nil
}

func newExecutor(t *testing.T) (*Executor, string) {
	t.Helper()
	q := filepath.Join(t.TempDir(), "quarantine")
	e := New(Config{QuarantineDir: q, Clipboard: &fakeClipboard{text: "secret"}})
	e.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 15, 0, time.UTC) }
	return e, q
}

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func event(src models.Source, subtype models.Subtype, ref string) *models.ActivityEvent {
	return &models.ActivityEvent{ID: "ev-1", Source: src, Subtype: subtype, PayloadRef: ref, Metadata: map[string]string{}}
}

func TestLogAndAlertHaveNoSideEffect(t *testing.T) {
	e, _ := newExecutor(t)
	path := writeTemp(t, t.TempDir(), "a.txt", "x")
	for _, a := range []models.Action{models.ActionLog, models.ActionAlert} {
		res := e.Execute(event(models.SourceFile, models.SubtypeCreate, path), models.PolicyMatch{Action: a})
		assert.Equal(t, models.ActionResultSuccess, res.Result)
		assert.Equal(t, a, res.Action)
		assert.False(t, res.Blocked)
	}
	assert.FileExists(t, path)
}

func TestBlockRemovesUSBFile(t *testing.T) {
	e, _ := newExecutor(t)
	mount := t.TempDir()
	path := writeTemp(t, mount, "report.xlsx", "4111 1111 1111 1111")
	ev := event(models.SourceUSB, models.SubtypeCopy, path)
	ev.Metadata[models.MetaMountPoint] = mount

	res := e.Execute(ev, models.PolicyMatch{Action: models.ActionBlock})
	assert.Equal(t, models.ActionResultSuccess, res.Result)
	assert.True(t, res.Blocked)
	assert.NoFileExists(t, path)

	// Already gone still counts as blocked.
	res = e.Execute(ev, models.PolicyMatch{Action: models.ActionBlock})
	assert.Equal(t, models.ActionResultSuccess, res.Result)
	assert.True(t, res.Blocked)
}

func TestBlockClearsClipboard(t *testing.T) {
	e, _ := newExecutor(t)
	cb := e.clipboard.(*fakeClipboard)
	res := e.Execute(event(models.SourceClipboard, models.SubtypeCopy, "clipboard"), models.PolicyMatch{Action: models.ActionBlock})
	assert.Equal(t, models.ActionResultSuccess, res.Result)
	assert.True(t, res.Blocked)
	assert.Equal(t, "", cb.text)

	cb.err = errors.New("locked")
	res = e.Execute(event(models.SourceClipboard, models.SubtypeCopy, "clipboard"), models.PolicyMatch{Action: models.ActionBlock})
	assert.Equal(t, models.ActionResultFailed, res.Result)
	assert.Equal(t, models.ActionBlock, res.Action)
	assert.Contains(t, res.Error, "locked")
}

func TestQuarantineMovesFileToHostFolder(t *testing.T) {
	e, q := newExecutor(t)
	path := writeTemp(t, t.TempDir(), "cards.txt", "data")

	res := e.Execute(event(models.SourceFile, models.SubtypeCreate, path), models.PolicyMatch{Action: models.ActionQuarantine})
	require.Equal(t, models.ActionResultSuccess, res.Result, res.Error)
	require.NotNil(t, res.Quarantine)
	assert.NoFileExists(t, path)
	assert.FileExists(t, res.Quarantine.DestinationPath)
	assert.Equal(t, q, filepath.Dir(res.Quarantine.DestinationPath))
	assert.Regexp(t, `^20240501T093015_[0-9a-f]{8}_cards\.txt$`, filepath.Base(res.Quarantine.DestinationPath))
	assert.False(t, res.Quarantine.MetadataOnly)
	assert.Equal(t, path, res.Quarantine.OriginalPath)
}

func TestQuarantinePolicyFolderWins(t *testing.T) {
	e, _ := newExecutor(t)
	custom := filepath.Join(t.TempDir(), "hr-quarantine")
	path := writeTemp(t, t.TempDir(), "salaries.csv", "data")

	res := e.Execute(event(models.SourceFile, models.SubtypeModify, path),
		models.PolicyMatch{Action: models.ActionQuarantine, QuarantinePath: custom})
	require.Equal(t, models.ActionResultSuccess, res.Result, res.Error)
	assert.Equal(t, custom, filepath.Dir(res.Quarantine.DestinationPath))
}

func TestQuarantineFoldersAreExcluded(t *testing.T) {
	q := filepath.Join(t.TempDir(), "quarantine")
	excludes := fswatch.NewExcludeSet()
	e := New(Config{QuarantineDir: q, Excludes: excludes})
	assert.True(t, excludes.Contains(filepath.Join(q, "x.txt")))

	watched := t.TempDir()
	custom := filepath.Join(watched, "hr-quarantine")
	path := writeTemp(t, watched, "salaries.csv", "data")
	assert.False(t, excludes.Contains(custom))

	res := e.Execute(event(models.SourceFile, models.SubtypeCreate, path),
		models.PolicyMatch{Action: models.ActionQuarantine, QuarantinePath: custom})
	require.Equal(t, models.ActionResultSuccess, res.Result, res.Error)
	assert.True(t, excludes.Contains(res.Quarantine.DestinationPath))
	assert.False(t, excludes.Contains(path))
}

func TestQuarantineUSBStaysOnVolume(t *testing.T) {
	e, _ := newExecutor(t)
	mount := t.TempDir()
	path := writeTemp(t, mount, "dump.sql", "data")
	ev := event(models.SourceUSB, models.SubtypeCopy, path)
	ev.Metadata[models.MetaMountPoint] = mount

	res := e.Execute(ev, models.PolicyMatch{Action: models.ActionQuarantine})
	require.Equal(t, models.ActionResultSuccess, res.Result, res.Error)
	assert.Equal(t, filepath.Join(mount, models.VolumeQuarantineDir), filepath.Dir(res.Quarantine.DestinationPath))
	assert.NoFileExists(t, path)
}

func TestQuarantineCloudIsMetadataOnly(t *testing.T) {
	e, _ := newExecutor(t)
	res := e.Execute(event(models.SourceCloud, models.SubtypeModify, "drive://f/item"), models.PolicyMatch{Action: models.ActionQuarantine})
	assert.Equal(t, models.ActionResultSuccess, res.Result)
	require.NotNil(t, res.Quarantine)
	assert.True(t, res.Quarantine.MetadataOnly)
	assert.Empty(t, res.Quarantine.DestinationPath)
	assert.False(t, res.Blocked)
}

func TestQuarantineFailureKeepsAction(t *testing.T) {
	dir := t.TempDir()
	blocker := writeTemp(t, dir, "not-a-dir", "x")
	e := New(Config{QuarantineDir: filepath.Join(blocker, "sub")})
	path := writeTemp(t, dir, "a.txt", "x")

	res := e.Execute(event(models.SourceFile, models.SubtypeCreate, path), models.PolicyMatch{Action: models.ActionQuarantine})
	assert.Equal(t, models.ActionResultFailed, res.Result)
	assert.Equal(t, models.ActionQuarantine, res.Action)
	assert.NotEmpty(t, res.Error)
	assert.False(t, res.Blocked)
	assert.FileExists(t, path)
}

func TestDeleteEventsAreSkipped(t *testing.T) {
	e, _ := newExecutor(t)
	res := e.Execute(event(models.SourceFile, models.SubtypeDelete, "/gone"), models.PolicyMatch{Action: models.ActionBlock})
	assert.Equal(t, models.ActionResultSkipped, res.Result)
	assert.Equal(t, models.ActionBlock, res.Action)
}

func TestMoveWithinVolume(t *testing.T) {
	dir := t.TempDir()
	src := writeTemp(t, dir, "a", "payload")
	dst := filepath.Join(dir, "b")
	require.NoError(t, move(src, dst))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))
	assert.NoFileExists(t, src)
}
