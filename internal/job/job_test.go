package job

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempMedia(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake-bytes"), 0o644))
	return path
}

func TestPrepareMaterializesJobDirectory(t *testing.T) {
	home := t.TempDir()
	m := New(home)
	media := tempMedia(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	j, err := m.Prepare(Config{Workflow: "transcribe", User: "alice", SourceMedia: media}, now)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(j.Dir, "job.json"))
	assert.FileExists(t, filepath.Join(j.Dir, "manifest.json"))
	assert.DirExists(t, filepath.Join(j.Dir, "01_demux"))
	assert.DirExists(t, filepath.Join(j.Dir, "logs"))

	entries, err := os.ReadDir(filepath.Join(j.Dir, "01_demux"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPrepareAllocatesSequentialIDs(t *testing.T) {
	home := t.TempDir()
	m := New(home)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := m.Prepare(Config{Workflow: "transcribe", User: "alice", SourceMedia: tempMedia(t)}, now)
	require.NoError(t, err)
	second, err := m.Prepare(Config{Workflow: "transcribe", User: "alice", SourceMedia: tempMedia(t)}, now)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, filepath.Dir(first.Dir), filepath.Dir(second.Dir))
}

func TestPrepareFailureRemovesPartialDirectory(t *testing.T) {
	home := t.TempDir()
	m := New(home)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := m.Prepare(Config{Workflow: "transcribe", User: "bob", SourceMedia: "/no/such/file.mp4"}, now)
	require.Error(t, err)

	dateDir := filepath.Join(home, "out", "2026", "03", "01", "bob")
	entries, err := os.ReadDir(dateDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "001", e.Name(), "partially-created job directory must be removed on failure")
	}
}

func TestPrepareSkipsMaterializationForURLSources(t *testing.T) {
	home := t.TempDir()
	m := New(home)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	j, err := m.Prepare(Config{
		Workflow: "transcribe", User: "carol",
		SourceIsURL: true, SourceURL: "https://example.com/watch?v=abc123",
	}, now)
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(j.Dir, "01_demux"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadRoundTripsConfig(t *testing.T) {
	home := t.TempDir()
	m := New(home)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	j, err := m.Prepare(Config{Workflow: "translate", User: "dan", SourceMedia: tempMedia(t), TargetLanguages: []string{"fr", "es"}}, now)
	require.NoError(t, err)

	loaded, err := Load(j.Dir)
	require.NoError(t, err)
	assert.Equal(t, j.ID, loaded.ID)
	assert.Equal(t, []string{"fr", "es"}, loaded.Config.TargetLanguages)
}
