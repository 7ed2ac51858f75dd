package baseline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/cacheindex"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestStoreThenLookupRoundTrips(t *testing.T) {
	root := t.TempDir()
	c := New(root, cacheindex.Connect(""))

	src := filepath.Join(t.TempDir(), "audio.wav")
	writeFile(t, src, "pcm-bytes")

	require.NoError(t, c.Store("fp-1", "large-v3", map[string]string{"audio.wav": src}))

	entry, hit := c.Lookup("fp-1", "large-v3")
	require.True(t, hit)
	assert.Equal(t, "fp-1", entry.Fingerprint)
	assert.Contains(t, entry.Files, "audio.wav")
}

func TestLookupMissesForUnknownFingerprint(t *testing.T) {
	c := New(t.TempDir(), cacheindex.Connect(""))
	_, hit := c.Lookup("no-such-fp", "large-v3")
	assert.False(t, hit)
}

func TestLookupInvalidatesOnTamperedFile(t *testing.T) {
	root := t.TempDir()
	c := New(root, cacheindex.Connect(""))

	src := filepath.Join(t.TempDir(), "audio.wav")
	writeFile(t, src, "original-bytes")
	require.NoError(t, c.Store("fp-2", "large-v3", map[string]string{"audio.wav": src}))

	cachedPath := filepath.Join(root, "fp-2", "large-v3", "audio.wav")
	writeFile(t, cachedPath, "tampered-bytes")

	_, hit := c.Lookup("fp-2", "large-v3")
	assert.False(t, hit, "a hash mismatch must invalidate rather than serve stale/corrupt bytes")
}

func TestMaterializeIntoWritesDestinations(t *testing.T) {
	root := t.TempDir()
	c := New(root, cacheindex.Connect(""))

	src := filepath.Join(t.TempDir(), "asr_segments.json")
	writeFile(t, src, `{"segments":[]}`)
	require.NoError(t, c.Store("fp-3", "large-v3", map[string]string{"asr_segments.json": src}))

	entry, hit := c.Lookup("fp-3", "large-v3")
	require.True(t, hit)

	dest := filepath.Join(t.TempDir(), "06_asr", "asr_segments.json")
	require.NoError(t, c.MaterializeInto("fp-3", "large-v3", entry, map[string]string{"asr_segments.json": dest}))
	assert.FileExists(t, dest)
}
