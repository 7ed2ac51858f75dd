package ytcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractVideoIDRecognizesYouTubeShapes(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "yt_dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", "yt_dQw4w9WgXcQ"},
		{"https://www.youtube.com/shorts/dQw4w9WgXcQ", "yt_dQw4w9WgXcQ"},
		{"https://vimeo.com/123456789", "vimeo_123456789"},
	}
	for _, tc := range cases {
		id, ok := ExtractVideoID(tc.url)
		assert.True(t, ok, tc.url)
		assert.Equal(t, tc.want, id, tc.url)
	}
}

func TestExtractVideoIDRejectsUnknownURL(t *testing.T) {
	_, ok := ExtractVideoID("https://example.com/not-a-video")
	assert.False(t, ok)
}

func TestLookupMissesWhenNothingCached(t *testing.T) {
	c := New(t.TempDir())
	_, hit := c.Lookup("yt_abc123")
	assert.False(t, hit)
}

func TestDirCreatesDestinationDirectory(t *testing.T) {
	root := t.TempDir()
	c := New(root)
	dir, err := c.Dir()
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, filepath.Join(root, "in", "online"), dir)
}

func TestPathThenLookupFindsCachedFile(t *testing.T) {
	c := New(t.TempDir())
	dst, err := c.Path("yt_abc123", ".mp4")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, []byte("video-bytes"), 0o644))

	found, hit := c.Lookup("yt_abc123")
	require.True(t, hit)
	assert.Equal(t, dst, found)
}

func TestEvictOlderThanRemovesStaleFilesOnly(t *testing.T) {
	c := New(t.TempDir())
	dir, err := c.Dir()
	require.NoError(t, err)

	oldPath := filepath.Join(dir, "yt_old.mp4")
	freshPath := filepath.Join(dir, "yt_fresh.mp4")
	require.NoError(t, os.WriteFile(oldPath, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(freshPath, []byte("x"), 0o644))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, old, old))

	c.EvictOlderThan(24 * time.Hour)

	_, err = os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, freshPath)
}
