// Package ytcache implements the YouTube download cache: downloaded media
// is stored under a predictable path keyed by video id, so a second job
// pointing at the same URL reuses the file instead of re-downloading.
package ytcache

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"
)

// youtubePattern extracts a canonical video id from common YouTube URL
// shapes; vimeoPattern does the same for Vimeo.
var (
	youtubePattern = regexp.MustCompile(`(?:youtube\.com/watch\?v=|youtu\.be/|youtube\.com/shorts/)([A-Za-z0-9_-]{6,})`)
	vimeoPattern   = regexp.MustCompile(`vimeo\.com/(\d+)`)
)

// ExtractVideoID returns the canonical video id for a recognized URL and
// true, or "", false if the URL doesn't match a known provider pattern.
func ExtractVideoID(url string) (string, bool) {
	if m := youtubePattern.FindStringSubmatch(url); len(m) == 2 {
		return "yt_" + m[1], true
	}
	if m := vimeoPattern.FindStringSubmatch(url); len(m) == 2 {
		return "vimeo_" + m[1], true
	}
	return "", false
}

// Cache stores downloaded media under <root>/in/online/<video_id>.<ext>.
type Cache struct {
	Root string
}

// New builds a ytcache Cache rooted at the pipeline home.
func New(root string) *Cache {
	return &Cache{Root: root}
}

func (c *Cache) dir() string { return filepath.Join(c.Root, "in", "online") }

// Dir returns the directory new downloads should be written into, creating
// it if necessary. Exposed for internal/ytdownload, which needs a concrete
// destination directory before it knows a video's id or file extension.
func (c *Cache) Dir() (string, error) {
	if err := os.MkdirAll(c.dir(), 0o755); err != nil {
		return "", perr.Wrap(perr.ConfigError, "", err)
	}
	return c.dir(), nil
}

// Lookup returns the cached file path for videoID if one exists on disk,
// regardless of its extension.
func (c *Cache) Lookup(videoID string) (string, bool) {
	entries, err := os.ReadDir(c.dir())
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() && filepath.Base(e.Name()) != "" {
			name := e.Name()
			ext := filepath.Ext(name)
			if name[:len(name)-len(ext)] == videoID {
				return filepath.Join(c.dir(), name), true
			}
		}
	}
	return "", false
}

// Path returns the destination path a new download for videoID should be
// written to.
func (c *Cache) Path(videoID, ext string) (string, error) {
	if err := os.MkdirAll(c.dir(), 0o755); err != nil {
		return "", perr.Wrap(perr.ConfigError, "", err)
	}
	return filepath.Join(c.dir(), fmt.Sprintf("%s%s", videoID, ext)), nil
}

// EvictOlderThan removes cached downloads whose modification time is older
// than retention. Called by the cache-janitor command (cmd/cache-janitor);
// a failure on any single file is logged and skipped rather
// than aborting the sweep.
func (c *Cache) EvictOlderThan(retention time.Duration) {
	entries, err := os.ReadDir(c.dir())
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-retention)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(c.dir(), e.Name())
			if err := os.Remove(path); err != nil {
				log.WithError(err).WithField("path", path).Warn("ytcache: eviction failed")
			} else {
				log.WithField("path", path).Info("ytcache: evicted stale download")
			}
		}
	}
}
