// Package baseline implements the media-fingerprint baseline cache: a
// reusable bundle of demux/VAD/ASR/alignment outputs keyed by media
// identity, reused across jobs when the ASR model tag matches.
package baseline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/cacheindex"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"
)

// indexTTL is how long a fingerprint lookup stays hot in the Redis index;
// the disk entry itself never expires.
const indexTTL = 30 * 24 * time.Hour

// Entry is a cached bundle's manifest: the stage outputs it covers, each
// identified by a path (relative to the entry directory) and hash.
type Entry struct {
	Fingerprint string            `json:"fingerprint"`
	ModelTag    string            `json:"model_tag"`
	Files       map[string]string `json:"files"` // logical name -> sha256
}

// Cache stores and retrieves baseline bundles under root/<fingerprint>/<model_tag>/.
type Cache struct {
	Root  string
	Index *cacheindex.Index
}

// New builds a baseline Cache rooted at root, indexed by idx (which may be
// a disabled Index if Redis isn't configured).
func New(root string, idx *cacheindex.Index) *Cache {
	return &Cache{Root: root, Index: idx}
}

func (c *Cache) entryDir(fingerprint, modelTag string) string {
	return filepath.Join(c.Root, fingerprint, modelTag)
}

func indexKey(fingerprint, modelTag string) string {
	return fmt.Sprintf("baseline:%s:%s", fingerprint, modelTag)
}

// Lookup returns the cached bundle for (fingerprint, modelTag), verifying
// every listed file's hash before returning it as a hit. A hash mismatch
// invalidates the entry and reports a miss rather than an error — the
// caller falls through to a fresh compute (spec.md §8 cache-safety law).
func (c *Cache) Lookup(fingerprint, modelTag string) (*Entry, bool) {
	var entry Entry
	key := indexKey(fingerprint, modelTag)
	if !c.Index.Get(context.Background(), key, &entry) {
		if ok, found := c.scanDisk(fingerprint, modelTag, &entry); !found || !ok {
			return nil, false
		}
	}

	dir := c.entryDir(fingerprint, modelTag)
	for name, wantHash := range entry.Files {
		gotHash, err := hashFile(filepath.Join(dir, name))
		if err != nil || gotHash != wantHash {
			c.Invalidate(fingerprint, modelTag)
			return nil, false
		}
	}
	return &entry, true
}

// scanDisk reads entry.json from disk when the Redis index missed.
func (c *Cache) scanDisk(fingerprint, modelTag string, entry *Entry) (ok, found bool) {
	raw, err := os.ReadFile(filepath.Join(c.entryDir(fingerprint, modelTag), "entry.json"))
	if err != nil {
		return false, false
	}
	if err := json.Unmarshal(raw, entry); err != nil {
		return false, true
	}
	return true, true
}

// Store saves a new baseline bundle: copies each file into the entry
// directory and records its hash, both on disk and in the index.
func (c *Cache) Store(fingerprint, modelTag string, files map[string]string) error {
	dir := c.entryDir(fingerprint, modelTag)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}

	entry := Entry{Fingerprint: fingerprint, ModelTag: modelTag, Files: map[string]string{}}
	for name, srcPath := range files {
		dstPath := filepath.Join(dir, name)
		if err := hardlinkOrCopy(srcPath, dstPath); err != nil {
			return err
		}
		hash, err := hashFile(dstPath)
		if err != nil {
			return perr.Wrap(perr.ConfigError, "", err)
		}
		entry.Files[name] = hash
	}

	raw, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "entry.json"), raw, 0o644); err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}

	c.Index.Set(context.Background(), indexKey(fingerprint, modelTag), entry, indexTTL)
	return nil
}

// Invalidate removes an entry from the index (not from disk — a corrupt
// on-disk entry is left for operator inspection, but is never served
// again from this process since the index now misses and scanDisk will
// re-verify hashes on the next lookup too).
func (c *Cache) Invalidate(fingerprint, modelTag string) {
	c.Index.Delete(context.Background(), indexKey(fingerprint, modelTag))
}

// MaterializeInto hard-links (or copies) the cached bundle's files into a
// job's stage directories, given a map of logical name -> destination path.
func (c *Cache) MaterializeInto(fingerprint, modelTag string, entry *Entry, destinations map[string]string) error {
	dir := c.entryDir(fingerprint, modelTag)
	for name, dst := range destinations {
		src := filepath.Join(dir, name)
		if err := hardlinkOrCopy(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func hardlinkOrCopy(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return perr.Wrap(perr.CacheCorruption, "", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
