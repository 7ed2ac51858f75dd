// Package translationmem implements the translation memory cache: entries
// keyed by (source_text_normalized, target_lang, model_id), with exact
// lookup and a similarity-scoped nearest-neighbor fallback.
//
// Similarity scoring has no equivalent library in the teacher pack — it's
// a small, self-contained token-overlap ratio rather than a dependency, see
// DESIGN.md for the stdlib-only justification.
package translationmem

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/cacheindex"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"
)

// DefaultSimilarityThreshold is the minimum score for a nearest-neighbor
// hit, per spec.md §4.8.
const DefaultSimilarityThreshold = 0.80

const indexTTL = 7 * 24 * time.Hour

// Entry is one translation memory record.
type Entry struct {
	SourceText string  `json:"source_text"`
	TargetLang string  `json:"target_lang"`
	ModelID    string  `json:"model_id"`
	TargetText string  `json:"target_text"`
	Confidence float64 `json:"confidence"`
	Context    string  `json:"context,omitempty"`
}

// Cache is an append-only JSON-shard store of translation memory entries,
// one shard per (target lang, model id), indexed by Redis for exact-match
// lookups.
type Cache struct {
	Root      string
	Index     *cacheindex.Index
	Threshold float64
}

// New builds a translation memory Cache rooted at root.
func New(root string, idx *cacheindex.Index) *Cache {
	return &Cache{Root: root, Index: idx, Threshold: DefaultSimilarityThreshold}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func shardPath(root, targetLang, modelID string) string {
	return filepath.Join(root, targetLang, modelID+".jsonl")
}

func exactKey(sourceText, targetLang, modelID string) string {
	return fmt.Sprintf("tm:%s:%s:%s", targetLang, modelID, normalize(sourceText))
}

// Lookup finds a translation for sourceText. It tries an exact match first;
// on a miss it scans the shard for the nearest neighbor above the
// configured threshold, scoped to contextTag when non-empty.
func (c *Cache) Lookup(sourceText, targetLang, modelID, contextTag string) (*Entry, bool) {
	var entry Entry
	key := exactKey(sourceText, targetLang, modelID)
	if c.Index.Get(context.Background(), key, &entry) {
		return &entry, true
	}

	entries, err := c.readShard(targetLang, modelID)
	if err != nil {
		return nil, false
	}

	norm := normalize(sourceText)
	var best *Entry
	bestScore := 0.0
	for i := range entries {
		e := entries[i]
		if normalize(e.SourceText) == norm {
			c.Index.Set(context.Background(), key, e, indexTTL)
			return &e, true
		}
		if contextTag != "" && e.Context != "" && e.Context != contextTag {
			continue
		}
		score := tokenOverlap(norm, normalize(e.SourceText))
		if score > bestScore {
			bestScore = score
			best = &e
		}
	}

	threshold := c.Threshold
	if threshold == 0 {
		threshold = DefaultSimilarityThreshold
	}
	if best != nil && bestScore >= threshold {
		return best, true
	}
	return nil, false
}

// Store appends entry to its shard and updates the exact-match index.
// Writes occur only for translations that completed without validation
// errors, per spec.md §4.8 — callers are responsible for that gate.
func (c *Cache) Store(entry Entry) error {
	path := shardPath(c.Root, entry.TargetLang, entry.ModelID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	defer f.Close()

	raw, err := json.Marshal(entry)
	if err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}

	c.Index.Set(context.Background(), exactKey(entry.SourceText, entry.TargetLang, entry.ModelID), entry, indexTTL)
	return nil
}

func (c *Cache) readShard(targetLang, modelID string) ([]Entry, error) {
	path := shardPath(c.Root, targetLang, modelID)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// tokenOverlap is a Jaccard similarity over whitespace-tokenized text: the
// size of the intersection of token sets over the size of their union.
func tokenOverlap(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}
