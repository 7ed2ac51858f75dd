package translationmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/cacheindex"
)

func TestStoreThenExactLookupHits(t *testing.T) {
	c := New(t.TempDir(), cacheindex.Connect(""))

	require.NoError(t, c.Store(Entry{
		SourceText: "Hello, how are you?", TargetLang: "fr", ModelID: "nllb",
		TargetText: "Bonjour, comment allez-vous ?", Confidence: 0.95,
	}))

	entry, hit := c.Lookup("Hello, how are you?", "fr", "nllb", "")
	require.True(t, hit)
	assert.Equal(t, "Bonjour, comment allez-vous ?", entry.TargetText)
}

func TestLookupIsCaseAndWhitespaceInsensitive(t *testing.T) {
	c := New(t.TempDir(), cacheindex.Connect(""))
	require.NoError(t, c.Store(Entry{SourceText: "Good morning", TargetLang: "es", ModelID: "nllb", TargetText: "Buenos dias"}))

	_, hit := c.Lookup("  good morning  ", "es", "nllb", "")
	assert.True(t, hit)
}

func TestLookupNearestNeighborAboveThreshold(t *testing.T) {
	c := New(t.TempDir(), cacheindex.Connect(""))
	c.Threshold = 0.5
	require.NoError(t, c.Store(Entry{
		SourceText: "the quick brown fox jumps", TargetLang: "de", ModelID: "nllb", TargetText: "der schnelle braune Fuchs springt",
	}))

	entry, hit := c.Lookup("the quick brown fox leaps", "de", "nllb", "")
	require.True(t, hit)
	assert.Equal(t, "der schnelle braune Fuchs springt", entry.TargetText)
}

func TestLookupMissesBelowThreshold(t *testing.T) {
	c := New(t.TempDir(), cacheindex.Connect(""))
	require.NoError(t, c.Store(Entry{SourceText: "completely unrelated sentence here", TargetLang: "de", ModelID: "nllb", TargetText: "x"}))

	_, hit := c.Lookup("totally different content entirely", "de", "nllb", "")
	assert.False(t, hit)
}

func TestLookupRespectsContextScoping(t *testing.T) {
	c := New(t.TempDir(), cacheindex.Connect(""))
	c.Threshold = 0.5
	require.NoError(t, c.Store(Entry{
		SourceText: "the quick brown fox jumps", TargetLang: "de", ModelID: "nllb",
		TargetText: "der schnelle braune Fuchs springt", Context: "scene-1",
	}))

	_, hit := c.Lookup("the quick brown fox leaps", "de", "nllb", "scene-2")
	assert.False(t, hit, "an entry tagged for a different context must not match")
}

func TestLookupMissesOnEmptyShard(t *testing.T) {
	c := New(t.TempDir(), cacheindex.Connect(""))
	_, hit := c.Lookup("anything", "fr", "nllb", "")
	assert.False(t, hit)
}
