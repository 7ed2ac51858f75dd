package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStagesForTranscribeOrdersByDependency(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)

	stages, err := reg.StagesFor(Transcribe, map[string]string{})
	require.NoError(t, err)

	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	assert.Equal(t, []string{StageDemux, StageSourceSeparation, StageVAD, StageASR, StageAlignment}, names)
}

func TestStagesForSubtitleRespectsTMDBGate(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)

	without, err := reg.StagesFor(Subtitle, map[string]string{})
	require.NoError(t, err)
	for _, s := range without {
		assert.NotEqual(t, StageTMDB, s.Name)
	}

	with, err := reg.StagesFor(Subtitle, map[string]string{"tmdb_title": "Example"})
	require.NoError(t, err)
	var sawTMDB bool
	for _, s := range with {
		if s.Name == StageTMDB {
			sawTMDB = true
		}
	}
	assert.True(t, sawTMDB)
}

func TestStagesForTranslationModelRouting(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)

	stages, err := reg.StagesFor(Translate, map[string]string{"translation.model": "nllb"})
	require.NoError(t, err)
	for _, s := range stages {
		assert.NotEqual(t, StageTranslation, s.Name, "nllb routing should disable the indictrans2 stage")
	}
}

func TestDependenciesUnknownStage(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)
	assert.Nil(t, reg.Dependencies("not-a-stage"))
}

func TestKnownParamsAggregatesGlobalAndPerStage(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)

	known := reg.KnownParams()
	assert.True(t, known["workflow"])
	assert.True(t, known["source_language"])
	assert.True(t, known["asr.model"])
	assert.True(t, known["subtitle.format"])
	assert.False(t, known["totally_unrecognized_key"])
}

func TestRequiredParamsOnlyListsDeclaringStages(t *testing.T) {
	reg, err := New()
	require.NoError(t, err)

	required := reg.RequiredParams()
	assert.Equal(t, []string{"asr.model"}, required[StageASR])
	assert.Equal(t, []string{"translation.model"}, required[StageTranslation])
	_, ok := required[StageDemux]
	assert.False(t, ok, "demux declares no required params")
}

func TestCyclicDependencyRejected(t *testing.T) {
	cyclic := []*Record{
		{Name: "a", Order: 1, Workflows: []Workflow{Transcribe}, Dependencies: []string{"b"}},
		{Name: "b", Order: 2, Workflows: []Workflow{Transcribe}, Dependencies: []string{"a"}},
	}
	reg, err := New(cyclic)
	require.NoError(t, err)

	_, err = reg.StagesFor(Transcribe, map[string]string{})
	assert.Error(t, err)
}
