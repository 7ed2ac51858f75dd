package planner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/paramset"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/registry"
)

func tempSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake-media"), 0o644))
	return path
}

func TestPlanTranscribeOrdersStages(t *testing.T) {
	reg, err := registry.New()
	require.NoError(t, err)
	resolver := paramset.NewResolver(nil, nil, nil)

	plan, err := Plan(reg, resolver, Input{
		Workflow:   registry.Transcribe,
		SourcePath: tempSource(t),
	})
	require.NoError(t, err)
	require.NotEmpty(t, plan)
	assert.Equal(t, registry.StageDemux, plan[0].Stage)
	assert.Equal(t, registry.StageAlignment, plan[len(plan)-1].Stage)
}

func TestPlanRejectsMissingSourcePath(t *testing.T) {
	reg, err := registry.New()
	require.NoError(t, err)
	resolver := paramset.NewResolver(nil, nil, nil)

	_, err = Plan(reg, resolver, Input{Workflow: registry.Transcribe})
	assert.Error(t, err)
}

func TestPlanDowngradesTranslateWhenSourceEqualsTarget(t *testing.T) {
	reg, err := registry.New()
	require.NoError(t, err)
	resolver := paramset.NewResolver(nil, nil, nil)

	plan, err := Plan(reg, resolver, Input{
		Workflow:        registry.Translate,
		SourceLanguage:  "hi",
		TargetLanguages: []string{"hi"},
		SourcePath:      tempSource(t),
		Credentials:     map[string]bool{"tmdb": true},
	})
	require.NoError(t, err)
	for _, step := range plan {
		assert.NotEqual(t, registry.StageTranslation, step.Stage, "source==target should downgrade to transcribe")
	}
}

func TestPlanRejectsTranslateWithNoTargets(t *testing.T) {
	reg, err := registry.New()
	require.NoError(t, err)
	resolver := paramset.NewResolver(nil, nil, nil)

	_, err = Plan(reg, resolver, Input{
		Workflow:   registry.Translate,
		SourcePath: tempSource(t),
	})
	assert.Error(t, err)
}

func TestPlanRejectsMissingTMDBCredential(t *testing.T) {
	reg, err := registry.New()
	require.NoError(t, err)
	resolver := paramset.NewResolver(nil, nil, nil)

	_, err = Plan(reg, resolver, Input{
		Workflow:        registry.Subtitle,
		TargetLanguages: []string{"fr"},
		SourcePath:      tempSource(t),
		Config:          map[string]string{"tmdb_title": "Example"},
		Credentials:     map[string]bool{"tmdb": false},
	})
	assert.Error(t, err)
}

func TestPlanIsDeterministic(t *testing.T) {
	reg, err := registry.New()
	require.NoError(t, err)
	resolver := paramset.NewResolver(nil, nil, nil)
	in := Input{Workflow: registry.Transcribe, SourcePath: tempSource(t)}

	first, err := Plan(reg, resolver, in)
	require.NoError(t, err)
	second, err := Plan(reg, resolver, in)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Stage, second[i].Stage)
	}
}
