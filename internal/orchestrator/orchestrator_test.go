package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/manifest"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/planner"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/registry"
)

func stepsFor(stages ...string) []planner.Step {
	steps := make([]planner.Step, len(stages))
	for i, s := range stages {
		steps[i] = planner.Step{Stage: s, Env: "common"}
	}
	return steps
}

func TestStageDirNameFollowsOrderedConvention(t *testing.T) {
	assert.Equal(t, "01_demux", stageDirName(1, registry.StageDemux))
	assert.Equal(t, "06_asr", stageDirName(6, registry.StageASR))
}

func writeStageFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644))
}

func TestHashStageDirIsStableAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	writeStageFile(t, dir, "audio.wav", "pcm-bytes")
	writeStageFile(t, dir, "config_snapshot.json", `{"param":"ignored"}`)

	first, err := hashStageDir(dir)
	require.NoError(t, err)
	second, err := hashStageDir(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHashStageDirIgnoresConfigSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeStageFile(t, dir, "audio.wav", "pcm-bytes")
	writeStageFile(t, dir, "config_snapshot.json", `{"param":"a"}`)
	before, err := hashStageDir(dir)
	require.NoError(t, err)

	writeStageFile(t, dir, "config_snapshot.json", `{"param":"b"}`)
	after, err := hashStageDir(dir)
	require.NoError(t, err)

	assert.Equal(t, before, after, "config_snapshot.json records the invoking run's params, not produced output")
}

func TestHashStageDirChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	writeStageFile(t, dir, "audio.wav", "original")
	before, err := hashStageDir(dir)
	require.NoError(t, err)

	writeStageFile(t, dir, "audio.wav", "mutated")
	after, err := hashStageDir(dir)
	require.NoError(t, err)

	assert.NotEqual(t, before, after)
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *registry.Registry) {
	t.Helper()
	reg, err := registry.New()
	require.NoError(t, err)
	return &Orchestrator{Registry: reg}, reg
}

func TestInputsMatchVacuouslyTrueForDependencyFreeStage(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	rec := manifest.StageRecord{Name: registry.StageDemux, Status: manifest.StageComplete}
	assert.True(t, o.inputsMatch(t.TempDir(), rec))
}

func TestInputsMatchStaleWhenInputsMissingOnOlderManifest(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	rec := manifest.StageRecord{Name: registry.StageASR, Status: manifest.StageComplete}
	assert.False(t, o.inputsMatch(t.TempDir(), rec), "a dependency-bearing stage with no recorded inputs must be treated as stale")
}

func TestInputsMatchDetectsMutatedDependencyOutput(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	jobDir := t.TempDir()
	vadDir := filepath.Join(jobDir, "05_pyannote_vad")
	writeStageFile(t, vadDir, "speech_segments.json", `{"segments":[]}`)
	hash, err := hashStageDir(vadDir)
	require.NoError(t, err)

	rec := manifest.StageRecord{
		Name: registry.StageASR, Status: manifest.StageComplete,
		Inputs: []manifest.Artifact{{Path: "05_pyannote_vad", SHA256: hash}},
	}
	assert.True(t, o.inputsMatch(jobDir, rec))

	writeStageFile(t, vadDir, "speech_segments.json", `{"segments":[{"start":0}]}`)
	assert.False(t, o.inputsMatch(jobDir, rec), "a changed dependency output must invalidate the cached stage")
}

func TestResumeFilterCascadesAfterFirstStaleStage(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	jobDir := t.TempDir()
	path := filepath.Join(jobDir, "manifest.json")
	now := time.Now().UTC()
	m, err := manifest.New(path, "job-1", "transcribe", now)
	require.NoError(t, err)

	demuxDir := filepath.Join(jobDir, "01_demux")
	writeStageFile(t, demuxDir, "audio.wav", "bytes")
	demuxHash, err := hashStageDir(demuxDir)
	require.NoError(t, err)

	idx, err := m.StartStage(registry.StageDemux, 1, "common", nil, now)
	require.NoError(t, err)
	require.NoError(t, m.RegisterArtifact(idx, manifest.Artifact{Path: "01_demux", SHA256: demuxHash}, true))
	require.NoError(t, m.Finalize(idx, manifest.StageComplete, 0, nil, now))

	steps := stepsFor(registry.StageDemux, registry.StageVAD, registry.StageASR)
	scheduled := o.resumeFilter(jobDir, m, steps, true)

	require.Len(t, scheduled, 2, "demux is up to date and should be skipped; downstream stages cascade")
	assert.Equal(t, registry.StageVAD, scheduled[0].Stage)
	assert.Equal(t, registry.StageASR, scheduled[1].Stage)
}

func TestResumeFilterReturnsFullPlanWhenNotResuming(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	jobDir := t.TempDir()
	m, err := manifest.New(filepath.Join(jobDir, "manifest.json"), "job-1", "transcribe", time.Now())
	require.NoError(t, err)

	steps := stepsFor(registry.StageDemux, registry.StageVAD)
	scheduled := o.resumeFilter(jobDir, m, steps, false)
	assert.Equal(t, steps, scheduled)
}
