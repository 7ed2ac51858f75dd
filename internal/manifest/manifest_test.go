package manifest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	now := time.Now().UTC().Truncate(time.Second)

	tr, err := New(path, "job-1", "transcribe", now)
	require.NoError(t, err)
	assert.Equal(t, StatePrepared, tr.State())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "job-1", loaded.Snapshot().JobID)
	assert.Equal(t, StatePrepared, loaded.State())
}

func TestStartStageSupersedesPriorRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	now := time.Now().UTC()
	tr, err := New(path, "job-1", "transcribe", now)
	require.NoError(t, err)

	idx1, err := tr.StartStage("demux", 1, "common", nil, now)
	require.NoError(t, err)
	require.NoError(t, tr.Finalize(idx1, StageComplete, 0, nil, now))

	idx2, err := tr.StartStage("demux", 1, "common", nil, now.Add(time.Minute))
	require.NoError(t, err)

	snap := tr.Snapshot()
	assert.True(t, snap.Stages[idx1].Superseded)
	assert.False(t, snap.Stages[idx2].Superseded)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	now := time.Now().UTC()
	tr, err := New(path, "job-1", "transcribe", now)
	require.NoError(t, err)

	idx, err := tr.StartStage("demux", 1, "common", nil, now)
	require.NoError(t, err)
	require.NoError(t, tr.Finalize(idx, StageComplete, 0, nil, now))
	require.NoError(t, tr.Finalize(idx, StageFailed, 1, &ErrorInfo{Kind: "x"}, now))

	rec, ok := tr.LatestRecord("demux")
	require.True(t, ok)
	assert.Equal(t, StageComplete, rec.Status, "second Finalize call must be a no-op")
	assert.Equal(t, 0, rec.ExitCode)
}

func TestRegisterArtifactAppendsToCorrectList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	now := time.Now().UTC()
	tr, err := New(path, "job-1", "transcribe", now)
	require.NoError(t, err)

	idx, err := tr.StartStage("asr", 6, "whisperx", nil, now)
	require.NoError(t, err)

	require.NoError(t, tr.RegisterArtifact(idx, Artifact{Path: "05_pyannote_vad", SHA256: "in-hash"}, false))
	require.NoError(t, tr.RegisterArtifact(idx, Artifact{Path: "06_asr", SHA256: "out-hash"}, true))

	rec, ok := tr.LatestRecord("asr")
	require.True(t, ok)
	require.Len(t, rec.Inputs, 1)
	require.Len(t, rec.Outputs, 1)
	assert.Equal(t, "in-hash", rec.Inputs[0].SHA256)
	assert.Equal(t, "out-hash", rec.Outputs[0].SHA256)
}

func TestRegisterArtifactOutOfRangeIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	tr, err := New(path, "job-1", "transcribe", time.Now())
	require.NoError(t, err)
	assert.Error(t, tr.RegisterArtifact(99, Artifact{}, false))
}
