package paramset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDotenv(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestResolvePriorityOrder(t *testing.T) {
	dir := t.TempDir()
	jobEnv := writeDotenv(t, dir, "job.env", "asr.model=job-env-model\n")
	sysEnv := writeDotenv(t, dir, "system.env.pipeline", "asr.model=system-model\nasr.backend=ctranslate2\n")

	r := NewResolver(nil, nil, map[string]string{"asr.model": "fallback-model", "asr.device": "cpu"})
	ps, err := r.Resolve("asr", map[string]string{"asr.model": "job-json-model"}, jobEnv, sysEnv)
	require.NoError(t, err)

	val, ok := ps.Get("asr.model")
	require.True(t, ok)
	assert.Equal(t, "job-json-model", val, "job.json must win over every other layer")

	val, ok = ps.Get("asr.backend")
	require.True(t, ok)
	assert.Equal(t, "ctranslate2", val)

	val, ok = ps.Get("asr.device")
	require.True(t, ok)
	assert.Equal(t, "cpu", val, "fallback applies when no higher layer sets the key")
}

func TestResolveMissingRequiredKeyFailsPlanning(t *testing.T) {
	r := NewResolver(nil, map[string][]string{"asr": {"asr.model"}}, nil)
	_, err := r.Resolve("asr", map[string]string{}, "", "")
	assert.Error(t, err)
}

func TestResolveRequiredKeySatisfiedByFallback(t *testing.T) {
	r := NewResolver(nil, map[string][]string{"asr": {"asr.model"}}, map[string]string{"asr.model": "large-v3"})
	ps, err := r.Resolve("asr", map[string]string{}, "", "")
	require.NoError(t, err)
	val, _ := ps.Get("asr.model")
	assert.Equal(t, "large-v3", val)
}

func TestResolveUnknownKeyWarnsButDoesNotFail(t *testing.T) {
	r := NewResolver(map[string]bool{"asr.model": true}, nil, nil)
	_, err := r.Resolve("asr", map[string]string{"totally_unexpected": "x"}, "", "")
	assert.NoError(t, err, "unrecognized keys are preserved with a warning, not rejected")
}

func TestResolveMissingEnvFilesAreNotErrors(t *testing.T) {
	r := NewResolver(nil, nil, nil)
	_, err := r.Resolve("demux", map[string]string{}, "/no/such/job.env", "/no/such/system.env")
	assert.NoError(t, err)
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewResolver(nil, nil, map[string]string{"k": "v"})
	ps, err := r.Resolve("demux", map[string]string{}, "", "")
	require.NoError(t, err)
	snap := ps.Snapshot()
	snap["k"] = "mutated"
	val, _ := ps.Get("k")
	assert.Equal(t, "v", val, "Snapshot must not alias the resolver's internal map")
}
