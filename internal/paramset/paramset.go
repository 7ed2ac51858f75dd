// Package paramset implements the Config Resolver: it merges the four
// parameter layers (job.json, per-job .env, system config/.env.pipeline,
// compiled-in fallbacks) into a flat per-stage parameter dictionary, with
// instance-level override logging and a typed accessor view over the result.
package paramset

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"
)

// Layer names, used only for override-log attribution.
const (
	SourceJobJSON  = "job.json"
	SourceJobEnv   = "job.env"
	SourceSystem   = "system.env.pipeline"
	SourceFallback = "fallback"
)

// ParamSet is the resolved flat parameter dictionary for one stage.
type ParamSet struct {
	values map[string]string
	// v exposes typed accessors (GetInt, GetDuration, ...) over the same
	// resolved values, for callers that want coercion instead of raw strings.
	v *viper.Viper
}

// Get returns the raw string value for key, and whether it was present.
func (p *ParamSet) Get(key string) (string, bool) {
	val, ok := p.values[key]
	return val, ok
}

// Typed returns the viper view for typed access (GetInt, GetBool, GetFloat64,
// GetDuration) over the resolved parameter set.
func (p *ParamSet) Typed() *viper.Viper { return p.v }

// Snapshot returns a copy of the resolved flat map, suitable for writing out
// as CONFIG_SNAPSHOT JSON.
func (p *ParamSet) Snapshot() map[string]string {
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Resolver merges parameter layers for a stage, tracking which keys a stage
// requires so planning can fail fast on an absent one.
type Resolver struct {
	// Known is the set of keys any stage might recognize (spec.md §6); keys
	// outside this set are preserved but logged as unrecognized.
	Known map[string]bool
	// Required maps stage name to the keys that must resolve to a non-empty
	// value for that stage to be planned.
	Required map[string][]string
	// Fallbacks holds compiled-in defaults, lowest priority layer.
	Fallbacks map[string]string
}

// NewResolver builds a Resolver from the registry-declared known/required
// keys and compiled-in fallbacks.
func NewResolver(known map[string]bool, required map[string][]string, fallbacks map[string]string) *Resolver {
	return &Resolver{Known: known, Required: required, Fallbacks: fallbacks}
}

// Resolve merges, in strict priority order (highest first): jobJSON, the
// per-job .env file at jobEnvPath, the system .env.pipeline at
// systemEnvPath, then r.Fallbacks. jobEnvPath/systemEnvPath may be empty if
// the file doesn't exist; a missing file is not an error.
func (r *Resolver) Resolve(stage string, jobJSON map[string]string, jobEnvPath, systemEnvPath string) (*ParamSet, error) {
	jobEnv, err := readDotenv(jobEnvPath)
	if err != nil {
		return nil, perr.Wrap(perr.ConfigError, stage, err)
	}
	systemEnv, err := readDotenv(systemEnvPath)
	if err != nil {
		return nil, perr.Wrap(perr.ConfigError, stage, err)
	}

	merged := make(map[string]string, len(r.Fallbacks))
	applyLayer(merged, r.Fallbacks, stage, SourceFallback)
	applyLayer(merged, systemEnv, stage, SourceSystem)
	applyLayer(merged, jobEnv, stage, SourceJobEnv)
	applyLayer(merged, jobJSON, stage, SourceJobJSON)

	for key := range merged {
		if r.Known != nil && !r.Known[key] {
			log.WithFields(log.Fields{"stage": stage, "key": key}).Warn("unrecognized parameter key, preserved")
		}
	}

	for _, key := range r.Required[stage] {
		if val, ok := merged[key]; !ok || val == "" {
			return nil, perr.New(perr.ConfigError, fmt.Sprintf("stage %s missing required parameter %q", stage, key))
		}
	}

	v := viper.New()
	asAny := make(map[string]interface{}, len(merged))
	for k, val := range merged {
		asAny[k] = val
	}
	if err := v.MergeConfigMap(asAny); err != nil {
		return nil, perr.Wrap(perr.ConfigError, stage, err)
	}

	return &ParamSet{values: merged, v: v}, nil
}

// applyLayer overlays src onto dst, logging each change as
// "old -> new (source=...)" per spec.md §4.3.
func applyLayer(dst, src map[string]string, stage, source string) {
	for key, newVal := range src {
		oldVal, existed := dst[key]
		if existed && oldVal == newVal {
			continue
		}
		if existed {
			log.WithFields(log.Fields{
				"stage": stage, "key": key, "old": oldVal, "new": newVal, "source": source,
			}).Info("parameter override")
		}
		dst[key] = newVal
	}
}

// readDotenv parses a dotenv-format file without mutating the process
// environment. An empty path or a nonexistent file yields an empty map.
func readDotenv(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return vals, nil
}
