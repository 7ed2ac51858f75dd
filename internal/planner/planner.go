// Package planner implements the Workflow Planner: given a workflow variant
// and a resolved job config, it produces an ordered, deterministic plan of
// (stage, env, parameter snapshot) tuples. The planner has no side effects
// other than parameter-resolution logging; it never touches job state.
package planner

import (
	"fmt"
	"os"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/paramset"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/registry"

	log "github.com/sirupsen/logrus"
)

// indicLanguages is the set of source languages routed to the indic
// translation model; anything else routes to NLLB, per spec.md §4.2
// ("indic/NLLB translate").
var indicLanguages = map[string]bool{
	"hi": true, "bn": true, "ta": true, "te": true, "mr": true,
	"gu": true, "kn": true, "ml": true, "pa": true, "ur": true,
}

// Step is one entry in a plan.
type Step struct {
	Stage      string
	Env        string
	Parameters map[string]string
}

// Input bundles everything the planner needs to compute a plan.
type Input struct {
	Workflow        registry.Workflow
	SourceLanguage  string // "" or "auto" means auto-detect
	TargetLanguages []string
	SourcePath      string // empty for URL ingest, validated elsewhere
	SourceIsURL     bool
	Credentials     map[string]bool // service name -> present
	Config          map[string]string
	JobEnvPath      string
	SystemEnvPath   string
}

// Plan computes the ordered stage plan for in, using reg for DAG shape and
// resolver for per-stage parameter resolution. Same inputs always produce
// the same plan (determinism law, spec.md §8).
func Plan(reg *registry.Registry, resolver *paramset.Resolver, in Input) ([]Step, error) {
	workflow := in.Workflow

	if workflow == registry.Translate && in.SourceLanguage != "" && in.SourceLanguage != "auto" {
		for _, t := range in.TargetLanguages {
			if t == in.SourceLanguage {
				log.WithFields(log.Fields{
					"source": in.SourceLanguage, "target": t,
				}).Warn("translate workflow downgraded to transcribe: source == target language")
				workflow = registry.Transcribe
				break
			}
		}
	}

	if !in.SourceIsURL {
		if in.SourcePath == "" {
			return nil, perr.New(perr.ConfigError, "no source media path provided")
		}
		if _, err := os.Stat(in.SourcePath); err != nil {
			return nil, perr.Wrap(perr.ConfigError, "", fmt.Errorf("source path %s: %w", in.SourcePath, err))
		}
	}

	if workflow == registry.Translate || workflow == registry.Subtitle {
		if err := checkRouting(in); err != nil {
			return nil, err
		}
	}

	config := mergeConfig(in.Config, workflow, in.SourceLanguage, in.TargetLanguages)

	stages, err := reg.StagesFor(workflow, config)
	if err != nil {
		return nil, err
	}

	steps := make([]Step, 0, len(stages))
	for _, rec := range stages {
		ps, err := resolver.Resolve(rec.Name, config, in.JobEnvPath, in.SystemEnvPath)
		if err != nil {
			return nil, err
		}
		env := rec.Env
		if rec.Name == registry.StageTranslation && config["translation.model"] == "nllb" {
			env = "nllb"
		}
		steps = append(steps, Step{
			Stage:      rec.Name,
			Env:        env,
			Parameters: ps.Snapshot(),
		})
	}
	return steps, nil
}

// checkRouting rejects a plan with ConfigError if a target language has no
// translation routing (neither indic nor NLLB can be determined), and with
// CredentialMissing if a subtitle job sets --tmdb-title without a TMDB
// credential.
func checkRouting(in Input) error {
	if len(in.TargetLanguages) == 0 {
		return perr.New(perr.ConfigError, "translate/subtitle workflow requires at least one target language")
	}
	for _, lang := range in.TargetLanguages {
		if lang == "" {
			return perr.New(perr.ConfigError, "empty target language in routing table")
		}
	}
	if in.Workflow == registry.Subtitle && in.Config["tmdb_title"] != "" && !in.Credentials["tmdb"] {
		return perr.New(perr.CredentialMissing, "TMDB_API_KEY required when --tmdb-title is set")
	}
	return nil
}

// mergeConfig folds workflow/language selections into the flat config map
// the registry's enablement rules and the resolver both read, without
// mutating the caller's map.
func mergeConfig(base map[string]string, workflow registry.Workflow, sourceLang string, targetLangs []string) map[string]string {
	out := make(map[string]string, len(base)+4)
	for k, v := range base {
		out[k] = v
	}
	out["workflow"] = string(workflow)
	out["source_language"] = sourceLang
	if len(targetLangs) > 0 {
		model := "nllb"
		if indicLanguages[sourceLang] {
			model = "indic"
		}
		if _, ok := out["translation.model"]; !ok {
			out["translation.model"] = model
		}
		out["target_language"] = targetLangs[0]
	}
	return out
}
