// Package registry is the single source of truth for pipeline shape: the
// static table of stages, their order, dependencies, environment, and
// default-enablement rule. No stage's own code declares its ordering.
package registry

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"
)

// Workflow is one of the three supported workflow shapes.
type Workflow string

const (
	Transcribe Workflow = "transcribe"
	Translate  Workflow = "translate"
	Subtitle   Workflow = "subtitle"
)

// Stage names, matching the on-disk directory numbering in spec.md §6.
const (
	StageDemux               = "demux"
	StageTMDB                = "tmdb"
	StageGlossary            = "glossary"
	StageSourceSeparation    = "source_separation"
	StageVAD                 = "pyannote_vad"
	StageASR                 = "asr"
	StageAlignment           = "alignment"
	StageLyricsDetection     = "lyrics_detection"
	StageHallucinationRemove = "hallucination_removal"
	StageTranslationPrep     = "translation_prep"
	StageTranslation         = "translation"
	StageTranslationMerge    = "translation_merge"
	StageSubtitleGeneration  = "subtitle_generation"
	StageMux                 = "mux"
)

// Record is one stage's registry entry: its fixed position in the pipeline,
// the environment that must execute it, its direct dependencies, whether it
// is required, the workflows it participates in, and its default-enablement
// rule compiled from an expr-lang expression.
type Record struct {
	Name         string
	Order        int
	Env          string
	Dependencies []string
	Required     bool
	Workflows    []Workflow
	// EnabledWhen is an expr-lang/expr boolean expression evaluated against
	// a map with key "config" (the resolved job config as map[string]string)
	// and "workflow" (string). An empty expression means always enabled.
	EnabledWhen string
	// RecognizedParams lists the parameter keys this stage reads. Folded
	// into the Config Resolver's global known-key set (internal/paramset);
	// a key no stage recognizes is preserved but logged as a warning.
	RecognizedParams []string
	// RequiredParams lists the keys that must resolve to a non-empty value
	// for this stage to be planned (spec.md §4.3: "missing required keys
	// fail planning").
	RequiredParams []string

	program *vm.Program
}

// Registry holds the compiled stage table.
type Registry struct {
	stages map[string]*Record
}

// defaultStages is the compiled-in stage table. Orders follow the directory
// numbering in spec.md §6; stage 12 (reserved in the original numbering gap
// between translation and merge) is intentionally absent.
var defaultStages = []*Record{
	{Name: StageDemux, Order: 1, Env: "common", Workflows: []Workflow{Transcribe, Translate, Subtitle}, Required: true},
	{Name: StageTMDB, Order: 2, Env: "common", Workflows: []Workflow{Subtitle}, EnabledWhen: `config["tmdb_title"] != ""`, RecognizedParams: []string{"tmdb_title", "tmdb_year"}},
	{Name: StageGlossary, Order: 3, Env: "common", Workflows: []Workflow{Subtitle}, Dependencies: []string{StageTMDB}},
	{Name: StageSourceSeparation, Order: 4, Env: "demucs", Workflows: []Workflow{Transcribe, Translate, Subtitle}, Dependencies: []string{StageDemux}, EnabledWhen: `config["source_separation.enabled"] != "false"`, RecognizedParams: []string{"source_separation.enabled", "source_separation.quality"}},
	{Name: StageVAD, Order: 5, Env: "pyannote", Workflows: []Workflow{Transcribe, Translate, Subtitle}, Dependencies: []string{StageDemux}, Required: true, RecognizedParams: []string{"vad.threshold", "vad.min_duration"}},
	{Name: StageASR, Order: 6, Env: "whisperx", Workflows: []Workflow{Transcribe, Translate, Subtitle}, Dependencies: []string{StageVAD}, Required: true, RecognizedParams: []string{"asr.model", "asr.backend", "asr.device", "asr.batch_size"}, RequiredParams: []string{"asr.model"}},
	{Name: StageAlignment, Order: 7, Env: "whisperx", Workflows: []Workflow{Transcribe, Translate, Subtitle}, Dependencies: []string{StageASR}, Required: true, RecognizedParams: []string{"alignment.backend"}},
	{Name: StageLyricsDetection, Order: 8, Env: "llm", Workflows: []Workflow{Subtitle}, Dependencies: []string{StageAlignment}},
	{Name: StageHallucinationRemove, Order: 9, Env: "llm", Workflows: []Workflow{Subtitle}, Dependencies: []string{StageLyricsDetection}},
	{Name: StageTranslationPrep, Order: 10, Env: "common", Workflows: []Workflow{Translate, Subtitle}, Dependencies: []string{StageAlignment}},
	{Name: StageTranslation, Order: 11, Env: "indictrans2", Workflows: []Workflow{Translate, Subtitle}, Dependencies: []string{StageTranslationPrep}, EnabledWhen: `config["translation.model"] != "nllb"`, RecognizedParams: []string{"translation.model", "translation.beam_size"}, RequiredParams: []string{"translation.model"}},
	{Name: StageTranslationMerge, Order: 13, Env: "common", Workflows: []Workflow{Translate, Subtitle}, Dependencies: []string{StageTranslation}},
	{Name: StageSubtitleGeneration, Order: 14, Env: "common", Workflows: []Workflow{Subtitle}, Dependencies: []string{StageTranslationMerge, StageHallucinationRemove}, RecognizedParams: []string{"subtitle.format"}, RequiredParams: []string{"subtitle.format"}},
	{Name: StageMux, Order: 15, Env: "common", Workflows: []Workflow{Subtitle}, Dependencies: []string{StageSubtitleGeneration}, Required: true, RecognizedParams: []string{"mux.burn_in"}},
}

// globalParams are recognized for every stage regardless of its own
// RecognizedParams, since internal/planner.mergeConfig folds them into
// every stage's resolved config map.
var globalParams = []string{"workflow", "source_language", "target_language", "target_languages"}

// New compiles the default stage table, or a caller-supplied one for tests.
func New(stages ...[]*Record) (*Registry, error) {
	src := defaultStages
	if len(stages) > 0 {
		src = stages[0]
	}
	r := &Registry{stages: make(map[string]*Record, len(src))}
	for _, s := range src {
		if s.EnabledWhen != "" {
			prog, err := expr.Compile(s.EnabledWhen, expr.Env(map[string]interface{}{
				"config":   map[string]string{},
				"workflow": "",
			}))
			if err != nil {
				return nil, perr.Wrap(perr.ConfigError, "", fmt.Errorf("stage %s: compiling enablement rule: %w", s.Name, err))
			}
			s.program = prog
		}
		r.stages[s.Name] = s
	}
	return r, nil
}

// Get returns the registry record for a stage name.
func (r *Registry) Get(name string) (*Record, bool) {
	rec, ok := r.stages[name]
	return rec, ok
}

// Dependencies returns the direct input stages for a stage.
func (r *Registry) Dependencies(name string) []string {
	rec, ok := r.stages[name]
	if !ok {
		return nil
	}
	return rec.Dependencies
}

// KnownParams returns every parameter key any stage recognizes, for
// paramset.Resolver.Known — a key outside this set is preserved but logged
// as an unrecognized-parameter warning rather than failing planning.
func (r *Registry) KnownParams() map[string]bool {
	known := make(map[string]bool)
	for _, k := range globalParams {
		known[k] = true
	}
	for _, rec := range r.stages {
		for _, k := range rec.RecognizedParams {
			known[k] = true
		}
	}
	return known
}

// RequiredParams returns the per-stage map of parameter keys that must
// resolve to a non-empty value for paramset.Resolver.Resolve to let
// planning proceed for that stage.
func (r *Registry) RequiredParams() map[string][]string {
	out := make(map[string][]string)
	for name, rec := range r.stages {
		if len(rec.RequiredParams) > 0 {
			out[name] = rec.RequiredParams
		}
	}
	return out
}

// EnvFor returns the isolated Python environment that must execute a stage.
func (r *Registry) EnvFor(name string) (string, bool) {
	rec, ok := r.stages[name]
	if !ok {
		return "", false
	}
	return rec.Env, true
}

// enabled evaluates a stage's default-enablement predicate against the
// resolved job config for the given workflow. A stage with no predicate is
// always enabled.
func (rec *Record) enabled(workflow Workflow, config map[string]string) (bool, error) {
	if rec.program == nil {
		return true, nil
	}
	out, err := expr.Run(rec.program, map[string]interface{}{
		"config":   config,
		"workflow": string(workflow),
	})
	if err != nil {
		return false, perr.Wrap(perr.ConfigError, rec.Name, err)
	}
	enabled, ok := out.(bool)
	if !ok {
		return false, perr.New(perr.ConfigError, fmt.Sprintf("stage %s: enablement rule did not return a bool", rec.Name))
	}
	return enabled, nil
}

// StagesFor returns the stages applicable to workflow and enabled by
// config, in topological order (registry dependency order, ties broken by
// numeric Order).
func (r *Registry) StagesFor(workflow Workflow, config map[string]string) ([]*Record, error) {
	var candidates []*Record
	for _, rec := range r.stages {
		if !appliesTo(rec, workflow) {
			continue
		}
		ok, err := rec.enabled(workflow, config)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		candidates = append(candidates, rec)
	}

	included := make(map[string]bool, len(candidates))
	for _, rec := range candidates {
		included[rec.Name] = true
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Order < candidates[j].Order })

	return topoSort(candidates, included)
}

func appliesTo(rec *Record, workflow Workflow) bool {
	for _, w := range rec.Workflows {
		if w == workflow {
			return true
		}
	}
	return false
}

// topoSort orders candidates so every dependency precedes its dependents,
// preserving the numeric-Order tie-break already applied by the caller.
// Dependencies on stages not in `included` (filtered out by workflow or
// config) are ignored — the registry trusts the workflow shapes in spec.md
// §4.2 to never require a disabled stage's output when that stage is
// itself disabled for the same workflow+config.
func topoSort(candidates []*Record, included map[string]bool) ([]*Record, error) {
	visited := make(map[string]int) // 0=unvisited, 1=visiting, 2=done
	var order []*Record
	byName := make(map[string]*Record, len(candidates))
	for _, c := range candidates {
		byName[c.Name] = c
	}

	var visit func(rec *Record) error
	visit = func(rec *Record) error {
		switch visited[rec.Name] {
		case 2:
			return nil
		case 1:
			return perr.New(perr.ConfigError, fmt.Sprintf("cyclic dependency involving stage %s", rec.Name))
		}
		visited[rec.Name] = 1
		for _, dep := range rec.Dependencies {
			if !included[dep] {
				continue
			}
			depRec, ok := byName[dep]
			if !ok {
				continue
			}
			if err := visit(depRec); err != nil {
				return err
			}
		}
		visited[rec.Name] = 2
		order = append(order, rec)
		return nil
	}

	for _, c := range candidates {
		if err := visit(c); err != nil {
			return nil, err
		}
	}
	return order, nil
}
