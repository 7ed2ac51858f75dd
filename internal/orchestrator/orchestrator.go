// Package orchestrator ties the registry, planner, manifest tracker,
// environment router, cost tracker, and caches together to execute a job's
// plan: dispatching stages, applying resume semantics, and enforcing
// budget gates.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/archive"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/cache/baseline"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/cache/translationmem"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/cost"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/envrouter"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/job"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/jobindex"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/lockfile"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/manifest"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/mediaid"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/paramset"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/planner"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/profile"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/registry"
)

// Options controls one run-pipeline invocation, mirroring spec.md §6's
// flags.
type Options struct {
	Resume          bool
	Stages          []string // empty = all planned stages
	ContinueOnError bool
	StrictBudget    bool
	BudgetOverride  bool
}

// Orchestrator wires the components a job run needs.
type Orchestrator struct {
	Registry       *registry.Registry
	Resolver       *paramset.Resolver
	Router         *envrouter.Router
	Cost           *cost.Tracker
	Profiles       *profile.Store
	Index          *jobindex.Index
	Archive        *archive.Mirror
	Baseline       *baseline.Cache        // nil disables the baseline cache entirely
	TranslationMem *translationmem.Cache  // nil disables translation memory
	MemWeights     map[string]float64     // stage -> MAX_MEMORY_MB weight
	StageTimeouts  map[string]func(mediaDuration time.Duration) time.Duration
	Now            func() time.Time
}

// baselineFiles maps a baseline cache bundle's logical file names to the
// stage that produces them, per spec.md §4.8's "bundle of outputs up
// through the alignment stage: demux audio, VAD, ASR, alignment".
var baselineFiles = map[string]string{
	"audio.wav":               registry.StageDemux,
	"speech_segments.json":    registry.StageVAD,
	"asr_segments.json":       registry.StageASR,
	"alignment_segments.json": registry.StageAlignment,
}

// stageSet restricts a plan to a requested subset, keeping dependency
// order.
func stageSet(plan []planner.Step, only []string) []planner.Step {
	if len(only) == 0 {
		return plan
	}
	want := make(map[string]bool, len(only))
	for _, s := range only {
		want[s] = true
	}
	var out []planner.Step
	for _, step := range plan {
		if want[step.Stage] {
			out = append(out, step)
		}
	}
	return out
}

// Run executes a job's plan against the on-disk job directory jobDir.
func (o *Orchestrator) Run(ctx context.Context, jobDir string, mediaDuration time.Duration, in planner.Input, opts Options) error {
	now := o.now()

	j, err := job.Load(jobDir)
	if err != nil {
		return err
	}

	lock, err := lockfile.Acquire(filepath.Join(jobDir, ".job.lock"))
	if err != nil {
		return err
	}
	defer lock.Release()

	m, err := manifest.Load(filepath.Join(jobDir, "manifest.json"))
	if err != nil {
		return err
	}

	if err := validateLifecycle(m.State(), opts.Resume); err != nil {
		return err
	}

	plan, err := planner.Plan(o.Registry, o.Resolver, in)
	if err != nil {
		return err
	}
	plan = stageSet(plan, opts.Stages)

	if err := m.SetState(manifest.StateRunning, now); err != nil {
		return err
	}

	fp, modelTag := o.mediaFingerprint(in, mediaDuration, plan)

	baselineHit := false
	if o.Baseline != nil && fp != nil {
		if entry, hit := o.Baseline.Lookup(fp.Hash, modelTag); hit {
			if err := o.materializeBaseline(jobDir, entry, fp.Hash, modelTag); err != nil {
				log.WithError(err).Warn("baseline cache hit but materialization failed, recomputing stages")
			} else {
				baselineHit = o.markBaselineStagesComplete(jobDir, m, now)
				log.WithFields(log.Fields{"fingerprint": fp.Hash, "model_tag": modelTag}).Info("baseline cache hit: demux/vad/asr/alignment skipped")
			}
		}
	}

	scheduled := o.resumeFilter(jobDir, m, plan, opts.Resume || baselineHit)

	for _, step := range scheduled {
		if err := ctx.Err(); err != nil {
			m.SetState(manifest.StateFailed, o.now())
			return perr.New(perr.Cancelled, "run cancelled before stage "+step.Stage)
		}

		if execErr := o.runStage(ctx, j, m, step, mediaDuration, fp, modelTag, opts); execErr != nil {
			kind, _ := perr.KindOf(execErr)
			if perr.Fatal(kind) && !opts.ContinueOnError {
				m.SetState(manifest.StateFailed, o.now())
				o.updateIndex(j, m)
				return execErr
			}
			log.WithError(execErr).WithField("stage", step.Stage).Warn("stage failed, continuing due to --continue-on-error")
		}
		o.updateIndex(j, m)
	}

	if err := m.SetState(manifest.StateCompleted, o.now()); err != nil {
		return err
	}
	o.updateIndex(j, m)

	if o.Archive != nil {
		if err := o.Archive.Archive(ctx, j.ID, jobDir); err != nil {
			log.WithError(err).Warn("job archival mirror failed")
		}
	}

	log.WithField("job_id", j.ID).Info("job completed")
	return nil
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// mediaFingerprint computes the baseline-cache key for in's source media,
// or nil if the source is a URL (not yet downloaded into a stable local
// path at plan time) or fingerprinting fails. modelTag is read from the
// planned ASR step's resolved parameters so a newer model never matches an
// older cached bundle (spec.md §4.8 invalidation rule).
func (o *Orchestrator) mediaFingerprint(in planner.Input, mediaDuration time.Duration, plan []planner.Step) (*mediaid.Fingerprint, string) {
	modelTag := "default"
	for _, step := range plan {
		if step.Stage == registry.StageASR {
			if v, ok := step.Parameters["asr.model"]; ok && v != "" {
				modelTag = v
			}
			break
		}
	}
	if in.SourceIsURL || in.SourcePath == "" {
		return nil, modelTag
	}
	fp, err := mediaid.Compute(in.SourcePath, mediaDuration.Seconds())
	if err != nil {
		log.WithError(err).Warn("media fingerprint failed, baseline cache disabled for this run")
		return nil, modelTag
	}
	return &fp, modelTag
}

// materializeBaseline hard-links (or copies) a cached bundle's files into
// this job's demux/VAD/ASR/alignment stage directories.
func (o *Orchestrator) materializeBaseline(jobDir string, entry *baseline.Entry, fingerprint, modelTag string) error {
	destinations := make(map[string]string, len(baselineFiles))
	for logical, stage := range baselineFiles {
		rec, ok := o.Registry.Get(stage)
		if !ok {
			return perr.New(perr.ConfigError, "unregistered stage "+stage)
		}
		destinations[logical] = filepath.Join(jobDir, stageDirName(rec.Order, stage), logical)
	}
	return o.Baseline.MaterializeInto(fingerprint, modelTag, entry, destinations)
}

// markBaselineStagesComplete appends a completed manifest record for each
// baseline-covered stage, with input/output hashes recomputed from the
// now-materialized files, so the resume filter's hash comparison treats
// them exactly like a normal completed run. Returns true if at least one
// stage was marked, which forces resumeFilter to treat the run as a resume
// even when the caller passed --no-resume.
func (o *Orchestrator) markBaselineStagesComplete(jobDir string, m *manifest.Tracker, now time.Time) bool {
	marked := false
	for _, stage := range []string{registry.StageDemux, registry.StageVAD, registry.StageASR, registry.StageAlignment} {
		if err := o.markStageCached(jobDir, m, stage, now); err != nil {
			log.WithError(err).WithField("stage", stage).Warn("baseline cache: failed marking stage completed")
			continue
		}
		marked = true
	}
	return marked
}

// markStageCached records a synthetic completed run for a stage whose
// output came from the baseline cache rather than a subprocess dispatch.
func (o *Orchestrator) markStageCached(jobDir string, m *manifest.Tracker, stage string, now time.Time) error {
	rec, ok := o.Registry.Get(stage)
	if !ok {
		return perr.New(perr.ConfigError, "unregistered stage "+stage)
	}
	dirName := stageDirName(rec.Order, stage)

	idx, err := m.StartStage(stage, rec.Order, rec.Env, nil, now)
	if err != nil {
		return err
	}
	for _, dep := range o.Registry.Dependencies(stage) {
		depRec, ok := o.Registry.Get(dep)
		if !ok {
			continue
		}
		depDir := stageDirName(depRec.Order, dep)
		if hash, err := hashStageDir(filepath.Join(jobDir, depDir)); err == nil {
			m.RegisterArtifact(idx, manifest.Artifact{Path: depDir, SHA256: hash}, false)
		}
	}
	if hash, err := hashStageDir(filepath.Join(jobDir, dirName)); err == nil {
		m.RegisterArtifact(idx, manifest.Artifact{Path: dirName, SHA256: hash}, true)
	}
	return m.Finalize(idx, manifest.StageComplete, 0, nil, now)
}

// storeBaseline saves the demux/VAD/ASR/alignment bundle a fresh run just
// produced into the baseline cache. Best-effort: a failure here never
// fails the run, since the stages already completed successfully.
func (o *Orchestrator) storeBaseline(jobDir string, fp mediaid.Fingerprint, modelTag string) {
	files := make(map[string]string, len(baselineFiles))
	for logical, stage := range baselineFiles {
		rec, ok := o.Registry.Get(stage)
		if !ok {
			return
		}
		files[logical] = filepath.Join(jobDir, stageDirName(rec.Order, stage), logical)
	}
	if err := o.Baseline.Store(fp.Hash, modelTag, files); err != nil {
		log.WithError(err).Warn("baseline cache store failed")
	}
}

// validateLifecycle checks the job's current state is one Run may act on.
func validateLifecycle(state manifest.JobState, resume bool) error {
	switch state {
	case manifest.StatePrepared, manifest.StateRunning:
		return nil
	case manifest.StateCompleted:
		if resume {
			return nil // rerun forced
		}
		return perr.New(perr.ValidationError, "job already completed; run without --no-resume to force a rerun")
	case manifest.StateFailed:
		if resume {
			return nil
		}
		return perr.New(perr.ValidationError, "job failed; run without --no-resume to retry")
	default:
		return perr.New(perr.ValidationError, fmt.Sprintf("unknown job state %q", state))
	}
}

// resumeFilter marks stages skippable when the manifest holds a completed
// record whose declared input hashes still match the producing stage's
// current on-disk output; once a stage is scheduled, every downstream
// stage is scheduled too (invalidation cascades forward, spec.md §8).
func (o *Orchestrator) resumeFilter(jobDir string, m *manifest.Tracker, plan []planner.Step, resume bool) []planner.Step {
	if !resume {
		return plan
	}
	var scheduled []planner.Step
	cascading := false
	for _, step := range plan {
		if cascading {
			scheduled = append(scheduled, step)
			continue
		}
		rec, ok := m.LatestRecord(step.Stage)
		if ok && rec.Status == manifest.StageComplete && o.inputsMatch(jobDir, rec) {
			continue // skip: resume idempotence
		}
		cascading = true
		scheduled = append(scheduled, step)
	}
	return scheduled
}

// inputsMatch recomputes the current on-disk hash of every dependency
// directory a stage record declared as an input and compares it against
// the hash recorded when that stage last ran. A single mutated byte in a
// dependency's output changes its hash, forcing this stage (and everything
// scheduled after it) to re-execute. A stage with no dependencies always
// matches once complete; a stage with dependencies but no recorded inputs
// (an older manifest predating artifact registration) is conservatively
// treated as stale.
func (o *Orchestrator) inputsMatch(jobDir string, rec manifest.StageRecord) bool {
	deps := o.Registry.Dependencies(rec.Name)
	if len(rec.Inputs) == 0 {
		return len(deps) == 0
	}
	for _, in := range rec.Inputs {
		if in.SHA256 == "" {
			return false
		}
		current, err := hashStageDir(filepath.Join(jobDir, in.Path))
		if err != nil || current != in.SHA256 {
			return false
		}
	}
	return true
}

// hashStageDir returns a single combined SHA-256 over every regular file
// directly inside dir (sorted by name), skipping config_snapshot.json since
// that file records the invoking run's resolved parameters, not the
// stage's produced output.
func hashStageDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || e.Name() == "config_snapshot.json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s:", name)
		_, cerr := io.Copy(h, f)
		f.Close()
		if cerr != nil {
			return "", cerr
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// runStage executes one plan step: preflight, dispatch, retry, finalize.
// fp/modelTag are the job's baseline-cache key, or a nil fp when the
// source is a URL or fingerprinting failed; translation memory wiring
// reads them only indirectly, through the stage's own resolved parameters.
func (o *Orchestrator) runStage(ctx context.Context, j *job.Job, m *manifest.Tracker, step planner.Step, mediaDuration time.Duration, fp *mediaid.Fingerprint, modelTag string, opts Options) error {
	rec, ok := o.Registry.Get(step.Stage)
	if !ok {
		return perr.New(perr.ConfigError, "unregistered stage "+step.Stage)
	}
	relDir := stageDirName(rec.Order, step.Stage)
	stageDir := filepath.Join(j.Dir, relDir)
	now := o.now()

	if err := o.checkBudget(j, step.Stage, mediaDuration, opts); err != nil {
		idx, _ := m.StartStage(step.Stage, rec.Order, step.Env, step.Parameters, now)
		m.Finalize(idx, manifest.StageFailed, -1, &manifest.ErrorInfo{Kind: string(perr.BudgetExceeded), Message: err.Error()}, o.now())
		return err
	}

	if err := preflightInputs(o.Registry, m, step.Stage); err != nil {
		idx, _ := m.StartStage(step.Stage, rec.Order, step.Env, step.Parameters, now)
		m.Finalize(idx, manifest.StageFailed, -1, &manifest.ErrorInfo{Kind: string(perr.MissingInput), Message: err.Error()}, o.now())
		return err
	}

	idx, err := m.StartStage(step.Stage, rec.Order, step.Env, step.Parameters, now)
	if err != nil {
		return err
	}
	o.registerInputHashes(j.Dir, m, idx, step.Stage)

	snapshotPath := filepath.Join(stageDir, "config_snapshot.json")
	snapRaw, err := json.MarshalIndent(step.Parameters, "", "  ")
	if err == nil {
		err = os.MkdirAll(stageDir, 0o755)
	}
	if err == nil {
		err = os.WriteFile(snapshotPath, snapRaw, 0o644)
	}
	if err != nil {
		m.Finalize(idx, manifest.StageFailed, -1, &manifest.ErrorInfo{Kind: string(perr.ConfigError), Message: err.Error()}, o.now())
		return perr.Wrap(perr.ConfigError, step.Stage, err)
	}
	timeout := o.timeoutFor(step.Stage, mediaDuration)

	creds := o.credentialsFor(j.Config.User, step.Stage)

	if step.Stage == registry.StageTranslation && o.TranslationMem != nil {
		if prepRec, ok := o.Registry.Get(registry.StageTranslationPrep); ok {
			prepDir := filepath.Join(j.Dir, stageDirName(prepRec.Order, registry.StageTranslationPrep))
			o.applyTranslationMemoryHints(prepDir, stageDir, step.Parameters["target_language"], step.Parameters["translation.model"])
		}
	}

	req := envrouter.Request{
		JobID: j.ID, Stage: step.Stage, Env: step.Env,
		JobDir: j.Dir, OutputDir: stageDir, ConfigSnapshotPath: snapshotPath,
		Credentials: creds, Timeout: timeout,
		LogPath: filepath.Join(j.Dir, "logs", fmt.Sprintf("%02d_%s_%d.log", rec.Order, step.Stage, o.now().Unix())),
	}

	weight := o.MemWeights[step.Stage]
	if weight == 0 {
		weight = 0.5
	}

	result, execErr := o.Router.Execute(ctx, req, weight)
	if execErr != nil {
		kind, _ := perr.KindOf(execErr)
		if perr.Retryable(kind) {
			log.WithField("stage", step.Stage).Warn("retrying stage once after transient failure")
			time.Sleep(backoff(1))
			result, execErr = o.Router.Execute(ctx, req, weight)
		}
	}

	if execErr != nil {
		kind, _ := perr.KindOf(execErr)
		m.Finalize(idx, manifest.StageFailed, result.ExitCode, &manifest.ErrorInfo{Kind: string(kind), Message: execErr.Error()}, o.now())
		return execErr
	}

	if hash, err := hashStageDir(stageDir); err == nil {
		m.RegisterArtifact(idx, manifest.Artifact{Path: relDir, SHA256: hash}, true)
	}
	m.Finalize(idx, manifest.StageComplete, result.ExitCode, nil, o.now())
	o.reportCost(j, step.Stage, mediaDuration, m)

	if step.Stage == registry.StageAlignment && o.Baseline != nil && fp != nil {
		o.storeBaseline(j.Dir, *fp, modelTag)
	}
	if step.Stage == registry.StageTranslation && o.TranslationMem != nil {
		o.storeTranslationMemory(stageDir, step.Parameters["target_language"], step.Parameters["translation.model"])
	}
	return nil
}

// registerInputHashes records, against the just-started stage record at
// idx, the current on-disk hash of every declared dependency's output
// directory — the write half of the resume-hash contract inputsMatch reads
// back on a later --resume run.
func (o *Orchestrator) registerInputHashes(jobDir string, m *manifest.Tracker, idx int, stage string) {
	for _, dep := range o.Registry.Dependencies(stage) {
		depRec, ok := o.Registry.Get(dep)
		if !ok {
			continue
		}
		depDir := stageDirName(depRec.Order, dep)
		hash, err := hashStageDir(filepath.Join(jobDir, depDir))
		if err != nil {
			continue
		}
		m.RegisterArtifact(idx, manifest.Artifact{Path: depDir, SHA256: hash}, false)
	}
}

// translationPlanSegment is one entry of the source-segment plan the
// translation_prep stage writes, used here only as the lookup key set for
// the translation memory pre-pass.
type translationPlanSegment struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

type translationPlanFile struct {
	Segments []translationPlanSegment `json:"segments"`
}

// translationResultSegment is one entry of the translation stage's own
// output, read back here to populate translation memory.
type translationResultSegment struct {
	ID          string  `json:"id"`
	Text        string  `json:"text"`
	Translation string  `json:"translation"`
	Confidence  float64 `json:"confidence"`
	Context     string  `json:"context,omitempty"`
}

type translationResultFile struct {
	Segments []translationResultSegment `json:"segments"`
}

// translationMemoryHint is one resolved translation memory hit, written
// alongside the translation stage's inputs so its subprocess can reuse a
// cached, high-confidence translation instead of re-translating a segment.
type translationMemoryHint struct {
	ID          string  `json:"id"`
	Translation string  `json:"translation"`
	Confidence  float64 `json:"confidence"`
}

// applyTranslationMemoryHints reads the translation_prep stage's segment
// plan, looks each segment up in translation memory, and writes any hits
// as a hints file inside the translation stage's own output directory.
// Missing or unparseable input is silently skipped — translation memory is
// an optimization, never a dispatch precondition.
func (o *Orchestrator) applyTranslationMemoryHints(prepDir, stageDir, targetLang, modelID string) {
	raw, err := os.ReadFile(filepath.Join(prepDir, "plan.json"))
	if err != nil {
		return
	}
	var plan translationPlanFile
	if err := json.Unmarshal(raw, &plan); err != nil {
		return
	}

	var hints []translationMemoryHint
	for _, seg := range plan.Segments {
		entry, hit := o.TranslationMem.Lookup(seg.Text, targetLang, modelID, seg.Context)
		if !hit {
			continue
		}
		hints = append(hints, translationMemoryHint{ID: seg.ID, Translation: entry.TargetText, Confidence: entry.Confidence})
	}
	if len(hints) == 0 {
		return
	}
	out, err := json.MarshalIndent(hints, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(stageDir, "tm_hints.json"), out, 0o644); err != nil {
		log.WithError(err).Warn("translation memory: writing hints file failed")
	}
}

// storeTranslationMemory reads the translation stage's completed output
// files and stores each confidently-translated segment into translation
// memory for future jobs to reuse.
func (o *Orchestrator) storeTranslationMemory(stageDir, targetLang, modelID string) {
	matches, _ := filepath.Glob(filepath.Join(stageDir, "translation_*.json"))
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var result translationResultFile
		if err := json.Unmarshal(raw, &result); err != nil {
			continue
		}
		for _, seg := range result.Segments {
			if seg.Translation == "" || seg.Confidence <= 0 {
				continue
			}
			entry := translationmem.Entry{
				SourceText: seg.Text, TargetLang: targetLang, ModelID: modelID,
				TargetText: seg.Translation, Confidence: seg.Confidence, Context: seg.Context,
			}
			if err := o.TranslationMem.Store(entry); err != nil {
				log.WithError(err).Warn("translation memory: store failed")
			}
		}
	}
}

// checkBudget estimates the incremental cost of one stage and enforces the
// user's monthly budget ceiling before dispatch. Local-only stages (zero
// estimated cost) always pass.
func (o *Orchestrator) checkBudget(j *job.Job, stage string, mediaDuration time.Duration, opts Options) error {
	if o.Cost == nil {
		return nil
	}
	p, err := o.Profiles.Load(j.Config.User, o.now())
	if err != nil {
		return nil
	}
	if p.BudgetCeilingUSD <= 0 {
		return nil
	}
	month := o.now().Format("2006-01")
	current, err := o.Cost.MonthlyTotal(j.Config.User, month)
	if err != nil {
		return nil
	}
	proposed := stageCostEstimate(stage, mediaDuration)
	if proposed <= 0 {
		return nil
	}
	return cost.CheckBudget(p.BudgetCeilingUSD, current, proposed, opts.BudgetOverride)
}

// reportCost records the stage's actual cost event and folds it into the
// job's cumulative total. Reporting failures are logged, never fatal to the
// run (cost tracking is best-effort against stage success).
func (o *Orchestrator) reportCost(j *job.Job, stage string, mediaDuration time.Duration, m *manifest.Tracker) {
	if o.Cost == nil {
		return
	}
	usd := stageCostEstimate(stage, mediaDuration)
	if usd <= 0 {
		return
	}
	event := cost.Event{
		JobID: j.ID, User: j.Config.User, Stage: stage,
		Service: serviceFor(stage), Units: mediaDuration.Minutes(), UnitCost: usd / mediaDuration.Minutes(),
		Timestamp: o.now(),
	}
	if err := o.Cost.Report(event); err != nil {
		log.WithError(err).WithField("stage", stage).Warn("cost report failed")
		return
	}
	m.AddCost(usd, o.now())
}

func stageCostEstimate(stage string, mediaDuration time.Duration) float64 {
	switch stage {
	case registry.StageASR:
		return cost.Estimate("transcribe", mediaDuration.Seconds(), nil)
	case registry.StageTranslation:
		return cost.Estimate("translate", mediaDuration.Seconds(), nil) - cost.Estimate("transcribe", mediaDuration.Seconds(), nil)
	case registry.StageTMDB:
		return cost.Estimate("subtitle", mediaDuration.Seconds(), nil) - cost.Estimate("translate", mediaDuration.Seconds(), nil)
	default:
		return 0
	}
}

func serviceFor(stage string) string {
	switch stage {
	case registry.StageASR:
		return "whisperx"
	case registry.StageTranslation:
		return "translation"
	case registry.StageTMDB:
		return "tmdb"
	default:
		return stage
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// stageDirName returns a stage's on-disk directory name, following the
// NN_<stage> numbering spec.md §6 mandates for every stage directory
// (e.g. "06_asr") — the same convention internal/job.go uses to
// pre-materialize the source media into "01_demux".
func stageDirName(order int, stage string) string {
	return fmt.Sprintf("%02d_%s", order, stage)
}

func (o *Orchestrator) timeoutFor(stage string, mediaDuration time.Duration) time.Duration {
	if f, ok := o.StageTimeouts[stage]; ok {
		return f(mediaDuration)
	}
	return mediaDuration + 10*time.Minute
}

func (o *Orchestrator) credentialsFor(user, stage string) map[string]string {
	p, err := o.Profiles.Load(user, o.now())
	if err != nil {
		return nil
	}
	out := map[string]string{}
	for _, svc := range credentialsRequiredBy(stage) {
		if val, ok := p.Credential(svc); ok {
			out[envVarFor(svc)] = val
		}
	}
	return out
}

func credentialsRequiredBy(stage string) []string {
	switch stage {
	case registry.StageASR, registry.StageAlignment:
		return []string{"huggingface"}
	case registry.StageTranslation:
		return []string{"openai"}
	case registry.StageTMDB:
		return []string{"tmdb"}
	default:
		return nil
	}
}

func envVarFor(service string) string {
	switch service {
	case "huggingface":
		return "HF_TOKEN"
	case "openai":
		return "OPENAI_API_KEY"
	case "tmdb":
		return "TMDB_API_KEY"
	default:
		return service
	}
}

// preflightInputs ensures every declared dependency of a stage has a
// completed record before the stage is dispatched. Hashes are not compared
// here; resumeFilter's inputsMatch does that when choosing what to skip.
func preflightInputs(reg *registry.Registry, m *manifest.Tracker, stage string) error {
	for _, dep := range reg.Dependencies(stage) {
		rec, ok := m.LatestRecord(dep)
		if !ok || rec.Status != manifest.StageComplete {
			return perr.New(perr.MissingInput, fmt.Sprintf("stage %s: dependency %s has no completed record", stage, dep))
		}
	}
	return nil
}

func (o *Orchestrator) updateIndex(j *job.Job, m *manifest.Tracker) {
	if o.Index == nil {
		return
	}
	if err := o.Index.Upsert(j.Config.User, j.Dir, m.Snapshot()); err != nil {
		log.WithError(err).Warn("job index upsert failed")
	}
}
