// Package manifest implements the Manifest Tracker: the per-job
// content-addressed record of stage executions, their inputs/outputs, and
// the job's lifecycle state. manifest.json is the sole source of truth;
// writes are atomic via temp-file + rename so concurrent readers (dashboard,
// status CLIs) never observe a partial file.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"
)

// JobState is one of the lifecycle states in spec.md §3.
type JobState string

const (
	StatePrepared  JobState = "prepared"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// StageStatus is a stage record's terminal or in-flight status.
type StageStatus string

const (
	StagePending  StageStatus = "pending"
	StageRunning  StageStatus = "running"
	StageComplete StageStatus = "completed"
	StageFailed   StageStatus = "failed"
)

// Artifact is a file produced or consumed by a stage, identified by path and
// content hash per spec.md §3.
type Artifact struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// ErrorInfo classifies a stage failure per the taxonomy in internal/perr.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StageRecord is one execution of one stage. Records are append-only within
// a job: re-running a stage appends a new record and marks the prior one
// Superseded rather than deleting it (spec.md §3, scenario 4).
type StageRecord struct {
	Name       string            `json:"name"`
	Order      int               `json:"order"`
	Env        string            `json:"env"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Status     StageStatus       `json:"status"`
	ExitCode   int               `json:"exit_code"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Inputs     []Artifact        `json:"inputs,omitempty"`
	Outputs    []Artifact        `json:"outputs,omitempty"`
	Error      *ErrorInfo        `json:"error,omitempty"`
	Superseded bool              `json:"superseded,omitempty"`

	finalized bool
}

// Manifest is the full per-job record written to manifest.json.
type Manifest struct {
	JobID             string        `json:"job_id"`
	State             JobState      `json:"state"`
	Workflow          string        `json:"workflow"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	CumulativeCostUSD float64       `json:"cumulative_cost_usd"`
	Stages            []StageRecord `json:"stages"`
}

// Tracker guards reads and writes of one job's manifest.json, serializing
// concurrent callers within this process (the orchestrator is the sole
// writer for a job; the mutex keeps Snapshot and LatestRecord readers
// consistent with its writes).
type Tracker struct {
	mu   sync.Mutex
	path string
	doc  Manifest
}

// New creates a fresh manifest for a newly materialized job, in state
// prepared, and writes it to path.
func New(path, jobID, workflow string, now time.Time) (*Tracker, error) {
	t := &Tracker{
		path: path,
		doc: Manifest{
			JobID:     jobID,
			State:     StatePrepared,
			Workflow:  workflow,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	if err := t.save(); err != nil {
		return nil, err
	}
	return t, nil
}

// Load reads an existing manifest.json.
func Load(path string) (*Tracker, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, perr.Wrap(perr.ConfigError, "", err)
	}
	var doc Manifest
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, perr.Wrap(perr.ValidationError, "", fmt.Errorf("corrupt manifest at %s: %w", path, err))
	}
	return &Tracker{path: path, doc: doc}, nil
}

// Snapshot returns a copy of the current manifest document.
func (t *Tracker) Snapshot() Manifest {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := t.doc
	cp.Stages = append([]StageRecord(nil), t.doc.Stages...)
	return cp
}

// State returns the job's current lifecycle state.
func (t *Tracker) State() JobState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.State
}

// SetState transitions the job's lifecycle state and persists it.
func (t *Tracker) SetState(state JobState, now time.Time) error {
	t.mu.Lock()
	t.doc.State = state
	t.doc.UpdatedAt = now
	t.mu.Unlock()
	return t.save()
}

// AddCost accumulates a per-stage cost event into the job's running total.
func (t *Tracker) AddCost(usd float64, now time.Time) error {
	t.mu.Lock()
	t.doc.CumulativeCostUSD += usd
	t.doc.UpdatedAt = now
	t.mu.Unlock()
	return t.save()
}

// StartStage appends a new running stage record, marking any prior record
// for the same stage name superseded. Returns the index of the new record
// for use with Finalize.
func (t *Tracker) StartStage(name string, order int, env string, params map[string]string, now time.Time) (int, error) {
	t.mu.Lock()
	for i := range t.doc.Stages {
		if t.doc.Stages[i].Name == name && !t.doc.Stages[i].Superseded {
			t.doc.Stages[i].Superseded = true
		}
	}
	t.doc.Stages = append(t.doc.Stages, StageRecord{
		Name: name, Order: order, Env: env,
		StartedAt: now, Status: StageRunning, Parameters: params,
	})
	idx := len(t.doc.Stages) - 1
	t.doc.UpdatedAt = now
	t.mu.Unlock()
	return idx, t.save()
}

// RegisterArtifact records a produced or consumed artifact against the
// in-flight stage record at idx. isOutput distinguishes the inputs and
// outputs lists; hashes are expected to already be computed (lazy hashing
// at finalization is the stage-side helper's responsibility; the tracker
// here just persists what it's given).
func (t *Tracker) RegisterArtifact(idx int, a Artifact, isOutput bool) error {
	t.mu.Lock()
	if idx < 0 || idx >= len(t.doc.Stages) {
		t.mu.Unlock()
		return perr.New(perr.ValidationError, "stage record index out of range")
	}
	rec := &t.doc.Stages[idx]
	if isOutput {
		rec.Outputs = append(rec.Outputs, a)
	} else {
		rec.Inputs = append(rec.Inputs, a)
	}
	t.mu.Unlock()
	return t.save()
}

// Finalize writes the terminal status for the stage record at idx.
// Finalization is idempotent: a second call for an already-finalized
// record is a no-op, matching the per-stage contract in spec.md §4.4.
func (t *Tracker) Finalize(idx int, status StageStatus, exitCode int, errInfo *ErrorInfo, now time.Time) error {
	t.mu.Lock()
	if idx < 0 || idx >= len(t.doc.Stages) {
		t.mu.Unlock()
		return perr.New(perr.ValidationError, "stage record index out of range")
	}
	rec := &t.doc.Stages[idx]
	if rec.finalized {
		t.mu.Unlock()
		return nil
	}
	rec.Status = status
	rec.ExitCode = exitCode
	rec.FinishedAt = now
	rec.Error = errInfo
	rec.finalized = true
	t.doc.UpdatedAt = now
	t.mu.Unlock()
	return t.save()
}

// LatestRecord returns the most recent (non-superseded) record for a stage,
// if any.
func (t *Tracker) LatestRecord(name string) (StageRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.doc.Stages) - 1; i >= 0; i-- {
		if t.doc.Stages[i].Name == name {
			return t.doc.Stages[i], true
		}
	}
	return StageRecord{}, false
}

// save writes the manifest atomically: marshal, write to a temp file in the
// same directory, then rename over the target. The same-directory temp file
// guarantees the rename is on the same filesystem (and thus atomic).
func (t *Tracker) save() error {
	raw, err := json.MarshalIndent(t.doc, "", "  ")
	if err != nil {
		return perr.Wrap(perr.ValidationError, "", err)
	}
	dir := filepath.Dir(t.path)
	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return perr.Wrap(perr.ConfigError, "", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return perr.Wrap(perr.ConfigError, "", err)
	}
	if err := tmp.Close(); err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	return nil
}
