// Package job implements the Job Manager: collision-free job_id allocation,
// job directory materialization, and the all-or-nothing atomicity spec.md
// §4.6 requires — initialization either produces a fully usable job
// directory or none at all.
package job

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/lockfile"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/manifest"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"

	log "github.com/sirupsen/logrus"
)

// Config captures the choices prepare-job captures at job-creation time
// (spec.md §3, "essential attributes").
type Config struct {
	Workflow           string   `json:"workflow"`
	SourceLanguage     string   `json:"source_language"`
	TargetLanguages    []string `json:"target_languages"`
	SourceMedia        string   `json:"source_media"`
	SourceIsURL        bool     `json:"source_is_url"`
	// SourceURL records the original YouTube/Vimeo URL when SourceMedia was
	// resolved from one by prepare-job's download cache, for provenance
	// only; SourceMedia/SourceIsURL always describe the locally-materialized
	// file the rest of the pipeline uses.
	SourceURL string `json:"source_url,omitempty"`
	ClipStart          string   `json:"clip_start,omitempty"`
	ClipEnd            string   `json:"clip_end,omitempty"`
	NoSourceSeparation bool     `json:"no_source_separation"`
	User               string   `json:"user"`
	TMDBTitle          string   `json:"tmdb_title,omitempty"`
	TMDBYear           int      `json:"tmdb_year,omitempty"`
	CostCeilingUSD     float64  `json:"cost_ceiling_usd,omitempty"`
}

// Job is a materialized job directory plus its identity.
type Job struct {
	ID     string
	Dir    string
	Config Config
}

// Manager allocates job ids and materializes job directories under a
// pipeline home.
type Manager struct {
	Home string
}

// New builds a Manager rooted at home (spec.md's `out/` lives at
// <home>/out).
func New(home string) *Manager {
	return &Manager{Home: home}
}

// allocate picks the next collision-free seq for (date, user) by scanning
// the destination directory under a lock file, per spec.md §4.6.
func (m *Manager) allocate(user string, now time.Time) (jobID, dir string, err error) {
	dateDir := filepath.Join(m.Home, "out", now.Format("2006"), now.Format("01"), now.Format("02"), user)
	if err := os.MkdirAll(dateDir, 0o755); err != nil {
		return "", "", perr.Wrap(perr.ConfigError, "", err)
	}

	lockPath := filepath.Join(dateDir, ".alloc.lock")
	lock, err := lockfile.AcquireBlocking(lockPath)
	if err != nil {
		return "", "", perr.Wrap(perr.ConfigError, "", fmt.Errorf("acquiring job allocation lock: %w", err))
	}
	defer lock.Release()

	entries, err := os.ReadDir(dateDir)
	if err != nil {
		return "", "", perr.Wrap(perr.ConfigError, "", err)
	}
	seq := 1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var n int
		if _, scanErr := fmt.Sscanf(e.Name(), "%d", &n); scanErr == nil && n >= seq {
			seq = n + 1
		}
	}

	seqStr := fmt.Sprintf("%03d", seq)
	jobID = fmt.Sprintf("job-%s-%s-%s", now.Format("20060102"), user, seqStr)
	dir = filepath.Join(dateDir, seqStr)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", "", perr.Wrap(perr.ConfigError, "", err)
	}
	return jobID, dir, nil
}

// Prepare materializes a new job directory: allocates the job id, creates
// the logs and 01_demux subdirectories, hard-links (or, failing that,
// copies) local source media, writes job.json, a per-job .env holding only
// JOB_ID (no merged parameters), and the initial manifest. On any failure the partially created
// directory is removed.
func (m *Manager) Prepare(cfg Config, now time.Time) (job *Job, err error) {
	jobID, dir, err := m.allocate(cfg.User, now)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			os.RemoveAll(dir)
		}
	}()

	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return nil, perr.Wrap(perr.ConfigError, "", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "01_demux"), 0o755); err != nil {
		return nil, perr.Wrap(perr.ConfigError, "", err)
	}

	if !cfg.SourceIsURL {
		if err := materializeSource(cfg.SourceMedia, dir); err != nil {
			return nil, err
		}
	}

	if err := writeJobJSON(dir, jobID, cfg); err != nil {
		return nil, err
	}

	envPath := filepath.Join(dir, fmt.Sprintf(".job-%s.env", jobID))
	if err := os.WriteFile(envPath, []byte(fmt.Sprintf("JOB_ID=%s\n", jobID)), 0o644); err != nil {
		return nil, perr.Wrap(perr.ConfigError, "", err)
	}

	manifestPath := filepath.Join(dir, "manifest.json")
	if _, err := manifest.New(manifestPath, jobID, cfg.Workflow, now); err != nil {
		return nil, err
	}

	success = true
	log.WithFields(log.Fields{"job_id": jobID, "dir": dir}).Info("job directory materialized")
	return &Job{ID: jobID, Dir: dir, Config: cfg}, nil
}

// materializeSource hard-links (falling back to copy across filesystems)
// the source media into 01_demux's expected input location.
func materializeSource(src, jobDir string) error {
	if _, err := os.Stat(src); err != nil {
		return perr.Wrap(perr.MissingInput, "", fmt.Errorf("source media %s: %w", src, err))
	}
	dst := filepath.Join(jobDir, "01_demux", "source"+filepath.Ext(src))
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return perr.Wrap(perr.MissingInput, "", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	return nil
}

func writeJobJSON(dir, jobID string, cfg Config) error {
	doc := struct {
		JobID string `json:"job_id"`
		Config
	}{JobID: jobID, Config: cfg}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "job.json"), raw, 0o644); err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	return nil
}

// Load reads back a prepared job's job.json.
func Load(dir string) (*Job, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "job.json"))
	if err != nil {
		return nil, perr.Wrap(perr.ConfigError, "", err)
	}
	var doc struct {
		JobID string `json:"job_id"`
		Config
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, perr.Wrap(perr.ValidationError, "", err)
	}
	return &Job{ID: doc.JobID, Dir: dir, Config: doc.Config}, nil
}
