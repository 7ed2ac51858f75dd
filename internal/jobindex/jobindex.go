// Package jobindex maintains a derived, rebuildable SQLite index of job
// metadata for fast listing by the status dashboard. It is never
// authoritative — manifest.json always is. Open creates a missing index
// file; Rebuild re-derives the rows from manifests when a caller runs it.
package jobindex

import (
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/manifest"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"
)

// Record is one row of the derived index.
type Record struct {
	JobID     string `gorm:"primaryKey"`
	JobDir    string
	User      string `gorm:"index"`
	Workflow  string
	State     string `gorm:"index"`
	CostUSD   float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Index wraps a GORM connection to the derived SQLite file.
type Index struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite index at path and migrates
// the schema.
func Open(path string) (*Index, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:                  logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction:  true,
	})
	if err != nil {
		return nil, perr.Wrap(perr.ConfigError, "", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, perr.Wrap(perr.ConfigError, "", err)
	}
	return &Index{db: db}, nil
}

// Upsert writes (or updates) the index row derived from a manifest
// snapshot plus the user and on-disk directory it belongs to. Called
// opportunistically by the orchestrator after job state and stage changes;
// a failure here is logged by the caller and never blocks the manifest
// write it derives from.
func (idx *Index) Upsert(user, jobDir string, m manifest.Manifest) error {
	rec := Record{
		JobID:     m.JobID,
		JobDir:    jobDir,
		User:      user,
		Workflow:  m.Workflow,
		State:     string(m.State),
		CostUSD:   m.CumulativeCostUSD,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	return idx.db.Save(&rec).Error
}

// List returns job index rows, optionally filtered by user (empty = all).
func (idx *Index) List(user string) ([]Record, error) {
	var recs []Record
	q := idx.db.Order("updated_at desc")
	if user != "" {
		q = q.Where("user = ?", user)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, perr.Wrap(perr.ConfigError, "", err)
	}
	return recs, nil
}

// Get returns the index row for one job id.
func (idx *Index) Get(jobID string) (*Record, bool) {
	var rec Record
	if err := idx.db.First(&rec, "job_id = ?", jobID).Error; err != nil {
		return nil, false
	}
	return &rec, true
}

// Rebuild truncates the index and re-derives it from the manifests found
// by walk, a caller-supplied function that yields (user, manifest) pairs
// for every job directory under out/. No command in this module calls it
// at startup.
func (idx *Index) Rebuild(walk func(yield func(user, jobDir string, m manifest.Manifest) error) error) error {
	if err := idx.db.Exec("DELETE FROM records").Error; err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	return walk(idx.Upsert)
}

// Close releases the underlying connection.
func (idx *Index) Close() error {
	sqlDB, err := idx.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
