// Package profile implements the User Profile Store: a per-user JSON
// record of credentials, budget ceiling, and cumulative usage, bootstrapped
// the first time a user is referenced. Stages never read this file
// directly — the orchestrator alone reads it and passes needed credentials
// through subprocess env vars (internal/envrouter).
package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/lockfile"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"
)

// Profile is one user's persisted record.
type Profile struct {
	UserID           string            `json:"user_id"`
	Credentials      map[string]string `json:"credentials"` // service name -> token
	BudgetCeilingUSD float64           `json:"budget_ceiling_usd"`
	CumulativeUsage  float64           `json:"cumulative_usage_usd"`
	HasYouTubeAuth   bool              `json:"has_youtube_account"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Store manages per-user profile files under <pipeline_home>/users.
type Store struct {
	Root                string
	DefaultBudgetCeiling float64
}

// New builds a Store rooted at usersRoot.
func New(usersRoot string, defaultBudget float64) *Store {
	return &Store{Root: usersRoot, DefaultBudgetCeiling: defaultBudget}
}

func (s *Store) path(userID string) string {
	return filepath.Join(s.Root, userID, "profile.json")
}

// Load reads a user's profile, bootstrapping a fresh one (with zero
// credentials and the store's default budget) if it doesn't exist yet.
func (s *Store) Load(userID string, now time.Time) (*Profile, error) {
	path := s.path(userID)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.bootstrap(userID, now)
		}
		return nil, perr.Wrap(perr.ConfigError, "", err)
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, perr.Wrap(perr.ValidationError, "", err)
	}
	return &p, nil
}

func (s *Store) bootstrap(userID string, now time.Time) (*Profile, error) {
	p := &Profile{
		UserID:           userID,
		Credentials:      map[string]string{},
		BudgetCeilingUSD: s.DefaultBudgetCeiling,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.save(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Credential returns the named credential, and whether it was present.
// Absence of a credential a stage requires is the planner's
// CredentialMissing signal (internal/planner).
func (p *Profile) Credential(service string) (string, bool) {
	val, ok := p.Credentials[service]
	return val, ok && val != ""
}

// SetCredential persists a credential for service under an advisory lock
// so concurrent append-style updates from different orchestrator processes
// don't race.
func (s *Store) SetCredential(userID, service, value string, now time.Time) error {
	return s.update(userID, now, func(p *Profile) {
		p.Credentials[service] = value
	})
}

// RecordUsage adds usd to the user's cumulative usage.
func (s *Store) RecordUsage(userID string, usd float64, now time.Time) error {
	return s.update(userID, now, func(p *Profile) {
		p.CumulativeUsage += usd
	})
}

func (s *Store) update(userID string, now time.Time, mutate func(*Profile)) error {
	path := s.path(userID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}

	lock, err := lockfile.AcquireBlocking(path + ".lock")
	if err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	defer lock.Release()

	p, err := s.Load(userID, now)
	if err != nil {
		return err
	}
	mutate(p)
	p.UpdatedAt = now
	return s.save(p)
}

func (s *Store) save(p *Profile) error {
	path := s.path(p.UserID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".profile-*.tmp")
	if err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return perr.Wrap(perr.ConfigError, "", err)
	}
	if err := tmp.Close(); err != nil {
		return perr.Wrap(perr.ConfigError, "", err)
	}
	return os.Rename(tmpPath, path)
}
