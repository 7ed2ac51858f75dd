// Package cost implements the Cost Tracker: per-stage cost reporting,
// per-job and per-user monthly running totals, budget gates at 80%/100% of
// the monthly ceiling, and a pre-run estimator.
package cost

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/lockfile"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"
)

// Event is one stage's cost report: (service, units, unit_cost) per
// spec.md §4.9. A local-only stage reports zero units.
type Event struct {
	JobID     string    `json:"job_id"`
	User      string    `json:"user"`
	Stage     string    `json:"stage"`
	Service   string    `json:"service"`
	Units     float64   `json:"units"`
	UnitCost  float64   `json:"unit_cost"`
	Timestamp time.Time `json:"timestamp"`
}

// TotalUSD is the event's cost in USD.
func (e Event) TotalUSD() float64 { return e.Units * e.UnitCost }

// Mirror is an optional secondary sink for cost events (the Postgres
// ledger mirror, internal/cost/ledger_pg.go). The JSON ledger file remains
// authoritative regardless of mirror success.
type Mirror interface {
	Record(Event) error
}

// Tracker persists cost events to a per-user, per-month append-only JSON
// ledger and mirrors them opportunistically.
type Tracker struct {
	Root   string // <pipeline_home>/users
	Mirror Mirror
}

// New builds a Tracker rooted at usersRoot.
func New(usersRoot string, mirror Mirror) *Tracker {
	return &Tracker{Root: usersRoot, Mirror: mirror}
}

func (t *Tracker) ledgerPath(user string, ts time.Time) string {
	return filepath.Join(t.Root, user, fmt.Sprintf("cost_ledger_%s.jsonl", ts.Format("2006-01")))
}

// Report appends event to the user's monthly ledger under an advisory file
// lock (spec.md §5, "per-user file writes are guarded by an OS-level
// advisory lock") and mirrors it if a Mirror is configured. A mirror
// failure is logged, never returned — the JSON ledger is authoritative.
func (t *Tracker) Report(event Event) error {
	path := t.ledgerPath(event.User, event.Timestamp)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return perr.Wrap(perr.ConfigError, event.Stage, err)
	}

	lock, err := lockfile.AcquireBlocking(path + ".lock")
	if err != nil {
		return perr.Wrap(perr.ConfigError, event.Stage, err)
	}
	defer lock.Release()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return perr.Wrap(perr.ConfigError, event.Stage, err)
	}
	defer f.Close()

	raw, err := json.Marshal(event)
	if err != nil {
		return perr.Wrap(perr.ConfigError, event.Stage, err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return perr.Wrap(perr.ConfigError, event.Stage, err)
	}

	if t.Mirror != nil {
		if err := t.Mirror.Record(event); err != nil {
			log.WithError(err).WithField("job_id", event.JobID).Warn("cost ledger mirror write failed")
		}
	}
	return nil
}

// MonthlyTotal sums every event in the user's ledger for the given month
// (format "2006-01").
func (t *Tracker) MonthlyTotal(user, month string) (float64, error) {
	path := filepath.Join(t.Root, user, fmt.Sprintf("cost_ledger_%s.jsonl", month))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, perr.Wrap(perr.ConfigError, "", err)
	}
	defer f.Close()

	var total float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		total += e.TotalUSD()
	}
	return total, scanner.Err()
}

// Events returns every ledger entry for the user's month, for xlsx export.
func (t *Tracker) Events(user, month string) ([]Event, error) {
	path := filepath.Join(t.Root, user, fmt.Sprintf("cost_ledger_%s.jsonl", month))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, perr.Wrap(perr.ConfigError, "", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

// CheckBudget enforces the 80%/100% gates against ceiling given the
// current monthly total and a proposed additional cost. At 80% it warns
// and allows; at or past 100% it refuses with BudgetExceeded unless
// override is set.
func CheckBudget(ceiling, currentTotal, proposed float64, override bool) error {
	if ceiling <= 0 {
		return nil // no ceiling configured, nothing to enforce
	}
	projected := currentTotal + proposed
	utilization := projected / ceiling

	if utilization >= 1.0 {
		if override {
			log.WithFields(log.Fields{
				"ceiling": ceiling, "projected": projected,
			}).Warn("budget ceiling exceeded, proceeding due to override")
			return nil
		}
		return perr.New(perr.BudgetExceeded, fmt.Sprintf(
			"projected cost %.4f would exceed monthly ceiling %.4f", projected, ceiling))
	}
	if utilization >= 0.80 {
		log.WithFields(log.Fields{
			"ceiling": ceiling, "projected": projected, "utilization": utilization,
		}).Warn("approaching monthly budget ceiling")
	}
	return nil
}

// Estimate forecasts a pre-run cost from media duration, workflow shape,
// and model selections. Rates are compiled-in per-minute heuristics; they
// are deliberately coarse — the estimator's contract is "cheaper than
// running the stage", not precision.
func Estimate(workflow string, durationSeconds float64, modelSelections map[string]string) float64 {
	minutes := durationSeconds / 60.0
	var total float64
	switch workflow {
	case "transcribe":
		total += minutes * rate(modelSelections, "asr.model", defaultASRRates)
	case "translate":
		total += minutes * rate(modelSelections, "asr.model", defaultASRRates)
		total += minutes * rate(modelSelections, "translation.model", defaultTranslationRates)
	case "subtitle":
		total += minutes * rate(modelSelections, "asr.model", defaultASRRates)
		total += minutes * rate(modelSelections, "translation.model", defaultTranslationRates)
		total += minutes * tmdbRate
	}
	return total
}

const tmdbRate = 0.001 // USD/minute, flat metadata lookup overhead

var defaultASRRates = map[string]float64{
	"whisperx-large": 0.01,
	"whisperx-small": 0.004,
	"":               0.01,
}

var defaultTranslationRates = map[string]float64{
	"indic": 0.006,
	"nllb":  0.002,
	"":      0.006,
}

func rate(selections map[string]string, key string, table map[string]float64) float64 {
	if r, ok := table[selections[key]]; ok {
		return r
	}
	return table[""]
}
