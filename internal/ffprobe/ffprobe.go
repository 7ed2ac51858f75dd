// Package ffprobe shells out to ffprobe to recover a source media file's
// duration without running the demux stage. prepare-job (for its cost
// estimate) and run-pipeline (for stage timeouts, cost reporting and the
// media fingerprint) are its callers.
package ffprobe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// Info is the subset of ffprobe's output the orchestrator needs ahead of
// job creation.
type Info struct {
	DurationSeconds float64
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe runs ffprobe against path with a bounded timeout so a corrupt or
// unreadable file fails fast rather than hanging prepare-job.
func Probe(path string) (Info, error) {
	return ProbeContext(context.Background(), path)
}

// ProbeContext is Probe with caller-supplied cancellation.
func ProbeContext(ctx context.Context, path string) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Info{}, fmt.Errorf("ffprobe timed out probing %q", path)
		}
		return Info{}, fmt.Errorf("ffprobe failed for %q: %w", path, err)
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return Info{}, fmt.Errorf("parsing ffprobe output for %q: %w", path, err)
	}

	duration, _ := strconv.ParseFloat(probe.Format.Duration, 64)
	return Info{DurationSeconds: duration}, nil
}
