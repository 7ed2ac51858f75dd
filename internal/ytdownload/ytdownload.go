// Package ytdownload shells out to yt-dlp to resolve a YouTube/Vimeo URL
// into a local media file before a job directory exists, mirroring
// internal/ffprobe's subprocess pattern: a bounded timeout, JSON-structured
// output parsed back into Go, no shared state between calls.
package ytdownload

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"
)

// DefaultTimeout bounds how long a single download attempt may run before
// prepare-job gives up and reports it like any other download failure
// (exit 2) rather than hanging indefinitely on a stalled connection.
const DefaultTimeout = 30 * time.Minute

// Result is what a successful download resolved to.
type Result struct {
	Path            string
	DurationSeconds float64
	Title           string
}

type ytdlpOutput struct {
	Filepath string  `json:"filepath"`
	Duration float64 `json:"duration"`
	Title    string  `json:"title"`
}

// Download fetches url into destDir, named by yt-dlp's own "%(id)s.%(ext)s"
// template, and reports the exact path it wrote via --print-json. A private
// or unavailable video surfaces as a non-nil error; the caller (prepare-job)
// maps that to the boundary behavior spec.md §6 requires: exit 2.
func Download(ctx context.Context, url, destDir string) (Result, error) {
	return DownloadContext(ctx, url, destDir, DefaultTimeout)
}

// DownloadContext is Download with a caller-supplied timeout, for tests.
func DownloadContext(ctx context.Context, url, destDir string, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	template := filepath.Join(destDir, "%(id)s.%(ext)s")
	cmd := exec.CommandContext(ctx, "yt-dlp",
		"--no-playlist",
		"--format", "bestvideo+bestaudio/best",
		"--merge-output-format", "mp4",
		"--output", template,
		"--print-json",
		"--no-simulate",
		url,
	)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, fmt.Errorf("yt-dlp timed out downloading %q", url)
		}
		return Result{}, fmt.Errorf("yt-dlp failed for %q: %w", url, err)
	}

	var parsed ytdlpOutput
	if err := json.Unmarshal(lastJSONLine(out), &parsed); err != nil {
		return Result{}, fmt.Errorf("parsing yt-dlp output for %q: %w", url, err)
	}
	if parsed.Filepath == "" {
		return Result{}, fmt.Errorf("yt-dlp reported no output file for %q", url)
	}
	return Result{Path: parsed.Filepath, DurationSeconds: parsed.Duration, Title: parsed.Title}, nil
}

// lastJSONLine returns the final line of --print-json output. yt-dlp can
// emit one JSON object per playlist entry; --no-playlist limits that to
// one, but a trailing newline or warning banner still lands on stdout, so
// taking the last non-empty line is the robust parse.
func lastJSONLine(out []byte) []byte {
	start := len(out)
	for start > 0 && out[start-1] == '\n' {
		start--
	}
	end := start
	for start > 0 && out[start-1] != '\n' {
		start--
	}
	return out[start:end]
}
