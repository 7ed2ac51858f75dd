// Command prepare-job materializes a new job directory: it allocates a
// collision-free job id, copies or links the source media, resolves the
// workflow variant, and writes the initial manifest in state "prepared".
// It never dispatches stages — that is run-pipeline's job.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	log "github.com/sirupsen/logrus"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/cache/ytcache"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/config"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/cost"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/ffprobe"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/job"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/logging"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/profile"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/registry"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/ytdownload"
)

// Exit codes, per spec.md §6: 0 success, 2 validation error, 3 missing
// input, 4 budget/credential preflight failure.
const (
	exitOK              = 0
	exitValidation      = 2
	exitMissingInput    = 3
	exitPreflightFailed = 4
)

var (
	flagMedia              string
	flagWorkflow           string
	flagSourceLanguage     string
	flagTargetLanguages    []string
	flagStartTime          string
	flagEndTime            string
	flagEstimateOnly       bool
	flagNoSourceSeparation bool
	flagUser               string
	flagTMDBTitle          string
	flagTMDBYear           int
)

func main() {
	cmd := &cobra.Command{
		Use:   "prepare-job",
		Short: "Materialize a new pipeline job directory",
		RunE:  run,
	}

	cmd.Flags().StringVar(&flagMedia, "media", "", "source media path or URL (required)")
	cmd.Flags().StringVar(&flagWorkflow, "workflow", "", "transcribe|translate|subtitle (required)")
	cmd.Flags().StringVarP(&flagSourceLanguage, "source-language", "s", "auto", "source language code, or auto")
	cmd.Flags().StringSliceVarP(&flagTargetLanguages, "target-language", "t", nil, "target language code (repeatable)")
	cmd.Flags().StringVar(&flagStartTime, "start-time", "", "clip start, HH:MM:SS")
	cmd.Flags().StringVar(&flagEndTime, "end-time", "", "clip end, HH:MM:SS")
	cmd.Flags().BoolVar(&flagEstimateOnly, "estimate-only", false, "print a cost estimate and exit without creating a job")
	cmd.Flags().BoolVar(&flagNoSourceSeparation, "no-source-separation", false, "skip vocal/instrumental source separation")
	cmd.Flags().StringVar(&flagUser, "user", "", "owning user id (required)")
	cmd.Flags().StringVar(&flagTMDBTitle, "tmdb-title", "", "TMDB title lookup for subtitle workflow metadata")
	cmd.Flags().IntVar(&flagTMDBYear, "tmdb-year", 0, "release year to disambiguate the TMDB lookup")

	cmd.MarkFlagRequired("media")
	cmd.MarkFlagRequired("workflow")
	cmd.MarkFlagRequired("user")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitValidation)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel)

	workflow := registry.Workflow(flagWorkflow)
	switch workflow {
	case registry.Transcribe, registry.Translate, registry.Subtitle:
	default:
		log.WithField("workflow", flagWorkflow).Error("unknown workflow")
		os.Exit(exitValidation)
	}

	now := time.Now()
	sourceIsURL := isURL(flagMedia)
	sourceMedia := flagMedia
	sourceURL := ""

	if sourceIsURL {
		resolved, err := resolveOnlineSource(cfg.PipelineHome, flagMedia)
		if err != nil {
			log.WithError(err).WithField("media", flagMedia).Error("resolving online source failed")
			os.Exit(exitValidation)
		}
		sourceURL = flagMedia
		sourceMedia = resolved
		sourceIsURL = false
	}

	var duration float64
	if !sourceIsURL {
		info, err := ffprobe.Probe(sourceMedia)
		if err != nil {
			log.WithError(err).WithField("media", sourceMedia).Error("source media not readable")
			os.Exit(exitMissingInput)
		}
		duration = info.DurationSeconds
	}

	if flagEstimateOnly {
		estimate := cost.Estimate(string(workflow), duration, nil)
		fmt.Printf("estimated cost: $%.4f\n", estimate)
		return nil
	}

	profiles := profile.New(cfg.PipelineHome+"/users", cfg.DefaultMonthlyBudgetUSD)
	p, err := profiles.Load(flagUser, now)
	if err != nil {
		log.WithError(err).Error("loading user profile")
		os.Exit(exitPreflightFailed)
	}

	if workflow == registry.Subtitle && flagTMDBTitle != "" {
		if _, ok := p.Credential("tmdb"); !ok {
			log.Error("TMDB_API_KEY required when --tmdb-title is set")
			os.Exit(exitPreflightFailed)
		}
	}

	costTracker := cost.New(cfg.PipelineHome+"/users", nil)
	month := now.Format("2006-01")
	currentTotal, _ := costTracker.MonthlyTotal(flagUser, month)
	if err := cost.CheckBudget(p.BudgetCeilingUSD, currentTotal, cost.Estimate(string(workflow), duration, nil), false); err != nil {
		log.WithError(err).Error("budget preflight failed")
		os.Exit(exitPreflightFailed)
	}

	manager := job.New(cfg.PipelineHome)
	jobCfg := job.Config{
		Workflow:           string(workflow),
		SourceLanguage:     flagSourceLanguage,
		TargetLanguages:    flagTargetLanguages,
		SourceMedia:        sourceMedia,
		SourceIsURL:        sourceIsURL,
		SourceURL:          sourceURL,
		ClipStart:          flagStartTime,
		ClipEnd:            flagEndTime,
		NoSourceSeparation: flagNoSourceSeparation,
		User:               flagUser,
		TMDBTitle:          flagTMDBTitle,
		TMDBYear:           flagTMDBYear,
		CostCeilingUSD:     p.BudgetCeilingUSD,
	}

	j, err := manager.Prepare(jobCfg, now)
	if err != nil {
		log.WithError(err).Error("job preparation failed")
		os.Exit(exitValidation)
	}

	fmt.Println(j.ID)
	return nil
}

func isURL(s string) bool {
	return len(s) > 7 && (s[:7] == "http://" || (len(s) > 8 && s[:8] == "https://"))
}

// resolveOnlineSource turns a YouTube/Vimeo URL into a concrete local file
// path: a cache hit reuses a prior download (spec.md §8 scenario 5,
// "second run uses download cache"); a miss dispatches yt-dlp and caches
// the result. The returned path is treated exactly like a local file by
// the rest of job preparation.
func resolveOnlineSource(pipelineHome, mediaURL string) (string, error) {
	videoID, ok := ytcache.ExtractVideoID(mediaURL)
	if !ok {
		return "", fmt.Errorf("unrecognized online media URL: %s", mediaURL)
	}

	yt := ytcache.New(pipelineHome)
	if path, hit := yt.Lookup(videoID); hit {
		log.WithField("video_id", videoID).Info("reusing cached online download")
		return path, nil
	}

	destDir, err := yt.Dir()
	if err != nil {
		return "", err
	}

	log.WithField("video_id", videoID).Info("downloading online source")
	result, err := ytdownload.Download(context.Background(), mediaURL, destDir)
	if err != nil {
		return "", err
	}
	cached, err := yt.Path(videoID, filepath.Ext(result.Path))
	if err != nil {
		return "", err
	}
	if err := os.Rename(result.Path, cached); err != nil {
		return "", err
	}
	return cached, nil
}
