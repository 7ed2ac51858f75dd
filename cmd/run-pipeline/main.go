// Command run-pipeline dispatches a prepared job's stages: it resumes from
// the last completed stage by default, invalidating and re-running anything
// downstream of a change, and optionally serves a read-only status
// dashboard while it runs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	log "github.com/sirupsen/logrus"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/api"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/archive"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/cache/baseline"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/cache/translationmem"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/cacheindex"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/config"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/cost"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/envrouter"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/ffprobe"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/job"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/jobindex"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/logging"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/orchestrator"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/paramset"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/planner"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/profile"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/registry"
)

// Exit codes per spec.md §6: 0 success, 1 stage failure, 2 validation
// error, 130 cancelled (SIGINT).
const (
	exitOK          = 0
	exitStageFailed = 1
	exitValidation  = 2
	exitCancelled   = 130
)

var (
	flagJobDir          string
	flagNoResume        bool
	flagStages          []string
	flagContinueOnError bool
	flagDaemon          bool
	flagStatusAddr      string
	flagBudgetOverride  bool
)

// compiledFallbacks pairs every stage-level parameter the registry marks
// required with a real compiled-in default, so a run that never overrides
// it still plans successfully (spec.md §8 scenario 1's golden path).
var compiledFallbacks = map[string]string{
	"asr.model":         "large-v3",
	"asr.backend":       "whisperx",
	"translation.model": "nllb",
	"subtitle.format":   "srt",
	"mux.burn_in":       "false",
}

func main() {
	cmd := &cobra.Command{
		Use:   "run-pipeline",
		Short: "Dispatch a prepared job's stages",
		RunE:  run,
	}

	cmd.Flags().StringVarP(&flagJobDir, "job", "j", "", "job directory to run (required)")
	cmd.Flags().BoolVar(&flagNoResume, "no-resume", false, "force every stage to rerun instead of resuming")
	cmd.Flags().StringSliceVar(&flagStages, "stages", nil, "restrict the run to these stages (comma-separated)")
	cmd.Flags().BoolVar(&flagContinueOnError, "continue-on-error", false, "keep running independent stages after a failure")
	cmd.Flags().BoolVar(&flagDaemon, "daemon", false, "serve the read-only status dashboard alongside the run")
	cmd.Flags().StringVar(&flagStatusAddr, "status-addr", "", "listen address for --daemon (default from STATUS_ADDR)")
	cmd.Flags().BoolVar(&flagBudgetOverride, "budget-override", false, "proceed past the monthly budget ceiling")

	cmd.MarkFlagRequired("job")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitValidation)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel)

	resume := !flagNoResume

	j, err := job.Load(flagJobDir)
	if err != nil {
		log.WithError(err).Error("loading job")
		os.Exit(exitValidation)
	}

	reg, err := registry.New()
	if err != nil {
		log.WithError(err).Error("compiling stage registry")
		os.Exit(exitValidation)
	}

	resolver := paramset.NewResolver(reg.KnownParams(), reg.RequiredParams(), compiledFallbacks)
	router := envrouter.New(cfg.EnvRoot, cfg.SnapshotSigningKey)
	profiles := profile.New(cfg.PipelineHome+"/users", cfg.DefaultMonthlyBudgetUSD)
	costTracker := cost.New(cfg.PipelineHome+"/users", maybePGMirror(cfg.PostgresDSN))

	index, err := jobindex.Open(filepath.Join(cfg.PipelineHome, "jobs.sqlite"))
	if err != nil {
		log.WithError(err).Warn("job index unavailable, dashboard listing will be empty")
	}

	mirror, err := archive.NewMirror(cfg.ArchiveS3Endpoint, "us-east-1", os.Getenv("ARCHIVE_S3_ACCESS_KEY"), os.Getenv("ARCHIVE_S3_SECRET_KEY"), cfg.ArchiveS3Bucket)
	if err != nil {
		log.WithError(err).Warn("archive mirror disabled")
	}

	cacheIdx := cacheindex.Connect(cfg.RedisURL)
	baselineCache := baseline.New(filepath.Join(cfg.PipelineHome, "cache", "baseline"), cacheIdx)
	tmCache := translationmem.New(filepath.Join(cfg.PipelineHome, "cache", "translationmem"), cacheIdx)

	orch := &orchestrator.Orchestrator{
		Registry:       reg,
		Resolver:       resolver,
		Router:         router,
		Cost:           costTracker,
		Profiles:       profiles,
		Index:          index,
		Archive:        mirror,
		Baseline:       baselineCache,
		TranslationMem: tmCache,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Warn("received interrupt, cancelling run")
		cancel()
	}()
	defer signal.Stop(sigCh)

	if flagDaemon {
		addr := flagStatusAddr
		if addr == "" {
			addr = cfg.StatusAddr
		}
		if addr == "" {
			addr = ":8090"
		}
		if index != nil {
			srv := api.New(index, filepath.Join(cfg.PipelineHome, "out"))
			go func() {
				log.WithField("addr", addr).Info("status dashboard listening")
				if err := http.ListenAndServe(addr, srv.Engine()); err != nil {
					log.WithError(err).Warn("status dashboard stopped")
				}
			}()
		}
	}

	duration := sourceDuration(j)

	stageConfig := map[string]string{"tmdb_title": j.Config.TMDBTitle}
	if j.Config.NoSourceSeparation {
		stageConfig["source_separation.enabled"] = "false"
	}

	in := planner.Input{
		Workflow:        registry.Workflow(j.Config.Workflow),
		SourceLanguage:  j.Config.SourceLanguage,
		TargetLanguages: j.Config.TargetLanguages,
		SourcePath:      filepath.Join(j.Dir, "01_demux", "source"+filepath.Ext(j.Config.SourceMedia)),
		SourceIsURL:     j.Config.SourceIsURL,
		Credentials:     credentialPresence(profiles, j.Config.User),
		Config:          stageConfig,
		JobEnvPath:      filepath.Join(j.Dir, fmt.Sprintf(".job-%s.env", j.ID)),
		SystemEnvPath:   filepath.Join(cfg.PipelineHome, "config", ".env.pipeline"),
	}

	opts := orchestrator.Options{
		Resume:          resume,
		Stages:          flagStages,
		ContinueOnError: flagContinueOnError,
		BudgetOverride:  flagBudgetOverride,
	}

	runErr := orch.Run(ctx, flagJobDir, duration, in, opts)
	if runErr != nil {
		if ctx.Err() != nil {
			os.Exit(exitCancelled)
		}
		log.WithError(runErr).Error("run failed")
		os.Exit(exitStageFailed)
	}
	return nil
}

func sourceDuration(j *job.Job) time.Duration {
	if j.Config.SourceIsURL {
		return 0
	}
	path := filepath.Join(j.Dir, "01_demux", "source"+filepath.Ext(j.Config.SourceMedia))
	info, err := ffprobe.Probe(path)
	if err != nil {
		log.WithError(err).Warn("duration probe failed, stage timeouts will use the default floor")
		return 0
	}
	return time.Duration(info.DurationSeconds * float64(time.Second))
}

func credentialPresence(profiles *profile.Store, user string) map[string]bool {
	p, err := profiles.Load(user, time.Now())
	if err != nil {
		return nil
	}
	out := map[string]bool{}
	for _, svc := range []string{"tmdb", "huggingface", "openai"} {
		_, ok := p.Credential(svc)
		out[svc] = ok
	}
	return out
}

func maybePGMirror(dsn string) cost.Mirror {
	if dsn == "" {
		return nil
	}
	m, err := cost.NewPGMirror(dsn)
	if err != nil {
		log.WithError(err).Warn("Postgres cost ledger mirror disabled")
		return nil
	}
	return m
}
