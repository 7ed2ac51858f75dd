// Command cache-janitor runs the YouTube/Vimeo download cache's eviction
// sweep on a cron schedule. It is a long-running process, meant to sit alongside
// run-pipeline --daemon rather than be invoked per-job.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	log "github.com/sirupsen/logrus"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/cache/ytcache"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/config"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/logging"
)

var flagSchedule string

func main() {
	cmd := &cobra.Command{
		Use:   "cache-janitor",
		Short: "Evict stale entries from the online download cache on a cron schedule",
		RunE:  run,
	}

	cmd.Flags().StringVar(&flagSchedule, "schedule", "", "cron expression, 6-field seconds-first (default from CACHE_JANITOR_SCHEDULE)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel)

	schedule := flagSchedule
	if schedule == "" {
		schedule = cfg.CacheJanitorSchedule
	}

	yt := ytcache.New(cfg.PipelineHome)

	sweep := func() {
		log.WithField("retention", cfg.YTCacheRetention).Info("cache janitor: starting sweep")
		yt.EvictOlderThan(cfg.YTCacheRetention)
		log.Info("cache janitor: sweep complete")
	}

	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(schedule, sweep); err != nil {
		log.WithError(err).WithField("schedule", schedule).Error("invalid cron schedule")
		os.Exit(2)
	}

	log.WithField("schedule", schedule).Info("cache janitor starting")
	c.Start()
	defer func() { <-c.Stop().Done() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("cache janitor shutting down")
	return nil
}
