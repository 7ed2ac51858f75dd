// Command cost-report exports a user's monthly cost ledger to an xlsx
// workbook for finance reconciliation outside the pipeline itself.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	log "github.com/sirupsen/logrus"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/config"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/cost"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/logging"
)

var (
	flagUser  string
	flagMonth string
	flagOut   string
)

func main() {
	cmd := &cobra.Command{
		Use:   "cost-report",
		Short: "Export a user's monthly cost ledger to xlsx",
		RunE:  run,
	}

	cmd.Flags().StringVar(&flagUser, "user", "", "user id (required)")
	cmd.Flags().StringVar(&flagMonth, "month", time.Now().Format("2006-01"), "ledger month, YYYY-MM")
	cmd.Flags().StringVar(&flagOut, "out", "", "output xlsx path (required)")

	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("out")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel)

	tracker := cost.New(cfg.PipelineHome+"/users", nil)
	events, err := tracker.Events(flagUser, flagMonth)
	if err != nil {
		log.WithError(err).Error("reading cost ledger")
		os.Exit(1)
	}

	if err := cost.ExportXLSX(events, flagOut); err != nil {
		log.WithError(err).Error("exporting xlsx")
		os.Exit(1)
	}

	fmt.Printf("wrote %d events to %s\n", len(events), flagOut)
	return nil
}
