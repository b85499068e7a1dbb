package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/citystream/tripflow/internal/monitoring"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report output quality metrics",
	Long: `Summarize stored output quality: per-category record counts, cross-cutting
QA flag counts, and derived rates. Rates are evaluated against the configured
alert thresholds; breaches are listed and, when a webhook is configured, sent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		asJSON, _ := cmd.Flags().GetBool("json")

		out, err := openSink(ctx)
		if err != nil {
			return err
		}
		defer out.Close()

		collector := monitoring.NewCollector(out)
		snap, err := collector.Collect(ctx)
		if err != nil {
			return err
		}

		alerter := monitoring.NewAlerter(monitoring.Thresholds{
			MaxDuplicateRate: cfg.Monitoring.MaxDuplicateRate,
			MaxMismatchRate:  cfg.Monitoring.MaxMismatchRate,
			MaxAnomalyRate:   cfg.Monitoring.MaxAnomalyRate,
			MinRecords:       cfg.Monitoring.MinRecords,
		}, cfg.Monitoring.WebhookURL)
		alerts := alerter.Evaluate(snap)

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(struct {
				Snapshot *monitoring.QualitySnapshot `json:"snapshot"`
				Alerts   []monitoring.Alert          `json:"alerts"`
			}{snap, alerts}); err != nil {
				return eris.Wrap(err, "report: encode json")
			}
		} else {
			printSnapshot(snap, alerts)
		}

		if len(alerts) > 0 {
			sent := alerter.SendAlerts(ctx, alerts)
			zap.L().Info("report: alerts evaluated",
				zap.Int("triggered", len(alerts)),
				zap.Int("sent", sent),
			)
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().Bool("json", false, "emit the snapshot as JSON")
	rootCmd.AddCommand(reportCmd)
}

func printSnapshot(snap *monitoring.QualitySnapshot, alerts []monitoring.Alert) {
	fmt.Printf("Records:        %d\n", snap.Total)
	fmt.Printf("  clean             %10d  (%.2f%%)\n", snap.Clean, snap.CleanRate*100)
	fmt.Printf("  admin_adjustment  %10d\n", snap.Admin)
	fmt.Printf("  fare_mismatch     %10d  (%.2f%%)\n", snap.FareMiss, snap.MismatchRate*100)
	fmt.Printf("  anomaly           %10d  (%.2f%%)\n", snap.Anomalies, snap.AnomalyRate*100)
	fmt.Printf("  duplicate         %10d  (%.2f%%)\n", snap.Duplicates, snap.DuplicateRate*100)
	fmt.Printf("QA flags:\n")
	fmt.Printf("  fare mismatch     %10d\n", snap.Mismatched)
	fmt.Printf("  adjustment        %10d\n", snap.Adjusted)

	if len(alerts) == 0 {
		fmt.Println("No quality alerts.")
		return
	}
	fmt.Printf("%d quality alert(s):\n", len(alerts))
	for _, a := range alerts {
		fmt.Printf("  [%s] %s: %s\n", a.Severity, a.Type, a.Message)
	}
}
