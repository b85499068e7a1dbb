package main

import (
	"github.com/spf13/cobra"

	"github.com/citystream/tripflow/internal/monitoring"
	"github.com/citystream/tripflow/internal/schema"
	"github.com/citystream/tripflow/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve quality metrics over HTTP",
	Long: `Expose the stored output state over a read-only HTTP API: the quality
snapshot with threshold evaluation (/api/quality), the known schema vintages
(/api/vintages), the zone dimension size (/api/zones/count), and a health
probe (/healthz).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		addr, _ := cmd.Flags().GetString("addr")

		out, err := openSink(ctx)
		if err != nil {
			return err
		}
		defer out.Close()

		table, err := schema.LoadTable()
		if err != nil {
			return err
		}

		alerter := monitoring.NewAlerter(monitoring.Thresholds{
			MaxDuplicateRate: cfg.Monitoring.MaxDuplicateRate,
			MaxMismatchRate:  cfg.Monitoring.MaxMismatchRate,
			MaxAnomalyRate:   cfg.Monitoring.MaxAnomalyRate,
			MinRecords:       cfg.Monitoring.MinRecords,
		}, cfg.Monitoring.WebhookURL)

		return server.New(out, table, alerter, addr).Serve(ctx)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "listen address")
	rootCmd.AddCommand(serveCmd)
}
