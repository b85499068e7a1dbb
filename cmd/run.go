package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/citystream/tripflow/internal/dedupe"
	"github.com/citystream/tripflow/internal/engine"
	"github.com/citystream/tripflow/internal/enrich"
	"github.com/citystream/tripflow/internal/model"
	"github.com/citystream/tripflow/internal/reader"
	"github.com/citystream/tripflow/internal/schema"
)

var runCmd = &cobra.Command{
	Use:   "run <extract>...",
	Short: "Process monthly trip extracts",
	Long: `Process one or more monthly trip extracts through the full pipeline:
normalize, enrich, deduplicate, classify and write partitioned output streams.

Each extract's (year, month) is parsed from its file name. Re-running a file
replaces its output partition wholesale. The schema vintage is auto-detected
from the header unless --vintage pins one for all inputs.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := zap.L().With(zap.String("command", "run"))

		vintage, _ := cmd.Flags().GetString("vintage")
		feedStr, _ := cmd.Flags().GetString("feed")
		encoding, _ := cmd.Flags().GetString("encoding")

		feed := model.FeedTrip
		if feedStr == string(model.FeedAdjustment) {
			feed = model.FeedAdjustment
		} else if feedStr != "" && feedStr != string(model.FeedTrip) {
			return eris.Errorf("unknown feed %q (want trip or adjustment)", feedStr)
		}

		scope, err := dedupe.ParseScope(cfg.Engine.DedupeScope)
		if err != nil {
			return err
		}

		table, err := schema.LoadTable()
		if err != nil {
			return err
		}

		out, err := openSink(ctx)
		if err != nil {
			return err
		}
		defer out.Close()

		extracts := make([]reader.Extract, 0, len(args))
		for _, path := range args {
			extracts = append(extracts, reader.Extract{
				Path:     path,
				Vintage:  vintage,
				Feed:     feed,
				Encoding: encoding,
			})
		}

		eng := engine.New(table, out, engine.Options{
			Thresholds: enrich.Thresholds{
				FareTolerance:      cfg.Thresholds.FareTolerance,
				DistanceMax:        cfg.Thresholds.DistanceMaxMi,
				DurationMinMinutes: cfg.Thresholds.DurationMinMinutes,
				DurationMaxMinutes: cfg.Thresholds.DurationMaxMinutes,
				SpeedMaxMPH:        cfg.Thresholds.SpeedMaxMPH,
				WindowGraceDays:    cfg.Thresholds.WindowGraceDays,
			},
			ChunkSize:   cfg.Engine.ChunkSize,
			Workers:     cfg.Engine.Workers,
			DedupeScope: scope,
		})

		log.Info("starting run",
			zap.Int("extracts", len(extracts)),
			zap.String("dedupe_scope", string(scope)),
		)

		summary, runErr := eng.Run(ctx, extracts)
		if summary != nil {
			printRunSummary(summary)
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().String("vintage", "", "pin a schema vintage instead of auto-detecting (see 'tripflow vintages')")
	runCmd.Flags().String("feed", "trip", "feed kind: trip or adjustment")
	runCmd.Flags().String("encoding", "", "source charset when not UTF-8 (e.g. windows-1252)")
	rootCmd.AddCommand(runCmd)
}

func printRunSummary(s *engine.RunSummary) {
	fmt.Printf("Run %s\n", s.RunID)
	var total, clean, dups int64
	for _, es := range s.Extracts {
		if es.Err != nil {
			fmt.Printf("  %-40s FAILED: %v\n", es.Provenance.SourceFile, es.Err)
			continue
		}
		fmt.Printf("  %-40s %8d records  clean=%d admin=%d mismatch=%d anomaly=%d dup=%d  (%s)\n",
			es.Provenance.SourceFile, es.RecordsIn,
			es.Counts[model.CategoryClean],
			es.Counts[model.CategoryAdmin],
			es.Counts[model.CategoryFareMiss],
			es.Counts[model.CategoryAnomaly],
			es.Counts[model.CategoryDuplicate],
			es.Elapsed.Round(time.Millisecond),
		)
		total += es.RecordsIn
		clean += es.Counts[model.CategoryClean]
		dups += es.Counts[model.CategoryDuplicate]
	}
	fmt.Printf("Total: %d records, %d clean, %d duplicates\n", total, clean, dups)
}
