package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/citystream/tripflow/internal/sink"
	"github.com/citystream/tripflow/internal/zones"
)

var zonesCmd = &cobra.Command{
	Use:   "zones <lookup-file>",
	Short: "Load the taxi-zone lookup dimension",
	Long: `Replace the taxi-zone lookup dimension from the published lookup CSV or
from the zone shapefile's attribute table (.shp; service_zone will be empty).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		path := args[0]

		var (
			rows []sink.Zone
			err  error
		)
		if strings.EqualFold(filepath.Ext(path), ".shp") {
			rows, err = zones.LoadShapefile(path)
		} else {
			rows, err = zones.LoadCSV(path)
		}
		if err != nil {
			return err
		}

		out, err := openSink(ctx)
		if err != nil {
			return err
		}
		defer out.Close()

		if err := out.ReplaceZones(ctx, rows); err != nil {
			return err
		}
		count, err := out.CountZones(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("zone dimension replaced",
			zap.String("source", path),
			zap.Int64("zones", count),
		)
		fmt.Printf("Loaded %d zones from %s\n", count, path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(zonesCmd)
}
