package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/citystream/tripflow/internal/schema"
)

var vintagesCmd = &cobra.Command{
	Use:   "vintages",
	Short: "List known schema vintages",
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := schema.LoadTable()
		if err != nil {
			return err
		}
		for _, name := range table.Names() {
			v, err := table.Lookup(name)
			if err != nil {
				return err
			}
			fmt.Printf("%-18s %3d columns  %s\n", v.Name, len(v.Columns), v.Description)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(vintagesCmd)
}
