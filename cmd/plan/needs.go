package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"questlog/api/internal/schedule"
)

var needsCmd = &cobra.Command{
	Use:   "needs",
	Short: "Print how many sessions each backlog item still needs",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("backlog")
		b, err := loadBacklog(path)
		if err != nil {
			return err
		}
		return runNeeds(cmd.OutOrStdout(), b)
	},
}

func runNeeds(w io.Writer, b backlog) error {
	perWeek := b.prefs.SessionsPerWeek()
	total := 0

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tITEM\tSESSIONS")
	for _, item := range b.items {
		n := schedule.SessionsNeeded(item, b.prefs.SessionLengthMinutes)
		total += n
		label := fmt.Sprint(n)
		if item.EstimatedTotalMinutes == nil {
			label += " (unknown length)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", item.ID, item.Name, label)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if perWeek == 0 {
		_, err := fmt.Fprintf(w, "total %d sessions; weekly budget fits none\n", total)
		return err
	}
	_, err := fmt.Fprintf(w, "total %d sessions, %d per week, about %d weeks\n", total, perWeek, (total+perWeek-1)/perWeek)
	return err
}

func init() {
	needsCmd.Flags().String("backlog", "backlog.yaml", "Path to the backlog YAML file")

	rootCmd.AddCommand(needsCmd)
}
