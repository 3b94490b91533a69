package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"questlog/api/internal/schedule"
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Print the sessions the scheduler would generate",
	Example: `  plan preview --backlog backlog.yaml --start 2026-01-05 --weeks 4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("backlog")
		startRaw, _ := cmd.Flags().GetString("start")
		weeks, _ := cmd.Flags().GetInt("weeks")

		b, err := loadBacklog(path)
		if err != nil {
			return err
		}
		start, err := time.Parse("2006-01-02", startRaw)
		if err != nil {
			return fmt.Errorf("--start must be YYYY-MM-DD: %w", err)
		}
		return runPreview(cmd.OutOrStdout(), b, start, weeks)
	},
}

func runPreview(w io.Writer, b backlog, start time.Time, weeks int) error {
	sessions, err := schedule.Generate(start, weeks, b.prefs, b.items)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		_, err := fmt.Fprintln(w, "nothing to schedule")
		return err
	}

	loc, err := schedule.LoadLocation(b.prefs.Timezone)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DAY\tSTART\tEND\tITEM")
	for _, s := range sessions {
		local := s.Start.In(loc)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			local.Format("Mon 2006-01-02"),
			local.Format("15:04 MST"),
			s.End.In(loc).Format("15:04"),
			b.name(s.ItemID))
	}
	return tw.Flush()
}

func init() {
	previewCmd.Flags().String("backlog", "backlog.yaml", "Path to the backlog YAML file")
	previewCmd.Flags().String("start", time.Now().Format("2006-01-02"), "First day of the schedule (YYYY-MM-DD)")
	previewCmd.Flags().Int("weeks", 4, "Number of weeks to plan")

	rootCmd.AddCommand(previewCmd)
}
