// Command plan previews a backlog schedule offline from a YAML file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "plan",
	Short: "Preview backlog schedules without a database",
	Long: `Plan reads a backlog file and prints what the scheduler would produce.

A backlog file looks like:

  preferences:
    weeklyBudgetMinutes: 240
    sessionLengthMinutes: 60
    timezone: America/New_York
  items:
    - id: 1
      name: Hollow Knight
      estimatedTotalMinutes: 1800
      consumedMinutes: 600
    - id: 2
      name: Outer Wilds

Items are listed highest priority first. Omit estimatedTotalMinutes when the
length is unknown.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
