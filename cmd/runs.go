package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/headcount/internal/store"
	"github.com/andresmejia3/headcount/internal/types"
	"github.com/andresmejia3/headcount/internal/utils"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:         "runs",
	Short:       "List recorded detection runs",
	Annotations: map[string]string{dbAnnotation: dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		runs, err := DB.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			utils.ShowError("Failed to list runs", err, nil)
			return err
		}
		printRuns(os.Stdout, runs)
		return nil
	},
}

var occupancyCmd = &cobra.Command{
	Use:         "occupancy [courtId]",
	Short:       "Show the latest occupancy of every court, or of one court",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{dbAnnotation: dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()
		if len(args) == 1 {
			u, ok, err := DB.Occupancy(ctx, args[0])
			if err != nil {
				utils.ShowError("Failed to read occupancy", err, nil)
				return err
			}
			if !ok {
				return fmt.Errorf("no occupancy recorded for court %q", args[0])
			}
			printOccupancy(os.Stdout, []types.OccupancyUpdate{u})
			return nil
		}
		all, err := DB.ListOccupancy(ctx)
		if err != nil {
			utils.ShowError("Failed to list occupancy", err, nil)
			return err
		}
		printOccupancy(os.Stdout, all)
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Maximum number of runs to show")
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(occupancyCmd)
}

func printRuns(out io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tFRAMES\tPEAK\tDURATION\tMODEL\tCREATED")
	fmt.Fprintln(w, "--\t------\t------\t----\t--------\t-----\t-------")

	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			r.ID.String()[:8], r.Source, r.Frames, r.Peak(), fmtTime(r.DurationSec), r.Model,
			r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func printOccupancy(out io.Writer, updates []types.OccupancyUpdate) {
	if len(updates) == 0 {
		fmt.Fprintln(out, "No occupancy recorded yet.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "COURT\tCOUNT\tUPDATED")
	fmt.Fprintln(w, "-----\t-----\t-------")
	for _, u := range updates {
		fmt.Fprintf(w, "%s\t%d\t%s\n", u.CourtID, u.Count, u.At.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}
