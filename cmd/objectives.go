package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwbudde/gdescent/internal/objective"
)

var objectivesCmd = &cobra.Command{
	Use:   "objectives",
	Short: "List the available objectives",
	RunE:  runObjectives,
}

func init() {
	rootCmd.AddCommand(objectivesCmd)
}

func runObjectives(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDIM\tMINIMUM\tBOX\tDESCRIPTION")
	fmt.Fprintln(w, "----\t---\t-------\t---\t-----------")

	for _, obj := range objective.All() {
		fmt.Fprintf(w, "%s\t%s\t%g\t[%g, %g]\t%s\n",
			obj.Name,
			dimRange(obj),
			obj.Minimum,
			obj.Lower,
			obj.Upper,
			obj.Description,
		)
	}

	return w.Flush()
}

func dimRange(obj *objective.Objective) string {
	switch {
	case obj.MaxDim == 0:
		return fmt.Sprintf("%d+", obj.MinDim)
	case obj.MinDim == obj.MaxDim:
		return fmt.Sprintf("%d", obj.MinDim)
	default:
		return fmt.Sprintf("%d-%d", obj.MinDim, obj.MaxDim)
	}
}
