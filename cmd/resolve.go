package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/steps"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <marker>",
	Short: "Show which stages a resume marker would run",
	Args:  cobra.ExactArgs(1),
	// Resolution needs no config or logger.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		formatPlan(os.Stdout, model.Status(args[0]), steps.Resolve(model.Status(args[0])))
		return nil
	},
}

func formatPlan(out io.Writer, marker model.Status, plan steps.Plan) {
	_, _ = fmt.Fprintf(out, "marker: %s\nstart:  %s\n", marker, plan.Start)
	if plan.Empty() {
		_, _ = fmt.Fprintln(out, "nothing to run")
		return
	}
	for i, s := range plan.Stages {
		_, _ = fmt.Fprintf(out, "%d. %s (%s -> %s)\n", i+1, s, s.StartMarker(), s.DoneMarker())
	}
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
