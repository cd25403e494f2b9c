package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/store"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect Task Records and their events",
}

// -- tasks list --

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		tasks, err := st.ListTasks(ctx, store.TaskFilter{Status: model.ParseStatus(status), Limit: limit})
		if err != nil {
			return eris.Wrap(err, "tasks list")
		}
		if len(tasks) == 0 {
			fmt.Fprintln(os.Stderr, "No tasks found.")
			return nil
		}

		formatTaskList(os.Stdout, tasks)
		return nil
	},
}

// -- tasks show --

var tasksShowCmd = &cobra.Command{
	Use:   "show <dataset-id>",
	Short: "Show a Task Record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		task, err := st.GetTask(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "tasks show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	},
}

// -- tasks events --

var tasksEventsCmd = &cobra.Command{
	Use:   "events <dataset-id>",
	Short: "List the events recorded for a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		evs, err := st.ListEvents(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "tasks events")
		}

		formatEvents(os.Stdout, evs)
		return nil
	},
}

func init() {
	tasksListCmd.Flags().String("status", "", "filter by status marker (in_queue, on_error, done, ...)")
	tasksListCmd.Flags().Int("limit", 50, "max number of tasks to display")
	tasksEventsCmd.Flags().Int("limit", 500, "max number of events to display")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksEventsCmd)
	rootCmd.AddCommand(tasksCmd)
}

// formatTaskList writes a tabular list of tasks to w.
func formatTaskList(out io.Writer, tasks []model.Task) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tRESUME\tFILE\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t----\t-------")

	for _, t := range tasks {
		file := t.FilePath
		if len(file) > 40 {
			file = "..." + file[len(file)-37:]
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.Status,
			t.ResumeMarker,
			file,
			t.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatEvents writes one line per event: time, name and sorted payload.
func formatEvents(out io.Writer, evs []model.Event) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, ev := range evs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n",
			ev.At.Format("2006-01-02 15:04:05"),
			ev.Name,
			formatPayload(ev.Payload),
		)
	}
	_ = w.Flush()
}

func formatPayload(payload map[string]any) string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, payload[k]))
	}
	return strings.Join(parts, " ")
}
