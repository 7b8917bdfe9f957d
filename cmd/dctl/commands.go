package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/mtzanidakis/dispatch/internal/agent"
	"github.com/mtzanidakis/dispatch/internal/bus"
	"github.com/mtzanidakis/dispatch/internal/resource"
	"github.com/mtzanidakis/dispatch/internal/router"
	"github.com/mtzanidakis/dispatch/internal/task"
	"github.com/spf13/cobra"
)

func newSubmitCmd(opts *options) *cobra.Command {
	var req agent.SubmitRequest
	cmd := &cobra.Command{
		Use:   "submit <description>",
		Short: "Route and dispatch a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Description = args[0]
			var d task.RoutingDecision
			raw, err := call(opts, "submit", req, &d)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd, raw)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "TASK\t%s\n", d.TaskID)
			fmt.Fprintf(w, "WORKER\t%s\n", d.Worker)
			fmt.Fprintf(w, "MODEL\t%s\n", d.Model)
			fmt.Fprintf(w, "COMPLEXITY\t%s\n", d.Complexity)
			fmt.Fprintf(w, "CONFIDENCE\t%.2f\n", d.Confidence)
			fmt.Fprintf(w, "TIMEOUT\t%dms\n", d.EstimatedTimeoutMs)
			fmt.Fprintf(w, "RATIONALE\t%s\n", d.Rationale)
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&req.WorkerHint, "worker", "", "preferred worker")
	cmd.Flags().StringVar(&req.Priority, "priority", "", "URGENT, NORMAL or BACKGROUND")
	cmd.Flags().Int64Var(&req.TimeoutMs, "timeout-ms", 0, "override the estimated timeout")
	cmd.Flags().IntVar(&req.MaxRetries, "max-retries", 0, "alternate workers to try (0 means all)")
	cmd.Flags().StringVar(&req.RequestedModel, "model", "", "FAST, DEEP or ULTRA_DEEP")
	return cmd
}

func newStartedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "started <task-id>",
		Short: "Mark a dispatched task as running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := call(opts, "started", map[string]string{"task_id": args[0]}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s started.\n", args[0])
			return nil
		},
	}
}

func newOutcomeCmd(opts *options) *cobra.Command {
	var (
		out      task.ExecutionOutcome
		failed   bool
		observed string
	)
	cmd := &cobra.Command{
		Use:   "outcome <task-id>",
		Short: "Report the outcome of a dispatched task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out.TaskID = args[0]
			out.Success = !failed
			if observed != "" {
				c, err := task.ParseComplexity(observed)
				if err != nil {
					return err
				}
				out.ObservedComplexity = &c
			}
			if _, err := call(opts, "outcome", out, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Outcome recorded for %s.\n", out.TaskID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "the task failed")
	cmd.Flags().Float64Var(&out.Quality, "quality", 1, "result quality in [0,1]")
	cmd.Flags().Float64Var(&out.ExecutionTimeMs, "time-ms", 0, "execution time in milliseconds")
	cmd.Flags().StringVar(&out.Error, "error", "", "error message")
	cmd.Flags().StringVar(&observed, "observed", "", "observed complexity")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the lifecycle record of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec agent.Record
			raw, err := call(opts, "status", map[string]string{"task_id": args[0]}, &rec)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd, raw)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "TASK\t%s\n", rec.Task.ID)
			fmt.Fprintf(w, "STATE\t%s\n", rec.State)
			if rec.Decision != nil {
				fmt.Fprintf(w, "WORKER\t%s\n", rec.Decision.Worker)
				fmt.Fprintf(w, "MODEL\t%s\n", rec.Decision.Model)
			}
			if len(rec.Tried) > 0 {
				fmt.Fprintf(w, "TRIED\t%s\n", strings.Join(rec.Tried, ", "))
			}
			if rec.Reason != "" {
				fmt.Fprintf(w, "REASON\t%s\n", rec.Reason)
			}
			fmt.Fprintf(w, "UPDATED\t%s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05"))
			return w.Flush()
		},
	}
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show orchestrator counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st agent.Stats
			raw, err := call(opts, "stats", nil, &st)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd, raw)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "SUBMITTED\t%d\n", st.Submitted)
			fmt.Fprintf(w, "DISPATCHED\t%d\n", st.Dispatched)
			fmt.Fprintf(w, "COMPLETED\t%d\n", st.Completed)
			fmt.Fprintf(w, "FAILED\t%d\n", st.Failed)
			fmt.Fprintf(w, "IN FLIGHT\t%d\n", st.InFlight)
			fmt.Fprintf(w, "BUS PUBLISHED\t%d\n", st.Bus.Published)
			fmt.Fprintf(w, "BUS EXPIRED\t%d\n", st.Bus.Expired)
			return w.Flush()
		},
	}
}

func newStatisticsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "statistics",
		Short: "Show per-worker routing scores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st router.Statistics
			raw, err := call(opts, "statistics", nil, &st)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd, raw)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "decisions: %d  outcomes: %d  success rate: %.2f\n\n",
				st.TotalDecisions, st.TotalOutcomes, st.SuccessRate)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WORKER\tTOTAL\tOK\tFAILED\tSUCCESS\tQUALITY\tAVG MS\tRELIABILITY")
			for _, s := range st.Workers {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.2f\t%.2f\t%.0f\t%.2f\n",
					s.Worker, s.Total, s.Successful, s.Failed, s.SuccessRate, s.AvgQuality,
					s.AvgExecutionTimeMs, s.Reliability)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if len(st.ByComplexity) > 0 {
				fmt.Fprintln(out)
				for _, c := range sortedKeys(st.ByComplexity) {
					fmt.Fprintf(out, "%-10s %d\n", c, st.ByComplexity[c])
				}
			}
			return nil
		},
	}
}

func newResourcesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "Show per-worker load and queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var snapshot []resource.WorkerState
			raw, err := call(opts, "resources", nil, &snapshot)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd, raw)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WORKER\tSTATUS\tLOAD\tQUEUED\tACTIVE")
			for _, ws := range snapshot {
				fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\t%d\n", ws.Worker, ws.Status, ws.Load, ws.Queued, ws.Active)
			}
			return w.Flush()
		},
	}
}

func newLogCmd(opts *options) *cobra.Command {
	var req agent.LogRequest
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the bus audit log, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var msgs []bus.Message
			raw, err := call(opts, "log", req, &msgs)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd, raw)
			}
			if len(msgs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No messages.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tPRIORITY\tSOURCE\tTARGET\tCONVERSATION")
			for _, m := range msgs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					m.CreatedAt.Format("15:04:05"), m.Type, m.Priority, m.Source, m.Target, m.ConversationID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&req.Component, "component", "", "only messages from or to this participant")
	cmd.Flags().StringVar(&req.Type, "type", "", "only messages of this type")
	cmd.Flags().IntVar(&req.Limit, "limit", 20, "maximum number of messages")
	return cmd
}

func newMetricsCmd(opts *options) *cobra.Command {
	var m resource.Metrics
	cmd := &cobra.Command{
		Use:   "metrics <worker>",
		Short: "Push a resource sample for a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m.Worker = args[0]
			if _, err := call(opts, "metrics", m, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Metrics updated for %s: load %.2f (%s).\n",
				m.Worker, m.OverallLoad(), m.Status())
			return nil
		},
	}
	cmd.Flags().Float64Var(&m.CPUPct, "cpu", 0, "CPU percent")
	cmd.Flags().Float64Var(&m.MemPct, "mem", 0, "memory percent")
	cmd.Flags().Float64Var(&m.MemMB, "mem-mb", 0, "memory in MB")
	cmd.Flags().Float64Var(&m.GPUPct, "gpu", 0, "GPU percent")
	cmd.Flags().IntVar(&m.ActiveTasks, "active", 0, "active task count")
	return cmd
}

// sortedKeys is used for deterministic map output.
func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
