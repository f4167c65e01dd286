package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"labtasker/internal/client"
	"labtasker/internal/filter"
	"labtasker/internal/models"
	"labtasker/internal/query"
)

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect tasks",
	}
	cmd.AddCommand(
		newTaskSubmitCmd(),
		newTaskLsCmd(),
		newTaskGetCmd(),
		newTaskReportCmd(),
		newTaskResetCmd(),
		newTaskCancelCmd(),
		newTaskDeleteCmd(),
	)
	return cmd
}

// parseFilter turns a --filter expression ('priority >= 10 and
// args.model == "resnet"') into a filter document.
func parseFilter(expr string) (filter.Filter, error) {
	if expr == "" {
		return nil, nil
	}
	f, err := query.Transpile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	return f, nil
}

func newTaskSubmitCmd() *cobra.Command {
	var (
		name      string
		argsJSON  string
		metadata  string
		cmdline   string
		priority  int
		heartbeat int
		timeout   int
		retries   int
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a task to the queue",
		RunE: func(cmd *cobra.Command, cliArgs []string) error {
			c, _, err := newClient()
			if err != nil {
				return err
			}
			taskArgs, err := parseMetadata(argsJSON)
			if err != nil {
				return err
			}
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			req := models.TaskSubmitRequest{
				TaskName:         name,
				Args:             taskArgs,
				Metadata:         meta,
				HeartbeatTimeout: heartbeat,
				MaxRetries:       retries,
			}
			if cmdline != "" {
				req.Cmd = cmdline
			}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			if timeout > 0 {
				req.TaskTimeout = &timeout
			}
			taskID, err := c.SubmitTask(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("task submitted: %s", taskID))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&argsJSON, "args", "", "task args as a JSON object")
	cmd.Flags().StringVar(&metadata, "metadata", "", "task metadata as a JSON object")
	cmd.Flags().StringVar(&cmdline, "cmd", "", "command template, e.g. 'python train.py --lr {{ args.lr }}'")
	cmd.Flags().IntVar(&priority, "priority", models.PriorityMedium, "dispatch priority (higher first)")
	cmd.Flags().IntVar(&heartbeat, "heartbeat-timeout", 0, "heartbeat timeout in seconds")
	cmd.Flags().IntVar(&timeout, "task-timeout", 0, "execution timeout in seconds")
	cmd.Flags().IntVar(&retries, "max-retries", 0, "retry budget")
	return cmd
}

func newTaskLsCmd() *cobra.Command {
	var (
		taskID     string
		taskName   string
		filterExpr string
		limit      int
		offset     int
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List tasks, optionally filtered by an expression",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient()
			if err != nil {
				return err
			}
			extra, err := parseFilter(filterExpr)
			if err != nil {
				return err
			}
			resp, err := c.LsTasks(cmd.Context(), client.LsTasksOptions{
				TaskID:      taskID,
				TaskName:    taskName,
				ExtraFilter: extra,
				Limit:       limit,
				Offset:      offset,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(resp.Content)
			}
			renderTaskTable(resp.Content)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "id", "", "match one task id")
	cmd.Flags().StringVar(&taskName, "name", "", "match a task name")
	cmd.Flags().StringVarP(&filterExpr, "filter", "f", "", `filter expression, e.g. 'priority >= 10 and args.model == "resnet"'`)
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum tasks to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func renderTaskTable(tasks []models.Task) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Name", "Status", "Priority", "Retries", "Worker", "Created"})
	for _, t := range tasks {
		worker := ""
		if t.WorkerID != nil {
			worker = *t.WorkerID
		}
		table.Append([]string{
			t.TaskID,
			t.TaskName,
			string(t.Status),
			strconv.Itoa(t.Priority),
			fmt.Sprintf("%d/%d", t.Retries, t.MaxRetries),
			worker,
			t.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	table.Render()
}

func newTaskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient()
			if err != nil {
				return err
			}
			t, err := c.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}

func newTaskReportCmd() *cobra.Command {
	var summaryJSON string
	cmd := &cobra.Command{
		Use:   "report <task-id> <success|failed|cancelled>",
		Short: "Report a task outcome",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient()
			if err != nil {
				return err
			}
			summary, err := parseMetadata(summaryJSON)
			if err != nil {
				return err
			}
			t, err := c.ReportTaskStatus(cmd.Context(), args[0], models.TaskStatusReportRequest{
				Status:  args[1],
				Summary: summary,
			})
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("task %s is now %s", t.TaskID, t.Status))
			return nil
		},
	}
	cmd.Flags().StringVar(&summaryJSON, "summary", "", "summary update as a JSON object")
	return cmd
}

func newTaskResetCmd() *cobra.Command {
	var overridesJSON string
	cmd := &cobra.Command{
		Use:   "reset <task-id>",
		Short: "Requeue a task, optionally overriding fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient()
			if err != nil {
				return err
			}
			var overrides map[string]any
			if overridesJSON != "" {
				if err := json.Unmarshal([]byte(overridesJSON), &overrides); err != nil {
					return fmt.Errorf("invalid overrides JSON: %w", err)
				}
			}
			t, err := c.ResetTask(cmd.Context(), args[0], overrides)
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("task %s requeued", t.TaskID))
			return nil
		},
	}
	cmd.Flags().StringVar(&overridesJSON, "overrides", "", `field overrides as a JSON object, e.g. '{"priority": 20}'`)
	return cmd
}

func newTaskCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task that has not succeeded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient()
			if err != nil {
				return err
			}
			t, err := c.ReportTaskStatus(cmd.Context(), args[0], models.TaskStatusReportRequest{Status: "cancelled"})
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("task %s cancelled", t.TaskID))
			return nil
		},
	}
}

func newTaskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient()
			if err != nil {
				return err
			}
			if err := c.DeleteTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println(color.GreenString("task %s deleted", args[0]))
			return nil
		},
	}
}
