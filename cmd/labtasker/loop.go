package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"labtasker/internal/client"
	"labtasker/internal/doc"
)

func newLoopCmd() *cobra.Command {
	var (
		required    []string
		filterExpr  string
		workerName  string
		etaMax      string
		poll        time.Duration
		cmdTemplate string
	)
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Fetch tasks and run their commands until the queue drains",
		Long: `Registers a worker and repeatedly fetches, runs and reports tasks.

Each task runs its cmd field (or the --cmd template) through the shell with
{{ dotted.path }} placeholders resolved against the task args. Heartbeats
are sent in the background; a non-zero exit fails the task through its
retry budget.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := newClient()
			if err != nil {
				return err
			}
			extra, err := parseFilter(filterExpr)
			if err != nil {
				return err
			}
			if workerName == "" {
				workerName, _ = os.Hostname()
			}

			params := client.ParamSpecs{}
			for _, path := range required {
				params[path] = client.Required{}
			}

			opts := client.LoopOptions{
				Params:            params,
				ExtraFilter:       extra,
				WorkerName:        workerName,
				EtaMax:            etaMax,
				HeartbeatInterval: cfg.HeartbeatPeriod(),
				PollInterval:      poll,
			}
			return c.RunLoop(cmd.Context(), opts, func(ctx context.Context, job *client.JobContext) error {
				return runTaskCommand(ctx, job, cmdTemplate)
			})
		},
	}
	cmd.Flags().StringSliceVar(&required, "required", nil, "required args paths, e.g. --required model.name --required lr")
	cmd.Flags().StringVarP(&filterExpr, "filter", "f", "", "filter expression restricting which tasks to accept")
	cmd.Flags().StringVar(&workerName, "worker-name", "", "worker name (defaults to hostname)")
	cmd.Flags().StringVar(&etaMax, "eta-max", "", "per-task execution cap, e.g. 2h")
	cmd.Flags().DurationVar(&poll, "poll-interval", 0, "wait between fetches when the queue is empty (0 = exit when drained)")
	cmd.Flags().StringVar(&cmdTemplate, "cmd", "", "command template overriding the task's cmd field")
	return cmd
}

// runTaskCommand executes the task's command through the shell, teeing its
// output into the run directory.
func runTaskCommand(ctx context.Context, job *client.JobContext, override string) error {
	var cmdline string
	var err error
	if override != "" {
		cmdline, _, err = client.InterpolateCmd(override, job.Args())
	} else {
		cmdline, err = job.Cmd()
	}
	if err != nil {
		return err
	}

	job.Log.Info("running: %s", cmdline)
	execCmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	execCmd.Env = job.Env()
	execCmd.Dir = job.RunDir.Path

	logFile, err := job.RunDir.LogFile()
	if err != nil {
		return err
	}
	defer logFile.Close()
	execCmd.Stdout = io.MultiWriter(os.Stdout, logFile)
	execCmd.Stderr = io.MultiWriter(os.Stderr, logFile)

	if err := execCmd.Run(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	job.MergeSummary(doc.Doc{"exit_code": 0})
	fmt.Println(color.GreenString("task %s completed", job.Task.TaskID))
	return nil
}
