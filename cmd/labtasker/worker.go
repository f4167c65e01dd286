package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"labtasker/internal/client"
	"labtasker/internal/models"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage workers",
	}
	cmd.AddCommand(
		newWorkerCreateCmd(),
		newWorkerLsCmd(),
		newWorkerStatusCmd("suspend", "suspended", "Pause an active worker"),
		newWorkerStatusCmd("resume", "active", "Reactivate a suspended or crashed worker"),
		newWorkerDeleteCmd(),
	)
	return cmd
}

func newWorkerCreateCmd() *cobra.Command {
	var (
		name       string
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient()
			if err != nil {
				return err
			}
			workerID, err := c.CreateWorker(cmd.Context(), models.WorkerCreateRequest{
				WorkerName: name,
				MaxRetries: maxRetries,
			})
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("worker created: %s", workerID))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "worker name")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "consecutive-failure budget")
	return cmd
}

func newWorkerLsCmd() *cobra.Command {
	var (
		status     string
		filterExpr string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient()
			if err != nil {
				return err
			}
			extra, err := parseFilter(filterExpr)
			if err != nil {
				return err
			}
			resp, err := c.LsWorkers(cmd.Context(), client.LsWorkersOptions{
				Status:      status,
				ExtraFilter: extra,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(resp.Content)
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"ID", "Name", "Status", "Failures", "Created"})
			for _, w := range resp.Content {
				table.Append([]string{
					w.WorkerID,
					w.WorkerName,
					string(w.Status),
					strconv.Itoa(w.Retries) + "/" + strconv.Itoa(w.MaxRetries),
					w.CreatedAt.Format("2006-01-02 15:04:05"),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "match a worker status (active, suspended, crashed)")
	cmd.Flags().StringVarP(&filterExpr, "filter", "f", "", "filter expression")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func newWorkerStatusCmd(use, status, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <worker-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient()
			if err != nil {
				return err
			}
			w, err := c.ReportWorkerStatus(cmd.Context(), args[0], status)
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("worker %s is now %s", w.WorkerID, w.Status))
			return nil
		},
	}
}

func newWorkerDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <worker-id>",
		Short: "Delete a worker and requeue its unfinished tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient()
			if err != nil {
				return err
			}
			if err := c.DeleteWorker(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println(color.GreenString("worker %s deleted", args[0]))
			return nil
		},
	}
}
