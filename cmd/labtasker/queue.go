package main

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"labtasker/internal/doc"
	"labtasker/internal/models"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage queues",
	}
	cmd.AddCommand(newQueueCreateCmd(), newQueueGetCmd(), newQueueUpdateCmd(), newQueueDeleteCmd())
	return cmd
}

// parseMetadata decodes a --metadata JSON object flag.
func parseMetadata(raw string) (doc.Doc, error) {
	if raw == "" {
		return nil, nil
	}
	var d doc.Doc
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("invalid metadata JSON: %w", err)
	}
	return d, nil
}

func newQueueCreateCmd() *cobra.Command {
	var metadata string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create the queue named in the client configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := newClient()
			if err != nil {
				return err
			}
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			queueID, err := c.CreateQueue(cmd.Context(), models.QueueCreateRequest{
				QueueName: cfg.QueueName,
				Password:  cfg.Password,
				Metadata:  meta,
			})
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("queue %s created: %s", cfg.QueueName, queueID))
			return nil
		},
	}
	cmd.Flags().StringVar(&metadata, "metadata", "", "queue metadata as a JSON object")
	return cmd
}

func newQueueGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Show the authenticated queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient()
			if err != nil {
				return err
			}
			q, err := c.GetQueue(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(q)
		},
	}
}

func newQueueUpdateCmd() *cobra.Command {
	var (
		newName     string
		newPassword string
		metadata    string
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Rename the queue, rotate its password or merge metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient()
			if err != nil {
				return err
			}
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			q, err := c.UpdateQueue(cmd.Context(), models.QueueUpdateRequest{
				NewQueueName:   newName,
				NewPassword:    newPassword,
				MetadataUpdate: meta,
			})
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString("queue updated"))
			if newName != "" || newPassword != "" {
				fmt.Println(color.YellowString("remember to update the client configuration"))
			}
			return printJSON(q)
		},
	}
	cmd.Flags().StringVar(&newName, "new-name", "", "new queue name")
	cmd.Flags().StringVar(&newPassword, "new-password", "", "new queue password")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata update as a JSON object")
	return cmd
}

func newQueueDeleteCmd() *cobra.Command {
	var (
		yes     bool
		cascade bool
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete without --yes")
			}
			c, cfg, err := newClient()
			if err != nil {
				return err
			}
			if err := c.DeleteQueue(cmd.Context(), cascade); err != nil {
				return err
			}
			fmt.Println(color.GreenString("queue %s deleted", cfg.QueueName))
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also delete the queue's tasks and workers")
	return cmd
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
