package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server and database health",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient()
			if err != nil {
				return err
			}
			resp, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			if resp.Status == "healthy" {
				fmt.Println(color.GreenString("server: %s, database: %s", resp.Status, resp.Database))
			} else {
				fmt.Println(color.RedString("server: %s, database: %s", resp.Status, resp.Database))
			}
			return nil
		},
	}
}
