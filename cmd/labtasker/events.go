package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream the queue's state transitions live",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := newClient()
			if err != nil {
				return err
			}
			stream, err := c.SubscribeEvents(cmd.Context())
			if err != nil {
				return err
			}
			defer stream.Close()
			fmt.Println(color.CyanString("subscribed to %s (client %s)", cfg.QueueName, stream.ClientID))

			for ev := range stream.C {
				if asJSON {
					if err := printJSON(ev); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("%s #%d %s %s: %s -> %s\n",
					ev.Timestamp.Format("15:04:05"),
					ev.Sequence,
					ev.Event.EntityType,
					ev.Event.EntityID,
					colorState(ev.Event.FromState),
					colorState(ev.Event.ToState),
				)
			}
			return stream.Err()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON events")
	return cmd
}

func colorState(state string) string {
	switch state {
	case "success", "active":
		return color.GreenString(state)
	case "failed", "crashed", "cancelled":
		return color.RedString(state)
	case "running":
		return color.CyanString(state)
	case "suspended":
		return color.YellowString(state)
	default:
		return state
	}
}
