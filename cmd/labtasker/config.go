package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"labtasker/internal/config"
	"labtasker/internal/redact"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the client configuration",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		apiBaseURL string
		queueName  string
		password   string
		heartbeat  float64
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a new client configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			cfg := &config.ClientConfig{
				APIBaseURL:        apiBaseURL,
				QueueName:         queueName,
				Password:          password,
				HeartbeatInterval: heartbeat,
			}
			if err := config.WriteClientFile(path, cfg); err != nil {
				return err
			}
			fmt.Println(color.GreenString("wrote %s", path))
			return nil
		},
	}
	cmd.Flags().StringVar(&apiBaseURL, "api-base-url", "http://localhost:9321", "server base URL")
	cmd.Flags().StringVar(&queueName, "queue", "", "queue name")
	cmd.Flags().StringVar(&password, "password", "", "queue password")
	cmd.Flags().Float64Var(&heartbeat, "heartbeat-interval", 30, "heartbeat interval in seconds")
	_ = cmd.MarkFlagRequired("queue")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return err
			}
			path, err := configPath()
			if err != nil {
				return err
			}
			fmt.Printf("config file:        %s\n", path)
			fmt.Printf("api_base_url:       %s\n", cfg.APIBaseURL)
			fmt.Printf("queue_name:         %s\n", cfg.QueueName)
			fmt.Printf("password:           %s\n", redact.Placeholder)
			fmt.Printf("heartbeat_interval: %g\n", cfg.HeartbeatInterval)
			fmt.Printf("cli_plugins:        %v\n", cfg.CLIPlugins)
			return nil
		},
	}
}
