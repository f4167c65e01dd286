// labtasker is the command-line client: queue administration, task
// submission and inspection, worker management, the job loop and the live
// event stream.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"labtasker/internal/client"
	"labtasker/internal/config"
	"labtasker/internal/logging"
)

var (
	flagConfig  string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "labtasker",
		Short:         "Task queue client for lab experiment workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagVerbose {
				logging.SetDefaultLevel(logging.LevelDebug)
			} else {
				logging.SetDefaultLevel(logging.LevelWarn)
			}
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "client config file (default $LABTASKER_ROOT/client.env)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newConfigCmd(),
		newHealthCmd(),
		newQueueCmd(),
		newTaskCmd(),
		newWorkerCmd(),
		newLoopCmd(),
		newEventsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

// loadClientConfig reads the client configuration, honoring --config.
func loadClientConfig() (*config.ClientConfig, error) {
	if flagConfig != "" {
		return config.LoadClientFile(flagConfig)
	}
	return config.LoadClient()
}

// newClient builds an API client from the client configuration.
func newClient() (*client.Client, *config.ClientConfig, error) {
	cfg, err := loadClientConfig()
	if err != nil {
		return nil, nil, err
	}
	c, err := client.FromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

// configPath resolves where the client configuration lives.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	root, err := config.Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, config.ClientFileName), nil
}
