package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"labtasker/internal/redact"
)

// ClientFileName is the client configuration file under the labtasker root.
const ClientFileName = "client.env"

// ClientConfig holds the workstation-side settings: which server to talk
// to, which queue to authenticate as, and how the job loop behaves.
type ClientConfig struct {
	APIBaseURL        string   `mapstructure:"api_base_url"`
	QueueName         string   `mapstructure:"queue_name"`
	Password          string   `mapstructure:"password"`
	HeartbeatInterval float64  `mapstructure:"heartbeat_interval"` // seconds
	CLIPlugins        []string `mapstructure:"cli_plugins"`
}

// HeartbeatPeriod returns the heartbeat interval as a duration, defaulting
// to 30 seconds when unset.
func (c *ClientConfig) HeartbeatPeriod() time.Duration {
	if c.HeartbeatInterval <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HeartbeatInterval * float64(time.Second))
}

// Root resolves the labtasker root directory: $LABTASKER_ROOT, or
// ~/.labtasker.
func Root() (string, error) {
	if root := os.Getenv("LABTASKER_ROOT"); root != "" {
		return root, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".labtasker"), nil
}

// LoadClient reads the client configuration from <root>/client.env. The
// queue password is registered with the redaction scrubber so it never
// appears in logs or tracebacks.
func LoadClient() (*ClientConfig, error) {
	root, err := Root()
	if err != nil {
		return nil, err
	}
	return LoadClientFile(filepath.Join(root, ClientFileName))
}

// LoadClientFile reads a client configuration from an explicit path.
func LoadClientFile(path string) (*ClientConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read client config %s: %w", path, err)
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse client config %s: %w", path, err)
	}
	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("client config %s: api_base_url is required", path)
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("client config %s: queue_name is required", path)
	}

	redact.Register(cfg.Password)
	return &cfg, nil
}

// WriteClientFile writes a client configuration in TOML form, creating the
// parent directory when missing. The file carries the queue password, so it
// is not group or world readable.
func WriteClientFile(path string, cfg *ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	var plugins string
	for i, p := range cfg.CLIPlugins {
		if i > 0 {
			plugins += ", "
		}
		plugins += fmt.Sprintf("%q", p)
	}
	content := fmt.Sprintf(
		"api_base_url = %q\nqueue_name = %q\npassword = %q\nheartbeat_interval = %g\ncli_plugins = [%s]\n",
		cfg.APIBaseURL, cfg.QueueName, cfg.Password, cfg.HeartbeatInterval, plugins)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write client config: %w", err)
	}
	return nil
}
