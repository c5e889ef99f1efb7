package hibernate

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// EnvConfigJSONPath is the env var pointing at a JSON config file, kept
// for parity with pkgs/config's EnvConfigJSONPath convention.
const EnvConfigJSONPath = "IMAP_HIBERNATE_CONFIG_JSON"

// Config holds the environment this core needs (spec.md §6 "Environment /
// configuration consumed").
type Config struct {
	// BaseDir is the directory holding the imap-master and admin sockets.
	BaseDir string `json:"base_dir"`
	// ListenPath is the unix socket this core itself listens on for
	// upstream acceptor handoffs ("imap-hibernate" socket).
	ListenPath string `json:"listen_path,omitempty"`
	// AdminPath is the unix socket accepting KICK/SHUTDOWN admin requests.
	AdminPath string `json:"admin_path,omitempty"`
	// AnvilPath, if set, is the accounting collaborator's unix socket.
	// Empty disables accounting (NullAnvil is used instead).
	AnvilPath string `json:"anvil_path,omitempty"`

	// MailLogPrefix is the %key%-templated per-session log prefix
	// (spec.md §6, expanded in logprefix.go).
	MailLogPrefix string `json:"mail_log_prefix,omitempty"`

	// ServiceName identifies this core to the accounting collaborator.
	ServiceName string `json:"service_name,omitempty"`
}

// MasterSocketPath returns the path to the imap-master control socket
// (spec.md §4.4 step 2).
func (c *Config) MasterSocketPath() string {
	return c.BaseDir + "/imap-master"
}

func (c *Config) normalizeDefaults() {
	if c.ListenPath == "" {
		c.ListenPath = c.BaseDir + "/imap-hibernate"
	}
	if c.AdminPath == "" {
		c.AdminPath = c.BaseDir + "/imap-hibernate-admin"
	}
	if c.MailLogPrefix == "" {
		c.MailLogPrefix = "imap-hibernate(%user%): "
	}
	if c.ServiceName == "" {
		c.ServiceName = "imap-hibernate"
	}
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base_dir is required")
	}
	return nil
}

// LoadConfig loads configuration the same way pkgs/config does: from the
// JSON file named by EnvConfigJSONPath.
func LoadConfig() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigJSONPath))
	if path == "" {
		return nil, fmt.Errorf("%s is not set", EnvConfigJSONPath)
	}
	return LoadConfigFile(path)
}

// LoadConfigFile loads configuration from a JSON file path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.normalizeDefaults()
	return &cfg, nil
}
