package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Config is built once at process start and handed to every component
// that needs it. Nothing reads the environment after startup.
type Config struct {
	NodeName  string          `json:"node_name"`
	KeyFile   string          `json:"key_file"`
	Transport TransportConfig `json:"transport"`
	HTTP      HTTPConfig      `json:"http"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
}

type TransportConfig struct {
	ListenAddress string   `json:"listen_address"`
	Bootstrap     []string `json:"bootstrap,omitempty"`
	Announce      []string `json:"announce,omitempty"`
	Topics        []string `json:"topics,omitempty"`
}

type HTTPConfig struct {
	Address string `json:"address"`
}

type DispatchConfig struct {
	MaxDepth int `json:"max_depth,omitempty"`
}

// Default returns a runnable single-node configuration.
func Default() *Config {
	return &Config{
		NodeName: "synapse",
		KeyFile:  "./data/identity.json",
		Transport: TransportConfig{
			ListenAddress: ":7420",
		},
		HTTP: HTTPConfig{
			Address: ":8420",
		},
	}
}

// Load reads a JSON config file, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SYNAPSE_NODE_NAME"); v != "" {
		c.NodeName = v
	}
	if v := os.Getenv("SYNAPSE_KEY_FILE"); v != "" {
		c.KeyFile = v
	}
	if v := os.Getenv("SYNAPSE_LISTEN_ADDRESS"); v != "" {
		c.Transport.ListenAddress = v
	}
	if v := os.Getenv("SYNAPSE_HTTP_ADDRESS"); v != "" {
		c.HTTP.Address = v
	}
	if v := os.Getenv("SYNAPSE_BOOTSTRAP"); v != "" {
		c.Transport.Bootstrap = splitList(v)
	}
	if v := os.Getenv("SYNAPSE_ANNOUNCE"); v != "" {
		c.Transport.Announce = splitList(v)
	}
}

// Validate catches the configuration errors that must stop startup.
// Bootstrap addresses are not validated here: a malformed entry is skipped
// with a warning at seed time, it does not abort the node.
func (c *Config) Validate() error {
	if c.KeyFile == "" {
		return fmt.Errorf("key_file is required")
	}
	if c.Transport.ListenAddress == "" {
		return fmt.Errorf("transport.listen_address is required")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("http.address is required")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
