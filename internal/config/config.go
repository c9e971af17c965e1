package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the process-level configuration of a raftd node. Timing fields
// are in milliseconds so a config file stays plain JSON numbers.
type Config struct {
	NodeID     string            `json:"node_id"`
	ListenAddr string            `json:"listen_addr"`
	Peers      map[string]string `json:"peers"` // id -> base URL, not including self
	DataDir    string            `json:"data_dir"`

	ElectionTimeoutMs    int `json:"election_timeout_ms"`
	HeartbeatIntervalMs  int `json:"heartbeat_interval_ms"`
	MaxEntriesPerRequest int `json:"max_entries_per_request"`
}

func Default() Config {
	return Config{
		ListenAddr:           ":8300",
		DataDir:              "data",
		ElectionTimeoutMs:    150,
		HeartbeatIntervalMs:  50,
		MaxEntriesPerRequest: 64,
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if _, ok := c.Peers[c.NodeID]; ok {
		return fmt.Errorf("config: peers must not include the local node %q", c.NodeID)
	}
	if c.ElectionTimeoutMs <= 0 {
		return fmt.Errorf("config: election_timeout_ms must be positive, got %d", c.ElectionTimeoutMs)
	}
	if c.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("config: heartbeat_interval_ms must be positive, got %d", c.HeartbeatIntervalMs)
	}
	if c.HeartbeatIntervalMs >= c.ElectionTimeoutMs {
		return fmt.Errorf("config: heartbeat interval %dms must be below election timeout %dms",
			c.HeartbeatIntervalMs, c.ElectionTimeoutMs)
	}
	if c.MaxEntriesPerRequest <= 0 {
		return fmt.Errorf("config: max_entries_per_request must be positive, got %d", c.MaxEntriesPerRequest)
	}
	return nil
}

func (c Config) ElectionTimeout() time.Duration {
	return time.Duration(c.ElectionTimeoutMs) * time.Millisecond
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}
