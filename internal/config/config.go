// Package config loads the scrambler JSON configuration file and fills in
// any hostname/address left blank.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
)

const DefaultPath = "/usr/local/etc/scrambler/scrambler.json"

type Connection struct {
	Group     string `json:"group"`
	Port      int    `json:"port"`
	Interface string `json:"interface"`
	Protocol  string `json:"protocol"`
}

type Auth struct {
	ClusterKey string `json:"cluster_key"`
}

type Interval struct {
	Announce int `json:"announce"`
	Update   int `json:"update"`
	Schedule int `json:"schedule"`
	Zombie   int `json:"zombie"`
}

type Policy struct {
	Name  string         `json:"name"`
	Ports map[string]int `json:"ports,omitempty"`
	Min   *int           `json:"min,omitempty"`
	Max   *int           `json:"max,omitempty"`
}

// Config is the on-disk shape of scrambler.json.
type Config struct {
	Hostname string `json:"hostname,omitempty"`
	Address  string `json:"address,omitempty"`

	Connection Connection        `json:"connection"`
	Auth       Auth              `json:"auth"`
	Interval   Interval          `json:"interval"`
	Policies   map[string]Policy `json:"policies"`
}

// Load reads and parses the configuration file at path. A missing or
// unparseable file is a fatal initialization error, so Load always
// returns a wrapped error rather than a zero-value default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: %s not found", path)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Policies == nil {
		cfg.Policies = make(map[string]Policy)
	}
	return &cfg, nil
}

// ApplyDefaults populates Hostname and Address when the file left them
// blank: Hostname from the platform node name, Address from a forward
// lookup of the hostname.
func (c *Config) ApplyDefaults() error {
	if c.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("config: resolve hostname: %w", err)
		}
		c.Hostname = hostname
	}
	if c.Address == "" {
		addrs, err := net.LookupHost(c.Hostname)
		if err != nil || len(addrs) == 0 {
			return fmt.Errorf("config: resolve address for %q: %w", c.Hostname, err)
		}
		c.Address = addrs[0]
	}
	return nil
}
