// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the daemon configuration, loaded from HCL.
type Config struct {
	LogLevel  string `hcl:"log_level,optional"`
	LogFormat string `hcl:"log_format,optional"`

	ResolvConf string `hcl:"resolv_conf,optional"`

	// Hostname is the administrator-configured hostname; empty
	// leaves the decision to the policy ladder.
	Hostname string `hcl:"hostname,optional"`

	DisableDispatcher bool `hcl:"disable_dispatcher,optional"`
	DisableFirewall   bool `hcl:"disable_firewall,optional"`

	MetricsListen string `hcl:"metrics_listen,optional"`

	Connections []ConnectionConfig `hcl:"connection,block"`
}

// ConnectionConfig declares one stored connection profile.
type ConnectionConfig struct {
	ID          string   `hcl:"id,label"`
	UUID        string   `hcl:"uuid,optional"`
	Type        string   `hcl:"type"`
	Master      string   `hcl:"master,optional"`
	Secondaries []string `hcl:"secondaries,optional"`
	Autoconnect bool     `hcl:"autoconnect,optional"`
	Priority    int      `hcl:"priority,optional"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		LogLevel:   "info",
		LogFormat:  "text",
		ResolvConf: "/etc/resolv.conf",
	}
}

// LoadConfig reads path if present, falling back to defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ResolvConf == "" {
		cfg.ResolvConf = "/etc/resolv.conf"
	}
	return cfg, nil
}
