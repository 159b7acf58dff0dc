// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package device

// DHCPConfig is the option set received from a DHCP server, keyed by
// the canonical option name (e.g. "host_name", "domain_name").
type DHCPConfig struct {
	options map[string]string
}

// NewDHCPConfig builds a config from an option map.
func NewDHCPConfig(options map[string]string) *DHCPConfig {
	cp := make(map[string]string, len(options))
	for k, v := range options {
		cp[k] = v
	}
	return &DHCPConfig{options: cp}
}

// Option returns the named option, or "" if the server did not send it.
func (c *DHCPConfig) Option(name string) string {
	if c == nil {
		return ""
	}
	return c.options[name]
}
