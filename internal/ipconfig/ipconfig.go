// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ipconfig holds the per-family IP configuration snapshot a
// device or VPN session exposes. Configs are compared by pointer
// identity: a changed configuration is a new *Config.
package ipconfig

import "net/netip"

// Config is one address family's configuration on a link.
type Config struct {
	// Addresses in assignment order; the first one is used for
	// reverse-hostname lookup.
	Addresses []netip.Prefix

	Gateway     netip.Addr
	Nameservers []netip.Addr
	Domains     []string
	Searches    []string

	// RouteMetric orders default-route candidates; lower wins.
	RouteMetric int

	// NeverDefault marks configs that must not become the default
	// route no matter their metric.
	NeverDefault bool
}

// FirstAddress returns the first assigned address, if any.
func (c *Config) FirstAddress() (netip.Addr, bool) {
	if c == nil || len(c.Addresses) == 0 {
		return netip.Addr{}, false
	}
	return c.Addresses[0].Addr(), true
}
