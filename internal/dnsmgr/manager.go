// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dnsmgr owns the system resolver configuration. Callers
// register per-interface IP configs with a role type; the manager
// renders resolv.conf from the registry when the outermost update
// bracket closes.
package dnsmgr

import (
	"strings"

	"grimm.is/connd/internal/ipconfig"
	"grimm.is/connd/internal/logging"
)

// IPConfigType ranks a registered config's role in resolver ordering.
type IPConfigType int

const (
	// TypeDefault is a config from any activated device.
	TypeDefault IPConfigType = iota
	// TypeBestDevice is the config of the current best device.
	TypeBestDevice
	// TypeVPN is a config sourced from a VPN session; it shadows
	// everything else.
	TypeVPN
)

func (t IPConfigType) String() string {
	switch t {
	case TypeBestDevice:
		return "best-device"
	case TypeVPN:
		return "vpn"
	default:
		return "default"
	}
}

type entry struct {
	iface string
	cfg   *ipconfig.Config
	typ   IPConfigType
}

// Manager batches resolver updates and renders them.
type Manager struct {
	logger *logging.Logger
	writer Writer

	entries []entry // registration order

	hostname     string
	initHostname string

	updateDepth int
	dirty       bool

	configChanged hookList
}

// Writer receives the rendered resolver state.
type Writer interface {
	WriteResolvConf(nameservers []string, searches []string) error
}

// NewManager creates a DNS manager that renders through w. A nil
// writer is allowed; rendering is then a no-op (useful in tests).
func NewManager(logger *logging.Logger, w Writer) *Manager {
	return &Manager{logger: logger, writer: w}
}

// BeginUpdates opens an update bracket. Brackets nest; only the
// outermost EndUpdates renders.
func (m *Manager) BeginUpdates(tag string) {
	m.updateDepth++
	m.logger.Debug("begin resolver updates", "tag", tag, "depth", m.updateDepth)
}

// EndUpdates closes a bracket and renders if state changed.
func (m *Manager) EndUpdates(tag string) {
	if m.updateDepth == 0 {
		m.logger.Warn("unbalanced resolver update bracket", "tag", tag)
		return
	}
	m.updateDepth--
	if m.updateDepth == 0 && m.dirty {
		m.dirty = false
		m.render()
	}
}

// AddIP4Config registers (or re-types) an IPv4 config.
func (m *Manager) AddIP4Config(iface string, cfg *ipconfig.Config, typ IPConfigType) {
	m.add(iface, cfg, typ)
}

// AddIP6Config registers (or re-types) an IPv6 config.
func (m *Manager) AddIP6Config(iface string, cfg *ipconfig.Config, typ IPConfigType) {
	m.add(iface, cfg, typ)
}

func (m *Manager) add(iface string, cfg *ipconfig.Config, typ IPConfigType) {
	if cfg == nil {
		return
	}
	for i := range m.entries {
		if m.entries[i].cfg == cfg {
			if m.entries[i].typ != typ || m.entries[i].iface != iface {
				m.entries[i].typ = typ
				m.entries[i].iface = iface
				m.markDirty()
			}
			return
		}
	}
	m.entries = append(m.entries, entry{iface: iface, cfg: cfg, typ: typ})
	m.markDirty()
}

// RemoveIP4Config drops a registered IPv4 config by identity.
func (m *Manager) RemoveIP4Config(cfg *ipconfig.Config) { m.remove(cfg) }

// RemoveIP6Config drops a registered IPv6 config by identity.
func (m *Manager) RemoveIP6Config(cfg *ipconfig.Config) { m.remove(cfg) }

func (m *Manager) remove(cfg *ipconfig.Config) {
	if cfg == nil {
		return
	}
	for i := range m.entries {
		if m.entries[i].cfg == cfg {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			m.markDirty()
			return
		}
	}
}

// SetHostname records the system hostname; a domain part feeds the
// search list.
func (m *Manager) SetHostname(hostname string) {
	if m.hostname == hostname {
		return
	}
	m.hostname = hostname
	m.markDirty()
}

// SetInitialHostname records the hostname present before the daemon
// asserted one; used only for search-list derivation.
func (m *Manager) SetInitialHostname(hostname string) {
	m.initHostname = hostname
}

// Hostname returns the last hostname pushed by policy.
func (m *Manager) Hostname() string { return m.hostname }

// OnConfigChanged subscribes to resolver configuration changes.
func (m *Manager) OnConfigChanged(f func()) func() {
	return m.configChanged.add(f)
}

func (m *Manager) markDirty() {
	if m.updateDepth > 0 {
		m.dirty = true
		return
	}
	m.render()
}

func (m *Manager) render() {
	nameservers, searches := m.compose()
	if m.writer != nil {
		if err := m.writer.WriteResolvConf(nameservers, searches); err != nil {
			m.logger.Warn("failed to write resolver configuration", "error", err)
			return
		}
	}
	m.logger.Debug("resolver configuration updated",
		"nameservers", len(nameservers), "searches", len(searches))
	m.configChanged.call()
}

// compose flattens the registry into nameserver and search lists. VPN
// configs come first, then the best device, then the rest; duplicates
// are dropped while preserving first occurrence.
func (m *Manager) compose() (nameservers []string, searches []string) {
	seenNS := map[string]bool{}
	seenSearch := map[string]bool{}

	addEntry := func(e entry) {
		for _, ns := range e.cfg.Nameservers {
			s := ns.String()
			if !seenNS[s] {
				seenNS[s] = true
				nameservers = append(nameservers, s)
			}
		}
		for _, dom := range append(append([]string{}, e.cfg.Searches...), e.cfg.Domains...) {
			if dom != "" && !seenSearch[dom] {
				seenSearch[dom] = true
				searches = append(searches, dom)
			}
		}
	}

	for _, typ := range []IPConfigType{TypeVPN, TypeBestDevice, TypeDefault} {
		for _, e := range m.entries {
			if e.typ == typ {
				addEntry(e)
			}
		}
	}

	// The domain part of the hostname joins the search list.
	host := m.hostname
	if host == "" {
		host = m.initHostname
	}
	if i := strings.IndexByte(host, '.'); i > 0 && i < len(host)-1 {
		dom := host[i+1:]
		if !seenSearch[dom] {
			searches = append(searches, dom)
		}
	}
	return nameservers, searches
}

// hookList is a minimal ordered subscriber list.
type hookList struct {
	entries []*hookEntry
}

type hookEntry struct {
	fn      func()
	removed bool
}

func (h *hookList) add(fn func()) func() {
	e := &hookEntry{fn: fn}
	h.entries = append(h.entries, e)
	return func() { e.removed = true }
}

func (h *hookList) call() {
	snapshot := h.entries
	for _, e := range snapshot {
		if !e.removed {
			e.fn()
		}
	}
}
