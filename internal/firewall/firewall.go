// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall maintains zone membership for interfaces. Each zone
// is an nftables named set of interface names; rulesets elsewhere
// match on those sets. The manager announces when it (re)connects so
// observers can replay memberships.
package firewall

import (
	"fmt"

	"github.com/google/nftables"

	"grimm.is/connd/internal/logging"
)

const tableName = "connd-zones"

// Manager programs zone sets and emits a started event once the
// ruleset is reachable.
type Manager struct {
	logger *logging.Logger

	conn  *nftables.Conn
	table *nftables.Table
	sets  map[string]*nftables.Set

	// zone membership as last programmed, iface -> zone
	membership map[string]string

	running bool
	started hookList
}

// NewManager creates a disconnected manager.
func NewManager(logger *logging.Logger) *Manager {
	return &Manager{
		logger:     logger,
		sets:       make(map[string]*nftables.Set),
		membership: make(map[string]string),
	}
}

// Start connects to nftables, creates the zone table and fires the
// started event. Zone sets are created on first use by SetZone.
func (m *Manager) Start() error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("open nftables: %w", err)
	}
	m.conn = conn
	m.table = conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   tableName,
	})
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("create table %s: %w", tableName, err)
	}
	m.running = true
	m.logger.Info("firewall manager started", "table", tableName)
	m.started.call()
	return nil
}

// Running reports whether the ruleset connection is live.
func (m *Manager) Running() bool { return m.running }

// OnStarted subscribes to start announcements.
func (m *Manager) OnStarted(f func()) func() { return m.started.add(f) }

// SetZone moves iface into the named zone's set, removing it from its
// previous zone first.
func (m *Manager) SetZone(iface, zone string) error {
	if !m.running {
		return fmt.Errorf("firewall manager not started")
	}
	if prev, ok := m.membership[iface]; ok && prev != zone {
		if set := m.sets[prev]; set != nil {
			if err := m.conn.SetDeleteElements(set, ifaceElement(iface)); err != nil {
				m.logger.Warn("failed to remove interface from zone", "iface", iface, "zone", prev, "error", err)
			}
		}
	}

	set, err := m.zoneSet(zone)
	if err != nil {
		return err
	}
	if err := m.conn.SetAddElements(set, ifaceElement(iface)); err != nil {
		return fmt.Errorf("add %s to zone %s: %w", iface, zone, err)
	}
	if err := m.conn.Flush(); err != nil {
		return fmt.Errorf("flush zone update: %w", err)
	}
	m.membership[iface] = zone
	m.logger.Debug("zone membership updated", "iface", iface, "zone", zone)
	return nil
}

func (m *Manager) zoneSet(zone string) (*nftables.Set, error) {
	if set, ok := m.sets[zone]; ok {
		return set, nil
	}
	set := &nftables.Set{
		Table:   m.table,
		Name:    "zone-" + zone,
		KeyType: nftables.TypeIFName,
	}
	if err := m.conn.AddSet(set, nil); err != nil {
		return nil, fmt.Errorf("create zone set %s: %w", zone, err)
	}
	m.sets[zone] = set
	return set, nil
}

// ifname set keys are fixed 16-byte, NUL padded.
func ifaceElement(iface string) []nftables.SetElement {
	key := make([]byte, 16)
	copy(key, iface)
	return []nftables.SetElement{{Key: key}}
}

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
