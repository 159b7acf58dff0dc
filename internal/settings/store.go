// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package settings is the connection profile store. It keeps the
// profiles, their auto-activation policy cells, and the transient
// hostname proxy, and fans out change events to subscribers.
package settings

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"grimm.is/connd/internal/clock"
	"grimm.is/connd/internal/logging"
)

// HostnameSetter is the proxy used to apply a transient hostname,
// normally systemd-hostnamed over D-Bus.
type HostnameSetter interface {
	SetTransientHostname(ctx context.Context, name string) error
}

// Store holds connection profiles and related process-wide settings.
type Store struct {
	logger *logging.Logger
	clock  clock.Clock

	hostnamed HostnameSetter

	connections map[string]*Connection // by UUID

	added      hookList[func(*Connection)]
	updated    hookList[func(*Connection, bool)]
	removed    hookList[func(*Connection)]
	visibility hookList[func(*Connection)]
	agent      hookList[func()]
}

// Option configures a Store.
type Option func(*Store)

// WithHostnameSetter installs the transient hostname proxy.
func WithHostnameSetter(h HostnameSetter) Option {
	return func(s *Store) { s.hostnamed = h }
}

// WithClock overrides the store clock.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// NewStore creates an empty profile store.
func NewStore(logger *logging.Logger, opts ...Option) *Store {
	s := &Store{
		logger:      logger,
		clock:       clock.System{},
		connections: make(map[string]*Connection),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddConnection creates a connection from a profile and announces it.
// An empty UUID is filled in.
func (s *Store) AddConnection(p Profile) *Connection {
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	c := &Connection{
		store:       s,
		id:          p.ID,
		uuid:        p.UUID,
		typ:         p.Type,
		master:      p.Master,
		secondaries: slices.Clone(p.Secondaries),
		autoconnect: p.Autoconnect,
		priority:    p.Priority,
		timestamp:   p.Timestamp,
		visible:     p.Visible,
		retries:     DefaultAutoconnectRetries,
	}
	s.connections[c.uuid] = c
	s.added.call(func(f func(*Connection)) { f(c) })
	return c
}

// RemoveConnection deletes a connection and announces the removal.
func (s *Store) RemoveConnection(c *Connection) {
	if _, ok := s.connections[c.uuid]; !ok {
		return
	}
	delete(s.connections, c.uuid)
	s.removed.call(func(f func(*Connection)) { f(c) })
}

// NotifyUpdated announces an edit to the connection. byUser
// distinguishes an explicit user edit from an internal write.
func (s *Store) NotifyUpdated(c *Connection, byUser bool) {
	s.updated.call(func(f func(*Connection, bool)) { f(c, byUser) })
}

// SetVisible flips a connection's visibility and announces the change.
func (s *Store) SetVisible(c *Connection, visible bool) {
	if c.visible == visible {
		return
	}
	c.visible = visible
	s.visibility.call(func(f func(*Connection)) { f(c) })
}

// AgentRegistered announces that a secret agent appeared.
func (s *Store) AgentRegistered() {
	s.agent.call(func(f func()) { f() })
}

// ConnectionByUUID looks up a stored connection.
func (s *Store) ConnectionByUUID(id string) *Connection {
	return s.connections[id]
}

// SortedConnections returns all connections ordered by autoconnect
// priority descending, ties broken by last-connected timestamp
// descending. The order is deterministic for equal keys (UUID).
func (s *Store) SortedConnections() []*Connection {
	out := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	slices.SortStableFunc(out, func(a, b *Connection) int {
		if a.priority != b.priority {
			if a.priority > b.priority {
				return -1
			}
			return 1
		}
		if !a.timestamp.Equal(b.timestamp) {
			if a.timestamp.After(b.timestamp) {
				return -1
			}
			return 1
		}
		if a.uuid < b.uuid {
			return -1
		}
		if a.uuid > b.uuid {
			return 1
		}
		return 0
	})
	return out
}

// SetTransientHostname asks the hostname proxy to apply name without
// persisting it. The callback receives ok=false when there is no proxy
// or the proxy failed, letting the caller fall back to a direct set.
func (s *Store) SetTransientHostname(name string, cb func(name string, ok bool)) {
	if s.hostnamed == nil {
		if cb != nil {
			cb(name, false)
		}
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := s.hostnamed.SetTransientHostname(ctx, name)
		if err != nil {
			s.logger.Warn("transient hostname proxy failed", "hostname", name, "error", err)
		}
		if cb != nil {
			cb(name, err == nil)
		}
	}()
}

// OnConnectionAdded registers a subscriber; the returned func cancels.
func (s *Store) OnConnectionAdded(f func(*Connection)) func() { return s.added.add(f) }

// OnConnectionUpdated registers a subscriber for edits.
func (s *Store) OnConnectionUpdated(f func(*Connection, bool)) func() { return s.updated.add(f) }

// OnConnectionRemoved registers a subscriber for removals.
func (s *Store) OnConnectionRemoved(f func(*Connection)) func() { return s.removed.add(f) }

// OnConnectionVisibilityChanged registers a subscriber for visibility
// flips.
func (s *Store) OnConnectionVisibilityChanged(f func(*Connection)) func() {
	return s.visibility.add(f)
}

// OnAgentRegistered registers a subscriber for agent registrations.
func (s *Store) OnAgentRegistered(f func()) func() { return s.agent.add(f) }
