// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package settings

import (
	"time"
)

// BlockedReason suppresses auto-activation of a connection until the
// condition that set it is resolved.
type BlockedReason int

const (
	BlockedNone BlockedReason = iota
	BlockedNoSecrets
	BlockedUserRequested
)

func (r BlockedReason) String() string {
	switch r {
	case BlockedNoSecrets:
		return "no-secrets"
	case BlockedUserRequested:
		return "user-requested"
	default:
		return "none"
	}
}

const (
	// DefaultAutoconnectRetries is the number of consecutive failed
	// auto-activations tolerated before a connection is rested.
	DefaultAutoconnectRetries = 4

	// RetryResetInterval is how long an exhausted connection rests
	// before its retries are restored.
	RetryResetInterval = 300 * time.Second
)

// Connection is a stored network profile. The autoconnect retry
// counter, the blocked reason and the retry deadline are policy cells:
// the store owns the memory, the policy engine drives the values.
type Connection struct {
	store *Store

	id   string
	uuid string
	typ  string

	master      string
	secondaries []string

	autoconnect bool
	priority    int
	timestamp   time.Time // last successful activation

	visible bool

	retries       int
	blockedReason BlockedReason
	retryDeadline time.Time

	secrets map[string]string
}

// Profile is the immutable part of a connection used at creation time.
type Profile struct {
	ID          string
	UUID        string
	Type        string
	Master      string
	Secondaries []string
	Autoconnect bool
	Priority    int
	Timestamp   time.Time
	Visible     bool
}

func (c *Connection) ID() string            { return c.id }
func (c *Connection) UUID() string          { return c.uuid }
func (c *Connection) Type() string          { return c.typ }
func (c *Connection) Master() string        { return c.master }
func (c *Connection) Secondaries() []string { return c.secondaries }
func (c *Connection) Autoconnect() bool     { return c.autoconnect }
func (c *Connection) Priority() int         { return c.priority }
func (c *Connection) Timestamp() time.Time  { return c.timestamp }
func (c *Connection) Visible() bool         { return c.visible }

// IsType reports whether the profile is of the named type ("vpn",
// "ethernet", ...).
func (c *Connection) IsType(typ string) bool { return c.typ == typ }

// AutoconnectRetries returns the remaining auto-activation attempts.
func (c *Connection) AutoconnectRetries() int { return c.retries }

// SetAutoconnectRetries sets the remaining attempts. Reaching zero
// stamps the retry deadline so the reset timer knows when to restore
// the connection.
func (c *Connection) SetAutoconnectRetries(retries int) {
	c.retries = retries
	if retries == 0 {
		c.retryDeadline = c.store.clock.Now().Add(RetryResetInterval)
	}
}

// ResetAutoconnectRetries restores the default attempt budget and
// clears the retry deadline.
func (c *Connection) ResetAutoconnectRetries() {
	c.retries = DefaultAutoconnectRetries
	c.retryDeadline = time.Time{}
}

// AutoconnectRetryDeadline returns when the retries may be restored;
// the zero time means no deadline is pending.
func (c *Connection) AutoconnectRetryDeadline() time.Time { return c.retryDeadline }

// BlockedReason returns the current auto-activation suppression.
func (c *Connection) BlockedReason() BlockedReason { return c.blockedReason }

// SetBlockedReason records why auto-activation is suppressed.
func (c *Connection) SetBlockedReason(reason BlockedReason) { c.blockedReason = reason }

// CanAutoconnect reports whether the connection is a candidate for
// auto-activation right now.
func (c *Connection) CanAutoconnect() bool {
	return c.visible &&
		c.autoconnect &&
		c.retries != 0 &&
		c.blockedReason == BlockedNone
}

// SetSecret stores a secret obtained from an agent.
func (c *Connection) SetSecret(key, value string) {
	if c.secrets == nil {
		c.secrets = make(map[string]string)
	}
	c.secrets[key] = value
}

// Secret looks up a cached secret.
func (c *Connection) Secret(key string) (string, bool) {
	v, ok := c.secrets[key]
	return v, ok
}

// ClearSecrets drops all cached secrets so the next activation
// re-requests them from the agents.
func (c *Connection) ClearSecrets() { c.secrets = nil }

// TouchTimestamp records a successful activation now.
func (c *Connection) TouchTimestamp() { c.timestamp = c.store.clock.Now() }
