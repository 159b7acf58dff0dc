// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package settings

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/connd/internal/clock"
	"grimm.is/connd/internal/logging"
)

func testStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1700000000, 0))
	logger := logging.New(logging.Config{Level: "error", Output: io.Discard})
	return NewStore(logger, WithClock(clk)), clk
}

func TestCanAutoconnect(t *testing.T) {
	s, _ := testStore(t)

	tests := []struct {
		name   string
		mutate func(*Connection)
		want   bool
	}{
		{"default profile", func(c *Connection) {}, true},
		{"invisible", func(c *Connection) { s.SetVisible(c, false) }, false},
		{"autoconnect off", func(c *Connection) { c.autoconnect = false }, false},
		{"retries exhausted", func(c *Connection) { c.SetAutoconnectRetries(0) }, false},
		{"blocked no-secrets", func(c *Connection) { c.SetBlockedReason(BlockedNoSecrets) }, false},
		{"blocked user", func(c *Connection) { c.SetBlockedReason(BlockedUserRequested) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := s.AddConnection(Profile{ID: tt.name, Type: "ethernet", Autoconnect: true, Visible: true})
			tt.mutate(c)
			assert.Equal(t, tt.want, c.CanAutoconnect())
		})
	}
}

func TestRetryDeadlineLifecycle(t *testing.T) {
	s, clk := testStore(t)
	c := s.AddConnection(Profile{ID: "a", Type: "ethernet", Autoconnect: true, Visible: true})

	require.True(t, c.AutoconnectRetryDeadline().IsZero())

	c.SetAutoconnectRetries(1)
	assert.True(t, c.AutoconnectRetryDeadline().IsZero(), "no deadline until exhausted")

	c.SetAutoconnectRetries(0)
	want := clk.Now().Add(RetryResetInterval)
	assert.Equal(t, want, c.AutoconnectRetryDeadline())

	c.ResetAutoconnectRetries()
	assert.Equal(t, DefaultAutoconnectRetries, c.AutoconnectRetries())
	assert.True(t, c.AutoconnectRetryDeadline().IsZero(), "reset clears the deadline")
}

func TestSortedConnectionsOrder(t *testing.T) {
	s, _ := testStore(t)

	older := s.AddConnection(Profile{ID: "older", Type: "ethernet", Priority: 5, Timestamp: time.Unix(1000, 0)})
	newer := s.AddConnection(Profile{ID: "newer", Type: "ethernet", Priority: 5, Timestamp: time.Unix(2000, 0)})
	top := s.AddConnection(Profile{ID: "top", Type: "ethernet", Priority: 10, Timestamp: time.Unix(1, 0)})

	got := s.SortedConnections()
	require.Len(t, got, 3)
	assert.Same(t, top, got[0], "priority dominates")
	assert.Same(t, newer, got[1], "timestamp breaks priority ties")
	assert.Same(t, older, got[2])
}

func TestSecretsClearing(t *testing.T) {
	s, _ := testStore(t)
	c := s.AddConnection(Profile{ID: "a", Type: "ethernet"})

	c.SetSecret("psk", "hunter2")
	v, ok := c.Secret("psk")
	require.True(t, ok)
	assert.Equal(t, "hunter2", v)

	c.ClearSecrets()
	_, ok = c.Secret("psk")
	assert.False(t, ok)
}

func TestStoreEvents(t *testing.T) {
	s, _ := testStore(t)

	var added, removed, updated, visibility, agents int
	s.OnConnectionAdded(func(*Connection) { added++ })
	s.OnConnectionRemoved(func(*Connection) { removed++ })
	s.OnConnectionUpdated(func(*Connection, bool) { updated++ })
	s.OnConnectionVisibilityChanged(func(*Connection) { visibility++ })
	cancel := s.OnAgentRegistered(func() { agents++ })

	c := s.AddConnection(Profile{ID: "a", Type: "ethernet", Visible: true})
	s.NotifyUpdated(c, true)
	s.SetVisible(c, false)
	s.SetVisible(c, false) // no-op
	s.RemoveConnection(c)
	s.AgentRegistered()
	cancel()
	s.AgentRegistered()

	assert.Equal(t, 1, added)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 1, visibility)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, agents, "cancelled subscriber not called")
}

func TestTransientHostnameWithoutProxy(t *testing.T) {
	s, _ := testStore(t)

	done := make(chan struct{})
	s.SetTransientHostname("host.example", func(name string, ok bool) {
		assert.Equal(t, "host.example", name)
		assert.False(t, ok, "no proxy means not applied")
		close(done)
	})
	<-done
}

func TestConnectionUUIDGenerated(t *testing.T) {
	s, _ := testStore(t)
	c := s.AddConnection(Profile{ID: "a", Type: "ethernet"})
	assert.NotEmpty(t, c.UUID())
	assert.Same(t, c, s.ConnectionByUUID(c.UUID()))
}
