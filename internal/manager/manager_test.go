// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package manager

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/connd/internal/auth"
	"grimm.is/connd/internal/device"
	"grimm.is/connd/internal/logging"
	"grimm.is/connd/internal/policy"
	"grimm.is/connd/internal/settings"
)

func testManager(t *testing.T) (*Manager, *settings.Store, *logging.Logger) {
	t.Helper()
	logger := logging.New(logging.Config{Level: "error", Output: io.Discard})
	store := settings.NewStore(logger)
	return New(logger, store), store, logger
}

func TestActivateBindsActivationRequest(t *testing.T) {
	m, store, logger := testManager(t)

	dev := device.New(logger, device.Options{Name: "eth0", Type: "ethernet"})
	m.AddDevice(dev)
	dev.SetState(device.StateDisconnected, device.ReasonNone)

	conn := store.AddConnection(settings.Profile{ID: "a", Type: "ethernet", Visible: true})
	ac, err := m.ActivateConnection(conn, "", dev, auth.NewInternalSubject(), policy.ActivationFull)
	require.NoError(t, err)

	assert.Equal(t, device.StatePrepare, dev.State())
	assert.Equal(t, ac, dev.ActivationRequest())
	assert.Same(t, dev, m.ConnectionDevice(conn))
}

func TestActivateAssumeAdoptsInPlace(t *testing.T) {
	m, store, logger := testManager(t)

	dev := device.New(logger, device.Options{Name: "eth0", Type: "ethernet"})
	m.AddDevice(dev)
	dev.SetState(device.StateDisconnected, device.ReasonNone)

	conn := store.AddConnection(settings.Profile{ID: "a", Type: "ethernet", Visible: true})
	ac, err := m.ActivateConnection(conn, "", dev, auth.NewInternalSubject(), policy.ActivationAssume)
	require.NoError(t, err)

	assert.Equal(t, device.StateActivated, dev.State())
	assert.Equal(t, policy.ActiveStateActivated, ac.State())
}

func TestActivateRejectsUnavailable(t *testing.T) {
	m, store, logger := testManager(t)

	dev := device.New(logger, device.Options{Name: "eth0", Type: "ethernet"})
	m.AddDevice(dev)
	// Still unmanaged: nothing is available.

	conn := store.AddConnection(settings.Profile{ID: "a", Type: "ethernet", Visible: true})
	_, err := m.ActivateConnection(conn, "", dev, auth.NewInternalSubject(), policy.ActivationFull)
	assert.Error(t, err)
}

func TestActivatableExcludesActive(t *testing.T) {
	m, store, logger := testManager(t)

	dev := device.New(logger, device.Options{Name: "eth0", Type: "ethernet"})
	m.AddDevice(dev)
	dev.SetState(device.StateDisconnected, device.ReasonNone)

	a := store.AddConnection(settings.Profile{ID: "a", Type: "ethernet", Visible: true})
	b := store.AddConnection(settings.Profile{ID: "b", Type: "ethernet", Visible: true})
	hidden := store.AddConnection(settings.Profile{ID: "c", Type: "ethernet"})
	_ = hidden

	_, err := m.ActivateConnection(a, "", dev, auth.NewInternalSubject(), policy.ActivationFull)
	require.NoError(t, err)

	got := m.ActivatableConnections()
	require.Len(t, got, 1)
	assert.Same(t, b, got[0])
}

func TestDeactivateByPath(t *testing.T) {
	m, store, logger := testManager(t)

	dev := device.New(logger, device.Options{Name: "eth0", Type: "ethernet"})
	m.AddDevice(dev)
	dev.SetState(device.StateDisconnected, device.ReasonNone)

	conn := store.AddConnection(settings.Profile{ID: "a", Type: "ethernet", Visible: true})
	ac, err := m.ActivateConnection(conn, "", dev, auth.NewInternalSubject(), policy.ActivationFull)
	require.NoError(t, err)

	removed := 0
	m.OnActiveConnectionRemoved(func(policy.ActiveConnection) { removed++ })

	require.NoError(t, m.DeactivateConnection(ac.Path(), device.ReasonUserRequested))
	assert.Equal(t, device.StateDisconnected, dev.State())
	assert.Nil(t, dev.ActivationRequest())
	assert.Equal(t, 1, removed)
	assert.Empty(t, m.ActiveConnections())

	assert.Error(t, m.DeactivateConnection(ac.Path(), device.ReasonUserRequested), "unknown path errors")
}

func TestVPNActivationWithoutDevice(t *testing.T) {
	m, store, _ := testManager(t)

	conn := store.AddConnection(settings.Profile{ID: "vpn", Type: "vpn", Visible: true})
	ac, err := m.ActivateConnection(conn, "", nil, auth.NewInternalSubject(), policy.ActivationFull)
	require.NoError(t, err)

	vpn, ok := ac.(*VPNConnection)
	require.True(t, ok)
	assert.Nil(t, vpn.Device())
	assert.Equal(t, policy.ActiveStateActivating, vpn.State())
}

func TestVPNStateMirrorsActiveState(t *testing.T) {
	m, store, _ := testManager(t)

	conn := store.AddConnection(settings.Profile{ID: "vpn", Type: "vpn", Visible: true})
	ac, _ := m.ActivateConnection(conn, "", nil, auth.NewInternalSubject(), policy.ActivationFull)
	vpn := ac.(*VPNConnection)

	var transitions []policy.VPNState
	vpn.OnVPNStateChanged(func(newState, _ policy.VPNState) {
		transitions = append(transitions, newState)
	})

	vpn.SetVPNState(policy.VPNStateIPConfigGet)
	vpn.SetVPNState(policy.VPNStateActivated)
	assert.Equal(t, policy.ActiveStateActivated, vpn.State())

	vpn.SetVPNState(policy.VPNStateFailed)
	assert.Equal(t, policy.ActiveStateDeactivated, vpn.State())

	assert.Equal(t, []policy.VPNState{
		policy.VPNStateIPConfigGet, policy.VPNStateActivated, policy.VPNStateFailed,
	}, transitions)
}

func TestDeviceEvents(t *testing.T) {
	m, _, logger := testManager(t)

	var added, removed int
	m.OnDeviceAdded(func(*device.Device) { added++ })
	m.OnDeviceRemoved(func(*device.Device) { removed++ })

	dev := device.New(logger, device.Options{Name: "eth0", Type: "ethernet"})
	m.AddDevice(dev)
	m.AddDevice(dev) // duplicate ignored
	m.RemoveDevice(dev)
	m.RemoveDevice(dev)

	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
}
