// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package manager keeps the live inventory: devices and active
// sessions, process-wide flags, and the activate/deactivate
// operations. The policy engine observes it and calls back into it;
// link backends feed it.
package manager

import (
	"fmt"

	"grimm.is/connd/internal/auth"
	"grimm.is/connd/internal/device"
	"grimm.is/connd/internal/logging"
	"grimm.is/connd/internal/policy"
	"grimm.is/connd/internal/settings"
)

// Manager is the inventory and activation front end.
type Manager struct {
	logger   *logging.Logger
	settings *settings.Store

	devices []*device.Device
	actives []policy.ActiveConnection

	sleeping bool
	enabled  bool
	hostname string

	pathSeq int

	hostnameHooks hookList[func()]
	sleepHooks    hookList[func()]
	enabledHooks  hookList[func()]
	devAddHooks   hookList[func(*device.Device)]
	devDelHooks   hookList[func(*device.Device)]
	acAddHooks    hookList[func(policy.ActiveConnection)]
	acDelHooks    hookList[func(policy.ActiveConnection)]
}

// New creates an empty manager over the given settings store.
func New(logger *logging.Logger, store *settings.Store) *Manager {
	return &Manager{
		logger:   logger,
		settings: store,
		enabled:  true,
	}
}

func (m *Manager) Devices() []*device.Device { return m.devices }

func (m *Manager) ActiveConnections() []policy.ActiveConnection { return m.actives }

func (m *Manager) Sleeping() bool          { return m.sleeping }
func (m *Manager) NetworkingEnabled() bool { return m.enabled }
func (m *Manager) Hostname() string        { return m.hostname }

// SetSleeping flips the sleep flag and notifies observers.
func (m *Manager) SetSleeping(sleeping bool) {
	if m.sleeping == sleeping {
		return
	}
	m.sleeping = sleeping
	m.sleepHooks.call(func(f func()) { f() })
}

// SetNetworkingEnabled flips the global enable and notifies observers.
func (m *Manager) SetNetworkingEnabled(enabled bool) {
	if m.enabled == enabled {
		return
	}
	m.enabled = enabled
	m.enabledHooks.call(func(f func()) { f() })
}

// SetHostname publishes the administrator-configured hostname.
func (m *Manager) SetHostname(hostname string) {
	if m.hostname == hostname {
		return
	}
	m.hostname = hostname
	m.hostnameHooks.call(func(f func()) { f() })
}

// AddDevice registers a device and announces it.
func (m *Manager) AddDevice(dev *device.Device) {
	for _, d := range m.devices {
		if d == dev {
			return
		}
	}
	m.devices = append(m.devices, dev)
	m.logger.Info("device added", "device", dev.Name(), "type", dev.Type())
	m.devAddHooks.call(func(f func(*device.Device)) { f(dev) })
}

// RemoveDevice unregisters a device and announces the removal.
func (m *Manager) RemoveDevice(dev *device.Device) {
	for i, d := range m.devices {
		if d == dev {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			m.logger.Info("device removed", "device", dev.Name())
			m.devDelHooks.call(func(f func(*device.Device)) { f(dev) })
			return
		}
	}
}

// DeviceByName finds a registered device.
func (m *Manager) DeviceByName(name string) *device.Device {
	for _, d := range m.devices {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

// ActivatableConnections lists visible connections that are not
// already active, preserving the store's priority/timestamp order.
func (m *Manager) ActivatableConnections() []*settings.Connection {
	var out []*settings.Connection
	for _, conn := range m.settings.SortedConnections() {
		if !conn.Visible() {
			continue
		}
		if m.ConnectionDevice(conn) != nil {
			continue
		}
		out = append(out, conn)
	}
	return out
}

// ConnectionDevice returns the device the connection is live on.
func (m *Manager) ConnectionDevice(conn *settings.Connection) *device.Device {
	for _, ac := range m.actives {
		if ac.SettingsConnection() == conn && ac.State() <= policy.ActiveStateActivated {
			return ac.Device()
		}
	}
	return nil
}

// ActivateConnection starts a session for conn. VPN profiles get a VPN
// session; everything else binds to dev and becomes its activation
// request.
func (m *Manager) ActivateConnection(conn *settings.Connection, specificObject string, dev *device.Device, subject *auth.Subject, typ policy.ActivationType) (policy.ActiveConnection, error) {
	if conn == nil {
		return nil, fmt.Errorf("no connection given")
	}

	if conn.IsType("vpn") {
		vpn := &VPNConnection{
			ActiveConnection: ActiveConnection{
				conn:    conn,
				applied: conn,
				dev:     dev,
				subject: subject,
				path:    m.nextPath(),
				state:   policy.ActiveStateActivating,
			},
		}
		if dev != nil {
			vpn.ipIface = dev.IPIface()
		}
		m.actives = append(m.actives, vpn)
		m.logger.Info("activating VPN connection", "connection", conn.ID(), "path", vpn.path)
		m.acAddHooks.call(func(f func(policy.ActiveConnection)) { f(vpn) })
		return vpn, nil
	}

	if dev == nil {
		return nil, fmt.Errorf("connection '%s' requires a device", conn.ID())
	}
	if !dev.Available(conn) {
		return nil, fmt.Errorf("connection '%s' is not available on device %s", conn.ID(), dev.Name())
	}

	ac := &ActiveConnection{
		conn:    conn,
		applied: conn,
		dev:     dev,
		subject: subject,
		path:    m.nextPath(),
		state:   policy.ActiveStateActivating,
	}
	m.actives = append(m.actives, ac)
	dev.SetActivationRequest(ac)

	m.logger.Info("activating connection",
		"connection", conn.ID(), "device", dev.Name(), "type", typ.String(), "specific_object", specificObject)
	m.acAddHooks.call(func(f func(policy.ActiveConnection)) { f(ac) })

	// Assumed links are adopted where they stand; full activations
	// start the device state machine from the top.
	if typ == policy.ActivationAssume {
		dev.SetState(device.StateActivated, device.ReasonNone)
		ac.SetState(policy.ActiveStateActivated)
	} else {
		dev.SetState(device.StatePrepare, device.ReasonNone)
	}
	return ac, nil
}

// DeactivateConnection tears down the session with the given path.
func (m *Manager) DeactivateConnection(path string, reason device.StateReason) error {
	for i, ac := range m.actives {
		if ac.Path() != path {
			continue
		}
		m.actives = append(m.actives[:i], m.actives[i+1:]...)

		if dev := ac.Device(); dev != nil && dev.ActivationRequest() == ac {
			dev.QueueState(device.StateDeactivating, reason)
			dev.QueueState(device.StateDisconnected, reason)
		}
		switch s := ac.(type) {
		case *VPNConnection:
			s.SetVPNState(policy.VPNStateDisconnected)
		case *ActiveConnection:
			s.SetState(policy.ActiveStateDeactivated)
		}

		m.acDelHooks.call(func(f func(policy.ActiveConnection)) { f(ac) })
		return nil
	}
	return fmt.Errorf("no active connection with path %s", path)
}

// RemoveActiveConnection drops a session that ended on its own.
func (m *Manager) RemoveActiveConnection(ac policy.ActiveConnection) {
	for i, a := range m.actives {
		if a == ac {
			m.actives = append(m.actives[:i], m.actives[i+1:]...)
			m.acDelHooks.call(func(f func(policy.ActiveConnection)) { f(ac) })
			return
		}
	}
}

func (m *Manager) nextPath() string {
	m.pathSeq++
	return fmt.Sprintf("/is/grimm/connd/ActiveConnection/%d", m.pathSeq)
}

func (m *Manager) OnHostnameChanged(f func()) func()          { return m.hostnameHooks.add(f) }
func (m *Manager) OnSleepingChanged(f func()) func()          { return m.sleepHooks.add(f) }
func (m *Manager) OnNetworkingEnabledChanged(f func()) func() { return m.enabledHooks.add(f) }

func (m *Manager) OnDeviceAdded(f func(*device.Device)) func()   { return m.devAddHooks.add(f) }
func (m *Manager) OnDeviceRemoved(f func(*device.Device)) func() { return m.devDelHooks.add(f) }

func (m *Manager) OnActiveConnectionAdded(f func(policy.ActiveConnection)) func() {
	return m.acAddHooks.add(f)
}

func (m *Manager) OnActiveConnectionRemoved(f func(policy.ActiveConnection)) func() {
	return m.acDelHooks.add(f)
}
