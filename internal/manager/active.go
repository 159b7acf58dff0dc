// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package manager

import (
	"grimm.is/connd/internal/auth"
	"grimm.is/connd/internal/device"
	"grimm.is/connd/internal/ipconfig"
	"grimm.is/connd/internal/policy"
	"grimm.is/connd/internal/settings"
)

// ActiveConnection is a running instance of a profile, usually bound
// to a device. It satisfies both the policy engine's session interface
// and the device's activation-request view.
type ActiveConnection struct {
	conn    *settings.Connection
	applied *settings.Connection
	dev     *device.Device
	subject *auth.Subject
	path    string

	state policy.ActiveState

	default4 bool
	default6 bool

	stateHooks hookList[func(policy.ActiveState)]
}

func (a *ActiveConnection) SettingsConnection() *settings.Connection { return a.conn }
func (a *ActiveConnection) AppliedConnection() *settings.Connection  { return a.applied }
func (a *ActiveConnection) State() policy.ActiveState                { return a.state }
func (a *ActiveConnection) Device() *device.Device                   { return a.dev }
func (a *ActiveConnection) SetDevice(d *device.Device)               { a.dev = d }
func (a *ActiveConnection) Subject() *auth.Subject                   { return a.subject }
func (a *ActiveConnection) Path() string                             { return a.path }

func (a *ActiveConnection) IsDefault4() bool   { return a.default4 }
func (a *ActiveConnection) SetDefault4(v bool) { a.default4 = v }
func (a *ActiveConnection) IsDefault6() bool   { return a.default6 }
func (a *ActiveConnection) SetDefault6(v bool) { a.default6 = v }

// OnStateChanged subscribes to session state transitions.
func (a *ActiveConnection) OnStateChanged(f func(policy.ActiveState)) func() {
	return a.stateHooks.add(f)
}

// SetState drives the session state machine.
func (a *ActiveConnection) SetState(state policy.ActiveState) {
	if a.state == state {
		return
	}
	a.state = state
	a.stateHooks.call(func(f func(policy.ActiveState)) { f(state) })
}

// VPNConnection is an active session backed by a VPN plugin.
type VPNConnection struct {
	ActiveConnection

	vpnState policy.VPNState
	ipIface  string
	ip4      *ipconfig.Config
	ip6      *ipconfig.Config

	vpnStateHooks hookList[func(newState, oldState policy.VPNState)]
	retryHooks    hookList[func()]
}

func (v *VPNConnection) VPNState() policy.VPNState   { return v.vpnState }
func (v *VPNConnection) IPIface() string             { return v.ipIface }
func (v *VPNConnection) IP4Config() *ipconfig.Config { return v.ip4 }
func (v *VPNConnection) IP6Config() *ipconfig.Config { return v.ip6 }

// SetIPIface records the tunnel interface name once the plugin reports
// it.
func (v *VPNConnection) SetIPIface(iface string) { v.ipIface = iface }

// SetIP4Config installs the tunnel's IPv4 configuration.
func (v *VPNConnection) SetIP4Config(cfg *ipconfig.Config) { v.ip4 = cfg }

// SetIP6Config installs the tunnel's IPv6 configuration.
func (v *VPNConnection) SetIP6Config(cfg *ipconfig.Config) { v.ip6 = cfg }

// OnVPNStateChanged subscribes to the plugin state machine.
func (v *VPNConnection) OnVPNStateChanged(f func(newState, oldState policy.VPNState)) func() {
	return v.vpnStateHooks.add(f)
}

// OnRetryAfterFailure subscribes to reconnect requests.
func (v *VPNConnection) OnRetryAfterFailure(f func()) func() {
	return v.retryHooks.add(f)
}

// SetVPNState drives the plugin state machine and mirrors terminal
// states onto the generic session state.
func (v *VPNConnection) SetVPNState(state policy.VPNState) {
	if v.vpnState == state {
		return
	}
	old := v.vpnState
	v.vpnState = state
	v.vpnStateHooks.call(func(f func(newState, oldState policy.VPNState)) { f(state, old) })

	switch state {
	case policy.VPNStateActivated:
		v.SetState(policy.ActiveStateActivated)
	case policy.VPNStateFailed, policy.VPNStateDisconnected:
		v.SetState(policy.ActiveStateDeactivated)
	}
}

// NotifyRetryAfterFailure signals that the plugin wants a reconnect.
func (v *VPNConnection) NotifyRetryAfterFailure() {
	v.retryHooks.call(func(f func()) { f() })
}
