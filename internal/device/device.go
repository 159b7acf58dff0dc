// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package device models a managed network interface: its activation
// state machine, IP and DHCP configuration snapshots, autoconnect
// switches, and the hook points the policy engine observes.
package device

import (
	"grimm.is/connd/internal/auth"
	"grimm.is/connd/internal/ipconfig"
	"grimm.is/connd/internal/logging"
	"grimm.is/connd/internal/settings"
)

// ActivationRequest is the live activation a device is carrying. The
// manager's active-session type satisfies it.
type ActivationRequest interface {
	SettingsConnection() *settings.Connection
	AppliedConnection() *settings.Connection
	Path() string
	Subject() *auth.Subject
}

// ZoneApplier programs an interface into a firewall zone.
type ZoneApplier interface {
	SetZone(iface, zone string) error
}

// Device is one managed link.
type Device struct {
	logger *logging.Logger

	name    string
	ipIface string
	ifindex int
	devType string

	software bool
	enabled  bool

	autoconnect bool

	state       State
	stateReason StateReason

	ip4 *ipconfig.Config
	ip6 *ipconfig.Config

	dhcp4 *DHCPConfig
	dhcp6 *DHCPConfig

	actReq ActivationRequest

	assumeUUID string

	firewallZone string
	zones        ZoneApplier

	pendingActions map[string]int

	stateHooks       hooks[stateChangedFunc]
	ip4Hooks         hooks[ipConfigChangedFunc]
	ip6Hooks         hooks[ipConfigChangedFunc]
	autoconnectHooks hooks[func(*Device)]
	recheckHooks     hooks[func(*Device)]

	// ReapplyFunc, when set, is invoked by
	// ReapplySettingsImmediately to push edited settings onto the
	// live link.
	ReapplyFunc func()

	// CompatibleFunc overrides the default compatibility predicate.
	CompatibleFunc func(*settings.Connection) bool

	// AvailableFunc overrides the default availability predicate.
	AvailableFunc func(*settings.Connection) bool

	// CanAutoConnectFunc overrides the default auto-connect
	// predicate; it may return a specific-object hint.
	CanAutoConnectFunc func(*settings.Connection) (string, bool)
}

type stateChangedFunc func(d *Device, newState, oldState State, reason StateReason)
type ipConfigChangedFunc func(d *Device, newCfg, oldCfg *ipconfig.Config)

// Options describes a device at creation time.
type Options struct {
	Name     string
	IPIface  string
	Ifindex  int
	Type     string
	Software bool
	Zone     string
}

// New creates a device in the unmanaged state.
func New(logger *logging.Logger, o Options) *Device {
	ipIface := o.IPIface
	if ipIface == "" {
		ipIface = o.Name
	}
	return &Device{
		logger:         logger,
		name:           o.Name,
		ipIface:        ipIface,
		ifindex:        o.Ifindex,
		devType:        o.Type,
		software:       o.Software,
		enabled:        true,
		autoconnect:    true,
		state:          StateUnmanaged,
		firewallZone:   o.Zone,
		pendingActions: make(map[string]int),
	}
}

func (d *Device) Name() string        { return d.name }
func (d *Device) IPIface() string     { return d.ipIface }
func (d *Device) Ifindex() int        { return d.ifindex }
func (d *Device) Type() string        { return d.devType }
func (d *Device) IsSoftware() bool    { return d.software }
func (d *Device) State() State        { return d.state }
func (d *Device) Reason() StateReason { return d.stateReason }

func (d *Device) Enabled() bool { return d.enabled }

// SetEnabled flips the administrative enable switch.
func (d *Device) SetEnabled(enabled bool) { d.enabled = enabled }

// Autoconnect reports the device-level autoconnect switch.
func (d *Device) Autoconnect() bool { return d.autoconnect }

// SetAutoconnect flips the autoconnect switch and notifies observers.
func (d *Device) SetAutoconnect(autoconnect bool) {
	if d.autoconnect == autoconnect {
		return
	}
	d.autoconnect = autoconnect
	d.autoconnectHooks.call(func(f func(*Device)) { f(d) })
}

// AutoconnectAllowed reports whether the device may be auto-activated
// at all in its current state.
func (d *Device) AutoconnectAllowed() bool {
	return d.autoconnect && d.enabled && d.state >= StateDisconnected && d.state <= StateFailed
}

// IsActivating reports whether an activation is in progress.
func (d *Device) IsActivating() bool { return d.state.IsActivating() }

// ActivationRequest returns the in-flight activation, if any.
func (d *Device) ActivationRequest() ActivationRequest { return d.actReq }

// SetActivationRequest attaches or clears the in-flight activation.
func (d *Device) SetActivationRequest(req ActivationRequest) { d.actReq = req }

// SettingsConnection returns the profile behind the current
// activation, if any.
func (d *Device) SettingsConnection() *settings.Connection {
	if d.actReq == nil {
		return nil
	}
	return d.actReq.SettingsConnection()
}

// AppliedConnection returns the applied profile of the current
// activation, if any.
func (d *Device) AppliedConnection() *settings.Connection {
	if d.actReq == nil {
		return nil
	}
	return d.actReq.AppliedConnection()
}

func (d *Device) IP4Config() *ipconfig.Config { return d.ip4 }
func (d *Device) IP6Config() *ipconfig.Config { return d.ip6 }
func (d *Device) DHCP4Config() *DHCPConfig    { return d.dhcp4 }
func (d *Device) DHCP6Config() *DHCPConfig    { return d.dhcp6 }

// SetDHCP4Config replaces the DHCPv4 option snapshot.
func (d *Device) SetDHCP4Config(cfg *DHCPConfig) { d.dhcp4 = cfg }

// SetDHCP6Config replaces the DHCPv6 option snapshot.
func (d *Device) SetDHCP6Config(cfg *DHCPConfig) { d.dhcp6 = cfg }

// SetIP4Config replaces the IPv4 configuration and notifies observers.
func (d *Device) SetIP4Config(cfg *ipconfig.Config) {
	old := d.ip4
	if old == cfg {
		return
	}
	d.ip4 = cfg
	d.ip4Hooks.call(func(f ipConfigChangedFunc) { f(d, cfg, old) })
}

// SetIP6Config replaces the IPv6 configuration and notifies observers.
func (d *Device) SetIP6Config(cfg *ipconfig.Config) {
	old := d.ip6
	if old == cfg {
		return
	}
	d.ip6 = cfg
	d.ip6Hooks.call(func(f ipConfigChangedFunc) { f(d, cfg, old) })
}

// SetAssumeConnectionUUID arms the one-shot "adopt this configuration"
// hint, typically after an existing link was taken over at startup.
func (d *Device) SetAssumeConnectionUUID(uuid string) { d.assumeUUID = uuid }

// StealAssumeConnectionUUID consumes the assume hint. Reading clears
// it, so the hint can drive at most one assumption attempt.
func (d *Device) StealAssumeConnectionUUID() string {
	u := d.assumeUUID
	d.assumeUUID = ""
	return u
}

// SetState drives the state machine and notifies observers after the
// device's own bookkeeping is done.
func (d *Device) SetState(state State, reason StateReason) {
	if d.state == state {
		return
	}
	old := d.state
	d.state = state
	d.stateReason = reason

	if state <= StateDisconnected {
		d.actReq = nil
	}

	d.stateHooks.call(func(f stateChangedFunc) { f(d, state, old, reason) })
}

// QueueState requests a state transition. The transition is applied at
// once through SetState: the device's own fields are updated first and
// observers run before QueueState returns.
func (d *Device) QueueState(state State, reason StateReason) {
	d.SetState(state, reason)
}

// CompatibleWith reports whether the profile could ever run here.
func (d *Device) CompatibleWith(c *settings.Connection) bool {
	if d.CompatibleFunc != nil {
		return d.CompatibleFunc(c)
	}
	return c != nil && c.Type() == d.devType
}

// Available reports whether the profile can run here right now.
func (d *Device) Available(c *settings.Connection) bool {
	if d.AvailableFunc != nil {
		return d.AvailableFunc(c)
	}
	return d.CompatibleWith(c) && d.state >= StateDisconnected && d.state < StateDeactivating
}

// CanAutoConnect reports whether the profile should be auto-activated
// on this device, optionally yielding a specific-object hint for the
// activation call.
func (d *Device) CanAutoConnect(c *settings.Connection) (specificObject string, ok bool) {
	if d.CanAutoConnectFunc != nil {
		return d.CanAutoConnectFunc(c)
	}
	if !d.AutoconnectAllowed() {
		return "", false
	}
	return "", d.Available(c)
}

// ReapplySettingsImmediately pushes the current settings onto the live
// link without a reactivation cycle.
func (d *Device) ReapplySettingsImmediately() {
	if d.ReapplyFunc != nil {
		d.ReapplyFunc()
		return
	}
	d.logger.Debug("reapply requested with no applier", "device", d.name)
}

// FirewallZone returns the configured zone name.
func (d *Device) FirewallZone() string { return d.firewallZone }

// SetFirewallZone changes the zone and reapplies it if possible.
func (d *Device) SetFirewallZone(zone string) {
	d.firewallZone = zone
	d.UpdateFirewallZone()
}

// SetZoneApplier installs the firewall backend used by
// UpdateFirewallZone.
func (d *Device) SetZoneApplier(z ZoneApplier) { d.zones = z }

// UpdateFirewallZone (re)applies the device's zone membership.
func (d *Device) UpdateFirewallZone() {
	if d.zones == nil || d.firewallZone == "" {
		return
	}
	if err := d.zones.SetZone(d.ipIface, d.firewallZone); err != nil {
		d.logger.Warn("failed to apply firewall zone", "device", d.name, "zone", d.firewallZone, "error", err)
	}
}

// AddPendingAction takes a named observability slot; slots nest.
func (d *Device) AddPendingAction(name string) {
	d.pendingActions[name]++
}

// RemovePendingAction releases a named slot.
func (d *Device) RemovePendingAction(name string) {
	if d.pendingActions[name] > 0 {
		d.pendingActions[name]--
		if d.pendingActions[name] == 0 {
			delete(d.pendingActions, name)
		}
	}
}

// HasPendingAction reports whether the named slot is taken.
func (d *Device) HasPendingAction(name string) bool {
	return d.pendingActions[name] > 0
}

// OnStateChanged subscribes to state transitions. Later registrations
// run later, so a subscriber that registers last observes every
// earlier subscriber's effects.
func (d *Device) OnStateChanged(f func(d *Device, newState, oldState State, reason StateReason)) func() {
	return d.stateHooks.add(f)
}

// OnIP4ConfigChanged subscribes to IPv4 config replacement.
func (d *Device) OnIP4ConfigChanged(f func(d *Device, newCfg, oldCfg *ipconfig.Config)) func() {
	return d.ip4Hooks.add(f)
}

// OnIP6ConfigChanged subscribes to IPv6 config replacement.
func (d *Device) OnIP6ConfigChanged(f func(d *Device, newCfg, oldCfg *ipconfig.Config)) func() {
	return d.ip6Hooks.add(f)
}

// OnAutoconnectChanged subscribes to autoconnect switch flips.
func (d *Device) OnAutoconnectChanged(f func(*Device)) func() {
	return d.autoconnectHooks.add(f)
}

// OnRecheckAutoActivate subscribes to explicit recheck requests.
func (d *Device) OnRecheckAutoActivate(f func(*Device)) func() {
	return d.recheckHooks.add(f)
}

// RecheckAutoActivate asks observers to reconsider auto-activation.
func (d *Device) RecheckAutoActivate() {
	d.recheckHooks.call(func(f func(*Device)) { f(d) })
}
