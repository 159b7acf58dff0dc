// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"context"
	"net/netip"

	"grimm.is/connd/internal/auth"
	"grimm.is/connd/internal/device"
	"grimm.is/connd/internal/dispatcher"
	"grimm.is/connd/internal/dnsmgr"
	"grimm.is/connd/internal/ipconfig"
	"grimm.is/connd/internal/platform"
	"grimm.is/connd/internal/settings"
)

// ActivationType tells the manager whether to bring a link up from
// scratch or adopt an already-configured one.
type ActivationType int

const (
	ActivationFull ActivationType = iota
	ActivationAssume
)

func (t ActivationType) String() string {
	if t == ActivationAssume {
		return "assume"
	}
	return "full"
}

// ActiveState is an active session's lifecycle position. Ordering is
// meaningful for range checks.
type ActiveState int

const (
	ActiveStateUnknown ActiveState = iota
	ActiveStateActivating
	ActiveStateActivated
	ActiveStateDeactivating
	ActiveStateDeactivated
)

func (s ActiveState) String() string {
	switch s {
	case ActiveStateActivating:
		return "activating"
	case ActiveStateActivated:
		return "activated"
	case ActiveStateDeactivating:
		return "deactivating"
	case ActiveStateDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// VPNState is a VPN session's internal state machine position.
type VPNState int

const (
	VPNStateUnknown VPNState = iota
	VPNStatePrepare
	VPNStateNeedAuth
	VPNStateConnect
	VPNStateIPConfigGet
	VPNStateActivated
	VPNStateFailed
	VPNStateDisconnected
)

func (s VPNState) String() string {
	switch s {
	case VPNStatePrepare:
		return "prepare"
	case VPNStateNeedAuth:
		return "need-auth"
	case VPNStateConnect:
		return "connect"
	case VPNStateIPConfigGet:
		return "ip-config-get"
	case VPNStateActivated:
		return "activated"
	case VPNStateFailed:
		return "failed"
	case VPNStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ActiveConnection is a running instance of a connection profile.
type ActiveConnection interface {
	SettingsConnection() *settings.Connection
	AppliedConnection() *settings.Connection
	State() ActiveState
	Device() *device.Device
	SetDevice(*device.Device)
	Subject() *auth.Subject
	Path() string

	IsDefault4() bool
	SetDefault4(bool)
	IsDefault6() bool
	SetDefault6(bool)

	OnStateChanged(func(ActiveState)) func()
}

// VPNConnection is an active session backed by a VPN plugin.
type VPNConnection interface {
	ActiveConnection

	VPNState() VPNState
	IPIface() string
	IP4Config() *ipconfig.Config
	IP6Config() *ipconfig.Config

	OnVPNStateChanged(func(newState, oldState VPNState)) func()
	OnRetryAfterFailure(func()) func()
}

// Manager is the device and session inventory the engine drives.
type Manager interface {
	Devices() []*device.Device
	ActiveConnections() []ActiveConnection

	Sleeping() bool
	NetworkingEnabled() bool
	Hostname() string

	// ActivatableConnections lists visible connections not already
	// active, ordered by autoconnect priority then last-connected
	// timestamp, both descending.
	ActivatableConnections() []*settings.Connection

	// ConnectionDevice returns the device a connection is currently
	// active on, if any.
	ConnectionDevice(*settings.Connection) *device.Device

	ActivateConnection(conn *settings.Connection, specificObject string, dev *device.Device, subject *auth.Subject, typ ActivationType) (ActiveConnection, error)
	DeactivateConnection(path string, reason device.StateReason) error

	OnHostnameChanged(func()) func()
	OnSleepingChanged(func()) func()
	OnNetworkingEnabledChanged(func()) func()
	OnDeviceAdded(func(*device.Device)) func()
	OnDeviceRemoved(func(*device.Device)) func()
	OnActiveConnectionAdded(func(ActiveConnection)) func()
	OnActiveConnectionRemoved(func(ActiveConnection)) func()
}

// BestConfig is one family's best route/DNS source as picked by the
// default-route manager. Device may be nil while VPN is not: a VPN can
// tunnel one family over a device that only has the other.
type BestConfig struct {
	Config           *ipconfig.Config
	IPIface          string
	ActiveConnection ActiveConnection
	Device           *device.Device
	VPN              VPNConnection
}

// RouteManager answers best-device and best-config queries.
type RouteManager interface {
	BestIP4Device(devices []*device.Device, fullyActivated bool, preferred *device.Device) *device.Device
	BestIP6Device(devices []*device.Device, fullyActivated bool, preferred *device.Device) *device.Device
	BestIP4Config(ignoreNeverDefault bool) (BestConfig, bool)
	BestIP6Config(ignoreNeverDefault bool) (BestConfig, bool)
}

// DNSManager is the resolver configuration sink.
type DNSManager interface {
	BeginUpdates(tag string)
	EndUpdates(tag string)
	AddIP4Config(iface string, cfg *ipconfig.Config, typ dnsmgr.IPConfigType)
	AddIP6Config(iface string, cfg *ipconfig.Config, typ dnsmgr.IPConfigType)
	RemoveIP4Config(cfg *ipconfig.Config)
	RemoveIP6Config(cfg *ipconfig.Config)
	SetHostname(hostname string)
	SetInitialHostname(hostname string)
	OnConfigChanged(func()) func()
}

// FirewallManager announces ruleset availability.
type FirewallManager interface {
	OnStarted(func()) func()
}

// Resolver performs reverse-DNS lookups.
type Resolver interface {
	LookupByAddr(ctx context.Context, addr netip.Addr) (string, error)
}

// Dispatcher runs site hook scripts for network events.
type Dispatcher interface {
	Call(action dispatcher.Action, args ...string)
}

// Platform is the kernel link view.
type Platform = platform.Platform
