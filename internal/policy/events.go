// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"grimm.is/connd/internal/device"
	"grimm.is/connd/internal/ipconfig"
	"grimm.is/connd/internal/settings"
)

// event is the closed set of inputs the engine reduces over. Every
// collaborator callback posts one of these; all state transitions
// happen in the single handle switch below.
type event interface{ isEvent() }

type evDeviceAdded struct{ dev *device.Device }
type evDeviceRemoved struct{ dev *device.Device }

type evDeviceStateChanged struct {
	dev      *device.Device
	newState device.State
	oldState device.State
	reason   device.StateReason
}

type evDeviceIP4ConfigChanged struct {
	dev    *device.Device
	newCfg *ipconfig.Config
	oldCfg *ipconfig.Config
}

type evDeviceIP6ConfigChanged struct {
	dev    *device.Device
	newCfg *ipconfig.Config
	oldCfg *ipconfig.Config
}

type evDeviceAutoconnectChanged struct{ dev *device.Device }
type evDeviceRecheckAutoActivate struct{ dev *device.Device }

type evManagerHostnameChanged struct{}
type evManagerSleepingChanged struct{}

type evActiveConnectionAdded struct{ ac ActiveConnection }
type evActiveConnectionRemoved struct{ ac ActiveConnection }
type evActiveStateChanged struct {
	ac    ActiveConnection
	state ActiveState
}

type evVPNStateChanged struct {
	vpn      VPNConnection
	newState VPNState
	oldState VPNState
}
type evVPNRetryAfterFailure struct{ vpn VPNConnection }

type evConnectionAdded struct{ conn *settings.Connection }
type evConnectionUpdated struct {
	conn   *settings.Connection
	byUser bool
}
type evConnectionRemoved struct{ conn *settings.Connection }
type evConnectionVisibilityChanged struct{ conn *settings.Connection }
type evAgentRegistered struct{}

type evFirewallStarted struct{}
type evDNSConfigChanged struct{}

type evResetRetriesElapsed struct{}

type evLookupDone struct {
	gen  uint64
	name string
	err  error
}

type evSync struct{ ch chan struct{} }
type evClose struct{ ch chan struct{} }

func (evDeviceAdded) isEvent()                 {}
func (evDeviceRemoved) isEvent()               {}
func (evDeviceStateChanged) isEvent()          {}
func (evDeviceIP4ConfigChanged) isEvent()      {}
func (evDeviceIP6ConfigChanged) isEvent()      {}
func (evDeviceAutoconnectChanged) isEvent()    {}
func (evDeviceRecheckAutoActivate) isEvent()   {}
func (evManagerHostnameChanged) isEvent()      {}
func (evManagerSleepingChanged) isEvent()      {}
func (evActiveConnectionAdded) isEvent()       {}
func (evActiveConnectionRemoved) isEvent()     {}
func (evActiveStateChanged) isEvent()          {}
func (evVPNStateChanged) isEvent()             {}
func (evVPNRetryAfterFailure) isEvent()        {}
func (evConnectionAdded) isEvent()             {}
func (evConnectionUpdated) isEvent()           {}
func (evConnectionRemoved) isEvent()           {}
func (evConnectionVisibilityChanged) isEvent() {}
func (evAgentRegistered) isEvent()             {}
func (evFirewallStarted) isEvent()             {}
func (evDNSConfigChanged) isEvent()            {}
func (evResetRetriesElapsed) isEvent()         {}
func (evLookupDone) isEvent()                  {}
func (evSync) isEvent()                        {}
func (evClose) isEvent()                       {}

// handle is the reducer. It runs on the loop goroutine with
// run-to-completion semantics; returning true stops the loop.
func (e *Engine) handle(ev event) bool {
	switch ev := ev.(type) {
	case evDeviceAdded:
		e.deviceAdded(ev.dev)
	case evDeviceRemoved:
		e.deviceRemoved(ev.dev)
	case evDeviceStateChanged:
		e.deviceStateChanged(ev.dev, ev.newState, ev.oldState, ev.reason)
	case evDeviceIP4ConfigChanged:
		e.deviceIP4ConfigChanged(ev.dev, ev.newCfg, ev.oldCfg)
	case evDeviceIP6ConfigChanged:
		e.deviceIP6ConfigChanged(ev.dev, ev.newCfg, ev.oldCfg)
	case evDeviceAutoconnectChanged:
		if ev.dev.AutoconnectAllowed() {
			e.scheduleActivateCheck(ev.dev)
		}
	case evDeviceRecheckAutoActivate:
		e.scheduleActivateCheck(ev.dev)
	case evManagerHostnameChanged:
		e.updateSystemHostname(nil, nil)
	case evManagerSleepingChanged:
		e.sleepingChanged()
	case evActiveConnectionAdded:
		e.activeConnectionAdded(ev.ac)
	case evActiveConnectionRemoved:
		e.activeConnectionRemoved(ev.ac)
	case evActiveStateChanged:
		e.activeStateChanged(ev.ac, ev.state)
	case evVPNStateChanged:
		e.vpnStateChanged(ev.vpn, ev.newState, ev.oldState)
	case evVPNRetryAfterFailure:
		e.vpnRetryAfterFailure(ev.vpn)
	case evConnectionAdded:
		e.scheduleActivateAll()
	case evConnectionUpdated:
		e.connectionUpdated(ev.conn, ev.byUser)
	case evConnectionRemoved:
		e.deactivateIfActive(ev.conn)
	case evConnectionVisibilityChanged:
		if ev.conn.Visible() {
			e.scheduleActivateAll()
		} else {
			e.deactivateIfActive(ev.conn)
		}
	case evAgentRegistered:
		e.resetAutoconnectForFailedSecrets()
		e.scheduleActivateAll()
	case evFirewallStarted:
		e.firewallStarted()
	case evDNSConfigChanged:
		e.dnsConfigChanged()
	case evResetRetriesElapsed:
		e.resetConnectionsRetries()
	case evLookupDone:
		e.lookupDone(ev.gen, ev.name, ev.err)
	case evSync:
		e.syncRequested(ev.ch)
	case evClose:
		e.teardown()
		close(ev.ch)
		return true
	}
	return false
}
