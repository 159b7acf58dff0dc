// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"slices"

	"grimm.is/connd/internal/device"
	"grimm.is/connd/internal/dnsmgr"
	"grimm.is/connd/internal/settings"
)

// secondaryWait tracks the dependent sessions a device in SECONDARIES
// is still waiting for.
type secondaryWait struct {
	dev       *device.Device
	remaining []ActiveConnection
}

// activateSecondaryConnections brings up every secondary (VPN)
// connection the base connection declares. Returns false when the set
// cannot be satisfied; the caller then fails the device.
func (e *Engine) activateSecondaryConnections(conn *settings.Connection, dev *device.Device) bool {
	var started []ActiveConnection
	success := true

	req := dev.ActivationRequest()
	if req == nil {
		panic("policy: device in SECONDARIES without an activation request")
	}

	for _, secUUID := range conn.Secondaries() {
		secConn := e.cfg.Settings.ConnectionByUUID(secUUID)
		if secConn == nil {
			e.log.Warn("secondary connection auto-activation failed: the connection doesn't exist",
				"domain", "device", "uuid", secUUID)
			success = false
			break
		}
		if !secConn.IsType("vpn") {
			e.log.Warn("secondary connection auto-activation failed: the connection is not a VPN",
				"domain", "device", "connection", secConn.ID(), "uuid", secUUID)
			success = false
			break
		}

		e.log.Debug("activating secondary connection for base connection",
			"domain", "device",
			"secondary", secConn.ID(), "base", conn.ID())

		ac, err := e.cfg.Manager.ActivateConnection(secConn, req.Path(), dev, req.Subject(), ActivationFull)
		if err != nil {
			e.log.Warn("secondary connection auto-activation failed",
				"domain", "device", "connection", secConn.ID(), "error", err)
			success = false
			break
		}
		started = append(started, ac)
	}

	if success && len(started) > 0 {
		e.pendingSecondaries = append(e.pendingSecondaries, &secondaryWait{
			dev:       dev,
			remaining: started,
		})
	}
	return success
}

// processSecondaries reacts to one dependent session reaching a
// terminal state: completion shrinks its wait list, failure tears the
// whole set down.
func (e *Engine) processSecondaries(active ActiveConnection, connected bool) {
	for _, wait := range slices.Clone(e.pendingSecondaries) {
		idx := slices.IndexFunc(wait.remaining, func(ac ActiveConnection) bool { return ac == active })
		if idx < 0 {
			continue
		}

		if connected {
			e.log.Debug("secondary connection succeeded",
				"domain", "device",
				"connection", active.SettingsConnection().ID(), "path", active.Path())

			wait.remaining = slices.Delete(wait.remaining, idx, idx+1)
			if len(wait.remaining) == 0 {
				e.removeSecondaryWait(wait)
				if e.cfg.Metrics != nil {
					e.cfg.Metrics.SecondaryTransactions.WithLabelValues("activated").Inc()
				}
				if wait.dev.State() == device.StateSecondaries {
					wait.dev.QueueState(device.StateActivated, device.ReasonNone)
				}
			}
		} else {
			e.log.Debug("secondary connection failed",
				"domain", "device",
				"connection", active.SettingsConnection().ID(), "path", active.Path())

			// One failure condemns the whole set; stop watching
			// the others.
			e.removeSecondaryWait(wait)
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.SecondaryTransactions.WithLabelValues("failed").Inc()
			}
			if wait.dev.State() == device.StateSecondaries || wait.dev.State() == device.StateActivated {
				wait.dev.QueueState(device.StateFailed, device.ReasonSecondaryConnectionFailed)
			}
		}
	}
}

func (e *Engine) removeSecondaryWait(wait *secondaryWait) {
	for i, w := range e.pendingSecondaries {
		if w == wait {
			e.pendingSecondaries = append(e.pendingSecondaries[:i], e.pendingSecondaries[i+1:]...)
			return
		}
	}
}

/* active and VPN session observers */

func (e *Engine) activeStateChanged(ac ActiveConnection, state ActiveState) {
	switch state {
	case ActiveStateActivated:
		e.processSecondaries(ac, true)
	case ActiveStateDeactivated:
		e.processSecondaries(ac, false)
	}
}

func (e *Engine) vpnStateChanged(vpn VPNConnection, newState, oldState VPNState) {
	switch {
	case newState == VPNStateActivated:
		e.vpnConnectionActivated(vpn)
	case newState >= VPNStateFailed:
		// Only clean up IP and DNS if the session ever reached
		// IP configuration.
		if oldState >= VPNStateIPConfigGet && oldState <= VPNStateActivated {
			e.vpnConnectionDeactivated(vpn)
		}
	}
}

func (e *Engine) vpnConnectionActivated(vpn VPNConnection) {
	e.cfg.DNS.BeginUpdates("vpn-activated")

	iface := vpn.IPIface()
	if cfg := vpn.IP4Config(); cfg != nil {
		e.cfg.DNS.AddIP4Config(iface, cfg, dnsmgr.TypeVPN)
	}
	if cfg := vpn.IP6Config(); cfg != nil {
		e.cfg.DNS.AddIP6Config(iface, cfg, dnsmgr.TypeVPN)
	}

	e.updateRoutingAndDNS(true)

	e.cfg.DNS.EndUpdates("vpn-activated")
}

func (e *Engine) vpnConnectionDeactivated(vpn VPNConnection) {
	e.cfg.DNS.BeginUpdates("vpn-deactivated")

	if cfg := vpn.IP4Config(); cfg != nil {
		e.cfg.DNS.RemoveIP4Config(cfg)
	}
	if cfg := vpn.IP6Config(); cfg != nil {
		e.cfg.DNS.RemoveIP6Config(cfg)
	}

	e.updateRoutingAndDNS(true)

	e.cfg.DNS.EndUpdates("vpn-deactivated")
}

// vpnRetryAfterFailure reconnects a VPN that failed after having been
// connected, reusing its original subject.
func (e *Engine) vpnRetryAfterFailure(vpn VPNConnection) {
	conn := vpn.SettingsConnection()
	if conn == nil {
		return
	}
	if _, err := e.cfg.Manager.ActivateConnection(conn, "", nil, vpn.Subject(), ActivationFull); err != nil {
		e.log.Warn("VPN reconnect failed",
			"domain", "device", "connection", conn.ID(), "error", err)
	}
}
