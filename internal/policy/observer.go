// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"grimm.is/connd/internal/device"
	"grimm.is/connd/internal/dnsmgr"
	"grimm.is/connd/internal/settings"
)

// deviceStateChanged is the central device state-machine observer; the
// retry ledger, the DNS reconciliation and the auto-activation
// scheduling all key off it.
func (e *Engine) deviceStateChanged(dev *device.Device, newState, oldState device.State, reason device.StateReason) {
	conn := dev.SettingsConnection()

	switch newState {
	case device.StateFailed:
		// Mark the connection invalid if it failed during
		// activation, so it is not chosen over and over again.
		if conn != nil && oldState >= device.StatePrepare && oldState <= device.StateActivated {
			e.connectionFailed(conn, reason)
		}

	case device.StateActivated:
		if conn != nil {
			// The connection proved itself; restore its retry
			// budget and record the success.
			conn.ResetAutoconnectRetries()
			conn.TouchTimestamp()

			// Drop secrets so the next activation re-requests
			// them from the agents.
			conn.ClearSecrets()
		}

		e.cfg.DNS.BeginUpdates("device-activated")

		if cfg := dev.IP4Config(); cfg != nil {
			e.cfg.DNS.AddIP4Config(dev.IPIface(), cfg, dnsmgr.TypeDefault)
		}
		if cfg := dev.IP6Config(); cfg != nil {
			e.cfg.DNS.AddIP6Config(dev.IPIface(), cfg, dnsmgr.TypeDefault)
		}

		e.updateRoutingAndDNS(false)

		e.cfg.DNS.EndUpdates("device-activated")

	case device.StateUnmanaged, device.StateUnavailable:
		if oldState > device.StateDisconnected {
			e.updateRoutingAndDNS(false)
		}

	case device.StateDeactivating:
		if reason == device.ReasonUserRequested {
			if !dev.Autoconnect() {
				// The device was disconnected; block everything
				// on it.
				e.blockAutoconnectForDevice(dev)
			} else if conn != nil {
				// Only the specific connection was deactivated.
				e.log.Debug("blocking autoconnect of connection by user request",
					"domain", "device", "connection", conn.ID())
				conn.SetBlockedReason(settings.BlockedUserRequested)
			}
		}

	case device.StateDisconnected:
		// Carrier coming back after unavailability means the cable
		// was replugged; give the device's connections a fresh
		// chance.
		if reason == device.ReasonCarrier && oldState == device.StateUnavailable {
			e.resetAutoconnectAll(dev)
		}

		if oldState > device.StateDisconnected {
			e.updateRoutingAndDNS(false)
		}

		// The device is now available for auto-activation.
		e.scheduleActivateCheck(dev)

	case device.StatePrepare:
		e.activateSlaveConnections(dev)

	case device.StateIPConfig:
		// Secrets must have been obtained to get here.
		if conn != nil {
			conn.SetBlockedReason(settings.BlockedNone)
		}

	case device.StateSecondaries:
		if conn != nil && len(conn.Secondaries()) > 0 {
			// Routes and DNS must be current before dependent
			// connections come up over them.
			e.updateRoutingAndDNS(false)

			if !e.activateSecondaryConnections(conn, dev) {
				dev.QueueState(device.StateFailed, device.ReasonSecondaryConnectionFailed)
			}
		} else {
			dev.QueueState(device.StateActivated, device.ReasonNone)
		}
	}

	e.checkActivatingDevices()
}
