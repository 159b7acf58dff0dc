// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"time"

	"grimm.is/connd/internal/device"
	"grimm.is/connd/internal/settings"
)

// resetAutoconnectAll restores the retry budget and clears the blocked
// reason on every connection, or on every connection compatible with
// dev when dev is non-nil.
func (e *Engine) resetAutoconnectAll(dev *device.Device) {
	if dev != nil {
		e.log.Debug("re-enabling autoconnect for all connections on device",
			"domain", "device", "device", dev.Name())
	} else {
		e.log.Debug("re-enabling autoconnect for all connections", "domain", "device")
	}

	for _, conn := range e.cfg.Settings.SortedConnections() {
		if dev == nil || dev.CompatibleWith(conn) {
			conn.ResetAutoconnectRetries()
			conn.SetBlockedReason(settings.BlockedNone)
		}
	}
}

// resetAutoconnectForFailedSecrets re-enables only connections blocked
// for missing secrets; a freshly registered agent may now provide
// them.
func (e *Engine) resetAutoconnectForFailedSecrets() {
	e.log.Debug("re-enabling autoconnect for all connections with failed secrets", "domain", "device")

	for _, conn := range e.cfg.Settings.SortedConnections() {
		if conn.BlockedReason() == settings.BlockedNoSecrets {
			conn.ResetAutoconnectRetries()
			conn.SetBlockedReason(settings.BlockedNone)
		}
	}
}

// blockAutoconnectForDevice suppresses auto-activation of everything
// compatible with the device. Only software devices need the explicit
// block: they may be destroyed and recreated, losing any per-device
// suppression state.
func (e *Engine) blockAutoconnectForDevice(dev *device.Device) {
	e.log.Debug("blocking autoconnect for all connections on device",
		"domain", "device", "device", dev.Name())

	if !dev.IsSoftware() {
		return
	}

	for _, conn := range e.cfg.Settings.SortedConnections() {
		if dev.CompatibleWith(conn) {
			conn.SetBlockedReason(settings.BlockedUserRequested)
		}
	}
}

// connectionFailed runs the retry ledger on a device entering FAILED
// out of the active state range.
func (e *Engine) connectionFailed(conn *settings.Connection, reason device.StateReason) {
	tries := conn.AutoconnectRetries()

	if reason == device.ReasonNoSecrets {
		e.log.Debug("connection now blocked from autoconnect due to no secrets",
			"domain", "device", "connection", conn.ID())
		conn.SetBlockedReason(settings.BlockedNoSecrets)
	} else if tries > 0 {
		e.log.Debug("connection failed to autoconnect",
			"domain", "device", "connection", conn.ID(), "tries_left", tries-1)
		conn.SetAutoconnectRetries(tries - 1)
	}

	if conn.AutoconnectRetries() == 0 {
		e.log.Info("disabling autoconnect for connection",
			"domain", "device", "connection", conn.ID())
		if e.resetRetriesTimer == nil {
			deadline := conn.AutoconnectRetryDeadline()
			if deadline.IsZero() {
				e.log.Warn("exhausted connection has no retry deadline",
					"domain", "device", "connection", conn.ID())
			}
			delay := deadline.Sub(e.clk.Now())
			if delay < 0 {
				delay = 0
			}
			e.armResetRetriesTimer(delay)
		}
	}

	// Always drop cached secrets so the next attempt re-prompts.
	conn.ClearSecrets()
}

func (e *Engine) armResetRetriesTimer(delay time.Duration) {
	e.resetRetriesTimer = e.clk.AfterFunc(delay, func() {
		e.q.push(evResetRetriesElapsed{})
	})
}

// resetConnectionsRetries restores every connection whose rest period
// elapsed, re-arms for the earliest remaining deadline, and rescans if
// anything was restored.
func (e *Engine) resetConnectionsRetries() {
	e.resetRetriesTimer = nil

	now := e.clk.Now()
	var minDeadline time.Time
	changed := false

	for _, conn := range e.cfg.Settings.SortedConnections() {
		deadline := conn.AutoconnectRetryDeadline()
		if deadline.IsZero() {
			continue
		}
		if !deadline.After(now) {
			conn.ResetAutoconnectRetries()
			conn.SetBlockedReason(settings.BlockedNone)
			changed = true
			if e.cfg.Metrics != nil {
				e.cfg.Metrics.RetryResets.Inc()
			}
		} else if minDeadline.IsZero() || deadline.Before(minDeadline) {
			minDeadline = deadline
		}
	}

	if !minDeadline.IsZero() {
		e.armResetRetriesTimer(minDeadline.Sub(now))
	}

	if changed {
		e.scheduleActivateAll()
	}
}
