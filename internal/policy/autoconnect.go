// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"slices"

	"grimm.is/connd/internal/auth"
	"grimm.is/connd/internal/device"
	"grimm.is/connd/internal/settings"
)

// pendingActionAutoActivate is the device observability slot a queued
// activation check occupies.
const pendingActionAutoActivate = "autoactivate"

// activationCheck is a deferred per-device auto-activation decision.
type activationCheck struct {
	dev  *device.Device
	task *idleTask
}

func (e *Engine) findPendingActivation(dev *device.Device) *activationCheck {
	for _, c := range e.pendingChecks {
		if c.dev == dev {
			return c
		}
	}
	return nil
}

// freeActivationCheck releases the check's pending-action slot and
// removes it from the queue, cancelling the idle task if it has not
// fired yet.
func (e *Engine) freeActivationCheck(check *activationCheck) {
	check.dev.RemovePendingAction(pendingActionAutoActivate)
	for i, c := range e.pendingChecks {
		if c == check {
			e.pendingChecks = append(e.pendingChecks[:i], e.pendingChecks[i+1:]...)
			break
		}
	}
	check.task.cancelled = true
}

// scheduleActivateCheck queues one auto-activation decision for the
// device, if the device is a candidate at all. At most one check per
// device may be pending.
func (e *Engine) scheduleActivateCheck(dev *device.Device) {
	if e.cfg.Manager.Sleeping() {
		return
	}
	if !dev.Enabled() {
		return
	}
	if !dev.AutoconnectAllowed() {
		return
	}
	if e.findPendingActivation(dev) != nil {
		return
	}
	for _, ac := range e.cfg.Manager.ActiveConnections() {
		if ac.Device() == dev {
			return
		}
	}

	dev.AddPendingAction(pendingActionAutoActivate)

	check := &activationCheck{dev: dev}
	check.task = e.pushIdle(func() {
		e.autoActivateDevice(check.dev)
		e.freeActivationCheck(check)
	})
	e.pendingChecks = append(e.pendingChecks, check)
}

func (e *Engine) clearPendingActivateCheck(dev *device.Device) {
	if check := e.findPendingActivation(dev); check != nil {
		e.freeActivationCheck(check)
	}
}

// scheduleActivateAll coalesces a "re-check every device" scan onto
// the next idle tick. Re-requests restart the task so that bursts of
// events settle before the scan runs.
func (e *Engine) scheduleActivateAll() {
	if e.activateAllTask != nil {
		e.activateAllTask.cancelled = true
	}
	e.activateAllTask = e.pushIdle(func() {
		e.activateAllTask = nil
		for _, dev := range e.cfg.Manager.Devices() {
			e.scheduleActivateCheck(dev)
		}
	})
}

// findConnectionToAssume checks whether the device carries a one-shot
// hint naming a configuration that should be adopted rather than
// re-activated. Reading the hint consumes it.
func (e *Engine) findConnectionToAssume(dev *device.Device) *settings.Connection {
	uuid := dev.StealAssumeConnectionUUID()
	if uuid == "" {
		return nil
	}

	conn := e.cfg.Settings.ConnectionByUUID(uuid)
	if conn == nil {
		return nil
	}

	if e.cfg.Manager.ConnectionDevice(conn) != nil {
		// Already active on another device; cannot be assumed here.
		return nil
	}

	if !dev.Available(conn) {
		return nil
	}

	if e.cfg.Platform == nil {
		return nil
	}
	link, ok := e.cfg.Platform.LinkByIndex(dev.Ifindex())
	if !ok {
		return nil
	}

	if conn.Master() != "" {
		// A slave: the link must still be enslaved.
		if link.Master <= 0 {
			return nil
		}
	} else {
		// The link must be up and not a slave.
		if link.Master > 0 || !link.Up {
			return nil
		}
	}

	return conn
}

// autoActivateDevice picks at most one configuration for the device
// and asks the manager to bring it up.
func (e *Engine) autoActivateDevice(dev *device.Device) {
	// FIXME: if a device is already activating (or activated) with a
	// connection but another connection now overrides the current one
	// for that device, deactivate the device and activate the new
	// connection instead of just bailing if the device is already
	// active.
	if dev.ActivationRequest() != nil {
		return
	}

	var best *settings.Connection
	var specificObject string
	assume := false

	if conn := e.findConnectionToAssume(dev); conn != nil {
		best = conn
		assume = true
	} else {
		candidates := e.cfg.Manager.ActivatableConnections()
		if len(candidates) == 0 {
			return
		}

		// The sort is stable, which is load-bearing: connections
		// with the same priority keep their last-connected order.
		candidates = slices.Clone(candidates)
		slices.SortStableFunc(candidates, func(a, b *settings.Connection) int {
			return b.Priority() - a.Priority()
		})

		for _, cand := range candidates {
			if !cand.CanAutoconnect() {
				continue
			}
			if so, ok := dev.CanAutoConnect(cand); ok {
				best = cand
				specificObject = so
				break
			}
		}
	}

	if best == nil {
		return
	}

	typ := ActivationFull
	if assume {
		typ = ActivationAssume
	}

	e.log.Info("auto-activating connection",
		"domain", "device", "connection", best.ID(), "device", dev.Name(), "type", typ.String())
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.AutoActivations.WithLabelValues(typ.String()).Inc()
	}

	subject := auth.NewInternalSubject()
	if _, err := e.cfg.Manager.ActivateConnection(best, specificObject, dev, subject, typ); err != nil {
		e.log.Info("connection auto-activation failed",
			"domain", "device", "connection", best.ID(), "error", err)
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.AutoActivationFailed.Inc()
		}
	}
}

// activateSlaveConnections gives every slave profile of this master a
// fresh retry budget and schedules a scan, so a master coming up pulls
// its slaves along. When the master's activation has an internal
// subject, the retry budgets are left as they are and only the scan is
// scheduled.
func (e *Engine) activateSlaveConnections(dev *device.Device) {
	masterDevice := dev.Name()
	var masterUUIDApplied, masterUUIDSettings string
	internalActivation := false

	if req := dev.ActivationRequest(); req != nil {
		if applied := req.AppliedConnection(); applied != nil {
			masterUUIDApplied = applied.UUID()
		}
		if sc := req.SettingsConnection(); sc != nil {
			masterUUIDSettings = sc.UUID()
			if masterUUIDSettings == masterUUIDApplied {
				masterUUIDSettings = ""
			}
		}
		internalActivation = req.Subject().IsInternal()
	}

	if !internalActivation {
		for _, slave := range e.cfg.Settings.SortedConnections() {
			m := slave.Master()
			if m == "" {
				continue
			}
			if m == masterDevice || m == masterUUIDApplied || m == masterUUIDSettings {
				slave.ResetAutoconnectRetries()
			}
		}
	}

	e.scheduleActivateAll()
}
