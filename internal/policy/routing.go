// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"grimm.is/connd/internal/device"
	"grimm.is/connd/internal/dnsmgr"
	"grimm.is/connd/internal/ipconfig"
)

func (e *Engine) bestIP4Device(fullyActivated bool) *device.Device {
	return e.cfg.Routes.BestIP4Device(e.cfg.Manager.Devices(), fullyActivated, e.default4.Load())
}

func (e *Engine) bestIP6Device(fullyActivated bool) *device.Device {
	return e.cfg.Routes.BestIP6Device(e.cfg.Manager.Devices(), fullyActivated, e.default6.Load())
}

// updateDefaultAC clears the family-default flag on every session that
// is not the new best, then marks the best. Clear-before-set keeps the
// at-most-one invariant through every intermediate step.
func (e *Engine) updateDefaultAC(best ActiveConnection, set func(ActiveConnection, bool)) {
	for _, ac := range e.cfg.Manager.ActiveConnections() {
		if ac != best {
			set(ac, false)
		}
	}
	if best != nil {
		set(best, true)
	}
}

func setDefault4(ac ActiveConnection, v bool) { ac.SetDefault4(v) }
func setDefault6(ac ActiveConnection, v bool) { ac.SetDefault6(v) }

func (e *Engine) updateIP4DNS() {
	best, ok := e.cfg.Routes.BestIP4Config(true)
	if !ok || best.Config == nil {
		return
	}
	typ := dnsmgr.TypeBestDevice
	if best.VPN != nil {
		typ = dnsmgr.TypeVPN
	}
	// Re-adding under a different type tells the DNS manager this
	// config is the preferred one.
	e.cfg.DNS.AddIP4Config(best.IPIface, best.Config, typ)
}

func (e *Engine) updateIP6DNS() {
	best, ok := e.cfg.Routes.BestIP6Config(true)
	if !ok || best.Config == nil {
		return
	}
	typ := dnsmgr.TypeBestDevice
	if best.VPN != nil {
		typ = dnsmgr.TypeVPN
	}
	e.cfg.DNS.AddIP6Config(best.IPIface, best.Config, typ)
}

func (e *Engine) updateIP4Routing(forceUpdate bool) {
	// An IPv4 VPN may be tunneled over an IPv6-only device, so
	// best.Device can be nil while best.VPN is not.
	best, ok := e.cfg.Routes.BestIP4Config(false)
	if !ok {
		changed := e.default4.Load() != nil
		e.default4.Store(nil)
		e.updateDefaultAC(nil, setDefault4)
		if changed {
			e.notifyDefault4()
		}
		return
	}
	if (best.Device == nil && best.VPN == nil) || best.ActiveConnection == nil {
		panic("policy: default-route manager returned a config with no source")
	}

	if !forceUpdate && best.Device != nil && best.Device == e.default4.Load() {
		return
	}

	if best.Device != nil {
		// Attribute device-less IPv4 VPN sessions to the best
		// device.
		for _, ac := range e.cfg.Manager.ActiveConnections() {
			if vpn, isVPN := ac.(VPNConnection); isVPN && vpn.IP4Config() != nil && ac.Device() == nil {
				ac.SetDevice(best.Device)
			}
		}
	}

	defaultDevice := best.Device
	if best.VPN != nil {
		defaultDevice = best.VPN.Device()
	}

	e.updateDefaultAC(best.ActiveConnection, setDefault4)

	if defaultDevice == e.default4.Load() {
		return
	}
	e.default4.Store(defaultDevice)

	if applied := best.ActiveConnection.AppliedConnection(); applied != nil {
		e.log.Info("set connection as default for IPv4 routing and DNS",
			"domain", "core", "connection", applied.ID(), "iface", best.IPIface)
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.DefaultDeviceChanges.WithLabelValues("ipv4").Inc()
	}
	e.notifyDefault4()
}

func (e *Engine) updateIP6Routing(forceUpdate bool) {
	best, ok := e.cfg.Routes.BestIP6Config(false)
	if !ok {
		changed := e.default6.Load() != nil
		e.default6.Store(nil)
		e.updateDefaultAC(nil, setDefault6)
		if changed {
			e.notifyDefault6()
		}
		return
	}
	if (best.Device == nil && best.VPN == nil) || best.ActiveConnection == nil {
		panic("policy: default-route manager returned a config with no source")
	}

	if !forceUpdate && best.Device != nil && best.Device == e.default6.Load() {
		return
	}

	if best.Device != nil {
		for _, ac := range e.cfg.Manager.ActiveConnections() {
			if vpn, isVPN := ac.(VPNConnection); isVPN && vpn.IP6Config() != nil && ac.Device() == nil {
				ac.SetDevice(best.Device)
			}
		}
	}

	defaultDevice := best.Device
	if best.VPN != nil {
		defaultDevice = best.VPN.Device()
	}

	e.updateDefaultAC(best.ActiveConnection, setDefault6)

	if defaultDevice == e.default6.Load() {
		return
	}
	e.default6.Store(defaultDevice)

	if applied := best.ActiveConnection.AppliedConnection(); applied != nil {
		e.log.Info("set connection as default for IPv6 routing and DNS",
			"domain", "core", "connection", applied.ID(), "iface", best.IPIface)
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.DefaultDeviceChanges.WithLabelValues("ipv6").Inc()
	}
	e.notifyDefault6()
}

// updateRoutingAndDNS is the full recompute: preferred DNS configs,
// per-family defaults, then the hostname, all inside one DNS update
// bracket.
func (e *Engine) updateRoutingAndDNS(forceUpdate bool) {
	e.cfg.DNS.BeginUpdates("update-routing-and-dns")

	e.updateIP4DNS()
	e.updateIP6DNS()

	e.updateIP4Routing(forceUpdate)
	e.updateIP6Routing(forceUpdate)

	e.updateSystemHostname(e.default4.Load(), e.default6.Load())

	e.cfg.DNS.EndUpdates("update-routing-and-dns")
}

// checkActivatingDevices recomputes the "about to become default"
// slots, which include devices still activating.
func (e *Engine) checkActivatingDevices() {
	best4 := e.bestIP4Device(false)
	best6 := e.bestIP6Device(false)

	if best4 != e.activating4.Load() {
		e.activating4.Store(best4)
		if e.cfg.Activating4Changed != nil {
			e.cfg.Activating4Changed(best4)
		}
	}
	if best6 != e.activating6.Load() {
		e.activating6.Store(best6)
		if e.cfg.Activating6Changed != nil {
			e.cfg.Activating6Changed(best6)
		}
	}
}

func (e *Engine) notifyDefault4() {
	if e.cfg.Default4Changed != nil {
		e.cfg.Default4Changed(e.default4.Load())
	}
}

func (e *Engine) notifyDefault6() {
	if e.cfg.Default6Changed != nil {
		e.cfg.Default6Changed(e.default6.Load())
	}
}

/* device IP config events */

func (e *Engine) deviceIP4ConfigChanged(dev *device.Device, newCfg, oldCfg *ipconfig.Config) {
	e.cfg.DNS.BeginUpdates("device-ip4-config-changed")

	// While the device is activating, only stale configs are
	// removed; the adds happen in one sweep at ACTIVATED.
	if !dev.IsActivating() {
		if oldCfg != newCfg {
			if oldCfg != nil {
				e.cfg.DNS.RemoveIP4Config(oldCfg)
			}
			if newCfg != nil {
				e.cfg.DNS.AddIP4Config(dev.IPIface(), newCfg, dnsmgr.TypeDefault)
			}
		}
		e.updateIP4DNS()
		e.updateIP4Routing(true)
		e.updateSystemHostname(e.default4.Load(), e.default6.Load())
	} else if oldCfg != nil {
		e.cfg.DNS.RemoveIP4Config(oldCfg)
	}

	e.cfg.DNS.EndUpdates("device-ip4-config-changed")
}

func (e *Engine) deviceIP6ConfigChanged(dev *device.Device, newCfg, oldCfg *ipconfig.Config) {
	e.cfg.DNS.BeginUpdates("device-ip6-config-changed")

	if !dev.IsActivating() {
		if oldCfg != newCfg {
			if oldCfg != nil {
				e.cfg.DNS.RemoveIP6Config(oldCfg)
			}
			if newCfg != nil {
				e.cfg.DNS.AddIP6Config(dev.IPIface(), newCfg, dnsmgr.TypeDefault)
			}
		}
		e.updateIP6DNS()
		e.updateIP6Routing(true)
		e.updateSystemHostname(e.default4.Load(), e.default6.Load())
	} else if oldCfg != nil {
		e.cfg.DNS.RemoveIP6Config(oldCfg)
	}

	e.cfg.DNS.EndUpdates("device-ip6-config-changed")
}
