// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package routemgr picks the best default-route source per address
// family from the live device and session inventory. Ties go to the
// incumbent so the default does not flap between equivalent links.
package routemgr

import (
	"math"

	"grimm.is/connd/internal/device"
	"grimm.is/connd/internal/ipconfig"
	"grimm.is/connd/internal/logging"
	"grimm.is/connd/internal/policy"
)

// Manager implements policy.RouteManager over inventory accessors.
type Manager struct {
	logger  *logging.Logger
	devices func() []*device.Device
	actives func() []policy.ActiveConnection
}

// NewManager builds a route manager reading inventory through the
// given accessors.
func NewManager(logger *logging.Logger, devices func() []*device.Device, actives func() []policy.ActiveConnection) *Manager {
	return &Manager{logger: logger, devices: devices, actives: actives}
}

type family int

const (
	ip4 family = iota
	ip6
)

func deviceConfig(dev *device.Device, fam family) *ipconfig.Config {
	if fam == ip4 {
		return dev.IP4Config()
	}
	return dev.IP6Config()
}

func vpnConfig(vpn policy.VPNConnection, fam family) *ipconfig.Config {
	if fam == ip4 {
		return vpn.IP4Config()
	}
	return vpn.IP6Config()
}

// bestDevice ranks candidate devices by route metric, lowest first.
// preferred wins metric ties, which gives the current default
// hysteresis.
func (m *Manager) bestDevice(devices []*device.Device, fam family, fullyActivated bool, preferred *device.Device) *device.Device {
	var best *device.Device
	bestMetric := math.MaxInt

	for _, dev := range devices {
		activated := dev.State() == device.StateActivated
		if fullyActivated {
			if !activated {
				continue
			}
		} else if !activated && !dev.IsActivating() {
			continue
		}

		cfg := deviceConfig(dev, fam)
		metric := math.MaxInt - 1
		if cfg != nil {
			if cfg.NeverDefault {
				continue
			}
			metric = cfg.RouteMetric
		} else if fullyActivated {
			// A fully-activated candidate must actually carry the
			// family.
			continue
		}

		switch {
		case metric < bestMetric:
			best, bestMetric = dev, metric
		case metric == bestMetric && dev == preferred:
			best = dev
		}
	}
	return best
}

// BestIP4Device returns the best IPv4 candidate among devices.
func (m *Manager) BestIP4Device(devices []*device.Device, fullyActivated bool, preferred *device.Device) *device.Device {
	return m.bestDevice(devices, ip4, fullyActivated, preferred)
}

// BestIP6Device returns the best IPv6 candidate among devices.
func (m *Manager) BestIP6Device(devices []*device.Device, fullyActivated bool, preferred *device.Device) *device.Device {
	return m.bestDevice(devices, ip6, fullyActivated, preferred)
}

// bestVPN returns the activated VPN session carrying the family, if
// any. Among several, the lowest route metric wins.
func (m *Manager) bestVPN(fam family, ignoreNeverDefault bool) policy.VPNConnection {
	var best policy.VPNConnection
	bestMetric := math.MaxInt

	for _, ac := range m.actives() {
		vpn, ok := ac.(policy.VPNConnection)
		if !ok || vpn.VPNState() != policy.VPNStateActivated {
			continue
		}
		cfg := vpnConfig(vpn, fam)
		if cfg == nil {
			continue
		}
		if cfg.NeverDefault && !ignoreNeverDefault {
			continue
		}
		if cfg.RouteMetric < bestMetric {
			best, bestMetric = vpn, cfg.RouteMetric
		}
	}
	return best
}

func (m *Manager) activeForDevice(dev *device.Device) policy.ActiveConnection {
	for _, ac := range m.actives() {
		if _, isVPN := ac.(policy.VPNConnection); isVPN {
			continue
		}
		if ac.Device() == dev && ac.State() <= policy.ActiveStateActivated {
			return ac
		}
	}
	return nil
}

func (m *Manager) bestConfig(fam family, ignoreNeverDefault bool) (policy.BestConfig, bool) {
	var out policy.BestConfig

	devices := m.devices()
	var bestDev *device.Device
	bestMetric := math.MaxInt
	for _, dev := range devices {
		if dev.State() != device.StateActivated {
			continue
		}
		cfg := deviceConfig(dev, fam)
		if cfg == nil {
			continue
		}
		if cfg.NeverDefault && !ignoreNeverDefault {
			continue
		}
		if cfg.RouteMetric < bestMetric {
			bestDev, bestMetric = dev, cfg.RouteMetric
		}
	}

	vpn := m.bestVPN(fam, ignoreNeverDefault)

	switch {
	case vpn != nil:
		out = policy.BestConfig{
			Config:           vpnConfig(vpn, fam),
			IPIface:          vpn.IPIface(),
			ActiveConnection: vpn,
			Device:           bestDev,
			VPN:              vpn,
		}
		return out, true
	case bestDev != nil:
		ac := m.activeForDevice(bestDev)
		if ac == nil {
			return out, false
		}
		out = policy.BestConfig{
			Config:           deviceConfig(bestDev, fam),
			IPIface:          bestDev.IPIface(),
			ActiveConnection: ac,
			Device:           bestDev,
		}
		return out, true
	}
	return out, false
}

// BestIP4Config returns the preferred IPv4 route/DNS source.
func (m *Manager) BestIP4Config(ignoreNeverDefault bool) (policy.BestConfig, bool) {
	return m.bestConfig(ip4, ignoreNeverDefault)
}

// BestIP6Config returns the preferred IPv6 route/DNS source.
func (m *Manager) BestIP6Config(ignoreNeverDefault bool) (policy.BestConfig, bool) {
	return m.bestConfig(ip6, ignoreNeverDefault)
}
