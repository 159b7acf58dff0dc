// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy_test

import (
	"io"
	"net/netip"
	"testing"
	"time"

	"grimm.is/connd/internal/clock"
	"grimm.is/connd/internal/device"
	"grimm.is/connd/internal/ipconfig"
	"grimm.is/connd/internal/logging"
	"grimm.is/connd/internal/manager"
	"grimm.is/connd/internal/platform"
	"grimm.is/connd/internal/policy"
	"grimm.is/connd/internal/routemgr"
	"grimm.is/connd/internal/settings"
)

// harness assembles an engine over real manager/settings/route
// collaborators and fake DNS, resolver, platform and kernel backends.
// Tests mutate state, call sync, then assert.
type harness struct {
	t *testing.T

	logger *logging.Logger
	clk    *clock.Fake

	store  *settings.Store
	mgr    *manager.Manager
	routes *routemgr.Manager

	dns      *fakeDNS
	resolver *fakeResolver
	platform *fakePlatform
	dispatch *fakeDispatcher
	kernel   *kernelHostname

	engine *policy.Engine

	default4Changes int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := logging.New(logging.Config{Level: "debug", Output: io.Discard})
	clk := clock.NewFake(time.Unix(1700000000, 0))

	h := &harness{
		t:        t,
		logger:   logger,
		clk:      clk,
		dns:      &fakeDNS{},
		resolver: &fakeResolver{},
		platform: newFakePlatform(),
		dispatch: &fakeDispatcher{},
		kernel:   &kernelHostname{name: "localhost"},
	}

	h.store = settings.NewStore(logger.Component("settings"), settings.WithClock(clk))
	h.mgr = manager.New(logger.Component("manager"), h.store)
	h.routes = routemgr.NewManager(logger.Component("routes"), h.mgr.Devices, h.mgr.ActiveConnections)
	return h
}

// start constructs the engine; call after seeding pre-existing state.
func (h *harness) start() {
	h.t.Helper()
	h.engine = policy.New(policy.Config{
		Manager:           h.mgr,
		Settings:          h.store,
		DNS:               h.dns,
		Routes:            h.routes,
		Platform:          h.platform,
		Resolver:          h.resolver,
		Dispatch:          h.dispatch,
		Clock:             h.clk,
		Logger:            h.logger.Component("policy"),
		GetHostname:       h.kernel.get,
		SetKernelHostname: h.kernel.set,
		Default4Changed:   func(*device.Device) { h.default4Changes++ },
	})
	h.t.Cleanup(h.engine.Close)
	h.sync()
}

func (h *harness) sync() {
	h.t.Helper()
	h.engine.Sync()
}

// addConnection stores a visible autoconnect profile.
func (h *harness) addConnection(id, typ string) *settings.Connection {
	h.t.Helper()
	conn := h.store.AddConnection(settings.Profile{
		ID:          id,
		Type:        typ,
		Autoconnect: true,
		Visible:     true,
	})
	return conn
}

// addEthDevice registers an ethernet device with a matching up link.
func (h *harness) addEthDevice(name string, ifindex int) *device.Device {
	h.t.Helper()
	dev := device.New(h.logger.Component("device"), device.Options{
		Name:    name,
		Ifindex: ifindex,
		Type:    "ethernet",
	})
	h.platform.setLink(platform.Link{Index: ifindex, Name: name, Up: true})
	h.mgr.AddDevice(dev)
	// Let the engine register its device hooks before the test
	// drives the state machine.
	h.sync()
	return dev
}

func ip4Config(addr string, metric int) *ipconfig.Config {
	return &ipconfig.Config{
		Addresses:   []netip.Prefix{netip.MustParsePrefix(addr)},
		Nameservers: []netip.Addr{netip.MustParseAddr("192.0.2.53")},
		RouteMetric: metric,
	}
}

func ip6Config(addr string, metric int) *ipconfig.Config {
	return &ipconfig.Config{
		Addresses:   []netip.Prefix{netip.MustParsePrefix(addr)},
		Nameservers: []netip.Addr{netip.MustParseAddr("2001:db8::53")},
		RouteMetric: metric,
	}
}

// bringUp walks a device from unmanaged to the point where the engine
// auto-activates it, then on through to ACTIVATED.
func (h *harness) bringUp(dev *device.Device, cfg *ipconfig.Config) {
	h.t.Helper()

	dev.SetState(device.StateUnavailable, device.ReasonNone)
	dev.SetState(device.StateDisconnected, device.ReasonCarrier)
	h.sync()

	if dev.ActivationRequest() == nil {
		h.t.Fatalf("device %s was not auto-activated", dev.Name())
	}

	dev.SetIP4Config(cfg)
	dev.SetState(device.StateIPConfig, device.ReasonNone)
	dev.SetState(device.StateSecondaries, device.ReasonNone)
	h.sync()
}

// failActivation fails the in-flight activation and returns the device
// to DISCONNECTED, emulating the manager's cleanup.
func (h *harness) failActivation(dev *device.Device, reason device.StateReason) {
	h.t.Helper()

	ac := dev.ActivationRequest()
	dev.SetState(device.StateFailed, reason)
	h.sync()

	if ac != nil {
		if pac, ok := ac.(policy.ActiveConnection); ok {
			h.mgr.RemoveActiveConnection(pac)
		}
	}
	dev.SetState(device.StateDisconnected, device.ReasonNone)
	h.sync()
}
