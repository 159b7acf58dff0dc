// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy is the decision core of connd. It watches the device
// inventory, the settings store, active sessions, the DNS manager and
// the firewall manager, and keeps their states mutually consistent:
// which configuration to auto-activate where, which device is the
// default per address family, when a failed profile may retry, and
// what the system hostname should be.
//
// The engine is single-threaded: collaborator callbacks post events
// onto a FIFO consumed by one loop goroutine, and every state
// transition happens inside the reducer with run-to-completion
// semantics. Deferred work (per-device activation checks, the
// all-device scan) runs as idle tasks once the queue drains.
package policy

import (
	"context"
	"net/netip"
	"os"
	"slices"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"grimm.is/connd/internal/clock"
	"grimm.is/connd/internal/device"
	"grimm.is/connd/internal/ipconfig"
	"grimm.is/connd/internal/logging"
	"grimm.is/connd/internal/metrics"
	"grimm.is/connd/internal/settings"
)

// Config wires an Engine to its collaborators. Manager, Settings, DNS
// and Routes are required; the rest degrade gracefully when nil.
type Config struct {
	Manager  Manager
	Settings *settings.Store
	DNS      DNSManager
	Routes   RouteManager
	Firewall FirewallManager
	Platform Platform
	Resolver Resolver
	Dispatch Dispatcher

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Collector

	// GetHostname and SetKernelHostname override the kernel
	// hostname accessors; nil means os.Hostname and sethostname(2).
	GetHostname       func() (string, error)
	SetKernelHostname func(string) error

	// Change notifications for the published default/activating
	// device slots. Invoked on the engine loop.
	Default4Changed    func(*device.Device)
	Default6Changed    func(*device.Device)
	Activating4Changed func(*device.Device)
	Activating6Changed func(*device.Device)
}

// Engine is the policy engine. Create with New, dispose with Close.
type Engine struct {
	cfg Config
	log *logging.Logger
	clk clock.Clock

	q    *eventQueue
	done chan struct{}

	idleQ []*idleTask

	devices map[*device.Device][]func()
	acSubs  map[ActiveConnection][]func()

	pendingChecks      []*activationCheck
	pendingSecondaries []*secondaryWait

	activateAllTask   *idleTask
	resetRetriesTimer clock.Timer

	default4    atomic.Pointer[device.Device]
	default6    atomic.Pointer[device.Device]
	activating4 atomic.Pointer[device.Device]
	activating6 atomic.Pointer[device.Device]

	origHostname    string
	curHostname     string
	hostnameChanged bool

	lookupAddr   netip.Addr
	lookupValid  bool
	lookupCancel context.CancelFunc
	lookupGen    uint64

	syncWaiters []chan struct{}

	cancels []func() // construction-time subscriptions, reverse-released
}

// New constructs the engine, captures the startup hostname, subscribes
// to every collaborator and starts the loop.
func New(cfg Config) *Engine {
	if cfg.Manager == nil || cfg.Settings == nil || cfg.DNS == nil || cfg.Routes == nil {
		panic("policy: Manager, Settings, DNS and Routes are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("policy")
	}
	if cfg.GetHostname == nil {
		cfg.GetHostname = os.Hostname
	}
	if cfg.SetKernelHostname == nil {
		cfg.SetKernelHostname = func(name string) error {
			return unix.Sethostname([]byte(name))
		}
	}

	e := &Engine{
		cfg:     cfg,
		log:     cfg.Logger,
		clk:     cfg.Clock,
		q:       newEventQueue(),
		done:    make(chan struct{}),
		devices: make(map[*device.Device][]func()),
		acSubs:  make(map[ActiveConnection][]func()),
	}

	// The hostname present at startup wins over reverse-DNS for the
	// engine's whole lifetime, but only if it says something.
	if h, err := cfg.GetHostname(); err == nil && isSpecificHostname(h) {
		e.origHostname = h
	}
	cfg.DNS.SetInitialHostname(e.origHostname)

	if cfg.Firewall != nil {
		e.cancels = append(e.cancels, cfg.Firewall.OnStarted(func() {
			e.q.push(evFirewallStarted{})
		}))
	}
	e.cancels = append(e.cancels, cfg.DNS.OnConfigChanged(func() {
		e.q.push(evDNSConfigChanged{})
	}))

	m := cfg.Manager
	e.cancels = append(e.cancels,
		m.OnHostnameChanged(func() { e.q.push(evManagerHostnameChanged{}) }),
		m.OnSleepingChanged(func() { e.q.push(evManagerSleepingChanged{}) }),
		m.OnNetworkingEnabledChanged(func() { e.q.push(evManagerSleepingChanged{}) }),
		m.OnDeviceAdded(func(d *device.Device) { e.q.push(evDeviceAdded{d}) }),
		m.OnDeviceRemoved(func(d *device.Device) { e.q.push(evDeviceRemoved{d}) }),
		m.OnActiveConnectionAdded(func(ac ActiveConnection) { e.q.push(evActiveConnectionAdded{ac}) }),
		m.OnActiveConnectionRemoved(func(ac ActiveConnection) { e.q.push(evActiveConnectionRemoved{ac}) }),
	)

	s := cfg.Settings
	e.cancels = append(e.cancels,
		s.OnConnectionAdded(func(c *settings.Connection) { e.q.push(evConnectionAdded{c}) }),
		s.OnConnectionUpdated(func(c *settings.Connection, byUser bool) { e.q.push(evConnectionUpdated{c, byUser}) }),
		s.OnConnectionRemoved(func(c *settings.Connection) { e.q.push(evConnectionRemoved{c}) }),
		s.OnConnectionVisibilityChanged(func(c *settings.Connection) { e.q.push(evConnectionVisibilityChanged{c}) }),
		s.OnAgentRegistered(func() { e.q.push(evAgentRegistered{}) }),
	)

	// Devices that existed before the engine did.
	for _, d := range m.Devices() {
		e.q.push(evDeviceAdded{d})
	}

	go e.loop()
	return e
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		if ev, ok := e.q.pop(); ok {
			if e.handle(ev) {
				return
			}
			continue
		}
		if t := e.popIdle(); t != nil {
			t.run()
			continue
		}
		e.releaseSyncWaiters()
		<-e.q.notify
	}
}

// pushIdle appends a deferred task, returning its handle.
func (e *Engine) pushIdle(run func()) *idleTask {
	t := &idleTask{run: run}
	e.idleQ = append(e.idleQ, t)
	return t
}

func (e *Engine) popIdle() *idleTask {
	for len(e.idleQ) > 0 {
		t := e.idleQ[0]
		e.idleQ = e.idleQ[1:]
		if !t.cancelled {
			return t
		}
	}
	return nil
}

func (e *Engine) idleEmpty() bool {
	for _, t := range e.idleQ {
		if !t.cancelled {
			return false
		}
	}
	return true
}

// Sync blocks until all posted events and the idle tasks they spawned
// have run. Intended for tests and orderly shutdown.
func (e *Engine) Sync() {
	ch := make(chan struct{})
	e.q.push(evSync{ch})
	select {
	case <-ch:
	case <-e.done:
	}
}

func (e *Engine) syncRequested(ch chan struct{}) {
	if e.q.empty() && e.idleEmpty() {
		close(ch)
		return
	}
	e.syncWaiters = append(e.syncWaiters, ch)
}

func (e *Engine) releaseSyncWaiters() {
	for _, ch := range e.syncWaiters {
		close(ch)
	}
	e.syncWaiters = nil
}

// Close disposes the engine: the loop drains its current event, runs
// teardown and exits. Safe to call once.
func (e *Engine) Close() {
	ch := make(chan struct{})
	e.q.push(evClose{ch})
	<-ch
	<-e.done
}

// teardown runs on the loop as the last thing the engine does.
func (e *Engine) teardown() {
	e.cancelLookup()
	e.lookupValid = false

	for len(e.pendingChecks) > 0 {
		e.freeActivationCheck(e.pendingChecks[0])
	}
	e.pendingSecondaries = nil

	if e.resetRetriesTimer != nil {
		e.resetRetriesTimer.Stop()
		e.resetRetriesTimer = nil
	}
	if e.activateAllTask != nil {
		e.activateAllTask.cancelled = true
		e.activateAllTask = nil
	}

	for dev := range e.devices {
		e.unregisterDevice(dev)
	}
	for ac := range e.acSubs {
		for _, cancel := range e.acSubs[ac] {
			cancel()
		}
		delete(e.acSubs, ac)
	}

	for i := len(e.cancels) - 1; i >= 0; i-- {
		e.cancels[i]()
	}
	e.cancels = nil

	e.releaseSyncWaiters()
}

// Default4 returns the current IPv4 default device, if any.
func (e *Engine) Default4() *device.Device { return e.default4.Load() }

// Default6 returns the current IPv6 default device, if any.
func (e *Engine) Default6() *device.Device { return e.default6.Load() }

// Activating4 returns the device about to become the IPv4 default.
func (e *Engine) Activating4() *device.Device { return e.activating4.Load() }

// Activating6 returns the device about to become the IPv6 default.
func (e *Engine) Activating6() *device.Device { return e.activating6.Load() }

/* device registration */

func (e *Engine) deviceAdded(dev *device.Device) {
	if _, ok := e.devices[dev]; ok {
		e.log.Warn("device added twice", "domain", "device", "device", dev.Name())
		return
	}

	// The state hook is registered here, after the device's own
	// bookkeeping hooks, so policy observes transitions with the
	// device's view already settled.
	cancels := []func(){
		dev.OnStateChanged(func(d *device.Device, newState, oldState device.State, reason device.StateReason) {
			e.q.push(evDeviceStateChanged{d, newState, oldState, reason})
		}),
		dev.OnIP4ConfigChanged(func(d *device.Device, newCfg, oldCfg *ipconfig.Config) {
			e.q.push(evDeviceIP4ConfigChanged{d, newCfg, oldCfg})
		}),
		dev.OnIP6ConfigChanged(func(d *device.Device, newCfg, oldCfg *ipconfig.Config) {
			e.q.push(evDeviceIP6ConfigChanged{d, newCfg, oldCfg})
		}),
		dev.OnAutoconnectChanged(func(d *device.Device) {
			e.q.push(evDeviceAutoconnectChanged{d})
		}),
		dev.OnRecheckAutoActivate(func(d *device.Device) {
			e.q.push(evDeviceRecheckAutoActivate{d})
		}),
	}
	e.devices[dev] = cancels
}

func (e *Engine) unregisterDevice(dev *device.Device) {
	for _, cancel := range e.devices[dev] {
		cancel()
	}
	delete(e.devices, dev)
}

func (e *Engine) deviceRemoved(dev *device.Device) {
	e.clearPendingActivateCheck(dev)
	if _, ok := e.devices[dev]; ok {
		e.unregisterDevice(dev)
	}
	// No routing or DNS recompute here: the device already went
	// through UNMANAGED, which did it.
}

/* active connection registration */

func (e *Engine) activeConnectionAdded(ac ActiveConnection) {
	var cancels []func()
	if vpn, ok := ac.(VPNConnection); ok {
		cancels = append(cancels,
			vpn.OnVPNStateChanged(func(newState, oldState VPNState) {
				e.q.push(evVPNStateChanged{vpn, newState, oldState})
			}),
			vpn.OnRetryAfterFailure(func() {
				e.q.push(evVPNRetryAfterFailure{vpn})
			}),
		)
	}
	cancels = append(cancels, ac.OnStateChanged(func(state ActiveState) {
		e.q.push(evActiveStateChanged{ac, state})
	}))
	e.acSubs[ac] = cancels
}

func (e *Engine) activeConnectionRemoved(ac ActiveConnection) {
	for _, cancel := range e.acSubs[ac] {
		cancel()
	}
	delete(e.acSubs, ac)

	// A session that left the inventory no longer carries a family default.
	ac.SetDefault4(false)
	ac.SetDefault6(false)
}

/* manager-level events */

func (e *Engine) sleepingChanged() {
	sleeping := e.cfg.Manager.Sleeping()
	enabled := e.cfg.Manager.NetworkingEnabled()

	// Reset retries on all connections so they are rechecked on
	// wakeup; on wakeup itself, recheck.
	if sleeping || !enabled {
		e.resetAutoconnectAll(nil)
	} else {
		e.scheduleActivateAll()
	}
}

func (e *Engine) firewallStarted() {
	for _, dev := range e.cfg.Manager.Devices() {
		dev.UpdateFirewallZone()
	}
}

/* settings events */

func (e *Engine) connectionUpdated(conn *settings.Connection, byUser bool) {
	if byUser {
		var target *device.Device
		for _, dev := range e.cfg.Manager.Devices() {
			if dev.SettingsConnection() == conn {
				target = dev
				break
			}
		}
		if target != nil {
			target.ReapplySettingsImmediately()
		}
		conn.ResetAutoconnectRetries()
	}
	e.scheduleActivateAll()
}

func (e *Engine) deactivateIfActive(conn *settings.Connection) {
	// Deactivation mutates the manager's session list; walk a copy.
	for _, ac := range slices.Clone(e.cfg.Manager.ActiveConnections()) {
		if ac.SettingsConnection() != conn || ac.State() > ActiveStateActivated {
			continue
		}
		if err := e.cfg.Manager.DeactivateConnection(ac.Path(), device.ReasonConnectionRemoved); err != nil {
			e.log.Warn("connection disappeared, but deactivating it failed",
				"domain", "device", "connection", conn.ID(), "error", err)
		}
	}
}
