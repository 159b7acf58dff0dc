// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy_test

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"grimm.is/connd/internal/dispatcher"
	"grimm.is/connd/internal/dnsmgr"
	"grimm.is/connd/internal/ipconfig"
	"grimm.is/connd/internal/platform"
)

// fakeDNS records every DNS-manager call the engine makes.
type fakeDNS struct {
	mu       sync.Mutex
	depth    int
	maxDepth int
	ops      []dnsOp
	hostname string
	initial  string
	hooks    []func()
}

type dnsOp struct {
	op    string // "add4", "add6", "remove4", "remove6"
	iface string
	cfg   *ipconfig.Config
	typ   dnsmgr.IPConfigType
}

func (d *fakeDNS) BeginUpdates(tag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.depth++
	if d.depth > d.maxDepth {
		d.maxDepth = d.depth
	}
}

func (d *fakeDNS) EndUpdates(tag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.depth--
}

func (d *fakeDNS) AddIP4Config(iface string, cfg *ipconfig.Config, typ dnsmgr.IPConfigType) {
	d.record(dnsOp{op: "add4", iface: iface, cfg: cfg, typ: typ})
}

func (d *fakeDNS) AddIP6Config(iface string, cfg *ipconfig.Config, typ dnsmgr.IPConfigType) {
	d.record(dnsOp{op: "add6", iface: iface, cfg: cfg, typ: typ})
}

func (d *fakeDNS) RemoveIP4Config(cfg *ipconfig.Config) {
	d.record(dnsOp{op: "remove4", cfg: cfg})
}

func (d *fakeDNS) RemoveIP6Config(cfg *ipconfig.Config) {
	d.record(dnsOp{op: "remove6", cfg: cfg})
}

func (d *fakeDNS) SetHostname(hostname string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hostname = hostname
}

func (d *fakeDNS) SetInitialHostname(hostname string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initial = hostname
}

func (d *fakeDNS) OnConfigChanged(f func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, f)
	return func() {}
}

func (d *fakeDNS) fireConfigChanged() {
	d.mu.Lock()
	hooks := append([]func(){}, d.hooks...)
	d.mu.Unlock()
	for _, f := range hooks {
		f()
	}
}

func (d *fakeDNS) record(op dnsOp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, op)
}

// lastTypeFor returns the type of the most recent add for cfg.
func (d *fakeDNS) lastTypeFor(cfg *ipconfig.Config) (dnsmgr.IPConfigType, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.ops) - 1; i >= 0; i-- {
		op := d.ops[i]
		if op.cfg == cfg && (op.op == "add4" || op.op == "add6") {
			return op.typ, true
		}
	}
	return 0, false
}

func (d *fakeDNS) added(cfg *ipconfig.Config) bool {
	_, ok := d.lastTypeFor(cfg)
	return ok
}

func (d *fakeDNS) removed(cfg *ipconfig.Config) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range d.ops {
		if op.cfg == cfg && (op.op == "remove4" || op.op == "remove6") {
			return true
		}
	}
	return false
}

// fakeResolver answers reverse lookups from a programmable function.
type fakeResolver struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, addr netip.Addr) (string, error)
	calls []netip.Addr
}

func (r *fakeResolver) LookupByAddr(ctx context.Context, addr netip.Addr) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, addr)
	fn := r.fn
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if fn == nil {
		return "", fmt.Errorf("no PTR record for %s", addr)
	}
	return fn(ctx, addr)
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// fakePlatform serves kernel link state from a map.
type fakePlatform struct {
	mu    sync.Mutex
	links map[int]platform.Link
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{links: make(map[int]platform.Link)}
}

func (p *fakePlatform) setLink(l platform.Link) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.links[l.Index] = l
}

func (p *fakePlatform) LinkByIndex(ifindex int) (platform.Link, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.links[ifindex]
	return l, ok
}

// fakeDispatcher records dispatched actions.
type fakeDispatcher struct {
	mu      sync.Mutex
	actions []dispatcher.Action
}

func (d *fakeDispatcher) Call(action dispatcher.Action, args ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, action)
}

func (d *fakeDispatcher) count(action dispatcher.Action) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, a := range d.actions {
		if a == action {
			n++
		}
	}
	return n
}

// kernelHostname is the fake gethostname/sethostname backend.
type kernelHostname struct {
	mu   sync.Mutex
	name string
	sets int
	err  error
}

func (k *kernelHostname) get() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.name, nil
}

func (k *kernelHostname) set(name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sets++
	if k.err != nil {
		return k.err
	}
	k.name = name
	return nil
}

func (k *kernelHostname) current() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.name
}

func (k *kernelHostname) setCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sets
}
