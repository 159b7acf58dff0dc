// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"context"
	"errors"
	"net/netip"
	"strings"

	"golang.org/x/sys/unix"

	"grimm.is/connd/internal/device"
	"grimm.is/connd/internal/dispatcher"
)

// FallbackHostname is asserted when no source in the precedence ladder
// yields a usable name.
const FallbackHostname = "localhost.localdomain"

// isSpecificHostname rejects names that say nothing about the host.
func isSpecificHostname(name string) bool {
	switch name {
	case "", "(none)", "localhost", "localhost6",
		"localhost.localdomain", "localhost6.localdomain6":
		return false
	}
	return true
}

// setHostname applies a hostname decision. An empty name means "no
// valid hostname available": the current-name bookkeeping keeps the
// empty value, while the fallback literal goes to the kernel.
func (e *Engine) setHostname(newHostname, msg string) {
	// Obtaining a hostname from a better source means the stored
	// reverse-lookup target must not restart a lookup later.
	if newHostname != "" {
		e.lookupValid = false
	}

	switch {
	case e.origHostname != "" && !e.hostnameChanged && newHostname == e.origHostname:
		// First-ever decision and it matches the boot hostname:
		// nothing actually changes.
	case e.curHostname == newHostname:
		// Not actually changing.
	default:
		e.curHostname = newHostname
		e.hostnameChanged = true

		// The DNS manager learns the new name so a domain part can
		// join the search list.
		e.cfg.DNS.SetHostname(e.curHostname)

		if e.cfg.Metrics != nil {
			e.cfg.Metrics.HostnameChanges.Inc()
		}
	}

	name := newHostname
	if name == "" {
		name = FallbackHostname
	}

	if old, err := e.cfg.GetHostname(); err != nil {
		e.log.Warn("couldn't read the system hostname", "domain", "dns", "error", err)
	} else if old == name {
		// Already set; don't churn the kernel or the dispatcher.
		return
	}

	e.log.Info("setting system hostname", "domain", "dns", "hostname", name, "reason", msg)

	e.cfg.Settings.SetTransientHostname(name, e.transientHostnameDone)
}

// transientHostnameDone is the completion callback of the hostnamed
// proxy. It runs on the proxy's goroutine when a proxy is installed and
// inline on the engine loop when none is; either way it touches no
// engine state.
func (e *Engine) transientHostnameDone(name string, ok bool) {
	if !ok {
		if err := e.cfg.SetKernelHostname(name); err != nil {
			e.log.Warn("couldn't set the system hostname", "domain", "dns", "hostname", name, "error", err)
			if errors.Is(err, unix.EPERM) {
				e.log.Warn("you should use hostnamed when systemd hardening is in effect", "domain", "dns")
			}
			return
		}
	}
	if e.cfg.Dispatch != nil {
		e.cfg.Dispatch.Call(dispatcher.ActionHostname)
	}
}

// updateSystemHostname walks the hostname precedence ladder:
//
//  1. administrator-configured hostname from settings
//  2. DHCP-provided hostname on the best device
//  3. the hostname captured at startup
//  4. reverse DNS of the best device's first address
func (e *Engine) updateSystemHostname(best4, best6 *device.Device) {
	e.cancelLookup()

	if configured := e.cfg.Manager.Hostname(); isSpecificHostname(configured) {
		e.setHostname(configured, "from system configuration")
		return
	}

	if best4 == nil {
		best4 = e.bestIP4Device(true)
	}
	if best6 == nil {
		best6 = e.bestIP6Device(true)
	}

	if best4 == nil && best6 == nil {
		// No best device; the boot hostname if there was one, the
		// literal otherwise.
		e.setHostname(e.origHostname, "no default device")
		return
	}

	if best4 != nil {
		if h, ok := dhcpHostname(best4.DHCP4Config()); ok {
			e.setHostname(h, "from DHCPv4")
			return
		} else if h != "" {
			e.log.Warn("DHCPv4-provided hostname looks invalid; ignoring it",
				"domain", "dns", "hostname", h)
		}
	} else if best6 != nil {
		if h, ok := dhcpHostname(best6.DHCP6Config()); ok {
			e.setHostname(h, "from DHCPv6")
			return
		} else if h != "" {
			e.log.Warn("DHCPv6-provided hostname looks invalid; ignoring it",
				"domain", "dns", "hostname", h)
		}
	}

	if e.origHostname != "" {
		e.setHostname(e.origHostname, "from system startup")
		return
	}

	// Last resort: reverse DNS of the current address.
	if addr, ok := firstDeviceAddr(best4, best6); ok {
		e.lookupAddr = addr
		e.lookupValid = true
		e.startLookup()
		return
	}

	e.setHostname("", "no IP config")
}

// dhcpHostname extracts and sanitizes the host_name option. The second
// return is false when the option is absent or unusable; the first
// return then carries the raw value for diagnostics.
func dhcpHostname(cfg *device.DHCPConfig) (string, bool) {
	raw := cfg.Option("host_name")
	if raw == "" {
		return "", false
	}
	trimmed := strings.TrimLeft(raw, " \t\n\v\f\r")
	if trimmed == "" {
		return raw, false
	}
	return trimmed, true
}

func firstDeviceAddr(best4, best6 *device.Device) (netip.Addr, bool) {
	if best4 != nil {
		if a, ok := best4.IP4Config().FirstAddress(); ok {
			return a, true
		}
	}
	if best6 != nil {
		if a, ok := best6.IP6Config().FirstAddress(); ok {
			return a, true
		}
	}
	return netip.Addr{}, false
}

// startLookup kicks off an async reverse lookup of lookupAddr. At most
// one lookup is in flight; the generation counter makes completions of
// cancelled lookups inert.
func (e *Engine) startLookup() {
	if e.cfg.Resolver == nil {
		e.setHostname("", "no resolver")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.lookupCancel = cancel
	e.lookupGen++
	gen := e.lookupGen
	addr := e.lookupAddr

	go func() {
		name, err := e.cfg.Resolver.LookupByAddr(ctx, addr)
		e.q.push(evLookupDone{gen: gen, name: name, err: err})
	}()
}

// cancelLookup aborts the in-flight lookup, if any. The stored target
// address is kept: a DNS configuration change restarts from it.
// Bumping the generation makes a completion that already raced past
// the context cancellation inert.
func (e *Engine) cancelLookup() {
	if e.lookupCancel != nil {
		e.lookupCancel()
		e.lookupCancel = nil
		e.lookupGen++
	}
}

func (e *Engine) lookupDone(gen uint64, name string, err error) {
	if gen != e.lookupGen {
		// A cancelled lookup's completion; the policy may already
		// have decided something better.
		return
	}
	if e.lookupCancel != nil {
		e.lookupCancel()
		e.lookupCancel = nil
	}

	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		e.setHostname("", err.Error())
		return
	}
	e.setHostname(name, "from address lookup")
}

// dnsConfigChanged restarts the reverse lookup after the resolver
// configuration moved under it, so a result from the old resolver
// cannot win the race.
func (e *Engine) dnsConfigChanged() {
	e.cancelLookup()

	if e.lookupValid {
		e.log.Debug("restarting reverse lookup after resolver change",
			"domain", "dns", "address", e.lookupAddr.String())
		e.startLookup()
	}
}
