// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/connd/internal/device"
	"grimm.is/connd/internal/policy"
)

const hostnameWait = 2 * time.Second

func waitForHostname(t *testing.T, h *harness, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.kernel.current() == want
	}, hostnameWait, 5*time.Millisecond, "hostname never became %q (is %q)", want, h.kernel.current())
}

// With nothing better, the engine reverse-resolves the best device's
// first address and applies the result.
func TestHostnameFromReverseLookup(t *testing.T) {
	h := newHarness(t)
	h.resolver.fn = func(ctx context.Context, addr netip.Addr) (string, error) {
		return "host.example.net", nil
	}
	h.addConnection("office", "ethernet")
	h.start()

	dev := h.addEthDevice("eth0", 2)
	h.bringUp(dev, ip4Config("192.0.2.10/24", 100))

	waitForHostname(t, h, "host.example.net")
}

// A failing reverse lookup falls back to the well-known literal.
func TestHostnameLookupErrorFallsBack(t *testing.T) {
	h := newHarness(t)
	h.addConnection("office", "ethernet")
	h.start()

	dev := h.addEthDevice("eth0", 2)
	h.bringUp(dev, ip4Config("192.0.2.10/24", 100))

	waitForHostname(t, h, policy.FallbackHostname)
}

// A DHCP-provided hostname outranks reverse DNS; leading whitespace is
// trimmed.
func TestHostnameFromDHCP(t *testing.T) {
	h := newHarness(t)
	h.addConnection("office", "ethernet")
	h.start()

	dev := h.addEthDevice("eth0", 2)
	dev.SetDHCP4Config(device.NewDHCPConfig(map[string]string{
		"host_name": "  dhcp-host",
	}))
	h.bringUp(dev, ip4Config("192.0.2.10/24", 100))

	waitForHostname(t, h, "dhcp-host")
	assert.Zero(t, h.resolver.callCount(), "no reverse lookup when DHCP provides a name")
}

// An all-whitespace DHCP hostname is rejected and the ladder moves on
// to the startup hostname.
func TestHostnameDHCPWhitespaceRejected(t *testing.T) {
	h := newHarness(t)
	h.kernel.name = "workstation.lan"
	h.addConnection("office", "ethernet")
	h.start()

	dev := h.addEthDevice("eth0", 2)
	dev.SetDHCP4Config(device.NewDHCPConfig(map[string]string{
		"host_name": "   \t ",
	}))
	h.bringUp(dev, ip4Config("192.0.2.10/24", 100))
	h.sync()

	assert.Equal(t, "workstation.lan", h.kernel.current(), "startup hostname kept")
	assert.Zero(t, h.resolver.callCount(), "ladder stopped before reverse DNS")
}

// The administrator-configured hostname wins over everything else.
func TestHostnameConfiguredWins(t *testing.T) {
	h := newHarness(t)
	h.addConnection("office", "ethernet")
	h.start()

	h.mgr.SetHostname("fixed.example")
	h.sync()
	waitForHostname(t, h, "fixed.example")

	// DHCP on a live device does not displace the configured name.
	dev := h.addEthDevice("eth0", 2)
	dev.SetDHCP4Config(device.NewDHCPConfig(map[string]string{
		"host_name": "dhcp-host",
	}))
	h.bringUp(dev, ip4Config("192.0.2.10/24", 100))
	h.sync()

	assert.Equal(t, "fixed.example", h.kernel.current())
}

// Re-deciding the same hostname never touches the kernel again.
func TestHostnameIdempotent(t *testing.T) {
	h := newHarness(t)
	h.addConnection("office", "ethernet")
	h.start()

	h.mgr.SetHostname("fixed.example")
	h.sync()
	waitForHostname(t, h, "fixed.example")
	sets := h.kernel.setCount()

	// The full recompute on activation re-runs the ladder; the
	// decision is unchanged.
	dev := h.addEthDevice("eth0", 2)
	h.bringUp(dev, ip4Config("192.0.2.10/24", 100))
	h.sync()

	assert.Equal(t, "fixed.example", h.kernel.current())
	assert.Equal(t, sets, h.kernel.setCount(), "no redundant sethostname")
}

// With no best device at all the startup hostname applies, or the
// fallback literal when there was none; reverse DNS is not attempted.
func TestHostnameNoDevices(t *testing.T) {
	h := newHarness(t)
	h.start()

	// Force a ladder walk via the configured-hostname property
	// appearing and then emptying again.
	h.mgr.SetHostname("tmp.example")
	h.sync()
	waitForHostname(t, h, "tmp.example")

	h.mgr.SetHostname("")
	h.sync()
	waitForHostname(t, h, policy.FallbackHostname)

	assert.Zero(t, h.resolver.callCount(), "no reverse lookup without a best device")
}

// A resolver configuration change restarts a lookup that previously
// failed, so a stale answer cannot stick.
func TestHostnameLookupRestartsOnDNSChange(t *testing.T) {
	h := newHarness(t)
	h.addConnection("office", "ethernet")
	h.start()

	dev := h.addEthDevice("eth0", 2)
	h.bringUp(dev, ip4Config("192.0.2.10/24", 100))
	waitForHostname(t, h, policy.FallbackHostname)
	first := h.resolver.callCount()
	require.Greater(t, first, 0)

	h.resolver.mu.Lock()
	h.resolver.fn = func(ctx context.Context, addr netip.Addr) (string, error) {
		return "late.example.net", nil
	}
	h.resolver.mu.Unlock()

	h.dns.fireConfigChanged()
	waitForHostname(t, h, "late.example.net")
	assert.Greater(t, h.resolver.callCount(), first, "lookup restarted")
}

// The dispatcher hears about every applied hostname.
func TestHostnameDispatcherEvent(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.mgr.SetHostname("fixed.example")
	h.sync()
	waitForHostname(t, h, "fixed.example")

	require.Eventually(t, func() bool {
		return h.dispatch.count("hostname") > 0
	}, hostnameWait, 5*time.Millisecond)
}
