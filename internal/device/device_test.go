// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package device

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/connd/internal/auth"
	"grimm.is/connd/internal/ipconfig"
	"grimm.is/connd/internal/logging"
	"grimm.is/connd/internal/settings"
)

func testDevice(t *testing.T) *Device {
	t.Helper()
	logger := logging.New(logging.Config{Level: "error", Output: io.Discard})
	return New(logger, Options{Name: "eth0", Ifindex: 2, Type: "ethernet"})
}

func TestStateHooksRunInRegistrationOrder(t *testing.T) {
	d := testDevice(t)

	var order []string
	d.OnStateChanged(func(*Device, State, State, StateReason) { order = append(order, "first") })
	d.OnStateChanged(func(*Device, State, State, StateReason) { order = append(order, "second") })

	d.SetState(StateUnavailable, ReasonNone)
	require.Equal(t, []string{"first", "second"}, order)
}

func TestSetStateDeduplicates(t *testing.T) {
	d := testDevice(t)

	calls := 0
	d.OnStateChanged(func(*Device, State, State, StateReason) { calls++ })

	d.SetState(StateUnavailable, ReasonNone)
	d.SetState(StateUnavailable, ReasonCarrier)
	assert.Equal(t, 1, calls, "same-state transition is a no-op")
}

func TestHookCancel(t *testing.T) {
	d := testDevice(t)

	calls := 0
	cancel := d.OnStateChanged(func(*Device, State, State, StateReason) { calls++ })
	d.SetState(StateUnavailable, ReasonNone)
	cancel()
	d.SetState(StateDisconnected, ReasonNone)

	assert.Equal(t, 1, calls)
}

func TestAssumeHintIsOneShot(t *testing.T) {
	d := testDevice(t)

	d.SetAssumeConnectionUUID("abc")
	assert.Equal(t, "abc", d.StealAssumeConnectionUUID())
	assert.Equal(t, "", d.StealAssumeConnectionUUID(), "consumed on read")
}

func TestPendingActionSlots(t *testing.T) {
	d := testDevice(t)

	assert.False(t, d.HasPendingAction("autoactivate"))
	d.AddPendingAction("autoactivate")
	d.AddPendingAction("autoactivate")
	assert.True(t, d.HasPendingAction("autoactivate"))

	d.RemovePendingAction("autoactivate")
	assert.True(t, d.HasPendingAction("autoactivate"), "slots nest")
	d.RemovePendingAction("autoactivate")
	assert.False(t, d.HasPendingAction("autoactivate"))

	// Releasing an empty slot is harmless.
	d.RemovePendingAction("autoactivate")
	assert.False(t, d.HasPendingAction("autoactivate"))
}

func TestIPConfigChangeHooks(t *testing.T) {
	d := testDevice(t)

	var gotNew, gotOld *ipconfig.Config
	d.OnIP4ConfigChanged(func(_ *Device, newCfg, oldCfg *ipconfig.Config) {
		gotNew, gotOld = newCfg, oldCfg
	})

	first := &ipconfig.Config{RouteMetric: 100}
	second := &ipconfig.Config{RouteMetric: 50}

	d.SetIP4Config(first)
	assert.Same(t, first, gotNew)
	assert.Nil(t, gotOld)

	d.SetIP4Config(second)
	assert.Same(t, second, gotNew)
	assert.Same(t, first, gotOld)

	calls := gotNew
	d.SetIP4Config(second)
	assert.Same(t, calls, gotNew, "same pointer is a no-op")
}

func TestActivationRequestClearedOnDisconnect(t *testing.T) {
	d := testDevice(t)
	req := fakeReq{}

	d.SetActivationRequest(req)
	d.SetState(StatePrepare, ReasonNone)
	require.NotNil(t, d.ActivationRequest())

	d.SetState(StateFailed, ReasonConfigFailed)
	assert.NotNil(t, d.ActivationRequest(), "request survives FAILED for the ledger")

	d.SetState(StateDisconnected, ReasonNone)
	assert.Nil(t, d.ActivationRequest())
}

func TestIsActivatingRange(t *testing.T) {
	assert.False(t, StateDisconnected.IsActivating())
	assert.True(t, StatePrepare.IsActivating())
	assert.True(t, StateIPConfig.IsActivating())
	assert.True(t, StateSecondaries.IsActivating())
	assert.False(t, StateActivated.IsActivating())
	assert.False(t, StateFailed.IsActivating())
}

func TestDHCPOptionLookup(t *testing.T) {
	cfg := NewDHCPConfig(map[string]string{"host_name": "pc1", "domain_name": "lan"})
	assert.Equal(t, "pc1", cfg.Option("host_name"))
	assert.Equal(t, "", cfg.Option("ntp_servers"))

	var nilCfg *DHCPConfig
	assert.Equal(t, "", nilCfg.Option("host_name"), "nil config is empty")
}

type fakeReq struct{}

func (fakeReq) SettingsConnection() *settings.Connection { return nil }
func (fakeReq) AppliedConnection() *settings.Connection  { return nil }
func (fakeReq) Path() string                             { return "/is/grimm/connd/ActiveConnection/1" }
func (fakeReq) Subject() *auth.Subject                   { return auth.NewInternalSubject() }
