// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exports policy decision counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates the policy engine's Prometheus metrics.
type Collector struct {
	AutoActivations       *prometheus.CounterVec
	AutoActivationFailed  prometheus.Counter
	HostnameChanges       prometheus.Counter
	DefaultDeviceChanges  *prometheus.CounterVec
	RetryResets           prometheus.Counter
	SecondaryTransactions *prometheus.CounterVec
}

// NewCollector builds and registers the collectors on reg. Pass
// prometheus.DefaultRegisterer for the usual process registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		AutoActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connd_policy_auto_activations_total",
			Help: "Auto-activation attempts handed to the manager, by activation type.",
		}, []string{"type"}),
		AutoActivationFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connd_policy_auto_activation_failures_total",
			Help: "Auto-activation attempts refused by the manager.",
		}),
		HostnameChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connd_policy_hostname_changes_total",
			Help: "System hostname decisions applied by the policy engine.",
		}),
		DefaultDeviceChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connd_policy_default_device_changes_total",
			Help: "Default device changes, by address family.",
		}, []string{"family"}),
		RetryResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connd_policy_retry_resets_total",
			Help: "Connections whose autoconnect retries were restored by the reset timer.",
		}),
		SecondaryTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connd_policy_secondary_results_total",
			Help: "Secondary connection set outcomes, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.AutoActivations,
			c.AutoActivationFailed,
			c.HostnameChanges,
			c.DefaultDeviceChanges,
			c.RetryResets,
			c.SecondaryTransactions,
		)
	}
	return c
}
