// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package resolver performs reverse-DNS lookups against the system's
// configured nameservers.
package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
)

// Resolver answers PTR queries for addresses.
type Resolver struct {
	// ResolvConfPath points at the resolver configuration consulted
	// for upstream servers; defaults to /etc/resolv.conf.
	ResolvConfPath string
}

// New returns a resolver reading servers from the default location.
func New() *Resolver {
	return &Resolver{ResolvConfPath: "/etc/resolv.conf"}
}

// LookupByAddr resolves addr to a hostname via a PTR query. The
// context governs cancellation and deadlines; a cancelled lookup
// returns the context's error.
func (r *Resolver) LookupByAddr(ctx context.Context, addr netip.Addr) (string, error) {
	cfg, err := dns.ClientConfigFromFile(r.ResolvConfPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", r.ResolvConfPath, err)
	}
	if len(cfg.Servers) == 0 {
		return "", fmt.Errorf("no nameservers configured")
	}

	rev, err := dns.ReverseAddr(addr.String())
	if err != nil {
		return "", fmt.Errorf("reverse form of %s: %w", addr, err)
	}

	q := new(dns.Msg)
	q.SetQuestion(rev, dns.TypePTR)
	q.RecursionDesired = true

	client := &dns.Client{}
	var lastErr error
	for _, server := range cfg.Servers {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, _, err := client.ExchangeContext(ctx, q, net.JoinHostPort(server, cfg.Port))
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("server %s: %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}
		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, "."), nil
			}
		}
		lastErr = fmt.Errorf("server %s: no PTR record", server)
	}
	return "", fmt.Errorf("reverse lookup of %s failed: %w", addr, lastErr)
}
