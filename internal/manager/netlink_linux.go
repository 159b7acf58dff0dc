// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package manager

import (
	"context"
	"fmt"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/connd/internal/device"
)

// softwareKinds are link kinds whose devices are created and destroyed
// in software; their autoconnect blocks must live in the settings
// store, not on the (ephemeral) device.
var softwareKinds = map[string]bool{
	"bridge": true, "bond": true, "vlan": true, "veth": true,
	"dummy": true, "tun": true, "wireguard": true, "team": true,
}

// WatchLinks mirrors kernel links into the device inventory until ctx
// ends. Loopback links are ignored.
func (m *Manager) WatchLinks(ctx context.Context) error {
	updates := make(chan netlink.LinkUpdate, 64)
	done := make(chan struct{})
	if err := netlink.LinkSubscribe(updates, done); err != nil {
		return fmt.Errorf("subscribe to link updates: %w", err)
	}

	// Seed with the links that already exist.
	links, err := netlink.LinkList()
	if err != nil {
		close(done)
		return fmt.Errorf("list links: %w", err)
	}
	for _, l := range links {
		m.linkAdded(l)
	}

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if u.Header.Type == unix.RTM_DELLINK {
					if dev := m.DeviceByName(u.Link.Attrs().Name); dev != nil {
						dev.SetState(device.StateUnmanaged, device.ReasonNone)
						m.RemoveDevice(dev)
					}
					continue
				}
				m.linkAdded(u.Link)
			}
		}
	}()
	return nil
}

func (m *Manager) linkAdded(l netlink.Link) {
	attrs := l.Attrs()
	if attrs.EncapType == "loopback" || attrs.Name == "lo" {
		return
	}
	if m.DeviceByName(attrs.Name) != nil {
		return
	}

	kind := strings.ToLower(l.Type())
	dev := device.New(m.logger, device.Options{
		Name:     attrs.Name,
		Ifindex:  attrs.Index,
		Type:     deviceTypeForKind(kind),
		Software: softwareKinds[kind],
	})
	m.AddDevice(dev)
}

func deviceTypeForKind(kind string) string {
	switch kind {
	case "wireguard", "tun":
		return "vpn"
	case "bridge", "bond", "vlan", "veth", "dummy", "team":
		return kind
	default:
		return "ethernet"
	}
}
