// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package platform exposes the kernel's view of links via netlink.
// Policy code consults it to decide whether an existing link can be
// adopted as-is.
package platform

import (
	"net"

	"github.com/vishvananda/netlink"
)

// Link is the subset of kernel link state policy cares about.
type Link struct {
	Index  int
	Name   string
	Master int
	Up     bool
}

// Platform answers link queries.
type Platform interface {
	// LinkByIndex returns the kernel link with the given ifindex,
	// or ok=false if it does not exist.
	LinkByIndex(ifindex int) (Link, bool)
}

// Netlink is the real Platform backed by the rtnetlink socket.
type Netlink struct{}

func (Netlink) LinkByIndex(ifindex int) (Link, bool) {
	l, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return Link{}, false
	}
	attrs := l.Attrs()
	return Link{
		Index:  attrs.Index,
		Name:   attrs.Name,
		Master: attrs.MasterIndex,
		Up:     attrs.Flags&net.FlagUp != 0,
	}, true
}
