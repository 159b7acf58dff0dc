// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hostnamed talks to systemd-hostnamed over the system bus to
// set the transient hostname without persisting it.
package hostnamed

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	busName    = "org.freedesktop.hostname1"
	objectPath = "/org/freedesktop/hostname1"
	method     = "org.freedesktop.hostname1.SetHostname"
)

// Client is a thin proxy to hostname1.
type Client struct {
	conn *dbus.Conn
}

// NewClient connects to the system bus.
func NewClient() (*Client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &Client{conn: conn}, nil
}

// SetTransientHostname applies name as the transient hostname.
func (c *Client) SetTransientHostname(ctx context.Context, name string) error {
	obj := c.conn.Object(busName, objectPath)
	call := obj.CallWithContext(ctx, method, 0, name, false)
	if call.Err != nil {
		return fmt.Errorf("hostname1 SetHostname: %w", call.Err)
	}
	return nil
}

// Close releases the bus connection.
func (c *Client) Close() error { return c.conn.Close() }
