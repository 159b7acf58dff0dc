// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dispatcher notifies the external dispatcher service of
// network events so that site hook scripts can run. Calls are
// fire-and-forget.
package dispatcher

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"

	"grimm.is/connd/internal/logging"
)

// Action names a dispatcher event kind.
type Action string

const (
	ActionHostname Action = "hostname"
	ActionUp       Action = "up"
	ActionDown     Action = "down"
)

const (
	busName    = "is.grimm.connd.Dispatcher"
	objectPath = "/is/grimm/connd/Dispatcher"
	method     = "is.grimm.connd.Dispatcher.Action"
)

// Client invokes the dispatcher service.
type Client struct {
	logger *logging.Logger
	conn   *dbus.Conn
}

// NewClient connects to the system bus. The dispatcher service itself
// may come and go; calls to an absent service are logged and dropped.
func NewClient(logger *logging.Logger) (*Client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	return &Client{logger: logger, conn: conn}, nil
}

// Call fires the action asynchronously and never blocks the caller.
func (c *Client) Call(action Action, args ...string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		obj := c.conn.Object(busName, objectPath)
		call := obj.CallWithContext(ctx, method, 0, string(action), args)
		if call.Err != nil {
			c.logger.Debug("dispatcher call failed", "action", string(action), "error", call.Err)
		}
	}()
}

// Close releases the bus connection.
func (c *Client) Close() error { return c.conn.Close() }
