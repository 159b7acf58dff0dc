// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package manager

import (
	"context"
	"fmt"
)

// WatchLinks requires rtnetlink; it is unavailable on this platform.
func (m *Manager) WatchLinks(ctx context.Context) error {
	return fmt.Errorf("link watching is only supported on linux")
}
