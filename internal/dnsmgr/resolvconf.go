// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dnsmgr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolvConfWriter renders resolver state into a resolv.conf file,
// replacing it atomically.
type ResolvConfWriter struct {
	Path string
}

// NewResolvConfWriter targets the given path, defaulting to
// /etc/resolv.conf.
func NewResolvConfWriter(path string) *ResolvConfWriter {
	if path == "" {
		path = "/etc/resolv.conf"
	}
	return &ResolvConfWriter{Path: path}
}

func (w *ResolvConfWriter) WriteResolvConf(nameservers []string, searches []string) error {
	var b strings.Builder
	b.WriteString("# Generated by connd. Do not edit.\n")
	if len(searches) > 0 {
		b.WriteString("search " + strings.Join(searches, " ") + "\n")
	}
	for _, ns := range nameservers {
		b.WriteString("nameserver " + ns + "\n")
	}

	dir := filepath.Dir(w.Path)
	tmp, err := os.CreateTemp(dir, ".resolv.conf.*")
	if err != nil {
		return fmt.Errorf("create temp resolv.conf: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write resolv.conf: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close resolv.conf: %w", err)
	}
	if err := os.Rename(name, w.Path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replace %s: %w", w.Path, err)
	}
	return nil
}
