// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test unless INTERCEPTOR_VM_TEST is set. Tests that
// open netfilter queues, install nftables rules or send on raw sockets need
// root in a disposable VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("INTERCEPTOR_VM_TEST") == "" {
		t.Skip("Skipping test: requires INTERCEPTOR_VM_TEST environment")
	}
}

// RequireRoot skips the test unless it runs as root.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
