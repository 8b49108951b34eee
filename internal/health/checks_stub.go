// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package health

import (
	"context"
)

// CheckNftables verifies the backend's table is installed.
func CheckNftables(table string) CheckFunc {
	return func(ctx context.Context) Check {
		return Healthy("nftables unsupported on this OS (stubbed)")
	}
}

// CheckConntrack verifies connection tracking is reachable.
func CheckConntrack() CheckFunc {
	return func(ctx context.Context) Check {
		return Healthy("conntrack unsupported on this OS (stubbed)")
	}
}

// CheckInterfaces verifies a loopback interface is up.
func CheckInterfaces() CheckFunc {
	return func(ctx context.Context) Check {
		return Healthy("netlink unsupported on this OS (stubbed)")
	}
}
