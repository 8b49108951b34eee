// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/nftables"
	"github.com/ti-mo/conntrack"
	"github.com/vishvananda/netlink"
)

// CheckNftables verifies the backend's table is installed.
func CheckNftables(table string) CheckFunc {
	return func(ctx context.Context) Check {
		start := time.Now()
		conn, err := nftables.New()
		if err != nil {
			return result(start, StatusUnhealthy, fmt.Sprintf("nftables connection failed: %v", err))
		}
		tables, err := conn.ListTables()
		if err != nil {
			return result(start, StatusUnhealthy, fmt.Sprintf("failed to list tables: %v", err))
		}
		for _, t := range tables {
			if t.Name == table && t.Family == nftables.TableFamilyIPv4 {
				return result(start, StatusHealthy, "table "+table+" installed")
			}
		}
		return result(start, StatusUnhealthy, "table "+table+" missing")
	}
}

// CheckConntrack verifies connection tracking is reachable. Without it flows
// are only evicted when idle.
func CheckConntrack() CheckFunc {
	return func(ctx context.Context) Check {
		start := time.Now()
		c, err := conntrack.Dial(nil)
		if err != nil {
			return result(start, StatusDegraded, fmt.Sprintf("conntrack unavailable: %v", err))
		}
		c.Close()
		return result(start, StatusHealthy, "conntrack reachable")
	}
}

// CheckInterfaces verifies a loopback interface is up; redirects to local
// proxies are delivered through it.
func CheckInterfaces() CheckFunc {
	return func(ctx context.Context) Check {
		start := time.Now()
		links, err := netlink.LinkList()
		if err != nil {
			return result(start, StatusUnhealthy, fmt.Sprintf("failed to list links: %v", err))
		}
		for _, l := range links {
			attrs := l.Attrs()
			if attrs.Flags&net.FlagLoopback != 0 && attrs.Flags&net.FlagUp != 0 {
				return result(start, StatusHealthy, fmt.Sprintf("%d links, loopback %s up", len(links), attrs.Name))
			}
		}
		return result(start, StatusDegraded, "no loopback interface up")
	}
}
