// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"net/netip"
	"strings"

	"grimm.is/interceptor/internal/config"
	"grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/flow"
)

// Rule is a compiled static rule. Connections it matches are decided in the
// classify path without a round trip to user mode.
type Rule struct {
	Name        string
	Protocol    flow.Protocol // zero matches any
	Direction   *flow.Direction
	Local       netip.Prefix // invalid matches any
	Remote      netip.Prefix
	LocalPort   uint16
	RemotePort  uint16
	RemotePorts []uint16
	Action      flow.Action
}

// RuleSet is an ordered list of rules; the first match wins.
type RuleSet struct {
	rules []Rule
}

// CompileRules builds a RuleSet from configuration rules. The config layer
// has already validated them, so an error here means a caller skipped
// validation.
func CompileRules(in []config.Rule) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]Rule, 0, len(in))}
	for _, cr := range in {
		r, err := compileRule(cr)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "rule %q", cr.Name)
		}
		rs.rules = append(rs.rules, r)
	}
	return rs, nil
}

func compileRule(cr config.Rule) (Rule, error) {
	r := Rule{
		Name:       cr.Name,
		LocalPort:  uint16(cr.LocalPort),
		RemotePort: uint16(cr.RemotePort),
	}

	var err error
	if cr.Protocol != "" {
		if r.Protocol, err = flow.ParseProtocol(cr.Protocol); err != nil {
			return Rule{}, err
		}
	}
	switch strings.ToLower(cr.Direction) {
	case "inbound":
		d := flow.DirectionInbound
		r.Direction = &d
	case "outbound":
		d := flow.DirectionOutbound
		r.Direction = &d
	}
	if cr.Local != "" {
		if r.Local, err = config.ParsePrefix(cr.Local); err != nil {
			return Rule{}, err
		}
	}
	if cr.Remote != "" {
		if r.Remote, err = config.ParsePrefix(cr.Remote); err != nil {
			return Rule{}, err
		}
	}
	for _, p := range cr.RemotePorts {
		r.RemotePorts = append(r.RemotePorts, uint16(p))
	}

	v, err := flow.ParseVerdict(cr.Verdict)
	if err != nil {
		return Rule{}, err
	}
	r.Action = flow.Action{Verdict: v}
	if v == flow.VerdictRedirect {
		addr, err := netip.ParseAddr(cr.RedirectAddress)
		if err != nil {
			return Rule{}, err
		}
		r.Action = flow.RedirectTo(netip.AddrPortFrom(addr, uint16(cr.RedirectPort)))
	}
	return r, nil
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Evaluate returns the action of the first rule matching info.
func (rs *RuleSet) Evaluate(info flow.Info) (flow.Action, string, bool) {
	if rs == nil {
		return flow.Action{}, "", false
	}
	for i := range rs.rules {
		if Match(&rs.rules[i], info) {
			return rs.rules[i].Action, rs.rules[i].Name, true
		}
	}
	return flow.Action{}, "", false
}

// Match checks if a connection matches a rule.
func Match(r *Rule, info flow.Info) bool {
	if !MatchProtocol(r.Protocol, info.Protocol) {
		return false
	}
	if r.Direction != nil && *r.Direction != info.Direction {
		return false
	}
	if !MatchIP(r.Local, info.LocalIP) || !MatchIP(r.Remote, info.RemoteIP) {
		return false
	}
	if !MatchPort(r.LocalPort, nil, info.LocalPort) {
		return false
	}
	return MatchPort(r.RemotePort, r.RemotePorts, info.RemotePort)
}

// MatchProtocol checks if protocols match. Zero matches any.
func MatchProtocol(rule, pkt flow.Protocol) bool {
	return rule == 0 || rule == pkt
}

// MatchIP checks if an address belongs to a prefix. An unset prefix matches
// any address.
func MatchIP(rule netip.Prefix, addr netip.Addr) bool {
	if !rule.IsValid() {
		return true
	}
	return addr.IsValid() && rule.Contains(addr)
}

// MatchPort checks if a port matches rule port(s)
func MatchPort(single uint16, multiple []uint16, port uint16) bool {
	// If no ports specified, match all
	if single == 0 && len(multiple) == 0 {
		return true
	}
	if single != 0 && single == port {
		return true
	}
	for _, p := range multiple {
		if p == port {
			return true
		}
	}
	return false
}
