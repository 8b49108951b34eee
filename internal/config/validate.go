// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"grimm.is/interceptor/internal/flow"
)

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks a defaulted configuration.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Engine.MaxEntries < 1 {
		errs.add("engine.max_entries", "must be positive")
	}
	if c.Engine.MaxQueuedPackets < 1 {
		errs.add("engine.max_queued_packets", "must be positive")
	}
	if c.Engine.EventQueueSize < 1 {
		errs.add("engine.event_queue_size", "must be positive")
	}
	checkDuration(&errs, "engine.idle_timeout", c.Engine.IdleTimeout)
	checkDuration(&errs, "engine.sweep_interval", c.Engine.SweepInterval)
	checkDuration(&errs, "diag.echo_interval", c.Diag.EchoInterval)
	checkDuration(&errs, "control.stream_interval", c.Control.StreamInterval)

	if c.Diag.Capacity < 1 {
		errs.add("diag.capacity", "must be positive")
	}
	if c.NFQueue.QueueNum < 0 || c.NFQueue.QueueNum > 65535 {
		errs.add("nfqueue.queue_num", "must be in 0-65535")
	}

	seen := make(map[string]bool)
	for i, r := range c.Rules {
		field := fmt.Sprintf("rule[%d]", i)
		if r.Name != "" {
			field = fmt.Sprintf("rule.%s", r.Name)
			if seen[r.Name] {
				errs.add(field, "duplicate rule name")
			}
			seen[r.Name] = true
		}
		r.validate(&errs, field)
	}
	return errs
}

func checkDuration(errs *ValidationErrors, field, s string) {
	if d, err := time.ParseDuration(s); err != nil || d <= 0 {
		errs.add(field, "invalid duration %q", s)
	}
}

func (r Rule) validate(errs *ValidationErrors, field string) {
	if r.Protocol != "" {
		if _, err := flow.ParseProtocol(r.Protocol); err != nil {
			errs.add(field+".protocol", "%v", err)
		}
	}
	switch strings.ToLower(r.Direction) {
	case "", "inbound", "outbound":
	default:
		errs.add(field+".direction", "must be inbound or outbound")
	}
	for name, v := range map[string]string{"local": r.Local, "remote": r.Remote} {
		if v == "" {
			continue
		}
		if _, err := ParsePrefix(v); err != nil {
			errs.add(field+"."+name, "%v", err)
		}
	}
	for name, p := range map[string]int{"local_port": r.LocalPort, "remote_port": r.RemotePort, "redirect_port": r.RedirectPort} {
		if p < 0 || p > 65535 {
			errs.add(field+"."+name, "out of range")
		}
	}

	v, err := flow.ParseVerdict(r.Verdict)
	if err != nil {
		errs.add(field+".verdict", "%v", err)
		return
	}
	if v == flow.VerdictUndecided {
		errs.add(field+".verdict", "undecided is not a rule verdict")
	}
	if v == flow.VerdictRedirect {
		if _, err := netip.ParseAddr(r.RedirectAddress); err != nil {
			errs.add(field+".redirect_address", "required for redirect: %v", err)
		}
		if r.RedirectPort == 0 {
			errs.add(field+".redirect_port", "required for redirect")
		}
	}
}

// ParsePrefix accepts a CIDR or a bare address.
func ParsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}
