// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package ctlplane

import (
	"net/netip"
	"time"

	"grimm.is/interceptor/internal/diag"
	"grimm.is/interceptor/internal/errors"
	"grimm.is/interceptor/internal/flow"
)

// EventType says what happened to a connection.
type EventType string

const (
	// EventNewFlow announces a connection that needs a verdict.
	EventNewFlow EventType = "new_flow"
	// EventFlowEnd announces a connection torn down by the kernel side.
	EventFlowEnd EventType = "flow_end"
)

// Event is one connection event as read by user mode.
type Event struct {
	Type         EventType `json:"type"`
	ID           uint64    `json:"id"`
	ProcessID    *uint64   `json:"pid,omitempty"`
	Direction    string    `json:"direction,omitempty"`
	IPv6         bool      `json:"ipv6,omitempty"`
	Protocol     string    `json:"protocol"`
	Local        string    `json:"local"`
	Remote       string    `json:"remote"`
	Interface    uint32    `json:"interface,omitempty"`
	SubInterface uint32    `json:"sub_interface,omitempty"`
}

func newFlowEvent(id uint64, info flow.Info) Event {
	k := info.Key()
	return Event{
		Type:         EventNewFlow,
		ID:           id,
		ProcessID:    info.ProcessID,
		Direction:    info.Direction.String(),
		IPv6:         info.IPv6,
		Protocol:     k.Protocol.String(),
		Local:        k.Local().String(),
		Remote:       k.Remote().String(),
		Interface:    info.InterfaceIndex,
		SubInterface: info.SubInterfaceIndex,
	}
}

func flowEndEvent(id uint64, k flow.Key) Event {
	return Event{
		Type:     EventFlowEnd,
		ID:       id,
		Protocol: k.Protocol.String(),
		Local:    k.Local().String(),
		Remote:   k.Remote().String(),
	}
}

// Key parses the connection the event refers to.
func (e Event) Key() (flow.Key, error) {
	return parseKey(e.Protocol, e.Local, e.Remote)
}

// LogLine is a diagnostic line drained from the engine's ring.
type LogLine struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	Severity string    `json:"severity"`
	Source   string    `json:"source,omitempty"`
	Message  string    `json:"message"`
}

func logLines(lines []*diag.Line) []LogLine {
	out := make([]LogLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, LogLine{
			Seq:      l.Seq,
			Time:     l.Time,
			Severity: l.Severity.String(),
			Source:   l.Prefix,
			Message:  l.Message,
		})
	}
	return out
}

// ReadResult is one batch pulled from the device.
type ReadResult struct {
	Events []Event   `json:"events"`
	Logs   []LogLine `json:"logs,omitempty"`
}

// Empty reports whether the batch carries nothing.
func (r ReadResult) Empty() bool {
	return len(r.Events) == 0 && len(r.Logs) == 0
}

// VerdictUpdate resolves one connection.
type VerdictUpdate struct {
	Protocol string `json:"protocol"`
	Local    string `json:"local"`
	Remote   string `json:"remote"`
	Verdict  string `json:"verdict"`
	// Redirect is the target address:port of a redirect verdict.
	Redirect string `json:"redirect,omitempty"`
}

// NewVerdictUpdate builds the update that applies action to k.
func NewVerdictUpdate(k flow.Key, action flow.Action) VerdictUpdate {
	u := VerdictUpdate{
		Protocol: k.Protocol.String(),
		Local:    k.Local().String(),
		Remote:   k.Remote().String(),
		Verdict:  action.Verdict.String(),
	}
	if action.Verdict == flow.VerdictRedirect {
		u.Redirect = action.Target().String()
	}
	return u
}

// Parse validates the update and returns the key and action it carries.
func (u VerdictUpdate) Parse() (flow.Key, flow.Action, error) {
	k, err := parseKey(u.Protocol, u.Local, u.Remote)
	if err != nil {
		return flow.Key{}, flow.Action{}, err
	}
	v, err := flow.ParseVerdict(u.Verdict)
	if err != nil {
		return flow.Key{}, flow.Action{}, errors.Wrap(err, errors.KindValidation, "verdict")
	}
	if v != flow.VerdictRedirect {
		return k, flow.Action{Verdict: v}, nil
	}
	target, err := netip.ParseAddrPort(u.Redirect)
	if err != nil {
		return flow.Key{}, flow.Action{}, errors.Wrap(err, errors.KindValidation, "redirect target")
	}
	return k, flow.RedirectTo(target), nil
}

func parseKey(proto, local, remote string) (flow.Key, error) {
	p, err := flow.ParseProtocol(proto)
	if err != nil {
		return flow.Key{}, errors.Wrap(err, errors.KindValidation, "protocol")
	}
	l, err := netip.ParseAddrPort(local)
	if err != nil {
		return flow.Key{}, errors.Wrap(err, errors.KindValidation, "local endpoint")
	}
	r, err := netip.ParseAddrPort(remote)
	if err != nil {
		return flow.Key{}, errors.Wrap(err, errors.KindValidation, "remote endpoint")
	}
	return flow.NewKey(p, l, r), nil
}

// Result statuses of a verdict update.
const (
	ResultOK       = "ok"
	ResultNotFound = "not_found"
	ResultInvalid  = "invalid"
	ResultError    = "error"
)

// VerdictResult reports what happened to one update.
type VerdictResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ControlReply is the response to a control request.
type ControlReply struct {
	Status string `json:"status"`
	Data   []byte `json:"data,omitempty"`
}
