// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"fmt"
	"net/netip"
	"strings"
)

// Verdict is the policy decision for a flow. Values are part of the control
// channel wire format.
type Verdict uint8

const (
	// VerdictUndecided is the state of a flow awaiting a user-mode decision.
	VerdictUndecided      Verdict = 0
	VerdictUndeterminable Verdict = 1
	VerdictAccept         Verdict = 2
	VerdictBlock          Verdict = 3
	// VerdictDrop blocks and absorbs silently.
	VerdictDrop     Verdict = 4
	VerdictRedirect Verdict = 5
	VerdictFailed   Verdict = 7
)

var verdictNames = map[Verdict]string{
	VerdictUndecided:      "undecided",
	VerdictUndeterminable: "undeterminable",
	VerdictAccept:         "accept",
	VerdictBlock:          "block",
	VerdictDrop:           "drop",
	VerdictRedirect:       "redirect",
	VerdictFailed:         "failed",
}

func (v Verdict) String() string {
	if s, ok := verdictNames[v]; ok {
		return s
	}
	return fmt.Sprintf("verdict(%d)", uint8(v))
}

// Valid reports whether v is a defined verdict.
func (v Verdict) Valid() bool {
	_, ok := verdictNames[v]
	return ok
}

// Decided reports whether v is terminal, i.e. anything but Undecided.
func (v Verdict) Decided() bool {
	return v != VerdictUndecided && v.Valid()
}

// ParseVerdict is the inverse of Verdict.String.
func ParseVerdict(s string) (Verdict, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for v, name := range verdictNames {
		if name == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown verdict %q", s)
}

// Action is a verdict plus the redirect target when Verdict is Redirect.
type Action struct {
	Verdict         Verdict
	RedirectAddress netip.Addr
	RedirectPort    uint16
}

// Undecided is the action held by a freshly created entry.
var Undecided = Action{Verdict: VerdictUndecided}

// RedirectTo builds a redirect action.
func RedirectTo(target netip.AddrPort) Action {
	return Action{
		Verdict:         VerdictRedirect,
		RedirectAddress: target.Addr(),
		RedirectPort:    target.Port(),
	}
}

// Target returns the redirect endpoint.
func (a Action) Target() netip.AddrPort {
	return netip.AddrPortFrom(a.RedirectAddress, a.RedirectPort)
}

func (a Action) String() string {
	if a.Verdict == VerdictRedirect {
		return fmt.Sprintf("redirect(%s)", a.Target())
	}
	return a.Verdict.String()
}
