package access

import (
	"fmt"
	"time"

	"github.com/presbrey/ts6d/irc"
)

// Verdict is the outcome category of an evaluation.
type Verdict int

const (
	Allow Verdict = iota
	Reject
	RequirePassword
	Throttle
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Reject:
		return "reject"
	case RequirePassword:
		return "require-password"
	case Throttle:
		return "throttle"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Conn holds the attributes of a connection known at evaluation time. User
// and Host are empty until registration completes.
type Conn struct {
	IP       string
	Host     string
	Nick     string
	User     string
	Password string
}

// Identified reports whether user@host is known.
func (c Conn) Identified() bool { return c.User != "" && (c.Host != "" || c.IP != "") }

// Decision is the result of Evaluate.
type Decision struct {
	Verdict Verdict
	Reason  string
	// Line is the record that decided a Reject, or the matching I-line.
	Line *Line
	// Class and MaxConnections are set on Allow once an I-line matched.
	Class          string
	MaxConnections int
	// Expected is the password an I-line demands on RequirePassword.
	Expected string
}

// Allowed reports whether the connection may proceed.
func (d Decision) Allowed() bool { return d.Verdict == Allow }

// Err converts a refusing decision into an *irc.AccessDenied.
func (d Decision) Err() error {
	if d.Verdict == Allow {
		return nil
	}
	kind := ""
	if d.Line != nil {
		kind = string(d.Line.Kind)
	}
	return &irc.AccessDenied{Kind: kind, Reason: d.Reason}
}

// Options tune evaluation.
type Options struct {
	// FallbackClass admits identified connections no I-line matched.
	FallbackClass string
}

// Evaluate decides whether c may connect. Lines are checked D, K, G, then I;
// the first match in a category decides. Before identification only D-lines
// are consulted. Expired lines never match.
func Evaluate(c Conn, lines []Line, now time.Time, opts Options) Decision {
	if l := first(lines, DLine, now, func(l Line) bool {
		ip := l.IP
		if ip == "" {
			ip = l.Mask
		}
		return matchIP(ip, c.IP)
	}); l != nil {
		return Decision{Verdict: Reject, Reason: "D-lined: " + l.Reason, Line: l}
	}

	if !c.Identified() {
		return Decision{Verdict: Allow}
	}

	identity := func(l Line) bool { return matchIdentity(l.Mask, c) }

	if l := first(lines, KLine, now, identity); l != nil {
		return Decision{Verdict: Reject, Reason: "K-lined: " + l.Reason, Line: l}
	}
	if l := first(lines, GLine, now, identity); l != nil {
		return Decision{Verdict: Reject, Reason: "G-lined: " + l.Reason, Line: l}
	}

	l := first(lines, ILine, now, identity)
	if l == nil {
		if opts.FallbackClass != "" {
			return Decision{Verdict: Allow, Class: opts.FallbackClass}
		}
		return Decision{Verdict: Reject, Reason: "No matching I-line"}
	}
	if l.Password != "" {
		if c.Password == "" {
			return Decision{Verdict: RequirePassword, Reason: "Password required", Line: l, Expected: l.Password}
		}
		if !CheckPassword(l.Password, c.Password) {
			return Decision{Verdict: Reject, Reason: "Bad password", Line: l}
		}
	}
	return Decision{Verdict: Allow, Line: l, Class: l.Class, MaxConnections: l.MaxConnections}
}

// CheckOper finds the O-line named name whose mask matches c and whose
// password matches. It returns *irc.AccessDenied on failure.
func CheckOper(name, password string, c Conn, lines []Line, now time.Time) (*Line, error) {
	for i := range lines {
		l := &lines[i]
		if l.Kind != OLine || l.Expired(now) || !irc.Equal(l.Name, name) {
			continue
		}
		if l.Mask != "" && !matchIdentity(l.Mask, c) {
			continue
		}
		if !CheckPassword(l.Password, password) {
			return nil, &irc.AccessDenied{Kind: string(OLine), Reason: "Password incorrect"}
		}
		return l, nil
	}
	return nil, &irc.AccessDenied{Kind: string(OLine), Reason: "No O-lines for your host"}
}

// IsService reports whether a U-line names server.
func IsService(server string, lines []Line, now time.Time) bool {
	return first(lines, ULine, now, func(l Line) bool {
		s := l.Server
		if s == "" {
			s = l.Mask
		}
		return irc.Match(s, server)
	}) != nil
}

// CheckLink authenticates a server link against A-lines. The A-line mask is
// matched against the server name and, when Server is set, Server must
// match the peer host or IP. It reports whether an A-line matched at all
// and, if so, whether the password was right.
func CheckLink(name, password, host, ip string, lines []Line, now time.Time) (matched bool, ok bool) {
	for i := range lines {
		l := lines[i]
		if l.Kind != ALine || l.Expired(now) {
			continue
		}
		if !irc.Match(l.Mask, name) {
			continue
		}
		if l.Server != "" && !irc.Match(l.Server, host) && !matchIP(l.Server, ip) {
			continue
		}
		return true, CheckPassword(l.Password, password)
	}
	return false, false
}

func first(lines []Line, kind Kind, now time.Time, match func(Line) bool) *Line {
	for i := range lines {
		l := &lines[i]
		if l.Kind != kind || l.Expired(now) {
			continue
		}
		if match(*l) {
			return l
		}
	}
	return nil
}
