// Package access decides whether connections, operators and server links are
// admitted, using K/D/G/I/O/U/A-lines.
package access

import (
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/presbrey/ts6d/irc"
)

// Kind identifies a line category.
type Kind string

const (
	KLine Kind = "K"
	DLine Kind = "D"
	GLine Kind = "G"
	ILine Kind = "I"
	OLine Kind = "O"
	ULine Kind = "U"
	ALine Kind = "A"
)

// Kinds lists every category in evaluation order.
var Kinds = []Kind{DLine, KLine, GLine, ILine, OLine, ULine, ALine}

// ParseKind accepts "K", "kline", "k-line" and similar spellings.
func ParseKind(s string) (Kind, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(strings.TrimSuffix(s, "LINES"), "LINE")
	s = strings.TrimSuffix(s, "-")
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown line kind %q", s)
}

// Line is one ban or permission record. Fields not meaningful for a kind are
// left empty. Duration is in seconds; zero means permanent.
type Line struct {
	Kind           Kind      `json:"-" yaml:"-" toml:"-"`
	Mask           string    `json:"mask,omitempty" yaml:"mask,omitempty" toml:"mask,omitempty"`
	IP             string    `json:"ip,omitempty" yaml:"ip,omitempty" toml:"ip,omitempty"`
	Reason         string    `json:"reason,omitempty" yaml:"reason,omitempty" toml:"reason,omitempty"`
	SetBy          string    `json:"set_by,omitempty" yaml:"set_by,omitempty" toml:"set_by,omitempty"`
	SetAt          time.Time `json:"set_at,omitempty" yaml:"set_at,omitempty" toml:"set_at,omitempty"`
	Duration       int64     `json:"duration,omitempty" yaml:"duration,omitempty" toml:"duration,omitempty" validate:"gte=0"`
	Class          string    `json:"class,omitempty" yaml:"class,omitempty" toml:"class,omitempty"`
	MaxConnections int       `json:"max_connections,omitempty" yaml:"max_connections,omitempty" toml:"max_connections,omitempty" validate:"gte=0"`
	Password       string    `json:"password,omitempty" yaml:"password,omitempty" toml:"password,omitempty"`
	Flags          []string  `json:"flags,omitempty" yaml:"flags,omitempty" toml:"flags,omitempty"`
	Server         string    `json:"server,omitempty" yaml:"server,omitempty" toml:"server,omitempty"`
	Name           string    `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
}

// Key identifies the line within its kind: the IP for D-lines, the server for
// U-lines, the name for O-lines, otherwise the mask.
func (l Line) Key() string {
	switch l.Kind {
	case DLine:
		if l.IP != "" {
			return l.IP
		}
	case ULine:
		if l.Server != "" {
			return l.Server
		}
	case OLine:
		if l.Name != "" {
			return l.Name
		}
	}
	return l.Mask
}

// MaxDuration is the longest duration in seconds a line can expire after.
// Longer lines are permanent.
const MaxDuration = int64(math.MaxInt64 / int64(time.Second))

// ClampDuration returns seconds, or zero (permanent) when it is negative or
// exceeds MaxDuration.
func ClampDuration(seconds int64) int64 {
	if seconds < 0 || seconds > MaxDuration {
		return 0
	}
	return seconds
}

// DurationFromMinutes converts an operator-supplied minute count to a line
// duration without overflowing.
func DurationFromMinutes(minutes int64) int64 {
	if minutes < 0 || minutes > MaxDuration/60 {
		return 0
	}
	return minutes * 60
}

// Permanent reports whether the line never expires.
func (l Line) Permanent() bool { return l.Duration <= 0 || l.Duration > MaxDuration }

// ExpiresAt returns when the line stops matching, or the zero time for a
// permanent line.
func (l Line) ExpiresAt() time.Time {
	if l.Permanent() {
		return time.Time{}
	}
	return l.SetAt.Add(time.Duration(l.Duration) * time.Second)
}

// Expired reports whether the line has lapsed at now.
func (l Line) Expired(now time.Time) bool {
	if l.Permanent() {
		return false
	}
	return now.After(l.ExpiresAt())
}

// HasFlag reports whether flag is set, case-insensitively.
func (l Line) HasFlag(flag string) bool {
	for _, f := range l.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// matchIP tests an IP against a D-line pattern: exact address, CIDR block
// or glob.
func matchIP(pattern, ip string) bool {
	if pattern == "" || ip == "" {
		return false
	}
	if strings.Contains(pattern, "/") {
		_, block, err := net.ParseCIDR(pattern)
		if err != nil {
			return false
		}
		addr := net.ParseIP(ip)
		return addr != nil && block.Contains(addr)
	}
	if pa, ia := net.ParseIP(pattern), net.ParseIP(ip); pa != nil && ia != nil {
		return pa.Equal(ia)
	}
	return irc.Match(pattern, ip)
}

// matchIdentity tests a user mask against the connection. Masks with '!'
// are matched against nick!user@host; others against user@host. Both the
// real host and the IP are tried in the host position.
func matchIdentity(mask string, c Conn) bool {
	if mask == "" {
		return false
	}
	nick := c.Nick
	if nick == "" {
		nick = "*"
	}
	hosts := []string{c.Host}
	if c.IP != "" && c.IP != c.Host {
		hosts = append(hosts, c.IP)
	}
	for _, host := range hosts {
		if host == "" {
			continue
		}
		if strings.Contains(mask, "!") {
			if irc.Match(mask, irc.FormatHostmask(nick, c.User, host)) {
				return true
			}
			continue
		}
		if strings.Contains(mask, "@") {
			if irc.Match(mask, c.User+"@"+host) {
				return true
			}
			continue
		}
		if irc.Match(mask, host) {
			return true
		}
	}
	return false
}
