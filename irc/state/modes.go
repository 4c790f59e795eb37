package state

import (
	"strconv"
	"strings"
)

// Modes is a set of single-letter mode flags.
type Modes uint64

func modeBit(c byte) (Modes, bool) {
	switch {
	case c >= 'a' && c <= 'z':
		return 1 << (c - 'a'), true
	case c >= 'A' && c <= 'Z':
		return 1 << (26 + c - 'A'), true
	}
	return 0, false
}

// ParseModes builds a set from letters, ignoring '+' and anything that is
// not a letter.
func ParseModes(s string) Modes {
	var m Modes
	for i := 0; i < len(s); i++ {
		if b, ok := modeBit(s[i]); ok {
			m |= b
		}
	}
	return m
}

// Has reports whether c is set.
func (m Modes) Has(c byte) bool {
	b, ok := modeBit(c)
	return ok && m&b != 0
}

// With returns m with c set.
func (m Modes) With(c byte) Modes {
	b, _ := modeBit(c)
	return m | b
}

// Without returns m with c cleared.
func (m Modes) Without(c byte) Modes {
	b, _ := modeBit(c)
	return m &^ b
}

// Letters returns the set letters, lowercase first.
func (m Modes) Letters() string {
	var sb strings.Builder
	for c := byte('a'); c <= 'z'; c++ {
		if m.Has(c) {
			sb.WriteByte(c)
		}
	}
	for c := byte('A'); c <= 'Z'; c++ {
		if m.Has(c) {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// String returns "+" followed by the set letters.
func (m Modes) String() string { return "+" + m.Letters() }

// Status holds per-membership flags.
type Status uint8

const (
	StatusVoice Status = 1 << iota
	StatusOp
)

// Prefix returns the SJOIN / NAMES prefix for s, highest first.
func (s Status) Prefix() string {
	p := ""
	if s&StatusOp != 0 {
		p += "@"
	}
	if s&StatusVoice != 0 {
		p += "+"
	}
	return p
}

// Highest returns only the highest prefix character, as used in NAMES.
func (s Status) Highest() string {
	switch {
	case s&StatusOp != 0:
		return "@"
	case s&StatusVoice != 0:
		return "+"
	}
	return ""
}

// SplitPrefix strips status prefixes from the front of an SJOIN entry.
func SplitPrefix(entry string) (Status, string) {
	var s Status
	for len(entry) > 0 {
		switch entry[0] {
		case '@':
			s |= StatusOp
		case '+':
			s |= StatusVoice
		default:
			return s, entry
		}
		entry = entry[1:]
	}
	return s, entry
}

func statusFor(mode byte) Status {
	switch mode {
	case 'o':
		return StatusOp
	case 'v':
		return StatusVoice
	}
	return 0
}

// ModeChange is one +x or -x, with its argument when it takes one.
type ModeChange struct {
	Add  bool
	Mode byte
	Arg  string
}

// Channel mode classes.
const (
	ListModes    = "beI"
	StatusModes  = "ov"
	ParamModes   = "k"
	SetOnlyModes = "l"
	FlagModes    = "imnpst"
)

// ChannelModeKnown reports whether c is a supported channel mode.
func ChannelModeKnown(c byte) bool {
	return strings.IndexByte(ListModes+StatusModes+ParamModes+SetOnlyModes+FlagModes, c) >= 0
}

func takesArg(c byte, add bool) bool {
	switch {
	case strings.IndexByte(ListModes+StatusModes+ParamModes, c) >= 0:
		return true
	case strings.IndexByte(SetOnlyModes, c) >= 0:
		return add
	}
	return false
}

// ParseModeChanges parses a mode string with its arguments. List modes
// without an argument are returned with an empty Arg so the caller can
// answer with the list. Unknown letters are returned separately.
func ParseModeChanges(modes string, args []string) (changes []ModeChange, unknown []byte) {
	add := true
	for i := 0; i < len(modes); i++ {
		c := modes[i]
		switch c {
		case '+':
			add = true
			continue
		case '-':
			add = false
			continue
		}
		if !ChannelModeKnown(c) {
			unknown = append(unknown, c)
			continue
		}
		mc := ModeChange{Add: add, Mode: c}
		if takesArg(c, add) {
			if len(args) == 0 {
				if strings.IndexByte(ListModes, c) < 0 {
					continue
				}
			} else {
				mc.Arg = args[0]
				args = args[1:]
			}
		}
		changes = append(changes, mc)
	}
	return changes, unknown
}

// ParseUserModeChanges parses a user mode string; every letter is a flag.
func ParseUserModeChanges(modes string) []ModeChange {
	var changes []ModeChange
	add := true
	for i := 0; i < len(modes); i++ {
		switch c := modes[i]; {
		case c == '+':
			add = true
		case c == '-':
			add = false
		default:
			if _, ok := modeBit(c); ok {
				changes = append(changes, ModeChange{Add: add, Mode: c})
			}
		}
	}
	return changes
}

// FormatModeChanges renders changes as a mode string and argument list.
func FormatModeChanges(changes []ModeChange) (string, []string) {
	var sb strings.Builder
	var args []string
	dir := byte(0)
	for _, mc := range changes {
		want := byte('-')
		if mc.Add {
			want = '+'
		}
		if want != dir {
			sb.WriteByte(want)
			dir = want
		}
		sb.WriteByte(mc.Mode)
		if mc.Arg != "" {
			args = append(args, mc.Arg)
		}
	}
	if sb.Len() == 0 {
		return "+", nil
	}
	return sb.String(), args
}

// ChannelModeChanges expresses a channel's flags, key and limit as a list
// of additions, as sent in SJOIN.
func ChannelModeChanges(ch Channel) []ModeChange {
	var out []ModeChange
	for _, c := range []byte(ch.Modes.Letters()) {
		out = append(out, ModeChange{Add: true, Mode: c})
	}
	if ch.Key != "" {
		out = append(out, ModeChange{Add: true, Mode: 'k', Arg: ch.Key})
	}
	if ch.Limit > 0 {
		out = append(out, ModeChange{Add: true, Mode: 'l', Arg: strconv.Itoa(ch.Limit)})
	}
	return out
}
