package irc

import (
	"fmt"
	"strings"
)

// Fold lowercases s using rfc1459 casemapping, where []\~ are the uppercase
// forms of {}|^.
func Fold(s string) string {
	b := []byte(s)
	for i, c := range b {
		b[i] = foldByte(c)
	}
	return string(b)
}

func foldByte(c byte) byte {
	switch {
	case c >= 'A' && c <= 'Z':
		return c + ('a' - 'A')
	case c == '[':
		return '{'
	case c == ']':
		return '}'
	case c == '\\':
		return '|'
	case c == '~':
		return '^'
	}
	return c
}

// Equal compares two names under rfc1459 casemapping.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if foldByte(a[i]) != foldByte(b[i]) {
			return false
		}
	}
	return true
}

// Match reports whether s matches the glob mask. '*' matches any run of bytes,
// '?' exactly one. Comparison is case-insensitive.
func Match(mask, s string) bool {
	m, i := 0, 0
	star, mark := -1, 0
	for i < len(s) {
		switch {
		case m < len(mask) && mask[m] == '*':
			star = m
			mark = i
			m++
		case m < len(mask) && (mask[m] == '?' || foldByte(mask[m]) == foldByte(s[i])):
			m++
			i++
		case star >= 0:
			m = star + 1
			mark++
			i = mark
		default:
			return false
		}
	}
	for m < len(mask) && mask[m] == '*' {
		m++
	}
	return m == len(mask)
}

// ParseHostmask splits nick!user@host. Missing parts are returned empty.
func ParseHostmask(hostmask string) (nick, user, host string) {
	nick, rest, ok := strings.Cut(hostmask, "!")
	if !ok {
		if u, h, ok := strings.Cut(hostmask, "@"); ok {
			return "", u, h
		}
		return hostmask, "", ""
	}
	user, host, _ = strings.Cut(rest, "@")
	return nick, user, host
}

// FormatHostmask formats nick!user@host.
func FormatHostmask(nick, user, host string) string {
	return fmt.Sprintf("%s!%s@%s", nick, user, host)
}

// ValidNick checks the nickname grammar: a letter or special first, then
// letters, digits, specials or '-'.
func ValidNick(nick string, maxLen int) bool {
	if nick == "" || len(nick) > maxLen {
		return false
	}
	for i := 0; i < len(nick); i++ {
		c := nick[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case strings.IndexByte("[]\\`_^{|}", c) >= 0:
		case i > 0 && (c >= '0' && c <= '9' || c == '-'):
		default:
			return false
		}
	}
	return true
}

// ValidChannel checks that name starts with '#' or '&' and contains no space,
// comma, BEL or colon.
func ValidChannel(name string) bool {
	if len(name) < 2 || len(name) > 50 {
		return false
	}
	if name[0] != '#' && name[0] != '&' {
		return false
	}
	return !strings.ContainsAny(name, " ,\x07:\r\n\x00")
}

// ValidSID reports whether sid is a TS6 server id: a digit followed by two
// digits or uppercase letters.
func ValidSID(sid string) bool {
	if len(sid) != 3 || sid[0] < '0' || sid[0] > '9' {
		return false
	}
	for i := 1; i < 3; i++ {
		c := sid[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

// ValidUID reports whether uid is a TS6 user id: a SID and six characters,
// the first of which is a letter.
func ValidUID(uid string) bool {
	if len(uid) != 9 || !ValidSID(uid[:3]) {
		return false
	}
	if uid[3] < 'A' || uid[3] > 'Z' {
		return false
	}
	for i := 4; i < 9; i++ {
		c := uid[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}
