package irc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFold(t *testing.T) {
	assert.Equal(t, "nick{}|^", Fold("NICK[]\\~"))
	assert.True(t, Equal("Foo[Bar]", "foo{bar}"))
	assert.False(t, Equal("foo", "fooo"))
}

func TestMatch(t *testing.T) {
	tests := []struct {
		mask  string
		input string
		want  bool
	}{
		{"*!*@badhost.com", "user!ident@badhost.com", true},
		{"*!*@badhost.com", "user!ident@BadHost.COM", true},
		{"*!*@badhost.com", "user!ident@goodhost.com", false},
		{"*@*.example.net", "bob@a.b.example.net", true},
		{"b?b@*", "bob@x", true},
		{"b?b@*", "bo@x", false},
		{"*", "", true},
		{"", "", true},
		{"", "a", false},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
		{"192.168.*", "192.168.1.10", true},
		{"*[away]*", "x{AWAY}y", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Match(tt.mask, tt.input), "%s ~ %s", tt.mask, tt.input)
	}
}

func TestParseHostmask(t *testing.T) {
	nick, user, host := ParseHostmask("nick!user@host")
	assert.Equal(t, []string{"nick", "user", "host"}, []string{nick, user, host})

	nick, user, host = ParseHostmask("user@host")
	assert.Equal(t, []string{"", "user", "host"}, []string{nick, user, host})

	nick, user, host = ParseHostmask("server.name")
	assert.Equal(t, []string{"server.name", "", ""}, []string{nick, user, host})

	assert.Equal(t, "a!b@c", FormatHostmask("a", "b", "c"))
}

func TestValidators(t *testing.T) {
	assert.True(t, ValidSID("42X"))
	assert.True(t, ValidSID("001"))
	assert.False(t, ValidSID("X42"))
	assert.False(t, ValidSID("42x"))
	assert.False(t, ValidSID("4200"))

	assert.True(t, ValidUID("42XAAAAAB"))
	assert.False(t, ValidUID("42X1AAAAB"))
	assert.False(t, ValidUID("42XAAAAA"))

	assert.True(t, ValidNick("Will[away]", 30))
	assert.False(t, ValidNick("9lives", 30))
	assert.False(t, ValidNick("toolong", 3))
	assert.True(t, ValidNick("a-1", 30))

	assert.True(t, ValidChannel("#foo"))
	assert.True(t, ValidChannel("&local"))
	assert.False(t, ValidChannel("#"))
	assert.False(t, ValidChannel("foo"))
	assert.False(t, ValidChannel("#a,b"))
}
