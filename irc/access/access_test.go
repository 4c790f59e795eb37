package access

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/presbrey/ts6d/irc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func users() Line {
	return Line{Kind: ILine, Mask: "*@*", Class: "users", MaxConnections: 100}
}

func TestDLineBeatsILine(t *testing.T) {
	lines := []Line{
		users(),
		{Kind: DLine, IP: "203.0.113.7", Reason: "abuse", SetAt: t0},
	}
	c := Conn{IP: "203.0.113.7", Host: "host.example", User: "bob", Nick: "bob"}

	d := Evaluate(c, lines, t0, Options{})
	assert.Equal(t, Reject, d.Verdict)
	assert.Equal(t, "D-lined: abuse", d.Reason)
	require.NotNil(t, d.Line)
	assert.Equal(t, DLine, d.Line.Kind)

	var denied *irc.AccessDenied
	require.True(t, errors.As(d.Err(), &denied))
	assert.Equal(t, "D", denied.Kind)
}

func TestDLineBeforeIdentity(t *testing.T) {
	lines := []Line{{Kind: DLine, IP: "10.0.0.0/8", Reason: "internal"}}
	d := Evaluate(Conn{IP: "10.1.2.3"}, lines, t0, Options{})
	assert.Equal(t, Reject, d.Verdict)

	d = Evaluate(Conn{IP: "192.0.2.1"}, lines, t0, Options{})
	assert.Equal(t, Allow, d.Verdict)
	assert.Empty(t, d.Class)
}

func TestDLineGlob(t *testing.T) {
	lines := []Line{{Kind: DLine, IP: "198.51.100.*", Reason: "range"}}
	assert.Equal(t, Reject, Evaluate(Conn{IP: "198.51.100.20"}, lines, t0, Options{}).Verdict)
	assert.Equal(t, Allow, Evaluate(Conn{IP: "198.51.101.20"}, lines, t0, Options{}).Verdict)
}

func TestDefaultDeny(t *testing.T) {
	c := Conn{IP: "192.0.2.1", Host: "client.example", User: "alice", Nick: "alice"}
	lines := []Line{{Kind: ILine, Mask: "*@*.trusted.example", Class: "trusted"}}

	d := Evaluate(c, lines, t0, Options{})
	assert.Equal(t, Reject, d.Verdict)
	assert.Equal(t, "No matching I-line", d.Reason)

	d = Evaluate(c, lines, t0, Options{FallbackClass: "default"})
	assert.Equal(t, Allow, d.Verdict)
	assert.Equal(t, "default", d.Class)
}

func TestPrecedence(t *testing.T) {
	c := Conn{IP: "192.0.2.1", Host: "badhost.com", User: "user", Nick: "nick"}
	lines := []Line{
		users(),
		{Kind: GLine, Mask: "*@badhost.com", Reason: "global"},
		{Kind: KLine, Mask: "*!*@badhost.com", Reason: "local"},
	}
	d := Evaluate(c, lines, t0, Options{})
	assert.Equal(t, "K-lined: local", d.Reason)

	lines = lines[:2]
	d = Evaluate(c, lines, t0, Options{})
	assert.Equal(t, "G-lined: global", d.Reason)

	d = Evaluate(c, lines[:1], t0, Options{})
	assert.Equal(t, Allow, d.Verdict)
	assert.Equal(t, "users", d.Class)
	assert.Equal(t, 100, d.MaxConnections)
}

func TestKLineExpiry(t *testing.T) {
	kline := Line{Kind: KLine, Mask: "*!*@badhost.com", Reason: "go away", Duration: 3600, SetAt: t0}
	lines := []Line{users(), kline}
	c := Conn{IP: "192.0.2.9", Host: "badhost.com", User: "user", Nick: "user"}

	assert.Equal(t, Reject, Evaluate(c, lines, t0, Options{}).Verdict)
	assert.Equal(t, Reject, Evaluate(c, lines, t0.Add(3599*time.Second), Options{}).Verdict)

	d := Evaluate(c, lines, t0.Add(3601*time.Second), Options{})
	assert.Equal(t, Allow, d.Verdict)
	assert.Equal(t, "users", d.Class)

	assert.False(t, kline.Permanent())
	assert.Equal(t, t0.Add(time.Hour), kline.ExpiresAt())
	assert.True(t, Line{Kind: KLine, Mask: "x"}.Permanent())
}

func TestHugeDurationIsPermanent(t *testing.T) {
	kline := Line{Kind: KLine, Mask: "*@badhost.com", Reason: "forever", Duration: math.MaxInt64, SetAt: t0}
	assert.True(t, kline.Permanent())
	assert.True(t, kline.ExpiresAt().IsZero())
	assert.False(t, kline.Expired(t0.Add(100*365*24*time.Hour)))
	c := Conn{IP: "192.0.2.9", Host: "badhost.com", User: "user", Nick: "user"}
	assert.Equal(t, Reject, Evaluate(c, []Line{users(), kline}, t0.Add(time.Hour), Options{}).Verdict)

	assert.Equal(t, int64(600), DurationFromMinutes(10))
	assert.Equal(t, int64(0), DurationFromMinutes(math.MaxInt64/60+1))
	assert.Equal(t, int64(0), DurationFromMinutes(-5))
	assert.Equal(t, MaxDuration, ClampDuration(MaxDuration))
	assert.Equal(t, int64(0), ClampDuration(MaxDuration+1))
	assert.Equal(t, int64(3600), ClampDuration(3600))
}

func TestKLineMatchesIP(t *testing.T) {
	lines := []Line{users(), {Kind: KLine, Mask: "*@192.0.2.*", Reason: "net"}}
	c := Conn{IP: "192.0.2.50", Host: "resolved.example", User: "u", Nick: "n"}
	assert.Equal(t, Reject, Evaluate(c, lines, t0, Options{}).Verdict)
}

func TestILinePassword(t *testing.T) {
	hash, err := HashPassword("sekrit")
	require.NoError(t, err)
	lines := []Line{{Kind: ILine, Mask: "*@*", Class: "vip", Password: hash}}
	c := Conn{IP: "192.0.2.1", Host: "h", User: "u", Nick: "n"}

	d := Evaluate(c, lines, t0, Options{})
	assert.Equal(t, RequirePassword, d.Verdict)
	assert.Equal(t, hash, d.Expected)

	c.Password = "wrong"
	assert.Equal(t, "Bad password", Evaluate(c, lines, t0, Options{}).Reason)

	c.Password = "sekrit"
	d = Evaluate(c, lines, t0, Options{})
	assert.Equal(t, Allow, d.Verdict)
	assert.Equal(t, "vip", d.Class)
}

func TestCheckOper(t *testing.T) {
	hash, err := HashPassword("operpass")
	require.NoError(t, err)
	lines := []Line{
		{Kind: OLine, Name: "admin", Mask: "*@staff.example", Password: hash, Flags: []string{"kill", "kline"}},
		{Kind: OLine, Name: "plain", Password: "letmein"},
	}
	staff := Conn{Host: "staff.example", User: "root", Nick: "root"}
	other := Conn{Host: "home.example", User: "root", Nick: "root"}

	l, err := CheckOper("ADMIN", "operpass", staff, lines, t0)
	require.NoError(t, err)
	assert.True(t, l.HasFlag("KLINE"))

	_, err = CheckOper("admin", "nope", staff, lines, t0)
	assert.EqualError(t, err, "Password incorrect")

	_, err = CheckOper("admin", "operpass", other, lines, t0)
	assert.EqualError(t, err, "No O-lines for your host")

	_, err = CheckOper("plain", "letmein", other, lines, t0)
	assert.NoError(t, err)
}

func TestServiceAndLink(t *testing.T) {
	hash, err := HashPassword("linkpw")
	require.NoError(t, err)
	lines := []Line{
		{Kind: ULine, Server: "services.*"},
		{Kind: ALine, Mask: "hub.example.net", Password: hash, Server: "10.0.0.0/8"},
	}
	assert.True(t, IsService("services.example.net", lines, t0))
	assert.False(t, IsService("hub.example.net", lines, t0))

	matched, ok := CheckLink("hub.example.net", "linkpw", "", "10.1.1.1", lines, t0)
	assert.True(t, matched)
	assert.True(t, ok)

	matched, ok = CheckLink("hub.example.net", "bad", "", "10.1.1.1", lines, t0)
	assert.True(t, matched)
	assert.False(t, ok)

	matched, _ = CheckLink("hub.example.net", "linkpw", "", "192.0.2.1", lines, t0)
	assert.False(t, matched)
}

func TestSet(t *testing.T) {
	s := NewSet(Options{}, users())
	s.SetClock(func() time.Time { return t0 })

	replaced, err := s.Add(Line{Kind: KLine, Mask: "*@spam.example", Reason: "spam", Duration: 60})
	require.NoError(t, err)
	assert.False(t, replaced)

	replaced, err = s.Add(Line{Kind: KLine, Mask: "*@SPAM.example", Reason: "more spam", Duration: 60})
	require.NoError(t, err)
	assert.True(t, replaced)
	require.Len(t, s.Lines(KLine), 1)
	assert.Equal(t, t0, s.Lines(KLine)[0].SetAt)

	_, err = s.Add(Line{Kind: KLine})
	assert.Error(t, err)

	c := Conn{IP: "192.0.2.1", Host: "spam.example", User: "u", Nick: "n"}
	d := s.Evaluate(c)
	assert.Equal(t, "K-lined: more spam", d.Reason)

	expired := s.Sweep(t0.Add(2 * time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, Allow, s.Evaluate(c).Verdict)

	_, err = s.Remove(KLine, "*@spam.example")
	assert.ErrorIs(t, err, ErrNoSuchLine)

	removed, err := s.Remove(ILine, "*@*")
	require.NoError(t, err)
	assert.Equal(t, "users", removed.Class)
	assert.Equal(t, 0, s.Len())
}

func TestSetReplace(t *testing.T) {
	s := NewSet(Options{}, users(), Line{Kind: KLine, Mask: "*@a"})
	s.Replace(ILine, []Line{{Mask: "*@b", Class: "b"}, {Mask: "*@c", Class: "c"}})
	assert.Len(t, s.Lines(ILine), 2)
	assert.Len(t, s.Lines(KLine), 1)
	assert.Equal(t, ILine, s.Lines(ILine)[0].Kind)
}

func TestMatches(t *testing.T) {
	c := Conn{IP: "192.0.2.1", Host: "x.example", User: "u", Nick: "n"}
	assert.True(t, Matches(Line{Kind: KLine, Mask: "*@x.example"}, c, t0))
	assert.True(t, Matches(Line{Kind: DLine, IP: "192.0.2.1"}, c, t0))
	assert.False(t, Matches(Line{Kind: ILine, Mask: "*@*"}, c, t0))
	assert.False(t, Matches(Line{Kind: KLine, Mask: "*@x.example", Duration: 1, SetAt: t0}, c, t0.Add(time.Hour)))
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"K": KLine, "kline": KLine, "d-line": DLine, "glines": GLine, "O": OLine} {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseKind("Z")
	assert.Error(t, err)
}

func TestThrottler(t *testing.T) {
	th := NewThrottler(1, 2)
	assert.Equal(t, Allow, th.Check("192.0.2.1", t0).Verdict)
	assert.Equal(t, Allow, th.Check("192.0.2.1", t0).Verdict)
	assert.Equal(t, Throttle, th.Check("192.0.2.1", t0).Verdict)
	assert.Equal(t, Allow, th.Check("192.0.2.2", t0).Verdict)
	assert.Equal(t, Allow, th.Check("192.0.2.1", t0.Add(time.Second)).Verdict)

	assert.Equal(t, 2, th.Prune(t0.Add(time.Hour)))

	var disabled *Throttler
	assert.Equal(t, Allow, disabled.Check("x", t0).Verdict)
	assert.Equal(t, Allow, NewThrottler(0, 0).Check("x", t0).Verdict)
}
