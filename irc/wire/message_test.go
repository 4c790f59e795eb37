package wire

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/presbrey/ts6d/irc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		prefix   string
		command  string
		params   []string
		trailing bool
	}{
		{
			name:    "bare command",
			input:   "EOB",
			command: "EOB",
		},
		{
			name:     "prefix and trailing",
			input:    ":42XAAAAAB PRIVMSG #chan :hello there",
			prefix:   "42XAAAAAB",
			command:  "PRIVMSG",
			params:   []string{"#chan", "hello there"},
			trailing: true,
		},
		{
			name:     "uid introduction",
			input:    ":42X UID will 1 1475024621 +i will blashyrkh. 0 42XAAAAAB :will",
			prefix:   "42X",
			command:  "UID",
			params:   []string{"will", "1", "1475024621", "+i", "will", "blashyrkh.", "0", "42XAAAAAB", "will"},
			trailing: true,
		},
		{
			name:     "empty trailing",
			input:    "TOPIC #chan :",
			command:  "TOPIC",
			params:   []string{"#chan", ""},
			trailing: true,
		},
		{
			name:     "numeric",
			input:    ":irc.example.net 001 nick :Welcome",
			prefix:   "irc.example.net",
			command:  "001",
			params:   []string{"nick", "Welcome"},
			trailing: true,
		},
		{
			name:    "middle params only",
			input:   "PASS secret TS 6 42X",
			command: "PASS",
			params:  []string{"secret", "TS", "6", "42X"},
		},
		{
			name:    "crlf stripped",
			input:   "PING 42X\r\n",
			command: "PING",
			params:  []string{"42X"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.prefix, msg.Prefix)
			assert.Equal(t, tt.command, msg.Command)
			assert.Equal(t, tt.params, msg.Params)
			assert.Equal(t, tt.trailing, msg.Trailing)
		})
	}
}

func TestParseMalformed(t *testing.T) {
	inputs := []string{
		"",
		":prefixonly",
		": PRIVMSG #a :x",
		"PRIV_MSG x",
		"12 x",
		"1234 x",
		"@tags",
		"@=x CMD",
		"PRIVMSG a\x00b",
		"CMD " + strings.Repeat("p ", 16),
	}
	for _, input := range inputs {
		_, err := Parse(input)
		assert.ErrorIs(t, err, irc.ErrMalformedMessage, "input %q", input)
		assert.False(t, irc.IsFatal(err))
	}
}

func TestRoundTrip(t *testing.T) {
	lines := []string{
		"EOB",
		":42X EOB",
		"PASS secret TS 6 :42X",
		"PASS secret TS 6 42X",
		"CAPAB :QS EX IE ENCAP TB SERVICES EUID",
		":42X SID leaf.example.net 2 7ZZ :Leaf server",
		":42X SJOIN 1000 #foo +nt :@42XAAAAAB +42XAAAAAC 42XAAAAAD",
		":42XAAAAAB PRIVMSG #foo ::-) smile",
		":42XAAAAAB TOPIC #foo :",
		":nick!user@host PRIVMSG target :x",
		"@time=2020-01-01T00:00:00.000Z;msgid=abc :n!u@h PRIVMSG #c :hi",
		"@label=a\\sb\\:c :srv NOTICE * :x",
		"privmsg lower :case preserved",
	}
	for _, line := range lines {
		msg, err := Parse(line)
		require.NoError(t, err, line)
		assert.Equal(t, line, msg.String())

		again, err := Parse(msg.String())
		require.NoError(t, err)
		assert.Equal(t, msg, again)
	}
}

func TestStringAddsTrailingWhenNeeded(t *testing.T) {
	assert.Equal(t, ":42X KILL 42XAAAAAB :irc.example.net (Nick collision)",
		New("42X", "KILL", "42XAAAAAB", "irc.example.net (Nick collision)").String())
	assert.Equal(t, "PONG :", New("", "PONG", "").String())
	assert.Equal(t, "PONG ::x", New("", "PONG", ":x").String())
	assert.Equal(t, "PING 42X", New("", "PING", "42X").String())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, New("42X", "PRIVMSG", "#a", "hello world").Validate())
	assert.ErrorIs(t, New("", "PRIVMSG", "a b", "x").Validate(), irc.ErrMalformedMessage)
	assert.ErrorIs(t, New("", "PRIVMSG", "", "x").Validate(), irc.ErrMalformedMessage)
	assert.ErrorIs(t, New("", "", "x").Validate(), irc.ErrMalformedMessage)

	long := New("42X", "PRIVMSG", "#a", strings.Repeat("x", 500))
	err := long.Validate()
	assert.ErrorIs(t, err, irc.ErrFrameTooLong)
	assert.True(t, irc.IsFatal(err))
}

func TestTags(t *testing.T) {
	msg, err := Parse("@a=1;b;c=x\\sy :p CMD")
	require.NoError(t, err)
	v, ok := msg.Tag("c")
	assert.True(t, ok)
	assert.Equal(t, "x y", v)
	_, ok = msg.Tag("b")
	assert.True(t, ok)
	_, ok = msg.Tag("missing")
	assert.False(t, ok)
}

func TestTagsRoundTrip(t *testing.T) {
	for _, line := range []string{
		`@a= CMD`,
		`@a=x\ CMD`,
		`@a=x\q;b=\\ CMD`,
		`@k=semi\:colon\sspace :p PRIVMSG #a :hi there`,
	} {
		msg, err := Parse(line)
		require.NoError(t, err, line)
		assert.Equal(t, line, msg.String(), line)
	}

	msg, err := Parse(`@a=x\q CMD`)
	require.NoError(t, err)
	v, _ := msg.Tag("a")
	assert.Equal(t, "xq", v)
	msg.Tags[0].Value = "y z"
	assert.Equal(t, `@a=y\sz CMD`, msg.String())

	built := &Message{Tags: []Tag{{Key: "a"}}, Command: "CMD"}
	assert.Equal(t, "@a CMD", built.String())
}

func TestReader(t *testing.T) {
	input := "PING :a\r\n\r\nPONG b\nPRIV_MSG bad\r\n:42X EOB\r\n"
	r := NewReader(strings.NewReader(input))

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "PING", msg.Command)

	msg, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "PONG", msg.Command)

	_, err = r.ReadMessage()
	assert.ErrorIs(t, err, irc.ErrMalformedMessage)

	msg, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "EOB", msg.Command)

	_, err = r.ReadMessage()
	assert.Equal(t, io.EOF, err)
}

func TestReaderFrameTooLong(t *testing.T) {
	line := "PRIVMSG #a :" + strings.Repeat("x", 510) + "\r\n"
	r := NewReader(strings.NewReader(line))
	_, err := r.ReadLine()
	assert.ErrorIs(t, err, irc.ErrFrameTooLong)

	var pe *irc.ProtocolError
	assert.True(t, errors.As(err, &pe))
	assert.True(t, irc.IsFatal(err))

	// No terminator at all within the buffer.
	r = NewReader(strings.NewReader(strings.Repeat("x", MaxTagsLength+MaxLineLength+10)))
	_, err = r.ReadLine()
	assert.ErrorIs(t, err, irc.ErrFrameTooLong)
}

func TestReaderExactLimit(t *testing.T) {
	body := "PRIVMSG #a :"
	body += strings.Repeat("x", MaxLineLength-2-len(body))
	r := NewReader(strings.NewReader(body + "\r\n"))
	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, body, line)
}

func TestReaderPartialLine(t *testing.T) {
	r := NewReader(strings.NewReader("PING a"))
	_, err := r.ReadLine()
	assert.Equal(t, io.ErrUnexpectedEOF, err)
}

func TestScanLines(t *testing.T) {
	s := bufio.NewScanner(strings.NewReader("A\r\n\nB c\r\nC :d e\n"))
	s.Split(ScanLines)
	var got []string
	for s.Scan() {
		got = append(got, s.Text())
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []string{"A", "B c", "C :d e"}, got)

	s = bufio.NewScanner(strings.NewReader(strings.Repeat("y", 600) + "\n"))
	s.Split(ScanLines)
	assert.False(t, s.Scan())
	assert.ErrorIs(t, s.Err(), irc.ErrFrameTooLong)
}

func TestWriter(t *testing.T) {
	var sb strings.Builder
	w := NewWriter(&sb)
	require.NoError(t, w.WriteMessage(New("42X", "PING", "42X")))
	require.NoError(t, w.WriteMessage(New("", "ERROR", "Closing Link: x (bye)")))
	assert.Error(t, w.WriteMessage(New("", "BAD CMD")))
	require.NoError(t, w.Flush())
	assert.Equal(t, ":42X PING 42X\r\nERROR :Closing Link: x (bye)\r\n", sb.String())
}
