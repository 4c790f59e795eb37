// Package wire frames, parses and serializes IRC protocol lines.
package wire

import (
	"strings"

	"github.com/presbrey/ts6d/irc"
)

const (
	// MaxLineLength bounds a line including its CR LF, excluding tags.
	MaxLineLength = 512
	// MaxTagsLength bounds the IRCv3 tag section including '@' and the
	// separating space.
	MaxTagsLength = 8191
	// MaxParams is the most parameters a message may carry.
	MaxParams = 15
)

// Tag is one IRCv3 message tag. Value holds the unescaped value.
type Tag struct {
	Key   string
	Value string

	// raw is the tag as parsed, reused by String while Key and Value are
	// unchanged so that empty values and unknown escapes survive.
	raw string
}

// Message represents an IRC message
type Message struct {
	Tags    []Tag
	Prefix  string
	Command string
	Params  []string

	// Trailing records that the last parameter was written with the ':'
	// sentinel, so serialization reproduces it even when not required.
	Trailing bool
}

// New builds a message. The last parameter is sent in trailing form when it
// needs to be.
func New(prefix, command string, params ...string) *Message {
	return &Message{Prefix: prefix, Command: command, Params: params}
}

// Parse parses one line without its terminator. A trailing CR LF or LF is
// tolerated and removed.
func Parse(line string) (*Message, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return nil, malformed("empty line")
	}
	if strings.ContainsAny(line, "\x00\r\n") {
		return nil, malformed("control character in line")
	}

	msg := &Message{}

	if line[0] == '@' {
		raw, rest, ok := strings.Cut(line[1:], " ")
		if !ok || raw == "" {
			return nil, malformed("tags without command")
		}
		tags, err := parseTags(raw)
		if err != nil {
			return nil, err
		}
		msg.Tags = tags
		line = rest
	}

	if line != "" && line[0] == ':' {
		prefix, rest, ok := strings.Cut(line[1:], " ")
		if !ok || prefix == "" {
			return nil, malformed("invalid prefix")
		}
		msg.Prefix = prefix
		line = rest
	}

	command, rest, hasParams := strings.Cut(line, " ")
	if !validCommand(command) {
		return nil, malformed("invalid command " + quote(command))
	}
	msg.Command = command

	for hasParams {
		if rest == "" {
			break
		}
		if rest[0] == ':' {
			msg.Params = append(msg.Params, rest[1:])
			msg.Trailing = true
			break
		}
		var param string
		param, rest, hasParams = strings.Cut(rest, " ")
		if param == "" {
			// Collapse runs of spaces.
			continue
		}
		msg.Params = append(msg.Params, param)
	}

	if len(msg.Params) > MaxParams {
		return nil, malformed("too many parameters")
	}
	return msg, nil
}

// String returns the wire form of the message without CR LF.
func (m *Message) String() string {
	var builder strings.Builder

	if len(m.Tags) > 0 {
		builder.WriteByte('@')
		for i, tag := range m.Tags {
			if i > 0 {
				builder.WriteByte(';')
			}
			if tag.unchanged() {
				builder.WriteString(tag.raw)
				continue
			}
			builder.WriteString(tag.Key)
			if tag.Value != "" {
				builder.WriteByte('=')
				builder.WriteString(escapeTag(tag.Value))
			}
		}
		builder.WriteByte(' ')
	}

	if m.Prefix != "" {
		builder.WriteByte(':')
		builder.WriteString(m.Prefix)
		builder.WriteByte(' ')
	}

	builder.WriteString(m.Command)

	for i, param := range m.Params {
		builder.WriteByte(' ')
		if i == len(m.Params)-1 && (m.Trailing || needsTrailing(param)) {
			builder.WriteByte(':')
		}
		builder.WriteString(param)
	}

	return builder.String()
}

// Bytes returns the wire form terminated by CR LF.
func (m *Message) Bytes() []byte {
	return []byte(m.String() + "\r\n")
}

// Validate checks that the message can be written as a single valid line.
func (m *Message) Validate() error {
	if !validCommand(m.Command) {
		return malformed("invalid command " + quote(m.Command))
	}
	if strings.ContainsAny(m.Prefix, " \x00\r\n") {
		return malformed("invalid prefix")
	}
	if len(m.Params) > MaxParams {
		return malformed("too many parameters")
	}
	for i, param := range m.Params {
		if strings.ContainsAny(param, "\x00\r\n") {
			return malformed("control character in parameter")
		}
		if i < len(m.Params)-1 && (param == "" || needsTrailing(param)) {
			return malformed("middle parameter needs trailing form")
		}
	}

	line := m.String()
	body := line
	if len(m.Tags) > 0 {
		i := strings.IndexByte(line, ' ')
		if i+1 > MaxTagsLength {
			return tooLong()
		}
		body = line[i+1:]
	}
	if len(body)+2 > MaxLineLength {
		return tooLong()
	}
	return nil
}

// Param returns the i'th parameter or "" when absent.
func (m *Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Tag returns the value of the named tag.
func (m *Message) Tag(key string) (string, bool) {
	for _, tag := range m.Tags {
		if tag.Key == key {
			return tag.Value, true
		}
	}
	return "", false
}

// Verb returns the upper-cased command.
func (m *Message) Verb() string {
	return strings.ToUpper(m.Command)
}

// Source returns the prefix with any !user@host removed.
func (m *Message) Source() string {
	if i := strings.IndexByte(m.Prefix, '!'); i >= 0 {
		return m.Prefix[:i]
	}
	return m.Prefix
}

func needsTrailing(param string) bool {
	return param == "" || param[0] == ':' || strings.IndexByte(param, ' ') >= 0
}

func validCommand(command string) bool {
	if command == "" {
		return false
	}
	if command[0] >= '0' && command[0] <= '9' {
		if len(command) != 3 {
			return false
		}
		for i := 0; i < 3; i++ {
			if command[i] < '0' || command[i] > '9' {
				return false
			}
		}
		return true
	}
	for i := 0; i < len(command); i++ {
		c := command[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return false
		}
	}
	return true
}

func parseTags(raw string) ([]Tag, error) {
	parts := strings.Split(raw, ";")
	tags := make([]Tag, 0, len(parts))
	for _, part := range parts {
		key, value, _ := strings.Cut(part, "=")
		if key == "" {
			return nil, malformed("empty tag key")
		}
		tags = append(tags, Tag{Key: key, Value: unescapeTag(value), raw: part})
	}
	return tags, nil
}

func (t Tag) unchanged() bool {
	if t.raw == "" {
		return false
	}
	key, value, _ := strings.Cut(t.raw, "=")
	return key == t.Key && unescapeTag(value) == t.Value
}

var tagEscaper = strings.NewReplacer(
	"\\", "\\\\",
	";", "\\:",
	" ", "\\s",
	"\r", "\\r",
	"\n", "\\n",
)

func escapeTag(v string) string { return tagEscaper.Replace(v) }

func unescapeTag(v string) string {
	if strings.IndexByte(v, '\\') < 0 {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(v) {
			break
		}
		switch v[i] {
		case ':':
			b.WriteByte(';')
		case 's':
			b.WriteByte(' ')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

func malformed(reason string) error {
	return &irc.ProtocolError{Reason: reason, Err: irc.ErrMalformedMessage}
}

func tooLong() error {
	return &irc.ProtocolError{Err: irc.ErrFrameTooLong}
}

func quote(s string) string {
	if len(s) > 32 {
		s = s[:32] + "..."
	}
	return "\"" + s + "\""
}
