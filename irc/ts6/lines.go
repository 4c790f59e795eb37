package ts6

import (
	"strconv"
	"strings"

	"github.com/presbrey/ts6d/irc"
	"github.com/presbrey/ts6d/irc/access"
	"github.com/presbrey/ts6d/irc/hooks"
	"github.com/presbrey/ts6d/irc/wire"
)

// AddLine adds a K, G or D-line, disconnects the local users it matches and,
// when target is non-empty, propagates it with ENCAP. G-lines always go to
// every server. source is the setting UID, or empty for the server.
func (s *Synchronizer) AddLine(source string, l access.Line, target string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.Kind == access.GLine {
		target = "*"
	}
	if source == "" {
		source = s.cfg.SID
	}
	if l.SetBy == "" {
		l.SetBy = s.nickOrServer(source)
	}
	replaced, err := s.addLineLocked(l, "local")
	if err != nil {
		return false, err
	}
	if target != "" {
		if m := encapAdd(source, target, l); m != nil {
			s.broadcast(nil, m)
		}
	}
	return replaced, nil
}

// RemoveLine removes a line by kind and key, propagating the removal when
// target is non-empty.
func (s *Synchronizer) RemoveLine(source string, kind access.Kind, key, target string) (access.Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == access.GLine {
		target = "*"
	}
	if source == "" {
		source = s.cfg.SID
	}
	l, err := s.lines.Remove(kind, key)
	if err != nil {
		return l, err
	}
	s.bus.LineChanged.Run(hooks.LineEvent{Line: l, Removed: true, Source: "local"})
	if target != "" {
		if m := encapRemove(source, target, l); m != nil {
			s.broadcast(nil, m)
		}
	}
	return l, nil
}

func (s *Synchronizer) addLineLocked(l access.Line, origin string) (bool, error) {
	if l.SetAt.IsZero() {
		l.SetAt = s.now()
	}
	replaced, err := s.lines.Add(l)
	if err != nil {
		return false, err
	}
	s.bus.LineChanged.Run(hooks.LineEvent{Line: l, Source: origin})
	s.enforceLocked(l)
	return replaced, nil
}

// enforceLocked disconnects local users matched by a ban and returns how
// many were dropped.
func (s *Synchronizer) enforceLocked(l access.Line) int {
	if l.Kind != access.KLine && l.Kind != access.GLine && l.Kind != access.DLine {
		return 0
	}
	now := s.now()
	n := 0
	for _, u := range s.reg.Users() {
		if !s.isLocal(u.UID) {
			continue
		}
		c := access.Conn{IP: u.IP, Host: u.Host, Nick: u.Nick, User: u.Username}
		if !access.Matches(l, c, now) {
			continue
		}
		reason := string(l.Kind) + "-lined: " + l.Reason
		if _, _, err := s.reg.RemoveUser(u.UID); err != nil {
			continue
		}
		s.log.Infow("banned user disconnected", "nick", u.Nick, "line", l.Key(), "kind", l.Kind)
		s.broadcast(nil, trailing(wire.New(u.UID, "QUIT", reason)))
		s.quitted(u, reason)
		n++
	}
	return n
}

func encapAdd(source, target string, l access.Line) *wire.Message {
	dur := strconv.FormatInt(l.Duration, 10)
	switch l.Kind {
	case access.KLine, access.GLine:
		user, host := splitMask(l.Mask)
		return trailing(wire.New(source, "ENCAP", target, string(l.Kind)+"LINE", dur, user, host, l.Reason))
	case access.DLine:
		ip := l.IP
		if ip == "" {
			ip = l.Mask
		}
		return trailing(wire.New(source, "ENCAP", target, "DLINE", dur, ip, l.Reason))
	}
	return nil
}

func encapRemove(source, target string, l access.Line) *wire.Message {
	switch l.Kind {
	case access.KLine, access.GLine:
		user, host := splitMask(l.Mask)
		return wire.New(source, "ENCAP", target, "UN"+string(l.Kind)+"LINE", user, host)
	case access.DLine:
		return wire.New(source, "ENCAP", target, "UNDLINE", l.Key())
	}
	return nil
}

// splitMask turns [nick!]user@host into user and host.
func splitMask(mask string) (string, string) {
	_, user, host := irc.ParseHostmask(mask)
	if !strings.Contains(mask, "@") {
		return "*", mask
	}
	if user == "" {
		user = "*"
	}
	return user, host
}

// applyEncap handles an ENCAP subcommand addressed to us.
func (s *Synchronizer) applyEncap(src, sub string, p []string) {
	setBy := s.nickOrServer(src)
	switch sub {
	case "KLINE", "GLINE":
		if len(p) < 4 {
			return
		}
		dur, _ := strconv.ParseInt(p[0], 10, 64)
		dur = access.ClampDuration(dur)
		l := access.Line{Kind: access.Kind(sub[:1]), Mask: p[1] + "@" + p[2], Reason: p[3], SetBy: setBy, Duration: dur}
		if _, err := s.addLineLocked(l, src); err != nil {
			s.log.Warnw("remote line rejected", "kind", sub, "error", err)
		}
	case "DLINE":
		if len(p) < 3 {
			return
		}
		dur, _ := strconv.ParseInt(p[0], 10, 64)
		dur = access.ClampDuration(dur)
		l := access.Line{Kind: access.DLine, IP: p[1], Reason: p[2], SetBy: setBy, Duration: dur}
		if _, err := s.addLineLocked(l, src); err != nil {
			s.log.Warnw("remote line rejected", "kind", sub, "error", err)
		}
	case "UNKLINE", "UNGLINE":
		if len(p) < 2 {
			return
		}
		s.removeRemote(access.Kind(sub[2:3]), p[0]+"@"+p[1], src)
	case "UNDLINE":
		if len(p) < 1 {
			return
		}
		s.removeRemote(access.DLine, p[0], src)
	default:
		s.log.Debugw("ignoring ENCAP", "subcommand", sub)
	}
}

func (s *Synchronizer) removeRemote(kind access.Kind, key, src string) {
	l, err := s.lines.Remove(kind, key)
	if err != nil {
		return
	}
	s.bus.LineChanged.Run(hooks.LineEvent{Line: l, Removed: true, Source: src})
}

// CheckLocal re-evaluates every local user against the current K, G and
// D-lines, as after a rehash, and returns how many were disconnected.
func (s *Synchronizer) CheckLocal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, kind := range []access.Kind{access.DLine, access.KLine, access.GLine} {
		for _, l := range s.lines.Lines(kind) {
			n += s.enforceLocked(l)
		}
	}
	return n
}
