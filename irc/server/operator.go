package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/presbrey/ts6d/irc"
	"github.com/presbrey/ts6d/irc/access"
	"github.com/presbrey/ts6d/irc/state"
	"github.com/presbrey/ts6d/irc/ts6"
	"github.com/presbrey/ts6d/irc/wire"
)

func handleOper(s *Server, c *Conn, m *wire.Message) {
	if len(m.Params) < 2 {
		c.reply(irc.ERR_NEEDMOREPARAMS, "OPER", "Not enough parameters")
		return
	}
	u, ok := c.user()
	if !ok {
		return
	}
	ac := access.Conn{IP: u.IP, Host: u.Host, Nick: u.Nick, User: u.Username}
	line, err := s.lines.CheckOper(m.Params[0], m.Params[1], ac)
	if err != nil {
		c.log.Infow("oper failed", "name", m.Params[0], "nick", u.Nick, "error", err)
		c.reply(irc.ERR_PASSWDMISMATCH, "Password incorrect")
		return
	}
	applied, err := s.sync.UserMode(u.UID, []state.ModeChange{{Add: true, Mode: 'o'}})
	if err != nil {
		c.log.Warnw("oper mode failed", "error", err)
		return
	}
	c.log.Infow("oper up", "name", line.Name, "nick", u.Nick)
	if len(applied) > 0 {
		_ = c.Send(wire.New(u.Nick, "MODE", u.Nick, "+o"))
	}
	c.reply(irc.RPL_YOUREOPER, "You are now an IRC operator")
}

// operator returns the user when it holds +o, replying 481 otherwise.
func operator(c *Conn) (state.User, bool) {
	u, ok := c.user()
	if !ok {
		return u, false
	}
	if !isOper(u) {
		c.reply(irc.ERR_NOPRIVILEGES, "Permission Denied - You're not an IRC operator")
		return u, false
	}
	return u, true
}

func handleKill(s *Server, c *Conn, m *wire.Message) {
	u, ok := operator(c)
	if !ok {
		return
	}
	if len(m.Params) < 1 {
		c.reply(irc.ERR_NEEDMOREPARAMS, "KILL", "Not enough parameters")
		return
	}
	reason := m.Param(1)
	if reason == "" {
		reason = "No reason"
	}
	victim, err := s.sync.Kill(u.UID, m.Params[0], reason)
	if err != nil {
		if errors.Is(err, ts6.ErrNoSuchTarget) {
			c.reply(irc.ERR_NOSUCHNICK, m.Params[0], "No such nick/channel")
			return
		}
		c.log.Warnw("kill failed", "target", m.Params[0], "error", err)
		return
	}
	c.log.Infow("kill", "oper", u.Nick, "victim", victim.Nick, "reason", reason)
}

// banRequest is a parsed KLINE, DLINE or GLINE: [minutes] mask [ON server]
// [:reason].
type banRequest struct {
	minutes int64
	mask    string
	target  string
	reason  string
}

func parseBan(params []string) (banRequest, bool) {
	var r banRequest
	if len(params) > 1 {
		if n, err := strconv.ParseInt(params[0], 10, 64); err == nil && n >= 0 {
			r.minutes = n
			params = params[1:]
		}
	}
	if len(params) < 1 || params[0] == "" {
		return r, false
	}
	r.mask, params = params[0], params[1:]
	if len(params) >= 2 && strings.EqualFold(params[0], "ON") {
		r.target, params = params[1], params[2:]
	}
	if len(params) > 0 {
		r.reason = params[len(params)-1]
	}
	if r.reason == "" {
		r.reason = "No Reason"
	}
	return r, true
}

func lineKind(verb string) access.Kind {
	return access.Kind(strings.TrimPrefix(verb, "UN")[:1])
}

func handleBan(s *Server, c *Conn, m *wire.Message) {
	u, ok := operator(c)
	if !ok {
		return
	}
	req, ok := parseBan(m.Params)
	if !ok {
		c.reply(irc.ERR_NEEDMOREPARAMS, m.Verb(), "Not enough parameters")
		return
	}
	kind := lineKind(m.Verb())
	l := access.Line{Kind: kind, Reason: req.reason, SetBy: u.Nick, Duration: access.DurationFromMinutes(req.minutes)}
	if kind == access.DLine {
		l.IP = req.mask
	} else {
		l.Mask = req.mask
		if !strings.Contains(l.Mask, "@") {
			l.Mask = "*@" + l.Mask
		}
	}
	if req.target != "" && !irc.Equal(req.target, s.Config().Server.Name) && req.target != "*" {
		if _, ok := s.reg.ServerByName(req.target); !ok {
			c.reply(irc.ERR_NOSUCHSERVER, req.target, "No such server")
			return
		}
	}
	if _, err := s.sync.AddLine(u.UID, l, req.target); err != nil {
		c.notice("%s-Line for [%s] rejected: %v", kind, l.Key(), err)
		return
	}
	if l.Duration > 0 {
		c.notice("Added temporary %d min. %s-Line [%s]", req.minutes, kind, l.Key())
	} else {
		c.notice("Added %s-Line [%s]", kind, l.Key())
	}
}

func handleUnban(s *Server, c *Conn, m *wire.Message) {
	u, ok := operator(c)
	if !ok {
		return
	}
	if len(m.Params) < 1 {
		c.reply(irc.ERR_NEEDMOREPARAMS, m.Verb(), "Not enough parameters")
		return
	}
	kind := lineKind(m.Verb())
	key := m.Params[0]
	if kind != access.DLine && !strings.Contains(key, "@") {
		key = "*@" + key
	}
	target := ""
	if len(m.Params) >= 3 && strings.EqualFold(m.Params[1], "ON") {
		target = m.Params[2]
	}
	if _, err := s.sync.RemoveLine(u.UID, kind, key, target); err != nil {
		if errors.Is(err, access.ErrNoSuchLine) {
			c.notice("No %s-Line for %s", kind, key)
			return
		}
		c.log.Warnw("line removal failed", "kind", kind, "key", key, "error", err)
		return
	}
	c.notice("%s-Line for [%s] is removed", kind, key)
}

func handleConnect(s *Server, c *Conn, m *wire.Message) {
	u, ok := operator(c)
	if !ok {
		return
	}
	if len(m.Params) < 1 {
		c.reply(irc.ERR_NEEDMOREPARAMS, "CONNECT", "Not enough parameters")
		return
	}
	name := m.Params[0]
	if _, ok := s.Config().FindLink(name); !ok {
		c.reply(irc.ERR_NOSUCHSERVER, name, "No such server")
		return
	}
	if _, exists := s.reg.ServerByName(name); exists {
		c.notice("Connect: Server %s already exists", name)
		return
	}
	c.notice("Connecting to %s", name)
	c.log.Infow("connect", "oper", u.Nick, "server", name)
	go func() {
		if _, err := s.Connect(s.ctx, name); err != nil {
			c.notice("Connect to %s failed: %v", name, err)
		}
	}()
}

func handleSquit(s *Server, c *Conn, m *wire.Message) {
	u, ok := operator(c)
	if !ok {
		return
	}
	if len(m.Params) < 1 {
		c.reply(irc.ERR_NEEDMOREPARAMS, "SQUIT", "Not enough parameters")
		return
	}
	reason := m.Param(1)
	if reason == "" {
		reason = u.Nick
	}
	if err := s.sync.Squit(m.Params[0], reason); err != nil {
		c.reply(irc.ERR_NOSUCHSERVER, m.Params[0], "No such server")
		return
	}
	c.log.Infow("squit", "oper", u.Nick, "server", m.Params[0], "reason", reason)
}

func handleRehash(s *Server, c *Conn, m *wire.Message) {
	u, ok := operator(c)
	if !ok {
		return
	}
	source := s.Config().Source
	c.reply(irc.RPL_REHASHING, source, "Rehashing")
	if err := s.Rehash(""); err != nil {
		c.notice("Rehash failed: %v", err)
		c.log.Warnw("rehash failed", "oper", u.Nick, "error", err)
	}
}
