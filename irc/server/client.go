package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/presbrey/ts6d/irc"
	"github.com/presbrey/ts6d/irc/access"
	"github.com/presbrey/ts6d/irc/class"
	"github.com/presbrey/ts6d/irc/config"
	"github.com/presbrey/ts6d/irc/state"
	"github.com/presbrey/ts6d/irc/ts6"
	"github.com/presbrey/ts6d/irc/wire"
)

const userLen = 10

// client holds what a connection announced before and after registration.
type client struct {
	pass     string
	nick     string
	user     string
	realname string
	capping  bool
	class    string
}

// nick is the connection's current nickname. Once registered it is read
// from the registry, which sees renames forced by the network.
func (c *Conn) nick() string {
	if c.registered.Load() {
		if u, ok := c.srv.reg.User(c.uid()); ok {
			return u.Nick
		}
	}
	if c.client != nil && c.client.nick != "" {
		return c.client.nick
	}
	return "*"
}

// reply sends a numeric from the server to the connection.
func (c *Conn) reply(numeric string, params ...string) {
	_ = c.Send(wire.New(c.srv.Config().Server.Name, numeric, append([]string{c.nick()}, params...)...))
}

// notice sends a server NOTICE to the connection.
func (c *Conn) notice(format string, args ...any) {
	m := wire.New(c.srv.Config().Server.Name, "NOTICE", c.nick(), fmt.Sprintf(format, args...))
	m.Trailing = true
	_ = c.Send(m)
}

// user returns the registry record of the connection's user.
func (c *Conn) user() (state.User, bool) {
	uid := c.uid()
	if uid == "" {
		return state.User{}, false
	}
	return c.srv.reg.User(uid)
}

func handlePass(s *Server, c *Conn, m *wire.Message) {
	if c.registered.Load() {
		c.reply(irc.ERR_ALREADYREGISTRED, "You may not reregister")
		return
	}
	if len(m.Params) < 1 {
		c.reply(irc.ERR_NEEDMOREPARAMS, "PASS", "Not enough parameters")
		return
	}
	c.client.pass = m.Params[0]
}

func handleNick(s *Server, c *Conn, m *wire.Message) {
	if len(m.Params) < 1 || m.Params[0] == "" {
		c.reply(irc.ERR_NONICKNAMEGIVEN, "No nickname given")
		return
	}
	nick := m.Params[0]
	if !irc.ValidNick(nick, s.Config().Limits.NickLen) {
		c.reply(irc.ERR_ERRONEUSNICKNAME, nick, "Erroneous Nickname")
		return
	}
	if !c.registered.Load() {
		if other, taken := s.reg.UserByNick(nick); taken && other.UID != c.uid() {
			c.reply(irc.ERR_NICKNAMEINUSE, nick, "Nickname is already in use.")
			return
		}
		c.client.nick = nick
		s.tryRegister(c)
		return
	}
	if err := s.sync.Nick(c.uid(), nick); err != nil {
		if errors.Is(err, ts6.ErrNickInUse) {
			c.reply(irc.ERR_NICKNAMEINUSE, nick, "Nickname is already in use.")
			return
		}
		c.log.Warnw("nick change failed", "nick", nick, "error", err)
		return
	}
	c.client.nick = nick
}

func handleUser(s *Server, c *Conn, m *wire.Message) {
	if c.registered.Load() {
		c.reply(irc.ERR_ALREADYREGISTRED, "You may not reregister")
		return
	}
	if len(m.Params) < 4 || m.Params[0] == "" {
		c.reply(irc.ERR_NEEDMOREPARAMS, "USER", "Not enough parameters")
		return
	}
	user := m.Params[0]
	if len(user) > userLen {
		user = user[:userLen]
	}
	c.client.user = user
	c.client.realname = m.Params[3]
	s.tryRegister(c)
}

// handleCap answers capability negotiation with an empty list, so
// registration waits for CAP END once CAP LS was seen.
func handleCap(s *Server, c *Conn, m *wire.Message) {
	if len(m.Params) < 1 {
		c.reply(irc.ERR_NEEDMOREPARAMS, "CAP", "Not enough parameters")
		return
	}
	target := "*"
	if c.registered.Load() {
		target = c.client.nick
	}
	send := func(params ...string) {
		out := wire.New(s.Config().Server.Name, "CAP", append([]string{target}, params...)...)
		out.Trailing = true
		_ = c.Send(out)
	}
	switch strings.ToUpper(m.Params[0]) {
	case "LS":
		if !c.registered.Load() {
			c.client.capping = true
		}
		send("LS", "")
	case "LIST":
		send("LIST", "")
	case "REQ":
		if !c.registered.Load() {
			c.client.capping = true
		}
		send("NAK", m.Param(1))
	case "END":
		if c.client.capping {
			c.client.capping = false
			s.tryRegister(c)
		}
	default:
		c.reply("410", m.Params[0], "Invalid CAP command")
	}
}

// tryRegister completes registration once NICK and USER are known and
// capability negotiation is over.
func (s *Server) tryRegister(c *Conn) {
	cl := c.client
	if c.registered.Load() || cl.nick == "" || cl.user == "" || cl.capping {
		return
	}
	cfg := s.Config()

	ac := access.Conn{IP: c.ip, Host: c.host, Nick: cl.nick, User: cl.user, Password: cl.pass}
	d := s.lines.Evaluate(ac)
	switch d.Verdict {
	case access.Allow:
	case access.RequirePassword:
		s.metrics.Rejections.WithLabelValues("I").Inc()
		c.reply(irc.ERR_PASSWDMISMATCH, "Password required")
		c.Close("Bad Password")
		return
	default:
		kind := "I"
		if d.Line != nil {
			kind = string(d.Line.Kind)
		}
		s.metrics.Rejections.WithLabelValues(kind).Inc()
		if kind == "K" || kind == "G" || kind == "D" {
			c.reply(irc.ERR_YOUREBANNEDCREEP, "You are banned from this server- "+d.Reason)
		}
		c.log.Infow("registration refused", "nick", cl.nick, "user", cl.user, "reason", d.Reason)
		c.Close(d.Reason)
		return
	}
	if cfg.Server.Password != "" && !access.CheckPassword(cfg.Server.Password, cl.pass) {
		s.metrics.Rejections.WithLabelValues("password").Inc()
		c.reply(irc.ERR_PASSWDMISMATCH, "Password incorrect")
		c.Close("Bad Password")
		return
	}

	cls := classOf(d.Class)
	if d.Line != nil {
		s.classes.Define(cls, d.MaxConnections)
	}
	if err := s.classes.Admit(cls); err != nil {
		s.metrics.Rejections.WithLabelValues("class").Inc()
		var full *irc.ClassFullError
		if errors.As(err, &full) && full.Class == class.Global {
			c.Close("Sorry, server is full - try later")
		} else {
			c.Close("No more connections allowed in your connection class")
		}
		return
	}
	cl.class = cls

	uid := s.reg.NextUID()
	c.userID.Store(uid)
	s.bindUser(uid, c)
	u, err := s.sync.Introduce(state.User{
		UID:         uid,
		Nick:        cl.nick,
		TS:          s.now().Unix(),
		Username:    cl.user,
		Host:        c.host,
		VisibleHost: s.cloak.Load().Apply(cl.user, c.host, c.ip),
		IP:          c.ip,
		RealName:    cl.realname,
	})
	if err != nil {
		s.unbindUser(uid)
		c.userID.Store("")
		s.classes.Release(cls)
		cl.class = ""
		if errors.Is(err, ts6.ErrNickInUse) {
			c.reply(irc.ERR_NICKNAMEINUSE, cl.nick, "Nickname is already in use.")
			cl.nick = ""
			return
		}
		c.log.Errorw("introduce failed", "nick", cl.nick, "error", err)
		c.Close("Registration failed")
		return
	}
	c.registered.Store(true)
	s.metrics.Connections.WithLabelValues("client").Inc()
	c.log.Infow("client registered", "nick", u.Nick, "uid", u.UID, "class", cls)
	s.welcome(c, u)
}

// welcome sends 001-005 and the user counts.
func (s *Server) welcome(c *Conn, u state.User) {
	cfg := s.Config()
	c.reply(irc.RPL_WELCOME, fmt.Sprintf("Welcome to the %s Internet Relay Chat Network %s", cfg.Network.Name, u.Hostmask()))
	c.reply(irc.RPL_YOURHOST, fmt.Sprintf("Your host is %s, running version %s", cfg.Server.Name, Version))
	c.reply(irc.RPL_CREATED, "This server was created "+s.started.Format(time.RFC1123))
	c.reply(irc.RPL_MYINFO, cfg.Server.Name, Version, userModes, "beIiklmnpstov", "beIklov")
	c.reply(irc.RPL_ISUPPORT, s.isupport(cfg)...)
	s.lusers(c)
	c.reply(irc.ERR_NOMOTD, "MOTD File is missing")
	if modes := u.Modes.Letters(); modes != "" {
		_ = c.Send(wire.New(u.Nick, "MODE", u.Nick, "+"+modes))
	}
}

func (s *Server) isupport(c *config.Config) []string {
	tokens := []string{
		"CHANTYPES=#&",
		"CHANMODES=" + state.ListModes + "," + state.ParamModes + "," + state.SetOnlyModes + "," + state.FlagModes,
		"PREFIX=(ov)@+",
		"CASEMAPPING=rfc1459",
		"NICKLEN=" + strconv.Itoa(c.Limits.NickLen),
		"NETWORK=" + c.Network.Name,
		"MODES=4",
	}
	if n := c.Limits.MaxChannelsPerUser; n > 0 {
		tokens = append(tokens, "CHANLIMIT=#&:"+strconv.Itoa(n))
	}
	return append(tokens, "are supported by this server")
}

func (s *Server) lusers(c *Conn) {
	st := s.reg.Stats()
	c.reply(irc.RPL_LUSERCLIENT, fmt.Sprintf("There are %d users and 0 invisible on %d servers", st.Users, st.Servers))
	if st.Channels > 0 {
		c.reply(irc.RPL_LUSERCHANNELS, strconv.Itoa(st.Channels), "channels formed")
	}
	links := len(s.sync.Links())
	c.reply(irc.RPL_LUSERME, fmt.Sprintf("I have %d clients and %d servers", s.classes.Total(), links))
}
