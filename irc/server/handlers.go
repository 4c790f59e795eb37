package server

import (
	"errors"
	"strings"

	"github.com/presbrey/ts6d/irc"
	"github.com/presbrey/ts6d/irc/state"
	"github.com/presbrey/ts6d/irc/ts6"
	"github.com/presbrey/ts6d/irc/wire"
)

// maxTargets bounds the comma separated targets of PRIVMSG and NOTICE.
const maxTargets = 4

// dispatch runs the handler for one client command. Before registration
// only the registration commands are accepted.
func (s *Server) dispatch(c *Conn, m *wire.Message) {
	switch m.Verb() {
	case "PASS":
		handlePass(s, c, m)
		return
	case "NICK":
		handleNick(s, c, m)
		return
	case "USER":
		handleUser(s, c, m)
		return
	case "CAP":
		handleCap(s, c, m)
		return
	case "PING":
		handlePing(s, c, m)
		return
	case "PONG":
		return
	case "QUIT":
		handleQuit(s, c, m)
		return
	}
	if !c.registered.Load() {
		c.reply(irc.ERR_NOTREGISTERED, "You have not registered")
		return
	}

	switch m.Verb() {
	case "JOIN":
		handleJoin(s, c, m)
	case "PART":
		handlePart(s, c, m)
	case "MODE":
		handleMode(s, c, m)
	case "TOPIC":
		handleTopic(s, c, m)
	case "NAMES":
		handleNames(s, c, m)
	case "PRIVMSG", "NOTICE":
		handleMessage(s, c, m)
	case "AWAY":
		handleAway(s, c, m)
	case "OPER":
		handleOper(s, c, m)
	case "KILL":
		handleKill(s, c, m)
	case "KLINE", "DLINE", "GLINE":
		handleBan(s, c, m)
	case "UNKLINE", "UNDLINE", "UNGLINE":
		handleUnban(s, c, m)
	case "CONNECT":
		handleConnect(s, c, m)
	case "SQUIT":
		handleSquit(s, c, m)
	case "REHASH":
		handleRehash(s, c, m)
	default:
		c.reply(irc.ERR_UNKNOWNCOMMAND, m.Command, "Unknown command")
	}
}

func handlePing(s *Server, c *Conn, m *wire.Message) {
	if len(m.Params) < 1 {
		c.reply("409", "No origin specified")
		return
	}
	name := s.Config().Server.Name
	pong := wire.New(name, "PONG", name, m.Params[0])
	pong.Trailing = true
	_ = c.Send(pong)
}

func handleQuit(s *Server, c *Conn, m *wire.Message) {
	reason := "Client Quit"
	if msg := m.Param(0); msg != "" {
		reason = "Quit: " + msg
	}
	c.Close(reason)
}

func handleAway(s *Server, c *Conn, m *wire.Message) {
	msg := m.Param(0)
	if err := s.sync.Away(c.uid(), msg); err != nil {
		c.log.Warnw("away failed", "error", err)
		return
	}
	if msg == "" {
		c.reply(irc.RPL_UNAWAY, "You are no longer marked as being away")
	} else {
		c.reply(irc.RPL_NOWAWAY, "You have been marked as being away")
	}
}

// handleMessage relays PRIVMSG and NOTICE. NOTICE never produces error
// replies.
func handleMessage(s *Server, c *Conn, m *wire.Message) {
	verb := m.Verb()
	notice := verb == "NOTICE"
	if len(m.Params) < 1 || m.Params[0] == "" {
		if !notice {
			c.reply(irc.ERR_NORECIPIENT, "No recipient given ("+verb+")")
		}
		return
	}
	if len(m.Params) < 2 || m.Params[1] == "" {
		if !notice {
			c.reply(irc.ERR_NOTEXTTOSEND, "No text to send")
		}
		return
	}
	u, ok := c.user()
	if !ok {
		return
	}
	text := m.Params[1]
	targets := strings.Split(m.Params[0], ",")
	if len(targets) > maxTargets {
		targets = targets[:maxTargets]
	}
	for _, target := range targets {
		if irc.ValidChannel(target) {
			ch, ok := s.reg.Channel(target)
			if !ok {
				if !notice {
					c.reply(irc.ERR_NOSUCHCHANNEL, target, "No such channel")
				}
				continue
			}
			if !canSend(u, ch) {
				if !notice {
					c.reply(irc.ERR_CANNOTSENDTOCHAN, ch.Name, "Cannot send to channel")
				}
				continue
			}
		}
		if err := s.sync.Message(u.UID, verb, target, text); err != nil {
			if errors.Is(err, ts6.ErrNoSuchTarget) && !notice {
				c.reply(irc.ERR_NOSUCHNICK, target, "No such nick/channel")
			}
			continue
		}
		if !notice && !irc.ValidChannel(target) {
			if to, ok := s.reg.UserByNick(target); ok && to.Away != "" {
				c.reply(irc.RPL_AWAY, to.Nick, to.Away)
			}
		}
	}
}

// canSend applies +n, +m and bans. Voiced and opped members always may.
func canSend(u state.User, ch state.Channel) bool {
	status, member := ch.Members[u.UID]
	if status&(state.StatusOp|state.StatusVoice) != 0 {
		return true
	}
	if !member && ch.Modes.Has('n') {
		return false
	}
	if ch.Modes.Has('m') {
		return false
	}
	return !banned(u, ch)
}
