package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/presbrey/ts6d/irc"
	"github.com/presbrey/ts6d/irc/state"
	"github.com/presbrey/ts6d/irc/wire"
)

// joinError refuses a JOIN with a numeric.
type joinError struct {
	numeric string
	text    string
}

func (e *joinError) Error() string { return e.text }

// masksFor lists the forms of u that channel lists are matched against.
func masksFor(u state.User) []string {
	out := []string{u.Hostmask(), irc.FormatHostmask(u.Nick, u.Username, u.Host)}
	if u.IP != "" && u.IP != u.Host {
		out = append(out, irc.FormatHostmask(u.Nick, u.Username, u.IP))
	}
	return out
}

func listMatches(list []string, u state.User) bool {
	for _, mask := range list {
		for _, form := range masksFor(u) {
			if irc.Match(mask, form) {
				return true
			}
		}
	}
	return false
}

// banned reports whether u matches a ban and no exception.
func banned(u state.User, ch state.Channel) bool {
	return listMatches(ch.Bans, u) && !listMatches(ch.Excepts, u)
}

// joinCheck refuses joins blocked by bans, +i, +k or +l.
func joinCheck(u state.User, key string) func(state.Channel) error {
	return func(ch state.Channel) error {
		if banned(u, ch) {
			return &joinError{irc.ERR_BANNEDFROMCHAN, "Cannot join channel (+b)"}
		}
		if ch.Modes.Has('i') && !listMatches(ch.Invex, u) {
			return &joinError{irc.ERR_INVITEONLYCHAN, "Cannot join channel (+i)"}
		}
		if ch.Key != "" && key != ch.Key {
			return &joinError{irc.ERR_BADCHANNELKEY, "Cannot join channel (+k)"}
		}
		if ch.Limit > 0 && len(ch.Members) >= ch.Limit {
			return &joinError{irc.ERR_CHANNELISFULL, "Cannot join channel (+l)"}
		}
		return nil
	}
}

func handleJoin(s *Server, c *Conn, m *wire.Message) {
	if len(m.Params) < 1 {
		c.reply(irc.ERR_NEEDMOREPARAMS, "JOIN", "Not enough parameters")
		return
	}
	if m.Params[0] == "0" {
		if u, ok := c.user(); ok {
			for _, name := range u.Channels {
				_ = s.sync.Part(u.UID, name, "")
			}
		}
		return
	}
	var keys []string
	if len(m.Params) > 1 {
		keys = strings.Split(m.Params[1], ",")
	}
	limit := s.Config().Limits.MaxChannelsPerUser
	for i, name := range strings.Split(m.Params[0], ",") {
		u, ok := c.user()
		if !ok {
			return
		}
		if !irc.ValidChannel(name) {
			c.reply(irc.ERR_NOSUCHCHANNEL, name, "No such channel")
			continue
		}
		key := ""
		if i < len(keys) {
			key = keys[i]
		}
		if limit > 0 && len(u.Channels) >= limit && !onChannel(u, name) {
			c.reply(irc.ERR_TOOMANYCHANNELS, name, "You have joined too many channels")
			continue
		}
		ch, err := s.sync.Join(u.UID, name, joinCheck(u, key))
		if err != nil {
			var je *joinError
			switch {
			case errors.As(err, &je):
				c.reply(je.numeric, name, je.text)
			case errors.Is(err, state.ErrTooManyChannels):
				c.reply(irc.ERR_TOOMANYCHANNELS, name, "Too many channels on this server")
			default:
				c.log.Warnw("join failed", "channel", name, "error", err)
			}
			continue
		}
		if ch.Topic != "" {
			sendTopic(s, c, ch)
		}
		sendNames(s, c, ch)
	}
}

func onChannel(u state.User, name string) bool {
	for _, ch := range u.Channels {
		if irc.Equal(ch, name) {
			return true
		}
	}
	return false
}

func handlePart(s *Server, c *Conn, m *wire.Message) {
	if len(m.Params) < 1 {
		c.reply(irc.ERR_NEEDMOREPARAMS, "PART", "Not enough parameters")
		return
	}
	reason := m.Param(1)
	for _, name := range strings.Split(m.Params[0], ",") {
		err := s.sync.Part(c.uid(), name, reason)
		switch {
		case err == nil:
		case errors.Is(err, state.ErrUnknownChannel):
			c.reply(irc.ERR_NOSUCHCHANNEL, name, "No such channel")
		case errors.Is(err, state.ErrNotOnChannel):
			c.reply(irc.ERR_NOTONCHANNEL, name, "You're not on that channel")
		default:
			c.log.Warnw("part failed", "channel", name, "error", err)
		}
	}
}

func handleTopic(s *Server, c *Conn, m *wire.Message) {
	if len(m.Params) < 1 {
		c.reply(irc.ERR_NEEDMOREPARAMS, "TOPIC", "Not enough parameters")
		return
	}
	ch, ok := s.reg.Channel(m.Params[0])
	if !ok {
		c.reply(irc.ERR_NOSUCHCHANNEL, m.Params[0], "No such channel")
		return
	}
	status, member := ch.Members[c.uid()]
	if len(m.Params) < 2 {
		if !member && ch.Modes.Has('s') {
			c.reply(irc.ERR_NOTONCHANNEL, ch.Name, "You're not on that channel")
			return
		}
		if ch.Topic == "" {
			c.reply(irc.RPL_NOTOPIC, ch.Name, "No topic is set.")
			return
		}
		sendTopic(s, c, ch)
		return
	}
	if !member {
		c.reply(irc.ERR_NOTONCHANNEL, ch.Name, "You're not on that channel")
		return
	}
	if ch.Modes.Has('t') && status&state.StatusOp == 0 {
		c.reply(irc.ERR_CHANOPRIVSNEEDED, ch.Name, "You're not channel operator")
		return
	}
	if err := s.sync.Topic(c.uid(), ch.Name, m.Params[1]); err != nil {
		c.log.Warnw("topic failed", "channel", ch.Name, "error", err)
	}
}

func sendTopic(s *Server, c *Conn, ch state.Channel) {
	c.reply(irc.RPL_TOPIC, ch.Name, ch.Topic)
	if ch.TopicSetBy != "" {
		c.reply(irc.RPL_TOPICWHOTIME, ch.Name, ch.TopicSetBy, strconv.FormatInt(ch.TopicTS, 10))
	}
}

func handleNames(s *Server, c *Conn, m *wire.Message) {
	if len(m.Params) < 1 {
		c.reply(irc.RPL_ENDOFNAMES, "*", "End of /NAMES list.")
		return
	}
	for _, name := range strings.Split(m.Params[0], ",") {
		ch, ok := s.reg.Channel(name)
		if !ok {
			c.reply(irc.RPL_ENDOFNAMES, name, "End of /NAMES list.")
			continue
		}
		sendNames(s, c, ch)
	}
}

// sendNames lists the members in 353 replies that fit the line limit.
func sendNames(s *Server, c *Conn, ch state.Channel) {
	_, member := ch.Members[c.uid()]
	if member || !ch.Modes.Has('s') {
		kind := "="
		switch {
		case ch.Modes.Has('s'):
			kind = "@"
		case ch.Modes.Has('p'):
			kind = "*"
		}
		overhead := len(s.Config().Server.Name) + len(c.nick()) + len(ch.Name) + 16
		var names []string
		size := 0
		flush := func() {
			if len(names) > 0 {
				rpl := wire.New(s.Config().Server.Name, irc.RPL_NAMREPLY, c.nick(), kind, ch.Name, strings.Join(names, " "))
				rpl.Trailing = true
				_ = c.Send(rpl)
				names, size = nil, 0
			}
		}
		for _, mb := range ch.MemberList() {
			u, ok := s.reg.User(mb.UID)
			if !ok {
				continue
			}
			entry := mb.Status.Highest() + u.Nick
			if overhead+size+len(entry)+1 > wire.MaxLineLength {
				flush()
			}
			names = append(names, entry)
			size += len(entry) + 1
		}
		flush()
	}
	c.reply(irc.RPL_ENDOFNAMES, ch.Name, "End of /NAMES list.")
}

func handleMode(s *Server, c *Conn, m *wire.Message) {
	if len(m.Params) < 1 {
		c.reply(irc.ERR_NEEDMOREPARAMS, "MODE", "Not enough parameters")
		return
	}
	if irc.ValidChannel(m.Params[0]) {
		channelMode(s, c, m)
		return
	}
	userMode(s, c, m)
}

func userMode(s *Server, c *Conn, m *wire.Message) {
	u, ok := c.user()
	if !ok {
		return
	}
	if !irc.Equal(m.Params[0], u.Nick) {
		c.reply(irc.ERR_USERSDONTMATCH, "Can't change mode for other users")
		return
	}
	if len(m.Params) < 2 {
		c.reply(irc.RPL_UMODEIS, u.Modes.String())
		return
	}
	allowed, unknown := filterUserModes(state.ParseUserModeChanges(m.Params[1]))
	if unknown {
		c.reply(irc.ERR_UMODEUNKNOWNFLAG, "Unknown MODE flag")
	}
	applied, err := s.sync.UserMode(u.UID, allowed)
	if err != nil {
		c.log.Warnw("user mode failed", "error", err)
		return
	}
	if len(applied) > 0 {
		modes, _ := state.FormatModeChanges(applied)
		echo := wire.New(u.Nick, "MODE", u.Nick, modes)
		echo.Trailing = true
		_ = c.Send(echo)
	}
}

// listReplies names the numerics answering a list query per list mode.
var listReplies = map[byte][2]string{
	'b': {irc.RPL_BANLIST, irc.RPL_ENDOFBANLIST},
	'e': {irc.RPL_EXCEPTLIST, irc.RPL_ENDOFEXCEPTLIST},
	'I': {irc.RPL_INVITELIST, irc.RPL_ENDOFINVITELIST},
}

func channelMode(s *Server, c *Conn, m *wire.Message) {
	ch, ok := s.reg.Channel(m.Params[0])
	if !ok {
		c.reply(irc.ERR_NOSUCHCHANNEL, m.Params[0], "No such channel")
		return
	}
	status, member := ch.Members[c.uid()]
	if len(m.Params) < 2 {
		modes, args := state.FormatModeChanges(state.ChannelModeChanges(ch))
		if !member {
			args = nil
		}
		c.reply(irc.RPL_CHANNELMODEIS, append([]string{ch.Name, modes}, args...)...)
		c.reply(irc.RPL_CREATIONTIME, ch.Name, strconv.FormatInt(ch.TS, 10))
		return
	}

	changes, unknown := state.ParseModeChanges(m.Params[1], m.Params[2:])
	for _, b := range unknown {
		c.reply(irc.ERR_UNKNOWNMODE, string(b), "is unknown mode char to me")
	}
	var wanted []state.ModeChange
	queried := make(map[byte]bool)
	for _, mc := range changes {
		if rpl, isList := listReplies[mc.Mode]; isList && mc.Arg == "" {
			if !queried[mc.Mode] {
				queried[mc.Mode] = true
				for _, mask := range *ch.List(mc.Mode) {
					c.reply(rpl[0], ch.Name, mask)
				}
				c.reply(rpl[1], ch.Name, "End of channel list")
			}
			continue
		}
		wanted = append(wanted, mc)
	}
	if len(wanted) == 0 {
		return
	}
	if status&state.StatusOp == 0 {
		c.reply(irc.ERR_CHANOPRIVSNEEDED, ch.Name, "You're not channel operator")
		return
	}

	resolved := wanted[:0]
	for _, mc := range wanted {
		if strings.IndexByte(state.StatusModes, mc.Mode) >= 0 {
			target, ok := s.reg.UserByNick(mc.Arg)
			if !ok {
				c.reply(irc.ERR_NOSUCHNICK, mc.Arg, "No such nick/channel")
				continue
			}
			if _, in := ch.Members[target.UID]; !in {
				c.reply(irc.ERR_USERNOTINCHANNEL, target.Nick, ch.Name, "They aren't on that channel")
				continue
			}
			mc.Arg = target.UID
		}
		resolved = append(resolved, mc)
	}
	if len(resolved) == 0 {
		return
	}
	if _, err := s.sync.Mode(c.uid(), ch.Name, resolved); err != nil {
		c.log.Warnw("channel mode failed", "channel", ch.Name, "error", err)
	}
}
