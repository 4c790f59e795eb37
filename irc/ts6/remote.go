package ts6

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/presbrey/ts6d/irc"
	"github.com/presbrey/ts6d/irc/hooks"
	"github.com/presbrey/ts6d/irc/state"
	"github.com/presbrey/ts6d/irc/wire"
)

func need(m *wire.Message, n int) error {
	if len(m.Params) < n {
		return &irc.ProtocolError{
			Reason: fmt.Sprintf("%s needs %d parameters", m.Verb(), n),
			Err:    irc.ErrMalformedMessage,
		}
	}
	return nil
}

// sidOf resolves a UID, SID or server name to a SID.
func (s *Synchronizer) sidOf(src string) (string, bool) {
	switch {
	case irc.ValidUID(src):
		return src[:3], true
	case irc.ValidSID(src):
		return src, true
	}
	if srv, ok := s.reg.ServerByName(src); ok {
		return srv.SID, true
	}
	return "", false
}

// behind reports whether src is reachable through l, which stops peers from
// speaking for servers on other links.
func (l *Link) behind(src string) bool {
	sid, ok := l.s.sidOf(src)
	if !ok {
		return false
	}
	hop, ok := l.s.reg.NextHop(sid)
	return ok && hop == l.peerSID
}

func (l *Link) dispatch(m *wire.Message) error {
	s := l.s
	src := m.Prefix
	if src == "" {
		src = l.peerSID
	}
	if !l.behind(src) {
		s.log.Debugw("dropping message from wrong direction", "peer", l.peerName, "source", src, "command", m.Verb())
		return nil
	}

	switch m.Verb() {
	case "PING":
		return l.ping(src, m)
	case "PONG":
		return nil
	case "SVINFO":
		return l.svinfo(m)
	case "EOB":
		if src == l.peerSID {
			l.gotEOB = true
			l.maybeSynced()
		}
		return nil
	case "SID":
		return l.sid(src, m)
	case "UID":
		return l.uid(src, m)
	case "EUID":
		return l.euid(src, m)
	case "SAVE":
		return l.save(src, m)
	case "SJOIN":
		return l.sjoin(src, m)
	case "JOIN":
		return l.join(src, m)
	case "PART":
		return l.part(src, m)
	case "QUIT":
		return l.quit(src, m)
	case "NICK":
		return l.nick(src, m)
	case "MODE":
		return l.mode(src, m)
	case "TMODE":
		return l.tmode(src, m)
	case "BMASK":
		return l.bmask(src, m)
	case "TOPIC":
		return l.topic(src, m)
	case "TB":
		return l.tb(src, m)
	case "PRIVMSG", "NOTICE":
		if err := need(m, 2); err != nil {
			return err
		}
		s.relay(l, src, m.Verb(), m.Params[0], m.Params[1])
		return nil
	case "KILL":
		return l.kill(src, m)
	case "SQUIT":
		return l.squit(src, m)
	case "AWAY":
		return l.away(src, m)
	case "ENCAP":
		return l.encap(src, m)
	case "KLINE", "UNKLINE":
		if err := need(m, 1); err != nil {
			return err
		}
		l.targeted(src, m.Params[0], m.Verb(), m.Params[1:], m)
		return nil
	case "ERROR":
		return fmt.Errorf("peer error: %s", m.Param(0))
	default:
		s.log.Debugw("ignoring command", "peer", l.peerName, "command", m.Verb())
		return nil
	}
}

func (l *Link) ping(src string, m *wire.Message) error {
	s := l.s
	dest := m.Param(1)
	if dest == "" || dest == s.cfg.SID || irc.Equal(dest, s.cfg.Name) {
		l.send(wire.New(s.cfg.SID, "PONG", s.cfg.Name, src))
		return nil
	}
	if sid, ok := s.sidOf(dest); ok {
		if next := s.route(sid); next != nil && next != l {
			next.send(m)
		}
	}
	return nil
}

func (l *Link) svinfo(m *wire.Message) error {
	if err := need(m, 4); err != nil {
		return err
	}
	current, _ := strconv.Atoi(m.Params[0])
	if current < 6 {
		return irc.Protocolf("incompatible TS version %s", m.Params[0])
	}
	max := l.s.cfg.MaxClockDelta
	if ts, err := strconv.ParseInt(m.Params[3], 10, 64); err == nil && max > 0 {
		delta := time.Duration(l.s.now().Unix()-ts) * time.Second
		if delta < 0 {
			delta = -delta
		}
		if delta > max {
			return irc.Protocolf("clock delta %s exceeds %s", delta, max)
		}
	}
	return nil
}

func (l *Link) sid(src string, m *wire.Message) error {
	s := l.s
	if err := need(m, 4); err != nil {
		return err
	}
	up, _ := s.sidOf(src)
	name, sid, desc := m.Params[0], m.Params[2], m.Params[len(m.Params)-1]
	srv := state.Server{SID: sid, Name: name, Description: desc, Uplink: up, Service: s.lines.IsService(name)}
	if err := s.reg.IntroduceServer(srv); err != nil {
		if errors.Is(err, state.ErrDuplicateSID) {
			return &irc.CollisionError{Kind: irc.CollisionSID, Key: sid, Loser: name}
		}
		return &irc.ProtocolError{Reason: "introducing " + name, Err: err}
	}
	added, _ := s.reg.Server(sid)
	s.broadcast(l, trailing(wire.New(up, "SID", name, strconv.Itoa(added.Hops+1), sid, desc)))
	return nil
}

func (l *Link) uid(src string, m *wire.Message) error {
	if err := need(m, 9); err != nil {
		return err
	}
	p := m.Params
	u, err := l.s.remoteUser(src, p[:8], p[len(p)-1])
	if err != nil {
		return err
	}
	return l.introduce(u)
}

// euid is UID with the real host and services account before the real
// name. "*" means the real host equals the visible one, or no account.
func (l *Link) euid(src string, m *wire.Message) error {
	if err := need(m, 11); err != nil {
		return err
	}
	p := m.Params
	u, err := l.s.remoteUser(src, p[:8], p[len(p)-1])
	if err != nil {
		return err
	}
	if p[8] != "*" {
		u.Host = p[8]
	}
	if p[9] != "*" {
		u.Account = p[9]
	}
	return l.introduce(u)
}

// remoteUser builds a user from the leading UID parameters: nick, hops,
// ts, modes, username, host, ip and uid.
func (s *Synchronizer) remoteUser(src string, p []string, realname string) (state.User, error) {
	ts, err := strconv.ParseInt(p[2], 10, 64)
	if err != nil {
		return state.User{}, irc.Protocolf("bad nick TS %q", p[2])
	}
	ip := p[6]
	if ip == "0" {
		ip = ""
	}
	server, _ := s.sidOf(src)
	return state.User{
		UID: p[7], Nick: p[0], TS: ts, Modes: state.ParseModes(p[3]),
		Username: p[4], Host: p[5], VisibleHost: p[5], IP: ip, RealName: realname,
		Server: server,
	}, nil
}

func (l *Link) introduce(u state.User) error {
	s := l.s
	killed, err := s.reg.IntroduceUser(u)
	var ce *irc.CollisionError
	if errors.As(err, &ce) {
		s.log.Infow("nick collision", "nick", u.Nick, "winner", ce.Winner, "loser", ce.Loser)
		l.send(trailing(wire.New(s.cfg.SID, "KILL", u.UID, s.cfg.Name+" (Nick collision)")))
		return nil
	}
	if err != nil {
		return &irc.ProtocolError{Reason: "introducing " + u.UID, Err: err}
	}
	if killed != nil {
		s.collided(*killed)
	}
	added, _ := s.reg.User(u.UID)
	s.announceUser(l, added)
	s.bus.UserRegistered.Run(hooks.UserEvent{User: added})
	return nil
}

// saveTS is the nick TS given to a user renamed to its UID.
const saveTS = 100

// save renames a user to its UID. A TS that no longer matches the user's
// nick TS refers to an older nick and is ignored.
func (l *Link) save(src string, m *wire.Message) error {
	s := l.s
	if err := need(m, 2); err != nil {
		return err
	}
	u, ok := s.reg.User(m.Params[0])
	if !ok {
		return nil
	}
	ts, err := strconv.ParseInt(m.Params[1], 10, 64)
	if err != nil {
		return irc.Protocolf("bad SAVE TS %q", m.Params[1])
	}
	if ts != u.TS || u.Nick == u.UID {
		return nil
	}
	if _, err := s.reg.ChangeNick(u.UID, u.UID, saveTS); err != nil {
		s.log.Warnw("SAVE failed", "uid", u.UID, "error", err)
		return nil
	}
	s.log.Infow("nick saved", "nick", u.Nick, "uid", u.UID, "source", s.nickOrServer(src))
	s.deliver(s.commonLocal(u, true), wire.New(u.Hostmask(), "NICK", u.UID))
	s.broadcast(l, m)
	return nil
}

// collided announces that u lost a nick collision and is already removed.
func (s *Synchronizer) collided(u state.User) {
	s.log.Infow("nick collision", "nick", u.Nick, "loser", u.UID)
	s.broadcast(nil, trailing(wire.New(s.cfg.SID, "KILL", u.UID, s.cfg.Name+" (Nick collision)")))
	s.quitted(u, "Nick collision")
}

func (l *Link) sjoin(src string, m *wire.Message) error {
	s := l.s
	if err := need(m, 4); err != nil {
		return err
	}
	p := m.Params
	ts, err := strconv.ParseInt(p[0], 10, 64)
	if err != nil {
		return irc.Protocolf("bad channel TS %q", p[0])
	}
	name := p[1]
	changes, _ := state.ParseModeChanges(p[2], p[3:len(p)-1])
	var members []state.Member
	for _, entry := range strings.Fields(p[len(p)-1]) {
		st, uid := state.SplitPrefix(entry)
		members = append(members, state.Member{UID: uid, Status: st})
	}

	pre, _ := s.reg.Channel(name)
	res, err := s.reg.MergeChannel(name, ts, changes, members)
	if errors.Is(err, state.ErrBadChannelName) {
		return &irc.ProtocolError{Reason: "SJOIN", Err: err}
	}
	if err != nil {
		s.log.Warnw("SJOIN rejected", "channel", name, "error", err)
		return nil
	}
	for _, uid := range res.Missing {
		s.log.Warnw("SJOIN member", "error", &irc.RegistryInconsistency{Entity: name, Detail: "unknown member " + uid})
	}
	ch, ok := s.reg.Channel(name)
	if !ok {
		return nil
	}
	srvName := s.sourceName(src)

	if len(res.Cleared) > 0 {
		s.deliver(s.localMembers(ch, ""), modeMessage(srvName, "MODE", []string{ch.Name}, s.clientModes(res.Cleared)))
	}
	var statuses []state.ModeChange
	var fwd []string
	for _, mem := range res.Joined {
		if _, was := pre.Members[mem.UID]; !was {
			u, _ := s.reg.User(mem.UID)
			s.deliver(s.localMembers(ch, mem.UID), wire.New(u.Hostmask(), "JOIN", ch.Name))
		}
		if res.Accepted {
			for _, c := range []byte(state.StatusModes) {
				if mem.Status&statusBit(c) != 0 && pre.Members[mem.UID]&statusBit(c) == 0 {
					statuses = append(statuses, state.ModeChange{Add: true, Mode: c, Arg: mem.UID})
				}
			}
		}
	}
	for _, mem := range members {
		if _, in := ch.Members[mem.UID]; !in {
			continue
		}
		prefix := ""
		if res.Accepted {
			prefix = mem.Status.Prefix()
		}
		fwd = append(fwd, prefix+mem.UID)
	}
	if applied := append(res.Applied, statuses...); len(applied) > 0 {
		s.deliver(s.localMembers(ch, ""), modeMessage(srvName, "MODE", []string{ch.Name}, s.clientModes(applied)))
	}
	if len(fwd) == 0 {
		return nil
	}

	out := ch
	if !res.Accepted {
		out.Modes, out.Key, out.Limit = 0, "", 0
	}
	up, _ := s.sidOf(src)
	for _, msg := range sjoinMessages(up, out, fwd) {
		s.broadcast(l, msg)
	}
	return nil
}

func statusBit(c byte) state.Status {
	if c == 'o' {
		return state.StatusOp
	}
	return state.StatusVoice
}

func (l *Link) join(src string, m *wire.Message) error {
	s := l.s
	if err := need(m, 1); err != nil {
		return err
	}
	u, ok := s.reg.User(src)
	if !ok {
		return nil
	}
	if m.Params[0] == "0" {
		for _, name := range u.Channels {
			s.parted(u, name, "")
		}
		s.broadcast(l, m)
		return nil
	}
	if err := need(m, 2); err != nil {
		return err
	}
	ts, _ := strconv.ParseInt(m.Params[0], 10, 64)
	if ts == 0 {
		ts = s.now().Unix()
	}
	name := m.Params[1]
	res, err := s.reg.JoinRemote(u.UID, name, ts)
	if err != nil {
		s.log.Warnw("remote JOIN rejected", "uid", u.UID, "channel", name, "error", err)
		return nil
	}
	ch, _ := s.reg.Channel(name)
	if len(res.Cleared) > 0 {
		s.deliver(s.localMembers(ch, u.UID), modeMessage(s.sourceName(u.Server), "MODE", []string{ch.Name}, s.clientModes(res.Cleared)))
	}
	s.deliver(s.localMembers(ch, ""), wire.New(u.Hostmask(), "JOIN", ch.Name))
	s.broadcast(l, m)
	return nil
}

// parted removes u from name and tells local members.
func (s *Synchronizer) parted(u state.User, name, reason string) bool {
	ch, ok := s.reg.Channel(name)
	if !ok {
		return false
	}
	if _, err := s.reg.PartChannel(u.UID, name); err != nil {
		return false
	}
	msg := wire.New(u.Hostmask(), "PART", ch.Name)
	if reason != "" {
		msg = trailing(wire.New(u.Hostmask(), "PART", ch.Name, reason))
	}
	s.deliver(s.localMembers(ch, ""), msg)
	return true
}

func (l *Link) part(src string, m *wire.Message) error {
	s := l.s
	if err := need(m, 1); err != nil {
		return err
	}
	u, ok := s.reg.User(src)
	if !ok {
		return nil
	}
	for _, name := range strings.Split(m.Params[0], ",") {
		s.parted(u, name, m.Param(1))
	}
	s.broadcast(l, m)
	return nil
}

func (l *Link) quit(src string, m *wire.Message) error {
	s := l.s
	u, _, err := s.reg.RemoveUser(src)
	if err != nil {
		return nil
	}
	s.quitted(u, m.Param(0))
	s.broadcast(l, m)
	return nil
}

func (l *Link) nick(src string, m *wire.Message) error {
	s := l.s
	if err := need(m, 1); err != nil {
		return err
	}
	old, ok := s.reg.User(src)
	if !ok {
		return nil
	}
	nick := m.Params[0]
	ts, _ := strconv.ParseInt(m.Param(1), 10, 64)
	if ts == 0 {
		ts = s.now().Unix()
	}
	killed, err := s.reg.ChangeNick(old.UID, nick, ts)
	var ce *irc.CollisionError
	if errors.As(err, &ce) {
		if u, _, rerr := s.reg.RemoveUser(old.UID); rerr == nil {
			s.collided(u)
		}
		return nil
	}
	if err != nil {
		return nil
	}
	if killed != nil {
		s.collided(*killed)
	}
	s.deliver(s.commonLocal(old, false), wire.New(old.Hostmask(), "NICK", nick))
	s.broadcast(l, wire.New(old.UID, "NICK", nick, strconv.FormatInt(ts, 10)))
	return nil
}

func (l *Link) mode(src string, m *wire.Message) error {
	s := l.s
	if err := need(m, 2); err != nil {
		return err
	}
	target := m.Params[0]
	if irc.ValidChannel(target) {
		changes, _ := state.ParseModeChanges(m.Params[1], m.Params[2:])
		s.channelMode(l, src, target, 0, changes)
		return nil
	}
	if target != src {
		return nil
	}
	applied, err := s.reg.ApplyUserMode(target, state.ParseUserModeChanges(m.Params[1]))
	if err == nil && len(applied) > 0 {
		modes, _ := state.FormatModeChanges(applied)
		s.broadcast(l, trailing(wire.New(src, "MODE", target, modes)))
	}
	return nil
}

func (l *Link) tmode(src string, m *wire.Message) error {
	if err := need(m, 3); err != nil {
		return err
	}
	ts, err := strconv.ParseInt(m.Params[0], 10, 64)
	if err != nil {
		return irc.Protocolf("bad TMODE TS %q", m.Params[0])
	}
	changes, _ := state.ParseModeChanges(m.Params[2], m.Params[3:])
	l.s.channelMode(l, src, m.Params[1], ts, changes)
	return nil
}

// channelMode applies a channel mode change from src. Services bypass the
// TS check.
func (s *Synchronizer) channelMode(from *Link, src, name string, ts int64, changes []state.ModeChange) []state.ModeChange {
	if sid, ok := s.sidOf(src); ok {
		if srv, ok := s.reg.Server(sid); ok && srv.Service {
			ts = 0
		}
	}
	applied, err := s.reg.ApplyMode(name, ts, changes)
	if err != nil || len(applied) == 0 {
		return nil
	}
	ch, _ := s.reg.Channel(name)
	s.deliver(s.localMembers(ch, ""), modeMessage(s.sourceName(src), "MODE", []string{ch.Name}, s.clientModes(applied)))
	s.broadcast(from, modeMessage(src, "TMODE", []string{strconv.FormatInt(ch.TS, 10), ch.Name}, applied))
	return applied
}

func (l *Link) bmask(src string, m *wire.Message) error {
	s := l.s
	if err := need(m, 4); err != nil {
		return err
	}
	ts, err := strconv.ParseInt(m.Params[0], 10, 64)
	if err != nil || len(m.Params[2]) != 1 || strings.IndexByte(state.ListModes, m.Params[2][0]) < 0 {
		return irc.Protocolf("bad BMASK")
	}
	mode := m.Params[2][0]
	var changes []state.ModeChange
	for _, mask := range strings.Fields(m.Params[3]) {
		changes = append(changes, state.ModeChange{Add: true, Mode: mode, Arg: mask})
	}
	applied, err := s.reg.ApplyMode(m.Params[1], ts, changes)
	if err != nil || len(applied) == 0 {
		return nil
	}
	ch, _ := s.reg.Channel(m.Params[1])
	s.deliver(s.localMembers(ch, ""), modeMessage(s.sourceName(src), "MODE", []string{ch.Name}, applied))
	s.broadcast(l, m)
	return nil
}

func (l *Link) topic(src string, m *wire.Message) error {
	s := l.s
	if err := need(m, 1); err != nil {
		return err
	}
	setter := s.sourceName(src)
	changed, err := s.reg.SetTopic(m.Params[0], m.Param(1), setter, 0, true)
	if err != nil || !changed {
		return nil
	}
	ch, _ := s.reg.Channel(m.Params[0])
	s.deliver(s.localMembers(ch, ""), trailing(wire.New(setter, "TOPIC", ch.Name, ch.Topic)))
	s.broadcast(l, m)
	return nil
}

func (l *Link) tb(src string, m *wire.Message) error {
	s := l.s
	if err := need(m, 3); err != nil {
		return err
	}
	name := m.Params[0]
	ts, err := strconv.ParseInt(m.Params[1], 10, 64)
	if err != nil {
		return irc.Protocolf("bad TB TS %q", m.Params[1])
	}
	setter := s.sourceName(src)
	if len(m.Params) >= 4 {
		setter = m.Params[2]
	}
	topic := m.Params[len(m.Params)-1]
	changed, err := s.reg.SetTopic(name, topic, setter, ts, false)
	if err != nil || !changed {
		return nil
	}
	ch, _ := s.reg.Channel(name)
	s.deliver(s.localMembers(ch, ""), trailing(wire.New(s.sourceName(src), "TOPIC", ch.Name, topic)))
	s.broadcast(l, m)
	return nil
}

func (l *Link) kill(src string, m *wire.Message) error {
	s := l.s
	if err := need(m, 1); err != nil {
		return err
	}
	u, _, err := s.reg.RemoveUser(m.Params[0])
	if err != nil {
		return nil
	}
	reason := fmt.Sprintf("Killed (%s (%s))", s.nickOrServer(src), m.Param(1))
	s.quitted(u, reason)
	s.broadcast(l, m)
	return nil
}

func (s *Synchronizer) nickOrServer(id string) string {
	if u, ok := s.reg.User(id); ok {
		return u.Nick
	}
	if srv, ok := s.reg.Server(id); ok {
		return srv.Name
	}
	return id
}

func (l *Link) squit(src string, m *wire.Message) error {
	s := l.s
	if err := need(m, 1); err != nil {
		return err
	}
	reason := m.Param(1)
	sid, ok := s.sidOf(m.Params[0])
	if !ok {
		return nil
	}
	if sid == s.cfg.SID {
		return fmt.Errorf("SQUIT: %s", reason)
	}
	if direct, ok := s.links[sid]; ok && direct != l {
		direct.drop(reason)
		return nil
	}
	srv, ok := s.reg.Server(sid)
	if !ok {
		return nil
	}
	up, _ := s.reg.Server(srv.Uplink)
	s.splitLocked(sid, up.Name+" "+srv.Name)
	s.broadcast(l, trailing(wire.New(s.cfg.SID, "SQUIT", sid, reason)))
	return nil
}

func (l *Link) away(src string, m *wire.Message) error {
	s := l.s
	if err := s.reg.SetAway(src, m.Param(0)); err != nil {
		return nil
	}
	s.broadcast(l, m)
	return nil
}

func (l *Link) encap(src string, m *wire.Message) error {
	if err := need(m, 2); err != nil {
		return err
	}
	l.targeted(src, m.Params[0], strings.ToUpper(m.Params[1]), m.Params[2:], m)
	return nil
}

// targeted applies a line command whose first parameter is a server mask,
// and passes m on unless it named only us.
func (l *Link) targeted(src, target, sub string, p []string, m *wire.Message) {
	s := l.s
	if irc.Match(target, s.cfg.Name) {
		s.applyEncap(src, sub, p)
	}
	if !irc.Equal(target, s.cfg.Name) {
		s.broadcast(l, m)
	}
}

// relay delivers a PRIVMSG or NOTICE from src to a channel or user.
func (s *Synchronizer) relay(from *Link, src, verb, target, text string) bool {
	if irc.ValidChannel(target) {
		ch, ok := s.reg.Channel(target)
		if !ok {
			return false
		}
		s.deliver(s.localMembers(ch, src), trailing(wire.New(s.sourceName(src), verb, ch.Name, text)))
		for _, l := range s.channelLinks(ch, from) {
			l.send(trailing(wire.New(src, verb, ch.Name, text)))
		}
		return true
	}
	u, ok := s.reg.User(target)
	if !ok {
		if u, ok = s.reg.UserByNick(target); !ok {
			return false
		}
	}
	if s.isLocal(u.UID) {
		s.deliver([]string{u.UID}, trailing(wire.New(s.sourceName(src), verb, u.Nick, text)))
		return true
	}
	if l := s.route(u.Server); l != nil && l != from {
		l.send(trailing(wire.New(src, verb, u.UID, text)))
	}
	return true
}
