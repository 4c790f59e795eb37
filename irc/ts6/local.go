package ts6

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/presbrey/ts6d/irc"
	"github.com/presbrey/ts6d/irc/hooks"
	"github.com/presbrey/ts6d/irc/state"
	"github.com/presbrey/ts6d/irc/wire"
)

// Errors returned to local callers.
var (
	ErrNoSuchTarget = errors.New("no such nick/channel")
	ErrNoSuchServer = errors.New("no such server")
)

// Introduce registers a local user with the network. The nick must be free.
func (s *Synchronizer) Introduce(u state.User) (state.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if other, ok := s.reg.UserByNick(u.Nick); ok && other.UID != u.UID {
		return state.User{}, ErrNickInUse
	}
	u.Server = s.cfg.SID
	if _, err := s.reg.IntroduceUser(u); err != nil {
		return state.User{}, err
	}
	added, _ := s.reg.User(u.UID)
	s.announceUser(nil, added)
	s.bus.UserRegistered.Run(hooks.UserEvent{User: added, Local: true})
	return added, nil
}

// Nick renames a local user.
func (s *Synchronizer) Nick(uid, nick string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.reg.User(uid)
	if !ok {
		return state.ErrUnknownUser
	}
	if other, ok := s.reg.UserByNick(nick); ok && other.UID != uid {
		return ErrNickInUse
	}
	if old.Nick == nick {
		return nil
	}
	ts := old.TS
	if !irc.Equal(old.Nick, nick) {
		ts = s.now().Unix()
	}
	if _, err := s.reg.ChangeNick(uid, nick, ts); err != nil {
		return err
	}
	s.deliver(s.commonLocal(old, true), wire.New(old.Hostmask(), "NICK", nick))
	s.broadcast(nil, wire.New(uid, "NICK", nick, strconv.FormatInt(ts, 10)))
	return nil
}

// Join adds a local user to a channel, creating it with the user as
// operator when needed. check runs against an existing channel before the
// join and can refuse it.
func (s *Synchronizer) Join(uid, name string, check func(state.Channel) error) (state.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.reg.User(uid)
	if !ok {
		return state.Channel{}, state.ErrUnknownUser
	}
	pre, exists := s.reg.Channel(name)
	if exists {
		if _, in := pre.Members[uid]; in {
			return pre, nil
		}
		if check != nil {
			if err := check(pre); err != nil {
				return pre, err
			}
		}
	}
	status := state.Status(0)
	if !exists {
		status = state.StatusOp
	}
	created, err := s.reg.JoinChannel(uid, name, 0, status)
	if err != nil {
		return state.Channel{}, err
	}
	ch, _ := s.reg.Channel(name)
	s.deliver(s.localMembers(ch, ""), wire.New(u.Hostmask(), "JOIN", ch.Name))
	if created {
		for _, m := range sjoinMessages(s.cfg.SID, ch, []string{"@" + uid}) {
			s.broadcast(nil, m)
		}
	} else {
		s.broadcast(nil, wire.New(uid, "JOIN", strconv.FormatInt(ch.TS, 10), ch.Name, "+"))
	}
	return ch, nil
}

// Part removes a local user from a channel.
func (s *Synchronizer) Part(uid, name, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.reg.User(uid)
	if !ok {
		return state.ErrUnknownUser
	}
	ch, ok := s.reg.Channel(name)
	if !ok {
		return state.ErrUnknownChannel
	}
	if _, in := ch.Members[uid]; !in {
		return state.ErrNotOnChannel
	}
	s.parted(u, ch.Name, reason)
	msg := wire.New(uid, "PART", ch.Name)
	if reason != "" {
		msg = trailing(wire.New(uid, "PART", ch.Name, reason))
	}
	s.broadcast(nil, msg)
	return nil
}

// Quit removes a local user whose connection is closing.
func (s *Synchronizer) Quit(uid, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, _, err := s.reg.RemoveUser(uid)
	if err != nil {
		return err
	}
	s.deliver(s.commonLocal(u, false), trailing(wire.New(u.Hostmask(), "QUIT", reason)))
	s.broadcast(nil, trailing(wire.New(uid, "QUIT", reason)))
	s.bus.UserQuit.Run(hooks.UserEvent{User: u, Local: true, Reason: reason})
	return nil
}

// Mode applies channel mode changes from a local user or, with an empty
// uid, from the server. Status arguments must be UIDs.
func (s *Synchronizer) Mode(uid, name string, changes []state.ModeChange) ([]state.ModeChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reg.Channel(name); !ok {
		return nil, state.ErrUnknownChannel
	}
	src := uid
	if src == "" {
		src = s.cfg.SID
	}
	return s.channelMode(nil, src, name, 0, changes), nil
}

// UserMode applies user mode changes to a local user.
func (s *Synchronizer) UserMode(uid string, changes []state.ModeChange) ([]state.ModeChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	applied, err := s.reg.ApplyUserMode(uid, changes)
	if err != nil || len(applied) == 0 {
		return applied, err
	}
	modes, _ := state.FormatModeChanges(applied)
	s.broadcast(nil, trailing(wire.New(uid, "MODE", uid, modes)))
	return applied, nil
}

// Topic sets a channel topic from a local user.
func (s *Synchronizer) Topic(uid, name, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.reg.User(uid)
	if !ok {
		return state.ErrUnknownUser
	}
	changed, err := s.reg.SetTopic(name, topic, u.Hostmask(), 0, true)
	if err != nil || !changed {
		return err
	}
	ch, _ := s.reg.Channel(name)
	s.deliver(s.localMembers(ch, ""), trailing(wire.New(u.Hostmask(), "TOPIC", ch.Name, topic)))
	s.broadcast(nil, trailing(wire.New(uid, "TOPIC", ch.Name, topic)))
	return nil
}

// Message sends a PRIVMSG or NOTICE from a local user.
func (s *Synchronizer) Message(uid, verb, target, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.relay(nil, uid, verb, target, text) {
		return ErrNoSuchTarget
	}
	return nil
}

// Away sets or clears a local user's away message.
func (s *Synchronizer) Away(uid, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reg.SetAway(uid, msg); err != nil {
		return err
	}
	if msg == "" {
		s.broadcast(nil, wire.New(uid, "AWAY"))
	} else {
		s.broadcast(nil, trailing(wire.New(uid, "AWAY", msg)))
	}
	return nil
}

// Kill removes a user anywhere on the network. source is a UID or empty
// for the server.
func (s *Synchronizer) Kill(source, target, reason string) (state.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if source == "" {
		source = s.cfg.SID
	}
	u, ok := s.reg.User(target)
	if !ok {
		if u, ok = s.reg.UserByNick(target); !ok {
			return state.User{}, ErrNoSuchTarget
		}
	}
	if _, _, err := s.reg.RemoveUser(u.UID); err != nil {
		return state.User{}, err
	}
	s.broadcast(nil, trailing(wire.New(source, "KILL", u.UID, reason)))
	s.quitted(u, fmt.Sprintf("Killed (%s (%s))", s.nickOrServer(source), reason))
	return u, nil
}

// Squit disconnects a server by name or SID.
func (s *Synchronizer) Squit(target, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, ok := s.sidOf(target)
	if !ok || sid == s.cfg.SID {
		return ErrNoSuchServer
	}
	if l, ok := s.links[sid]; ok {
		l.drop(reason)
		return nil
	}
	srv, ok := s.reg.Server(sid)
	if !ok {
		return ErrNoSuchServer
	}
	up, _ := s.reg.Server(srv.Uplink)
	s.splitLocked(sid, up.Name+" "+srv.Name)
	s.broadcast(nil, trailing(wire.New(s.cfg.SID, "SQUIT", sid, reason)))
	return nil
}

// Lookup runs fn under the network lock so it sees a stable registry.
func (s *Synchronizer) Lookup(fn func(reg *state.Registry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.reg)
}
