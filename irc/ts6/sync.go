// Package ts6 links servers with the TS6 protocol. It runs the handshake and
// burst for each link, resolves collisions against the state registry and
// propagates every accepted change to the other links.
package ts6

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/presbrey/ts6d/irc"
	"github.com/presbrey/ts6d/irc/access"
	"github.com/presbrey/ts6d/irc/hooks"
	"github.com/presbrey/ts6d/irc/state"
	"github.com/presbrey/ts6d/irc/wire"
)

// ErrNickInUse is returned when a local user asks for a taken nickname.
var ErrNickInUse = errors.New("nickname is already in use")

// Capabilities we offer. Required ones must be offered by every peer. EOB
// is a command every TS6 peer sends, not a capability.
var (
	Capabilities = []string{"QS", "EX", "IE", "ENCAP", "TB", "SERVICES", "SAVE", "EUID", "KLN", "UNKLN", "CHW", "KNOCK"}
	Required     = []string{"QS", "ENCAP"}
)

// Sender is the outbound half of a connection. Send must not block; when it
// cannot queue m it closes the connection itself and returns an error.
type Sender interface {
	Send(m *wire.Message) error
	Close(reason string)
}

// Local delivers network events to users connected to this server.
type Local interface {
	// Deliver sends m to each listed local user.
	Deliver(uids []string, m *wire.Message)
	// Disconnect drops a local user that the network removed.
	Disconnect(uid, reason string)
}

// Config identifies the local server.
type Config struct {
	SID         string
	Name        string
	Description string
	// MaxClockDelta rejects peers whose clock differs by more; zero
	// disables the check.
	MaxClockDelta time.Duration
	// LinkPassword returns the password we send to an inbound peer.
	LinkPassword func(name string) string
}

// Synchronizer owns every server link. Its mutex serializes each registry
// mutation together with the messages it queues, so links observe changes
// in the order they were made.
type Synchronizer struct {
	mu    sync.Mutex
	cfg   Config
	reg   *state.Registry
	lines *access.Set
	local Local
	bus   *hooks.Bus
	log   *zap.SugaredLogger
	links map[string]*Link
	now   func() time.Time
}

// New creates a synchronizer. bus and log may be nil.
func New(cfg Config, reg *state.Registry, lines *access.Set, local Local, bus *hooks.Bus, log *zap.SugaredLogger) *Synchronizer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if bus == nil {
		bus = hooks.NewBus(log)
	}
	return &Synchronizer{
		cfg:   cfg,
		reg:   reg,
		lines: lines,
		local: local,
		bus:   bus,
		log:   log.Named("ts6"),
		links: make(map[string]*Link),
		now:   time.Now,
	}
}

// SetClock replaces the time source.
func (s *Synchronizer) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Registry returns the registry the synchronizer mutates.
func (s *Synchronizer) Registry() *state.Registry { return s.reg }

// Lines returns the access line set.
func (s *Synchronizer) Lines() *access.Set { return s.lines }

// LinkInfo describes one direct link.
type LinkInfo struct {
	SID      string    `json:"sid"`
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Outbound bool      `json:"outbound"`
	Caps     []string  `json:"caps"`
	Since    time.Time `json:"since"`
}

// Links describes the established links sorted by SID.
func (s *Synchronizer) Links() []LinkInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LinkInfo, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, LinkInfo{
			SID: l.peerSID, Name: l.peerName, State: l.State().String(),
			Outbound: l.outbound, Caps: append([]string(nil), l.caps...), Since: l.since,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// Linked reports whether a server called name is directly linked.
func (s *Synchronizer) Linked(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if irc.Equal(l.peerName, name) {
			return true
		}
	}
	return false
}

// broadcast queues m on every established link except skip.
func (s *Synchronizer) broadcast(skip *Link, m *wire.Message) {
	for _, l := range s.sortedLinks() {
		if l != skip {
			l.send(m)
		}
	}
}

func (s *Synchronizer) sortedLinks() []*Link {
	out := make([]*Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].peerSID < out[j].peerSID })
	return out
}

// route returns the link towards the server with sid.
func (s *Synchronizer) route(sid string) *Link {
	hop, ok := s.reg.NextHop(sid)
	if !ok {
		return nil
	}
	return s.links[hop]
}

// channelLinks returns the links behind which ch has members, except skip.
func (s *Synchronizer) channelLinks(ch state.Channel, skip *Link) []*Link {
	seen := make(map[*Link]bool)
	var out []*Link
	for uid := range ch.Members {
		if s.isLocal(uid) {
			continue
		}
		l := s.route(uid[:3])
		if l == nil || l == skip || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].peerSID < out[j].peerSID })
	return out
}

func (s *Synchronizer) isLocal(uid string) bool {
	return len(uid) >= 3 && uid[:3] == s.cfg.SID
}

// localMembers lists the local members of ch, minus except.
func (s *Synchronizer) localMembers(ch state.Channel, except string) []string {
	var out []string
	for uid := range ch.Members {
		if uid != except && s.isLocal(uid) {
			out = append(out, uid)
		}
	}
	sort.Strings(out)
	return out
}

// commonLocal lists local users sharing a channel with u, and u itself when
// local and self is set.
func (s *Synchronizer) commonLocal(u state.User, self bool) []string {
	seen := make(map[string]bool)
	if self && s.isLocal(u.UID) {
		seen[u.UID] = true
	}
	for _, name := range u.Channels {
		ch, ok := s.reg.Channel(name)
		if !ok {
			continue
		}
		for _, uid := range s.localMembers(ch, u.UID) {
			seen[uid] = true
		}
	}
	out := make([]string, 0, len(seen))
	for uid := range seen {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

func (s *Synchronizer) deliver(uids []string, m *wire.Message) {
	if len(uids) > 0 && s.local != nil {
		s.local.Deliver(uids, m)
	}
}

func (s *Synchronizer) disconnect(uid, reason string) {
	if s.local != nil && s.isLocal(uid) {
		s.local.Disconnect(uid, reason)
	}
}

// quitted tells local users that u left the network. u must already be
// removed from the registry; its Channels list the channels it was in.
func (s *Synchronizer) quitted(u state.User, reason string) {
	s.deliver(s.commonLocal(u, false), trailing(wire.New(u.Hostmask(), "QUIT", reason)))
	s.disconnect(u.UID, reason)
	s.bus.UserQuit.Run(hooks.UserEvent{User: u, Local: s.isLocal(u.UID), Reason: reason})
}

// sourceName returns the client-visible prefix for a UID or SID.
func (s *Synchronizer) sourceName(id string) string {
	if u, ok := s.reg.User(id); ok {
		return u.Hostmask()
	}
	if srv, ok := s.reg.Server(id); ok {
		return srv.Name
	}
	return s.cfg.Name
}

// nickOf returns the nick of uid, or uid when unknown.
func (s *Synchronizer) nickOf(uid string) string {
	if u, ok := s.reg.User(uid); ok {
		return u.Nick
	}
	return uid
}

// clientModes rewrites status arguments from UIDs to nicks.
func (s *Synchronizer) clientModes(changes []state.ModeChange) []state.ModeChange {
	out := make([]state.ModeChange, len(changes))
	for i, mc := range changes {
		if strings.IndexByte(state.StatusModes, mc.Mode) >= 0 {
			mc.Arg = s.nickOf(mc.Arg)
		}
		out[i] = mc
	}
	return out
}

func trailing(m *wire.Message) *wire.Message {
	m.Trailing = true
	return m
}

func modeMessage(prefix, command string, lead []string, changes []state.ModeChange) *wire.Message {
	modes, args := state.FormatModeChanges(changes)
	params := append(append([]string(nil), lead...), modes)
	return wire.New(prefix, command, append(params, args...)...)
}

func intersect(ours, theirs []string) []string {
	var out []string
	for _, c := range ours {
		for _, t := range theirs {
			if strings.EqualFold(c, t) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func hasCap(caps []string, c string) bool {
	for _, x := range caps {
		if x == c {
			return true
		}
	}
	return false
}
