package ts6

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/presbrey/ts6d/irc"
	"github.com/presbrey/ts6d/irc/hooks"
	"github.com/presbrey/ts6d/irc/state"
	"github.com/presbrey/ts6d/irc/wire"
)

// State is the phase of a server link.
type State int32

const (
	Unregistered State = iota
	Negotiating
	Bursting
	Synced
	Closing
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Negotiating:
		return "negotiating"
	case Bursting:
		return "bursting"
	case Synced:
		return "synced"
	case Closing:
		return "closing"
	}
	return "unknown"
}

// LinkOptions describe the connection a link runs on.
type LinkOptions struct {
	// Outbound is set when we initiated the connection.
	Outbound bool
	// Name is the server we expect on an outbound link.
	Name string
	// Password is sent in our PASS.
	Password string
	Host     string
	IP       string
}

// Link is one server connection. Handle must be called from a single
// goroutine, in receive order.
type Link struct {
	s        *Synchronizer
	out      Sender
	state    atomic.Int32
	outbound bool
	expect   string
	password string
	host, ip string

	peerPass string
	peerSID  string
	peerName string
	peerDesc string
	caps     []string
	sentEOB  bool
	gotEOB   bool
	since    time.Time
	burstAt  time.Time
}

// NewLink attaches a connection to the synchronizer.
func (s *Synchronizer) NewLink(out Sender, opts LinkOptions) *Link {
	return &Link{
		s:        s,
		out:      out,
		outbound: opts.Outbound,
		expect:   opts.Name,
		password: opts.Password,
		host:     opts.Host,
		ip:       opts.IP,
	}
}

// State returns the current link state.
func (l *Link) State() State { return State(l.state.Load()) }

func (l *Link) setState(st State) { l.state.Store(int32(st)) }

// Peer returns the peer SID and name once known.
func (l *Link) Peer() (sid, name string) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.peerSID, l.peerName
}

// Caps returns the negotiated capabilities.
func (l *Link) Caps() []string {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return append([]string(nil), l.caps...)
}

// BurstStarted returns when the link entered Bursting.
func (l *Link) BurstStarted() time.Time {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.burstAt
}

func (l *Link) send(m *wire.Message) {
	if l.State() == Closing {
		return
	}
	if err := l.out.Send(m); err != nil {
		l.s.log.Warnw("link send failed", "peer", l.peerName, "error", err)
	}
}

// Start sends our half of the handshake. Outbound links call it right after
// connecting; inbound links answer once the peer's SERVER arrives.
func (l *Link) Start() {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.sendHandshake()
}

func (l *Link) sendHandshake() {
	cfg := l.s.cfg
	l.send(trailing(wire.New("", "PASS", l.password, "TS", "6", cfg.SID)))
	l.send(trailing(wire.New("", "CAPAB", strings.Join(Capabilities, " "))))
	l.send(trailing(wire.New("", "SERVER", cfg.Name, "1", cfg.Description)))
}

// Handle processes one message from the peer. A non-nil error means the
// link must be closed with err as the reason.
func (l *Link) Handle(m *wire.Message) error {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()

	switch l.State() {
	case Closing:
		return nil
	case Unregistered, Negotiating:
		return l.handshake(m)
	}
	return l.dispatch(m)
}

func (l *Link) handshake(m *wire.Message) error {
	switch m.Verb() {
	case "PASS":
		if l.State() != Unregistered {
			return irc.Protocolf("duplicate PASS")
		}
		if len(m.Params) < 4 || !strings.EqualFold(m.Params[1], "TS") {
			return irc.Protocolf("PASS without TS parameters")
		}
		if v, err := strconv.Atoi(m.Params[2]); err != nil || v < 6 {
			return irc.Protocolf("unsupported TS version %q", m.Params[2])
		}
		if !irc.ValidSID(m.Params[3]) {
			return irc.Protocolf("invalid SID %q", m.Params[3])
		}
		l.peerPass, l.peerSID = m.Params[0], m.Params[3]
		l.setState(Negotiating)
	case "CAPAB":
		if l.State() != Negotiating {
			return irc.Protocolf("CAPAB before PASS")
		}
		l.caps = intersect(Capabilities, strings.Fields(strings.Join(m.Params, " ")))
	case "SERVER":
		if l.State() != Negotiating {
			return irc.Protocolf("SERVER before PASS")
		}
		return l.register(m)
	case "PING":
		l.send(wire.New(l.s.cfg.SID, "PONG", l.s.cfg.Name, m.Param(0)))
	case "PONG", "NOTICE":
	case "ERROR":
		return fmt.Errorf("peer error: %s", m.Param(0))
	default:
		return irc.Protocolf("%s before registration", m.Verb())
	}
	return nil
}

func (l *Link) register(m *wire.Message) error {
	s := l.s
	if len(m.Params) < 3 {
		return irc.Protocolf("SERVER needs 3 parameters")
	}
	name, desc := m.Params[0], m.Params[len(m.Params)-1]
	if l.outbound && l.expect != "" && !irc.Equal(l.expect, name) {
		return irc.Protocolf("expected %s, got %s", l.expect, name)
	}
	for _, c := range Required {
		if !hasCap(l.caps, c) {
			return irc.Protocolf("missing required capability %s", c)
		}
	}
	matched, ok := s.lines.CheckLink(name, l.peerPass, l.host, l.ip)
	if !matched {
		return &irc.AccessDenied{Kind: "A", Reason: "No link block for " + name}
	}
	if !ok {
		return &irc.AccessDenied{Kind: "A", Reason: "Bad link password"}
	}
	if existing, taken := s.reg.Server(l.peerSID); taken {
		return &irc.CollisionError{Kind: irc.CollisionSID, Key: l.peerSID, Winner: existing.Name, Loser: name}
	}

	if !l.outbound {
		if l.password == "" && s.cfg.LinkPassword != nil {
			l.password = s.cfg.LinkPassword(name)
		}
		l.sendHandshake()
	}
	l.send(trailing(wire.New("", "SVINFO", "6", "6", "0", strconv.FormatInt(s.now().Unix(), 10))))

	srv := state.Server{
		SID: l.peerSID, Name: name, Description: desc, Hops: 1,
		Uplink: s.cfg.SID, Service: s.lines.IsService(name),
	}
	if err := s.reg.IntroduceServer(srv); err != nil {
		if errors.Is(err, state.ErrDuplicateSID) {
			return &irc.CollisionError{Kind: irc.CollisionSID, Key: l.peerSID, Loser: name}
		}
		return &irc.ProtocolError{Reason: "introducing " + name, Err: err}
	}
	l.peerName, l.peerDesc = name, desc
	l.since = s.now()
	l.burstAt = l.since
	l.setState(Bursting)
	s.links[l.peerSID] = l

	s.broadcast(l, trailing(wire.New(s.cfg.SID, "SID", name, "2", l.peerSID, desc)))
	s.log.Infow("link registered", "peer", name, "sid", l.peerSID, "caps", l.caps, "outbound", l.outbound)

	s.burst(l)
	l.sentEOB = true
	l.maybeSynced()
	return nil
}

func (l *Link) maybeSynced() {
	if l.State() != Bursting || !l.sentEOB || !l.gotEOB {
		return
	}
	l.setState(Synced)
	s := l.s
	srv, _ := s.reg.Server(l.peerSID)
	s.log.Infow("link synced", "peer", l.peerName, "burst", s.now().Sub(l.burstAt))
	s.bus.LinkUp.Run(hooks.LinkEvent{Server: srv})
}

// Close tears the link down: every server behind it is removed with its
// users, other links are told with SQUIT and local users see the QUITs.
// It is safe to call more than once.
func (l *Link) Close(reason string) {
	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()
	l.closeLocked(reason)
}

func (l *Link) closeLocked(reason string) {
	s := l.s
	if l.State() == Closing {
		return
	}
	registered := s.links[l.peerSID] == l
	l.setState(Closing)
	if !registered {
		return
	}
	delete(s.links, l.peerSID)
	s.log.Infow("link closed", "peer", l.peerName, "sid", l.peerSID, "reason", reason)
	s.broadcast(nil, trailing(wire.New(s.cfg.SID, "SQUIT", l.peerSID, reason)))
	srv, _ := s.reg.Server(l.peerSID)
	c := s.splitLocked(l.peerSID, fmt.Sprintf("%s %s", s.cfg.Name, l.peerName))
	s.bus.LinkDown.Run(hooks.LinkEvent{Server: srv, Reason: reason, Cascade: c})
}

// drop closes the link and its connection from inside the synchronizer.
func (l *Link) drop(reason string) {
	l.closeLocked(reason)
	l.out.Close(reason)
}

// splitLocked removes sid and everything behind it, notifying local users.
func (s *Synchronizer) splitLocked(sid, reason string) *state.Cascade {
	c, err := s.reg.RemoveServerCascade(sid)
	if err != nil {
		s.log.Warnw("split of unknown server", "sid", sid, "error", err)
		return nil
	}
	for _, u := range c.Users {
		s.quitted(u, reason)
	}
	for _, srv := range c.Servers {
		if l, ok := s.links[srv.SID]; ok && l.State() != Closing {
			l.drop(reason)
		}
	}
	return &c
}
