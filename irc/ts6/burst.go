package ts6

import (
	"strconv"
	"strings"

	"github.com/presbrey/ts6d/irc/state"
	"github.com/presbrey/ts6d/irc/wire"
)

// sjoinBudget bounds the member list of one SJOIN line.
const sjoinBudget = 400

// burst sends our view of the network to l followed by EOB: servers parents
// first, then users, then channels with their lists and topics. Nothing
// behind l is sent back to it.
func (s *Synchronizer) burst(l *Link) {
	sid := s.cfg.SID
	behind := make(map[string]bool)
	for _, x := range s.reg.Subtree(l.peerSID) {
		behind[x] = true
	}

	for _, srv := range s.reg.Servers() {
		if srv.SID == sid || behind[srv.SID] {
			continue
		}
		l.send(trailing(wire.New(srv.Uplink, "SID", srv.Name, strconv.Itoa(srv.Hops+1), srv.SID, srv.Description)))
	}

	for _, u := range s.reg.Users() {
		if behind[u.Server] {
			continue
		}
		l.send(s.uidMessage(l, u))
		if u.Away != "" {
			l.send(trailing(wire.New(u.UID, "AWAY", u.Away)))
		}
	}

	for _, ch := range s.reg.Channels() {
		var members []string
		for _, m := range ch.MemberList() {
			if !behind[m.UID[:3]] {
				members = append(members, m.Status.Prefix()+m.UID)
			}
		}
		if len(members) == 0 {
			continue
		}
		for _, m := range sjoinMessages(sid, ch, members) {
			l.send(m)
		}
		for _, mode := range []byte(state.ListModes) {
			if mode == 'e' && !hasCap(l.caps, "EX") || mode == 'I' && !hasCap(l.caps, "IE") {
				continue
			}
			for _, m := range bmaskMessages(sid, ch.TS, ch.Name, mode, *ch.List(mode)) {
				l.send(m)
			}
		}
		if ch.Topic != "" && hasCap(l.caps, "TB") {
			l.send(trailing(wire.New(sid, "TB", ch.Name, strconv.FormatInt(ch.TopicTS, 10), ch.TopicSetBy, ch.Topic)))
		}
	}

	l.send(wire.New(sid, "EOB"))
}

// uidMessage introduces u to l: EUID when l offered it, UID otherwise.
func (s *Synchronizer) uidMessage(l *Link, u state.User) *wire.Message {
	hops := 1
	if srv, ok := s.reg.Server(u.Server); ok {
		hops = srv.Hops + 1
	}
	ip := u.IP
	if ip == "" {
		ip = "0"
	}
	host := u.VisibleHost
	if host == "" {
		host = u.Host
	}
	params := []string{u.Nick, strconv.Itoa(hops), strconv.FormatInt(u.TS, 10), u.Modes.String(), u.Username, host, ip, u.UID}
	if l == nil || !hasCap(l.caps, "EUID") {
		return trailing(wire.New(u.Server, "UID", append(params, u.RealName)...))
	}
	realHost, account := u.Host, u.Account
	if realHost == "" || realHost == host {
		realHost = "*"
	}
	if account == "" {
		account = "*"
	}
	return trailing(wire.New(u.Server, "EUID", append(params, realHost, account, u.RealName)...))
}

// announceUser introduces u to every link except skip.
func (s *Synchronizer) announceUser(skip *Link, u state.User) {
	for _, l := range s.sortedLinks() {
		if l != skip {
			l.send(s.uidMessage(l, u))
		}
	}
}

// sjoinMessages splits a channel's members over as many SJOIN lines as
// needed. Every line carries the full mode set.
func sjoinMessages(prefix string, ch state.Channel, members []string) []*wire.Message {
	modes, args := state.FormatModeChanges(state.ChannelModeChanges(ch))
	lead := append([]string{strconv.FormatInt(ch.TS, 10), ch.Name, modes}, args...)

	var out []*wire.Message
	for _, chunk := range chunk(members, sjoinBudget) {
		params := append(append([]string(nil), lead...), chunk)
		out = append(out, trailing(wire.New(prefix, "SJOIN", params...)))
	}
	return out
}

func bmaskMessages(prefix string, ts int64, name string, mode byte, masks []string) []*wire.Message {
	var out []*wire.Message
	for _, chunk := range chunk(masks, sjoinBudget) {
		out = append(out, trailing(wire.New(prefix, "BMASK", strconv.FormatInt(ts, 10), name, string(mode), chunk)))
	}
	return out
}

// chunk joins words with spaces into strings no longer than budget.
func chunk(words []string, budget int) []string {
	var out []string
	var sb strings.Builder
	for _, w := range words {
		if sb.Len() > 0 && sb.Len()+1+len(w) > budget {
			out = append(out, sb.String())
			sb.Reset()
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(w)
	}
	if sb.Len() > 0 {
		out = append(out, sb.String())
	}
	return out
}
