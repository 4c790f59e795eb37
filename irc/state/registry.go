// Package state holds the network-wide view of servers, users and channels.
// Records reference each other by key only: users by UID, channels by folded
// name and servers by SID. Every exported operation is atomic with respect to
// every other one.
package state

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/presbrey/ts6d/irc"
)

// Typed rejections.
var (
	ErrDuplicateSID     = errors.New("duplicate SID")
	ErrDuplicateServer  = errors.New("duplicate server name")
	ErrUnknownServer    = errors.New("unknown server")
	ErrLocalServer      = errors.New("local server cannot be removed")
	ErrInvalidSID       = errors.New("invalid SID")
	ErrInvalidUID       = errors.New("invalid UID")
	ErrDuplicateUID     = errors.New("duplicate UID")
	ErrUnknownUser      = errors.New("unknown user")
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrNotOnChannel     = errors.New("not on channel")
	ErrBadChannelName   = errors.New("invalid channel name")
	ErrBadNick          = errors.New("invalid nickname")
	ErrTooManyChannels  = errors.New("too many channels")
	ErrUIDServerMissing = errors.New("UID does not belong to its server")
)

// Options tune a Registry.
type Options struct {
	// MaxChannels caps the number of channels. Zero means unlimited.
	MaxChannels int
	// DefaultModes are applied to channels created by local joins.
	DefaultModes Modes
	// Now is the clock used for local timestamps.
	Now func() time.Time
}

type user struct {
	User
	chans map[string]string
}

// Registry is the single source of truth for network state.
type Registry struct {
	mu       sync.RWMutex
	local    string
	opts     Options
	servers  map[string]*Server
	names    map[string]string
	users    map[string]*user
	nicks    map[string]string
	channels map[string]*Channel
	uidSeq   uint64
}

// New creates a registry containing only the local server.
func New(local Server, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if local.Introduced.IsZero() {
		local.Introduced = opts.Now()
	}
	local.Uplink = ""
	local.Hops = 0
	r := &Registry{
		local:    local.SID,
		opts:     opts,
		servers:  map[string]*Server{local.SID: &local},
		names:    map[string]string{irc.Fold(local.Name): local.SID},
		users:    make(map[string]*user),
		nicks:    make(map[string]string),
		channels: make(map[string]*Channel),
	}
	return r
}

// LocalSID returns the SID of the local server.
func (r *Registry) LocalSID() string { return r.local }

// SetOptions replaces the limits and defaults, keeping the clock when the new
// options have none.
func (r *Registry) SetOptions(opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if opts.Now == nil {
		opts.Now = r.opts.Now
	}
	r.opts = opts
}

// Now returns the registry clock's current unix time.
func (r *Registry) Now() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opts.Now().Unix()
}

const uidAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NextUID returns an unused UID for a local user.
func (r *Registry) NextUID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		n := r.uidSeq
		r.uidSeq++
		var buf [6]byte
		for i := 5; i > 0; i-- {
			buf[i] = uidAlphabet[n%36]
			n /= 36
		}
		buf[0] = uidAlphabet[n%26]
		uid := r.local + string(buf[:])
		if _, taken := r.users[uid]; !taken {
			return uid
		}
	}
}

// ResolveNick returns the winner of a nick collision between a and b: the
// older TS, then the lower UID. Every server computes the same answer.
func ResolveNick(a, b User) User {
	switch {
	case a.TS < b.TS:
		return a
	case b.TS < a.TS:
		return b
	case a.UID <= b.UID:
		return a
	}
	return b
}

// IntroduceServer adds a server behind an existing uplink.
func (r *Registry) IntroduceServer(s Server) error {
	if !irc.ValidSID(s.SID) {
		return fmt.Errorf("%w: %q", ErrInvalidSID, s.SID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[s.SID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSID, s.SID)
	}
	if _, ok := r.names[irc.Fold(s.Name)]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateServer, s.Name)
	}
	up, ok := r.servers[s.Uplink]
	if !ok {
		return fmt.Errorf("%w: uplink %q", ErrUnknownServer, s.Uplink)
	}
	if s.Hops <= up.Hops {
		s.Hops = up.Hops + 1
	}
	if s.Introduced.IsZero() {
		s.Introduced = r.opts.Now()
	}
	r.servers[s.SID] = &s
	r.names[irc.Fold(s.Name)] = s.SID
	return nil
}

// RemoveServerCascade removes sid, every server behind it, their users and
// memberships, and any channel left empty.
func (r *Registry) RemoveServerCascade(sid string) (Cascade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sid == r.local {
		return Cascade{}, ErrLocalServer
	}
	if _, ok := r.servers[sid]; !ok {
		return Cascade{}, fmt.Errorf("%w: %s", ErrUnknownServer, sid)
	}

	var out Cascade
	gone := r.subtreeLocked(sid)
	for _, s := range gone {
		out.Servers = append(out.Servers, *r.servers[s])
	}
	inSet := make(map[string]bool, len(gone))
	for _, s := range gone {
		inSet[s] = true
	}
	uids := make([]string, 0)
	for uid, u := range r.users {
		if inSet[u.Server] {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)
	for _, uid := range uids {
		u, emptied := r.removeUserLocked(uid)
		out.Users = append(out.Users, u)
		out.Channels = append(out.Channels, emptied...)
	}
	for i := len(gone) - 1; i >= 0; i-- {
		s := r.servers[gone[i]]
		delete(r.names, irc.Fold(s.Name))
		delete(r.servers, gone[i])
	}
	return out, nil
}

// subtreeLocked returns sid and every server behind it, parents first.
func (r *Registry) subtreeLocked(sid string) []string {
	out := []string{sid}
	for i := 0; i < len(out); i++ {
		var children []string
		for _, s := range r.servers {
			if s.Uplink == out[i] {
				children = append(children, s.SID)
			}
		}
		sort.Strings(children)
		out = append(out, children...)
	}
	return out
}

// Subtree returns sid and every server reachable only through it.
func (r *Registry) Subtree(sid string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.servers[sid]; !ok {
		return nil
	}
	return r.subtreeLocked(sid)
}

// NextHop returns the directly linked server through which sid is reached.
func (r *Registry) NextHop(sid string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for {
		s, ok := r.servers[sid]
		if !ok || sid == r.local {
			return "", false
		}
		if s.Uplink == r.local {
			return sid, true
		}
		sid = s.Uplink
	}
}

// IntroduceUser adds a user. When its nick is already taken the TS rule
// picks a winner: if the existing user loses it is removed and returned as
// killed, if the new user loses a *irc.CollisionError is returned and nothing
// changes.
func (r *Registry) IntroduceUser(u User) (killed *User, err error) {
	if !irc.ValidUID(u.UID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUID, u.UID)
	}
	if u.Nick == "" {
		return nil, ErrBadNick
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.UID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateUID, u.UID)
	}
	if _, ok := r.servers[u.Server]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, u.Server)
	}
	if u.UID[:3] != u.Server {
		return nil, fmt.Errorf("%w: %s on %s", ErrUIDServerMissing, u.UID, u.Server)
	}
	if u.TS == 0 {
		u.TS = r.opts.Now().Unix()
	}
	if u.VisibleHost == "" {
		u.VisibleHost = u.Host
	}

	if uid, ok := r.nicks[irc.Fold(u.Nick)]; ok {
		existing := r.users[uid].User
		winner := ResolveNick(existing, u)
		if winner.UID == existing.UID {
			return nil, &irc.CollisionError{Kind: irc.CollisionNick, Key: u.Nick, Winner: existing.UID, Loser: u.UID}
		}
		lost, _ := r.removeUserLocked(uid)
		killed = &lost
	}

	u.Channels = nil
	r.users[u.UID] = &user{User: u, chans: make(map[string]string)}
	r.nicks[irc.Fold(u.Nick)] = u.UID
	return killed, nil
}

// RemoveUser deletes a user and its memberships. It returns the removed
// user and the channels destroyed because they became empty.
func (r *Registry) RemoveUser(uid string) (User, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[uid]; !ok {
		return User{}, nil, fmt.Errorf("%w: %s", ErrUnknownUser, uid)
	}
	u, emptied := r.removeUserLocked(uid)
	return u, emptied, nil
}

func (r *Registry) removeUserLocked(uid string) (User, []string) {
	u := r.users[uid]
	out := u.export()
	var emptied []string
	for key := range u.chans {
		ch := r.channels[key]
		if ch == nil {
			continue
		}
		delete(ch.Members, uid)
		if len(ch.Members) == 0 {
			delete(r.channels, key)
			emptied = append(emptied, ch.Name)
		}
	}
	sort.Strings(emptied)
	if r.nicks[irc.Fold(u.Nick)] == uid {
		delete(r.nicks, irc.Fold(u.Nick))
	}
	delete(r.users, uid)
	return out, emptied
}

// ChangeNick renames a user, applying the collision rule against any other
// user holding nick. ts is the new nick TS; zero means now.
func (r *Registry) ChangeNick(uid, nick string, ts int64) (killed *User, err error) {
	if nick == "" {
		return nil, ErrBadNick
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, uid)
	}
	if ts == 0 {
		ts = r.opts.Now().Unix()
	}
	if other, ok := r.nicks[irc.Fold(nick)]; ok && other != uid {
		existing := r.users[other].User
		moving := u.User
		moving.Nick, moving.TS = nick, ts
		if ResolveNick(existing, moving).UID == existing.UID {
			return nil, &irc.CollisionError{Kind: irc.CollisionNick, Key: nick, Winner: existing.UID, Loser: uid}
		}
		lost, _ := r.removeUserLocked(other)
		killed = &lost
	}
	if r.nicks[irc.Fold(u.Nick)] == uid {
		delete(r.nicks, irc.Fold(u.Nick))
	}
	u.Nick, u.TS = nick, ts
	r.nicks[irc.Fold(nick)] = uid
	return killed, nil
}

// SetAway sets or clears (with an empty message) a user's away message.
func (r *Registry) SetAway(uid, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[uid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, uid)
	}
	u.Away = msg
	return nil
}

// SetHost changes a user's visible host.
func (r *Registry) SetHost(uid, host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[uid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, uid)
	}
	u.VisibleHost = host
	return nil
}

// ApplyUserMode applies user mode changes and returns those that changed
// something.
func (r *Registry) ApplyUserMode(uid string, changes []ModeChange) ([]ModeChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, uid)
	}
	var applied []ModeChange
	for _, mc := range changes {
		if mc.Add == u.Modes.Has(mc.Mode) {
			continue
		}
		if mc.Add {
			u.Modes = u.Modes.With(mc.Mode)
		} else {
			u.Modes = u.Modes.Without(mc.Mode)
		}
		applied = append(applied, ModeChange{Add: mc.Add, Mode: mc.Mode})
	}
	return applied, nil
}

// JoinChannel adds uid to channel name with status. A ts of zero marks a
// local join: a new channel gets the current time and the default modes.
// Joining a channel twice is a no-op.
func (r *Registry) JoinChannel(uid, name string, ts int64, status Status) (created bool, err error) {
	res, err := r.join(uid, name, ts, status)
	return res.Created, err
}

// JoinRemote adds uid to name for a JOIN carrying the channel TS ts. A TS
// older than the channel's resets the channel to it; the modes, lists and
// statuses dropped by the reset are returned in Cleared.
func (r *Registry) JoinRemote(uid, name string, ts int64) (MergeResult, error) {
	return r.join(uid, name, ts, 0)
}

func (r *Registry) join(uid, name string, ts int64, status Status) (MergeResult, error) {
	var res MergeResult
	if !irc.ValidChannel(name) {
		return res, fmt.Errorf("%w: %q", ErrBadChannelName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[uid]
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrUnknownUser, uid)
	}
	key := irc.Fold(name)
	ch, ok := r.channels[key]
	if !ok {
		if r.opts.MaxChannels > 0 && len(r.channels) >= r.opts.MaxChannels {
			return res, ErrTooManyChannels
		}
		ch = &Channel{Name: name, TS: ts, Members: make(map[string]Status)}
		if ts == 0 {
			ch.TS = r.opts.Now().Unix()
			ch.Modes = r.opts.DefaultModes
		}
		r.channels[key] = ch
		res.Created = true
	} else if ts > 0 && ts < ch.TS {
		res.Cleared = r.resetLocked(ch, ts)
	}
	res.TS = ch.TS
	if _, in := ch.Members[uid]; in {
		return res, nil
	}
	ch.Members[uid] = status
	u.chans[key] = ch.Name
	res.Joined = []Member{{UID: uid, Status: status}}
	return res, nil
}

// PartChannel removes uid from channel name, destroying the channel when it
// becomes empty.
func (r *Registry) PartChannel(uid, name string) (destroyed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[uid]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownUser, uid)
	}
	key := irc.Fold(name)
	ch, ok := r.channels[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	if _, in := ch.Members[uid]; !in {
		return false, fmt.Errorf("%w: %s", ErrNotOnChannel, name)
	}
	delete(ch.Members, uid)
	delete(u.chans, key)
	if len(ch.Members) == 0 {
		delete(r.channels, key)
		return true, nil
	}
	return false, nil
}

// ApplyMode applies channel mode changes and returns those that changed
// something. A positive ts newer than the channel's TS means the sender's
// view is stale and the changes are ignored; zero skips the check.
// Status changes name members by UID.
func (r *Registry) ApplyMode(name string, ts int64, changes []ModeChange) ([]ModeChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[irc.Fold(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	if ts > 0 && ts > ch.TS {
		return nil, nil
	}
	return applyModesLocked(ch, changes), nil
}

func applyModesLocked(ch *Channel, changes []ModeChange) []ModeChange {
	var applied []ModeChange
	for _, mc := range changes {
		if applyModeLocked(ch, mc) {
			applied = append(applied, mc)
		}
	}
	return applied
}

func applyModeLocked(ch *Channel, mc ModeChange) bool {
	switch c := mc.Mode; {
	case c == 'k':
		if mc.Add {
			if mc.Arg == "" || mc.Arg == ch.Key {
				return false
			}
			ch.Key = mc.Arg
			return true
		}
		if ch.Key == "" {
			return false
		}
		ch.Key = ""
		return true
	case c == 'l':
		if mc.Add {
			n, err := strconv.Atoi(mc.Arg)
			if err != nil || n <= 0 || n == ch.Limit {
				return false
			}
			ch.Limit = n
			return true
		}
		if ch.Limit == 0 {
			return false
		}
		ch.Limit = 0
		return true
	case c == 'o' || c == 'v':
		st, in := ch.Members[mc.Arg]
		if !in {
			return false
		}
		bit := statusFor(c)
		if mc.Add == (st&bit != 0) {
			return false
		}
		if mc.Add {
			ch.Members[mc.Arg] = st | bit
		} else {
			ch.Members[mc.Arg] = st &^ bit
		}
		return true
	case ch.List(c) != nil:
		if mc.Arg == "" {
			return false
		}
		list := ch.List(c)
		for i, m := range *list {
			if irc.Equal(m, mc.Arg) {
				if mc.Add {
					return false
				}
				*list = append((*list)[:i], (*list)[i+1:]...)
				return true
			}
		}
		if !mc.Add {
			return false
		}
		*list = append(*list, mc.Arg)
		return true
	case ChannelModeKnown(c):
		if mc.Add == ch.Modes.Has(c) {
			return false
		}
		if mc.Add {
			ch.Modes = ch.Modes.With(c)
		} else {
			ch.Modes = ch.Modes.Without(c)
		}
		return true
	}
	return false
}

// resetLocked drops our modes, lists and statuses when an older channel TS
// wins, returning what was removed.
func (r *Registry) resetLocked(ch *Channel, ts int64) []ModeChange {
	var cleared []ModeChange
	for _, c := range []byte(ch.Modes.Letters()) {
		cleared = append(cleared, ModeChange{Mode: c})
	}
	if ch.Key != "" {
		cleared = append(cleared, ModeChange{Mode: 'k', Arg: ch.Key})
	}
	if ch.Limit > 0 {
		cleared = append(cleared, ModeChange{Mode: 'l'})
	}
	for _, m := range []byte(ListModes) {
		for _, mask := range *ch.List(m) {
			cleared = append(cleared, ModeChange{Mode: m, Arg: mask})
		}
	}
	for _, m := range ch.MemberList() {
		if m.Status&StatusOp != 0 {
			cleared = append(cleared, ModeChange{Mode: 'o', Arg: m.UID})
		}
		if m.Status&StatusVoice != 0 {
			cleared = append(cleared, ModeChange{Mode: 'v', Arg: m.UID})
		}
		ch.Members[m.UID] = 0
	}
	ch.TS = ts
	ch.Modes = 0
	ch.Key, ch.Limit = "", 0
	ch.Bans, ch.Excepts, ch.Invex = nil, nil, nil
	ch.Topic, ch.TopicSetBy, ch.TopicTS = "", "", 0
	return cleared
}

// MergeChannel applies a channel burst. The lower TS keeps its modes, lists
// and statuses; on equal TS both sides' modes are merged; incoming modes and
// statuses from a newer channel are dropped but its members still join.
func (r *Registry) MergeChannel(name string, ts int64, modes []ModeChange, members []Member) (MergeResult, error) {
	if !irc.ValidChannel(name) {
		return MergeResult{}, fmt.Errorf("%w: %q", ErrBadChannelName, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := irc.Fold(name)
	ch, ok := r.channels[key]
	var res MergeResult
	switch {
	case !ok:
		if r.opts.MaxChannels > 0 && len(r.channels) >= r.opts.MaxChannels {
			return res, ErrTooManyChannels
		}
		ch = &Channel{Name: name, TS: ts, Members: make(map[string]Status)}
		r.channels[key] = ch
		res.Created, res.Accepted = true, true
	case ts < ch.TS:
		res.Cleared = r.resetLocked(ch, ts)
		res.Accepted = true
	case ts == ch.TS:
		res.Accepted = true
	}

	if res.Accepted {
		for _, mc := range modes {
			if !res.Created {
				mc = mergeParam(ch, mc)
			}
			if applyModeLocked(ch, mc) {
				res.Applied = append(res.Applied, mc)
			}
		}
	}
	for _, m := range members {
		u, known := r.users[m.UID]
		if !known {
			res.Missing = append(res.Missing, m.UID)
			continue
		}
		st := m.Status
		if !res.Accepted {
			st = 0
		}
		prev, in := ch.Members[m.UID]
		ch.Members[m.UID] = prev | st
		u.chans[key] = ch.Name
		if !in || prev|st != prev {
			res.Joined = append(res.Joined, Member{UID: m.UID, Status: prev | st})
		}
	}
	if len(ch.Members) == 0 {
		delete(r.channels, key)
	}
	res.TS = ch.TS
	return res, nil
}

// mergeParam resolves key and limit on an equal-TS merge: the larger limit
// and the lexically greater key win, so both sides converge.
func mergeParam(ch *Channel, mc ModeChange) ModeChange {
	switch mc.Mode {
	case 'k':
		if ch.Key != "" && ch.Key > mc.Arg {
			mc.Arg = ch.Key
		}
	case 'l':
		if n, err := strconv.Atoi(mc.Arg); err == nil && n < ch.Limit {
			mc.Arg = strconv.Itoa(ch.Limit)
		}
	}
	return mc
}

// SetTopic changes a channel topic. Unless force is set, a topic is only
// accepted when the channel has none or ts is older than the current one,
// as for a TB burst. It reports whether the topic changed.
func (r *Registry) SetTopic(name, topic, setter string, ts int64, force bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[irc.Fold(name)]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	if ts == 0 {
		ts = r.opts.Now().Unix()
	}
	if !force && ch.Topic != "" && ts >= ch.TopicTS {
		return false, nil
	}
	if ch.Topic == topic && ch.TopicSetBy == setter {
		return false, nil
	}
	ch.Topic, ch.TopicSetBy, ch.TopicTS = topic, setter, ts
	return true, nil
}

func (u *user) export() User {
	out := u.User
	out.Channels = make([]string, 0, len(u.chans))
	for _, name := range u.chans {
		out.Channels = append(out.Channels, name)
	}
	sort.Strings(out.Channels)
	return out
}

func exportChannel(ch *Channel) Channel {
	out := *ch
	out.Bans = append([]string(nil), ch.Bans...)
	out.Excepts = append([]string(nil), ch.Excepts...)
	out.Invex = append([]string(nil), ch.Invex...)
	out.Members = make(map[string]Status, len(ch.Members))
	for uid, st := range ch.Members {
		out.Members[uid] = st
	}
	return out
}

// User returns a copy of the user with uid.
func (r *Registry) User(uid string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[uid]
	if !ok {
		return User{}, false
	}
	return u.export(), true
}

// UserByNick looks a user up by nickname.
func (r *Registry) UserByNick(nick string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uid, ok := r.nicks[irc.Fold(nick)]
	if !ok {
		return User{}, false
	}
	return r.users[uid].export(), true
}

// Users returns every user sorted by UID.
func (r *Registry) Users() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u.export())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// Channel returns a copy of the channel called name.
func (r *Registry) Channel(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[irc.Fold(name)]
	if !ok {
		return Channel{}, false
	}
	return exportChannel(ch), true
}

// Channels returns every channel sorted by folded name.
func (r *Registry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.channels))
	for k := range r.channels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Channel, 0, len(keys))
	for _, k := range keys {
		out = append(out, exportChannel(r.channels[k]))
	}
	return out
}

// Server returns the server with sid.
func (r *Registry) Server(sid string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[sid]
	if !ok {
		return Server{}, false
	}
	return *s, true
}

// ServerByName looks a server up by name.
func (r *Registry) ServerByName(name string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.names[irc.Fold(name)]
	if !ok {
		return Server{}, false
	}
	return *r.servers[sid], true
}

// Servers returns every server, ordered so that each appears after its
// uplink.
func (r *Registry) Servers() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.subtreeLocked(r.local)
	out := make([]Server, 0, len(ids))
	for _, sid := range ids {
		out = append(out, *r.servers[sid])
	}
	return out
}

// Stats counts the registry contents.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Users: len(r.users), Channels: len(r.channels), Servers: len(r.servers)}
}

// Verify checks cross-references and removes any record that breaks them,
// returning one *irc.RegistryInconsistency per repair.
func (r *Registry) Verify() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	report := func(entity, format string, args ...any) {
		errs = append(errs, &irc.RegistryInconsistency{Entity: entity, Detail: fmt.Sprintf(format, args...)})
	}

	for sid, s := range r.servers {
		if sid == r.local {
			continue
		}
		if _, ok := r.servers[s.Uplink]; !ok {
			report(sid, "uplink %s missing", s.Uplink)
			for _, gone := range r.subtreeLocked(sid) {
				if gs := r.servers[gone]; gs != nil {
					delete(r.names, irc.Fold(gs.Name))
				}
				delete(r.servers, gone)
			}
		}
	}
	for uid, u := range r.users {
		if _, ok := r.servers[u.Server]; !ok {
			report(uid, "server %s missing", u.Server)
			r.removeUserLocked(uid)
			continue
		}
		for key := range u.chans {
			ch, ok := r.channels[key]
			if !ok {
				report(uid, "membership in missing channel %s", key)
				delete(u.chans, key)
				continue
			}
			if _, in := ch.Members[uid]; !in {
				report(uid, "one-sided membership in %s", ch.Name)
				delete(u.chans, key)
			}
		}
	}
	for key, ch := range r.channels {
		for uid := range ch.Members {
			u, ok := r.users[uid]
			if !ok {
				report(ch.Name, "member %s missing", uid)
				delete(ch.Members, uid)
				continue
			}
			if _, in := u.chans[key]; !in {
				report(ch.Name, "one-sided membership of %s", uid)
				delete(ch.Members, uid)
			}
		}
		if len(ch.Members) == 0 {
			report(ch.Name, "empty channel")
			delete(r.channels, key)
		}
	}
	for nick, uid := range r.nicks {
		if u, ok := r.users[uid]; !ok || irc.Fold(u.Nick) != nick {
			report(nick, "stale nick index for %s", uid)
			delete(r.nicks, nick)
		}
	}
	return errs
}
