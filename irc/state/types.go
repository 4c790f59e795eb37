package state

import (
	"sort"
	"time"

	"github.com/presbrey/ts6d/irc"
)

// User is a client anywhere on the network. Server is the SID of the server
// the user is connected to.
type User struct {
	UID         string   `json:"uid"`
	Nick        string   `json:"nick"`
	TS          int64    `json:"ts"`
	Username    string   `json:"username"`
	Host        string   `json:"host"`
	VisibleHost string   `json:"visible_host"`
	IP          string   `json:"ip"`
	RealName    string   `json:"realname"`
	Modes       Modes    `json:"-"`
	Server      string   `json:"server"`
	Away        string   `json:"away,omitempty"`
	Account     string   `json:"account,omitempty"`
	Channels    []string `json:"channels,omitempty"`
}

// Hostmask returns nick!user@host using the visible host.
func (u User) Hostmask() string {
	host := u.VisibleHost
	if host == "" {
		host = u.Host
	}
	return irc.FormatHostmask(u.Nick, u.Username, host)
}

// Member is one entry of a channel's membership list.
type Member struct {
	UID    string `json:"uid"`
	Status Status `json:"status"`
}

// Channel is a snapshot of a channel. Members is keyed by UID.
type Channel struct {
	Name       string            `json:"name"`
	TS         int64             `json:"ts"`
	Modes      Modes             `json:"-"`
	Key        string            `json:"key,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Bans       []string          `json:"bans,omitempty"`
	Excepts    []string          `json:"excepts,omitempty"`
	Invex      []string          `json:"invex,omitempty"`
	Topic      string            `json:"topic,omitempty"`
	TopicSetBy string            `json:"topic_set_by,omitempty"`
	TopicTS    int64             `json:"topic_ts,omitempty"`
	Members    map[string]Status `json:"members"`
}

// List returns the list for mode b, e or I.
func (c *Channel) List(mode byte) *[]string {
	switch mode {
	case 'b':
		return &c.Bans
	case 'e':
		return &c.Excepts
	case 'I':
		return &c.Invex
	}
	return nil
}

// MemberList returns the members sorted by UID.
func (c Channel) MemberList() []Member {
	out := make([]Member, 0, len(c.Members))
	for uid, st := range c.Members {
		out = append(out, Member{UID: uid, Status: st})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// Server is a node of the link mesh. Uplink is empty only for the local
// server.
type Server struct {
	SID         string    `json:"sid"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Hops        int       `json:"hops"`
	Uplink      string    `json:"uplink,omitempty"`
	Introduced  time.Time `json:"introduced"`
	Service     bool      `json:"service,omitempty"`
}

// Cascade lists everything removed by RemoveServerCascade.
type Cascade struct {
	Servers  []Server
	Users    []User
	Channels []string
}

// MergeResult describes the outcome of MergeChannel or JoinRemote.
type MergeResult struct {
	Created bool
	// TS is the channel TS after the merge.
	TS int64
	// Accepted is false when the incoming modes and statuses were dropped
	// because our channel is older.
	Accepted bool
	// Cleared holds our modes and statuses removed because the incoming
	// channel is older.
	Cleared []ModeChange
	// Applied holds the incoming modes that took effect.
	Applied []ModeChange
	// Joined holds the members added, with their effective status.
	Joined []Member
	// Missing holds member UIDs that are not known users.
	Missing []string
}

// Stats counts the registry contents.
type Stats struct {
	Users    int `json:"users"`
	Channels int `json:"channels"`
	Servers  int `json:"servers"`
}
