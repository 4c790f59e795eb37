package admind

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/presbrey/ts6d/irc/access"
	"github.com/presbrey/ts6d/irc/class"
	"github.com/presbrey/ts6d/irc/state"
	"github.com/presbrey/ts6d/irc/ts6"
)

// Stats is the body of GET /api/stats.
type Stats struct {
	Server      string       `json:"server"`
	SID         string       `json:"sid"`
	Network     string       `json:"network"`
	Started     time.Time    `json:"started"`
	Uptime      string       `json:"uptime"`
	Users       int          `json:"users"`
	Channels    int          `json:"channels"`
	Servers     int          `json:"servers"`
	Connections int          `json:"connections"`
	Classes     []class.Stat `json:"classes"`
}

// ServerInfo is one entry of GET /api/servers. Link is set for direct
// peers.
type ServerInfo struct {
	state.Server
	Link *ts6.LinkInfo `json:"link,omitempty"`
}

// LineRequest is the body of POST /api/lines/:kind.
type LineRequest struct {
	Mask     string `json:"mask" validate:"required_without=IP,max=255"`
	IP       string `json:"ip" validate:"omitempty,max=64"`
	Reason   string `json:"reason" validate:"required,max=390"`
	Duration string `json:"duration"`
	// Target propagates K and D-lines to matching servers; "*" is every
	// server. G-lines always go everywhere.
	Target string `json:"target" validate:"omitempty,max=63"`
}

func (s *Server) handleStats(c echo.Context) error {
	cfg := s.irc.Config()
	st := s.irc.Registry().Stats()
	started := s.irc.Started()
	return c.JSON(http.StatusOK, Stats{
		Server:      cfg.Server.Name,
		SID:         cfg.Server.SID,
		Network:     cfg.Network.Name,
		Started:     started,
		Uptime:      time.Since(started).Round(time.Second).String(),
		Users:       st.Users,
		Channels:    st.Channels,
		Servers:     st.Servers,
		Connections: s.irc.ConnCount(),
		Classes:     s.irc.Classes().Stats(),
	})
}

func (s *Server) handleServers(c echo.Context) error {
	links := make(map[string]ts6.LinkInfo)
	for _, l := range s.irc.Sync().Links() {
		links[l.SID] = l
	}
	servers := s.irc.Registry().Servers()
	out := make([]ServerInfo, 0, len(servers))
	for _, srv := range servers {
		info := ServerInfo{Server: srv}
		if l, ok := links[srv.SID]; ok {
			info.Link = &l
		}
		out = append(out, info)
	}
	return c.JSON(http.StatusOK, out)
}

func lineKind(c echo.Context, bans bool) (access.Kind, error) {
	kind, err := access.ParseKind(c.Param("kind"))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if bans && kind != access.KLine && kind != access.DLine && kind != access.GLine {
		return "", echo.NewHTTPError(http.StatusBadRequest, "only K, D and G-lines can be changed at runtime")
	}
	return kind, nil
}

func (s *Server) handleListLines(c echo.Context) error {
	kind, err := lineKind(c, false)
	if err != nil {
		return err
	}
	lines := s.irc.Lines().Lines(kind)
	if kind == access.OLine || kind == access.ILine || kind == access.ALine {
		for i := range lines {
			if lines[i].Password != "" {
				lines[i].Password = "*"
			}
		}
	}
	return c.JSON(http.StatusOK, lines)
}

func (s *Server) handleAddLine(c echo.Context) error {
	kind, err := lineKind(c, true)
	if err != nil {
		return err
	}
	var req LineRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	d, err := parseDuration(req.Duration)
	if err != nil || d < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid duration "+req.Duration)
	}

	l := access.Line{
		Kind:     kind,
		Mask:     req.Mask,
		IP:       req.IP,
		Reason:   req.Reason,
		SetBy:    adminName(c),
		Duration: int64(d / time.Second),
	}
	if kind == access.DLine && l.IP == "" {
		l.IP, l.Mask = l.Mask, ""
	}
	if kind != access.DLine && !strings.Contains(l.Mask, "@") {
		l.Mask = "*@" + l.Mask
	}
	replaced, err := s.irc.Sync().AddLine("", l, req.Target)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.log.Infow("line added", "kind", kind, "key", l.Key(), "by", l.SetBy, "replaced", replaced)
	status := http.StatusCreated
	if replaced {
		status = http.StatusOK
	}
	return c.JSON(status, l)
}

func (s *Server) handleRemoveLine(c echo.Context) error {
	kind, err := lineKind(c, true)
	if err != nil {
		return err
	}
	key := c.QueryParam("key")
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key is required")
	}
	l, err := s.irc.Sync().RemoveLine("", kind, key, c.QueryParam("target"))
	if err != nil {
		if errors.Is(err, access.ErrNoSuchLine) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}
	s.log.Infow("line removed", "kind", kind, "key", key, "by", adminName(c))
	return c.JSON(http.StatusOK, l)
}

func adminName(c echo.Context) string {
	if who, ok := c.Get("admin").(string); ok && who != "" {
		return who
	}
	return "admin"
}
