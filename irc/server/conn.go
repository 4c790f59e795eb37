package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/presbrey/ts6d/irc"
	"github.com/presbrey/ts6d/irc/state"
	"github.com/presbrey/ts6d/irc/ts6"
	"github.com/presbrey/ts6d/irc/wire"
)

const (
	writeTimeout = 30 * time.Second
	flushTimeout = 2 * time.Second
)

var (
	errClosed = errors.New("connection closed")
	errSendQ  = errors.New("send queue exceeded")
)

// Conn is one socket, client or server link. A reader goroutine parses and
// dispatches messages in order, a writer goroutine drains the bounded
// outbound queue and a watcher enforces timeouts.
type Conn struct {
	id      string
	srv     *Server
	nc      net.Conn
	log     *zap.SugaredLogger
	ip      string
	host    string
	created time.Time

	out       chan *wire.Message
	done      chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
	reason    atomic.Value

	lastRead atomic.Int64
	pingSent atomic.Int64

	link       atomic.Pointer[ts6.Link]
	registered atomic.Bool
	removed    atomic.Bool
	synced     bool

	// client is only touched by the reader goroutine.
	client *client
	userID atomic.Value
	wg     sync.WaitGroup
}

func newConn(s *Server, nc net.Conn, ip string) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:       id,
		srv:      s,
		nc:       nc,
		ip:       ip,
		host:     ip,
		created:  s.now(),
		out:      make(chan *wire.Message, s.Config().Limits.SendQ),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		log:      s.log.With("conn", id, "remote", nc.RemoteAddr().String()),
	}
	c.lastRead.Store(c.created.UnixNano())
	return c
}

func (c *Conn) start() {
	c.wg.Add(2)
	go c.writeLoop()
	go c.watch()
	go c.readLoop()
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// Done is closed once the connection starts closing.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Finished is closed after the connection has been torn down.
func (c *Conn) Finished() <-chan struct{} { return c.finished }

// Reason returns why the connection closed, or "" while it is open.
func (c *Conn) Reason() string {
	r, _ := c.reason.Load().(string)
	return r
}

// Link returns the server link running on this connection, if any.
func (c *Conn) Link() *ts6.Link { return c.link.Load() }

func (c *Conn) uid() string {
	u, _ := c.userID.Load().(string)
	return u
}

// Send queues m without blocking. A full queue closes the connection.
func (c *Conn) Send(m *wire.Message) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.out <- m:
		return nil
	default:
		c.srv.metrics.SendQDrops.Inc()
		c.Close("SendQ exceeded")
		return errSendQ
	}
}

// Close starts tearing the connection down. It only records the reason and
// wakes the goroutines, so it is safe to call under any lock.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		var farewell *wire.Message
		if c.link.Load() != nil {
			farewell = wire.New("", "ERROR", reason)
			farewell.Trailing = true
		} else {
			farewell = closingLink(c.host, reason)
		}
		select {
		case c.out <- farewell:
		default:
		}
		close(c.done)
		_ = c.nc.SetReadDeadline(time.Now())
	})
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	defer c.nc.Close()
	w := wire.NewWriter(c.nc)
	for {
		select {
		case m := <-c.out:
			if err := c.write(w, m, writeTimeout); err != nil {
				c.Close("Write error: " + err.Error())
				return
			}
		case <-c.done:
			for {
				select {
				case m := <-c.out:
					if c.write(w, m, flushTimeout) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// write buffers m and whatever else is queued, then flushes once.
func (c *Conn) write(w *wire.Writer, m *wire.Message, timeout time.Duration) error {
	for more := true; more; {
		if err := w.WriteMessage(m); err != nil {
			if !errors.Is(err, irc.ErrMalformedMessage) && !errors.Is(err, irc.ErrFrameTooLong) {
				return err
			}
			c.log.Debugw("dropping unsendable message", "command", m.Command, "error", err)
		}
		select {
		case m = <-c.out:
		default:
			more = false
		}
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(timeout))
	return w.Flush()
}

func (c *Conn) readLoop() {
	defer close(c.finished)
	defer c.cleanup()
	r := wire.NewReader(c.nc)
	for {
		m, err := r.ReadMessage()
		if err != nil {
			if errors.Is(err, irc.ErrMalformedMessage) && !errors.Is(err, irc.ErrFrameTooLong) {
				if c.link.Load() != nil {
					c.Close("Protocol error: " + err.Error())
					return
				}
				c.log.Debugw("ignoring malformed line", "error", err)
				continue
			}
			c.Close(readError(err))
			return
		}
		c.lastRead.Store(c.srv.now().UnixNano())
		c.pingSent.Store(0)
		c.handle(m)
		if c.closed() {
			return
		}
	}
}

func readError(err error) string {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "Remote host closed the connection"
	case errors.Is(err, irc.ErrFrameTooLong):
		return "Line too long"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "Read timeout"
	}
	return "Read error: " + err.Error()
}

// handle routes a message to the link or to client dispatch. The first
// message decides which one the connection is.
func (c *Conn) handle(m *wire.Message) {
	if l := c.link.Load(); l != nil {
		c.srv.metrics.Messages.WithLabelValues("server").Inc()
		c.handleLink(l, m)
		return
	}
	if c.client == nil {
		if isServerIntro(m) {
			l := c.srv.sync.NewLink(c, ts6.LinkOptions{Host: c.host, IP: c.ip})
			c.link.Store(l)
			c.srv.metrics.Connections.WithLabelValues("server").Inc()
			c.handle(m)
			return
		}
		c.client = &client{}
	}
	c.srv.metrics.Messages.WithLabelValues("client").Inc()
	c.srv.dispatch(c, m)
}

func isServerIntro(m *wire.Message) bool {
	switch m.Verb() {
	case "PASS":
		return len(m.Params) >= 2 && m.Params[1] == "TS"
	case "CAPAB", "SERVER":
		return true
	}
	return false
}

func (c *Conn) handleLink(l *ts6.Link, m *wire.Message) {
	if err := l.Handle(m); err != nil {
		if irc.IsFatal(err) {
			c.log.Warnw("link error", "state", l.State().String(), "error", err)
		}
		c.Close(err.Error())
		return
	}
	if !c.synced && l.State() == ts6.Synced {
		c.synced = true
		sid, name := l.Peer()
		took := c.srv.now().Sub(l.BurstStarted())
		c.srv.metrics.ObserveBurst(took)
		c.log.Infow("link synced", "sid", sid, "peer", name, "state", l.State().String(), "burst", took)
	}
}

// watch enforces the registration, burst and keepalive timeouts.
func (c *Conn) watch() {
	defer c.wg.Done()
	t := time.NewTicker(c.srv.tick)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if reason := c.expired(c.srv.now()); reason != "" {
				c.Close(reason)
				return
			}
		}
	}
}

func (c *Conn) expired(now time.Time) string {
	cfg := c.srv.Config()
	if l := c.link.Load(); l != nil {
		switch l.State() {
		case ts6.Unregistered, ts6.Negotiating:
			if now.Sub(c.created) > cfg.RegistrationTimeout() {
				return "Registration timed out"
			}
			return ""
		case ts6.Bursting:
			if now.Sub(l.BurstStarted()) > cfg.BurstTimeout() {
				return "Burst timed out"
			}
			return ""
		}
	} else if !c.registered.Load() {
		if now.Sub(c.created) > cfg.RegistrationTimeout() {
			return "Registration timed out"
		}
		return ""
	}

	if sent := c.pingSent.Load(); sent != 0 {
		if wait := now.Sub(time.Unix(0, sent)); wait > cfg.PingTimeout() {
			return fmt.Sprintf("Ping timeout: %d seconds", int(now.Sub(time.Unix(0, c.lastRead.Load())).Seconds()))
		}
		return ""
	}
	if now.Sub(time.Unix(0, c.lastRead.Load())) > cfg.PingInterval() {
		c.pingSent.Store(now.UnixNano())
		prefix := ""
		if c.link.Load() != nil {
			prefix = cfg.Server.SID
		}
		ping := wire.New(prefix, "PING", cfg.Server.Name)
		ping.Trailing = true
		_ = c.Send(ping)
	}
	return ""
}

// cleanup runs on the reader goroutine after the last message.
func (c *Conn) cleanup() {
	s := c.srv
	reason := c.Reason()
	if l := c.link.Load(); l != nil {
		l.Close(reason)
	} else if uid := c.uid(); uid != "" && !c.removed.Load() {
		if err := s.sync.Quit(uid, reason); err != nil && !errors.Is(err, state.ErrUnknownUser) {
			c.log.Warnw("quit failed", "uid", uid, "error", err)
		}
	}
	if c.client != nil && c.client.class != "" {
		s.classes.Release(c.client.class)
	}
	s.forget(c)
	c.wg.Wait()
	c.log.Infow("connection closed", "reason", reason)
}
