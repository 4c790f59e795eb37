// Package server accepts client and server connections, runs one reader
// goroutine per socket and feeds the messages into the TS6 synchronizer.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/presbrey/ts6d/irc/access"
	"github.com/presbrey/ts6d/irc/class"
	"github.com/presbrey/ts6d/irc/config"
	"github.com/presbrey/ts6d/irc/hooks"
	"github.com/presbrey/ts6d/irc/metrics"
	"github.com/presbrey/ts6d/irc/state"
	"github.com/presbrey/ts6d/irc/ts6"
	"github.com/presbrey/ts6d/irc/wire"
)

// Version is reported in the welcome burst.
const Version = "ts6d-1.0"

// DefaultClass holds clients whose I-line names no class.
const DefaultClass = "default"

// Options carry the optional collaborators of a Server.
type Options struct {
	Logger *zap.SugaredLogger
	Bus    *hooks.Bus
	// Now replaces the clock for timestamps and line expiry.
	Now func() time.Time
	// Tick is how often connections check their timeouts.
	Tick time.Duration
}

// Server represents the IRC server
type Server struct {
	cfg      atomic.Pointer[config.Config]
	cloak    atomic.Pointer[Cloak]
	throttle atomic.Pointer[access.Throttler]
	log      *zap.SugaredLogger
	bus      *hooks.Bus
	reg      *state.Registry
	lines    *access.Set
	classes  *class.Manager
	sync     *ts6.Synchronizer
	metrics  *metrics.Metrics
	now      func() time.Time
	tick     time.Duration
	started  time.Time

	// mu guards the maps below. It is a leaf lock: nothing that takes the
	// synchronizer's lock may run while it is held.
	mu        sync.Mutex
	conns     map[string]*Conn
	users     map[string]*Conn
	listeners []net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server for cfg. Configured K, D and G-lines are loaded into
// the line set; runtime lines are added later through Lines or the
// synchronizer.
func New(cfg *config.Config, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Bus == nil {
		opts.Bus = hooks.NewBus(opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tick <= 0 {
		opts.Tick = 500 * time.Millisecond
	}
	s := &Server{
		log:     opts.Logger.Named("server"),
		bus:     opts.Bus,
		now:     opts.Now,
		tick:    opts.Tick,
		started: opts.Now(),
		conns:   make(map[string]*Conn),
		users:   make(map[string]*Conn),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cfg.Store(cfg)

	s.reg = state.New(state.Server{
		SID:         cfg.Server.SID,
		Name:        cfg.Server.Name,
		Description: cfg.Server.Description,
		Introduced:  s.started,
	}, state.Options{Now: opts.Now})
	s.lines = access.NewSet(access.Options{})
	s.lines.SetClock(opts.Now)
	s.classes = class.New(cfg.Limits.MaxClients)
	s.metrics = metrics.New(s.reg, s.classes)
	s.metrics.Subscribe(s.bus)

	s.sync = ts6.New(ts6.Config{
		SID:          cfg.Server.SID,
		Name:         cfg.Server.Name,
		Description:  cfg.Server.Description,
		LinkPassword: s.linkPassword,
	}, s.reg, s.lines, s, s.bus, opts.Logger)
	s.sync.SetClock(opts.Now)

	s.applyConfig(cfg)
	return s
}

// applyConfig pushes cfg into the line set, classes, registry options and
// cloak. I, O, U and A-lines are replaced wholesale; configured K, D and
// G-lines are added next to the runtime ones.
func (s *Server) applyConfig(cfg *config.Config) {
	byKind := make(map[access.Kind][]access.Line)
	for _, l := range cfg.AccessLines() {
		byKind[l.Kind] = append(byKind[l.Kind], l)
	}
	for _, kind := range []access.Kind{access.ILine, access.OLine, access.ULine, access.ALine} {
		s.lines.Replace(kind, byKind[kind])
	}
	for _, kind := range []access.Kind{access.KLine, access.DLine, access.GLine} {
		for _, l := range byKind[kind] {
			if l.SetAt.IsZero() {
				l.SetAt = s.now()
			}
			if _, err := s.lines.Add(l); err != nil {
				s.log.Warnw("configured line rejected", "kind", kind, "mask", l.Key(), "error", err)
			}
		}
	}
	s.lines.SetOptions(access.Options{FallbackClass: cfg.Access.FallbackClass})

	s.classes.SetMaxTotal(cfg.Limits.MaxClients)
	for _, l := range byKind[access.ILine] {
		s.classes.Define(classOf(l.Class), l.MaxConnections)
	}
	s.reg.SetOptions(state.Options{
		MaxChannels:  cfg.Limits.MaxChannels,
		DefaultModes: state.ParseModes("nt"),
	})
	s.throttle.Store(access.NewThrottler(cfg.Limits.ThrottleRate, cfg.Limits.ThrottleBurst))
	s.cloak.Store(NewCloak(cfg.Cloak.Template, cfg.Cloak.Secret))
}

func classOf(name string) string {
	if name == "" {
		return DefaultClass
	}
	return name
}

func (s *Server) linkPassword(name string) string {
	l, _ := s.Config().FindLink(name)
	return l.SendPassword
}

// Config returns the active configuration. It must not be modified.
func (s *Server) Config() *config.Config { return s.cfg.Load() }

// Registry returns the network state.
func (s *Server) Registry() *state.Registry { return s.reg }

// Lines returns the live access line set.
func (s *Server) Lines() *access.Set { return s.lines }

// Classes returns the connection class manager.
func (s *Server) Classes() *class.Manager { return s.classes }

// Sync returns the TS6 synchronizer.
func (s *Server) Sync() *ts6.Synchronizer { return s.sync }

// Metrics returns the server's collectors.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Bus returns the event bus.
func (s *Server) Bus() *hooks.Bus { return s.bus }

// Started returns when the server was created.
func (s *Server) Started() time.Time { return s.started }

// Start opens the configured listeners and starts the background loops:
// line sweeping and link autoconnect.
func (s *Server) Start() error {
	cfg := s.Config()
	ln, err := net.Listen("tcp", cfg.ListenAddress())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddress(), err)
	}
	s.log.Infow("listening", "addr", ln.Addr().String())
	s.goServe(ln)

	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		tln, err := tls.Listen("tcp", cfg.TLSListenAddress(), &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to listen on %s: %w", cfg.TLSListenAddress(), err)
		}
		s.log.Infow("listening", "addr", tln.Addr().String(), "tls", true)
		s.goServe(tln)
	}

	if iv := cfg.SweepInterval(); iv > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sweepLoop(iv)
		}()
	}
	for _, l := range cfg.Network.Links {
		if l.Autoconnect {
			s.wg.Add(1)
			go func(name string) {
				defer s.wg.Done()
				s.autoconnect(s.ctx, name)
			}(l.Name)
		}
	}
	return nil
}

func (s *Server) goServe(ln net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(ln); err != nil {
			s.log.Errorw("listener failed", "addr", ln.Addr().String(), "error", err)
		}
	}()
}

// Serve accepts connections on ln until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.accept(nc)
	}
}

// accept applies the checks that need only the address: throttling and
// D-lines. Everything else waits for registration.
func (s *Server) accept(nc net.Conn) {
	ip := remoteIP(nc)
	now := s.now()
	if d := s.throttle.Load().Check(ip, now); !d.Allowed() {
		s.refuse(nc, ip, "throttle", d.Reason)
		return
	}
	if d := s.lines.Evaluate(access.Conn{IP: ip}); !d.Allowed() {
		kind := "D"
		if d.Line != nil {
			kind = string(d.Line.Kind)
		}
		s.refuse(nc, ip, kind, d.Reason)
		return
	}
	c := newConn(s, nc, ip)
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	c.start()
}

func (s *Server) refuse(nc net.Conn, ip, kind, reason string) {
	s.metrics.Rejections.WithLabelValues(kind).Inc()
	s.log.Infow("connection refused", "remote", ip, "reason", reason)
	_ = nc.SetWriteDeadline(time.Now().Add(time.Second))
	_, _ = nc.Write(closingLink(ip, reason).Bytes())
	_ = nc.Close()
}

func closingLink(host, reason string) *wire.Message {
	m := wire.New("", "ERROR", fmt.Sprintf("Closing Link: %s (%s)", host, reason))
	m.Trailing = true
	return m
}

func remoteIP(nc net.Conn) string {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		return nc.RemoteAddr().String()
	}
	return host
}

// Stop closes the listeners and every connection, then waits for the
// background goroutines.
func (s *Server) Stop() {
	s.cancel()
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, c := range conns {
		c.Close("Server shutting down")
	}
	for _, c := range conns {
		<-c.finished
	}
	s.wg.Wait()
}

// Deliver queues m for each listed local user.
func (s *Server) Deliver(uids []string, m *wire.Message) {
	s.mu.Lock()
	targets := make([]*Conn, 0, len(uids))
	for _, uid := range uids {
		if c, ok := s.users[uid]; ok {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()
	for _, c := range targets {
		_ = c.Send(m)
	}
}

// Disconnect closes the connection of a local user the network removed.
func (s *Server) Disconnect(uid, reason string) {
	s.mu.Lock()
	c, ok := s.users[uid]
	s.mu.Unlock()
	if ok {
		c.removed.Store(true)
		c.Close(reason)
	}
}

// Rehash reloads the configuration from its source, or from source when
// given, and applies it. Local users caught by the new lines are
// disconnected. On error the running configuration is kept.
func (s *Server) Rehash(source string) error {
	next := *s.Config()
	if err := next.Reload(source); err != nil {
		return err
	}
	if err := next.HashPasswords(); err != nil {
		return err
	}
	s.cfg.Store(&next)
	s.applyConfig(&next)
	n := s.sync.CheckLocal()
	s.log.Infow("rehashed", "source", next.Source, "disconnected", n)
	return nil
}

func (s *Server) bindUser(uid string, c *Conn) {
	s.mu.Lock()
	s.users[uid] = c
	s.mu.Unlock()
}

func (s *Server) unbindUser(uid string) {
	s.mu.Lock()
	delete(s.users, uid)
	s.mu.Unlock()
}

func (s *Server) forget(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	if uid := c.uid(); uid != "" && s.users[uid] == c {
		delete(s.users, uid)
	}
	s.mu.Unlock()
}

// ConnCount returns the number of open sockets.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// sweepLoop drops expired lines, idle throttle buckets and reports
// registry inconsistencies.
func (s *Server) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	now := s.now()
	for _, l := range s.lines.Sweep(now) {
		s.log.Infow("line expired", "kind", l.Kind, "mask", l.Key())
		s.bus.LineChanged.Run(hooks.LineEvent{Line: l, Removed: true, Source: "expire"})
	}
	s.throttle.Load().Prune(now)
	for _, err := range s.reg.Verify() {
		s.log.Errorw("registry inconsistency", "error", err)
	}
}
