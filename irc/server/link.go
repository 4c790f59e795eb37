package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/presbrey/ts6d/irc/ts6"
)

const dialTimeout = 15 * time.Second

// Connect dials the configured link name and starts the handshake. The
// returned connection runs until the link drops; wait on Finished.
func (s *Server) Connect(ctx context.Context, name string) (*Conn, error) {
	cfg := s.Config()
	link, ok := cfg.FindLink(name)
	if !ok {
		return nil, fmt.Errorf("no link block for %s", name)
	}
	if s.sync.Linked(link.Name) {
		return nil, fmt.Errorf("server %s already linked", link.Name)
	}

	d := net.Dialer{Timeout: dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", link.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", link.Addr(), err)
	}
	if link.TLS {
		tc := tls.Client(nc, &tls.Config{ServerName: link.Host, MinVersion: tls.VersionTLS12})
		hctx, cancel := context.WithTimeout(ctx, dialTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			_ = nc.Close()
			return nil, fmt.Errorf("TLS handshake with %s failed: %w", link.Addr(), err)
		}
		nc = tc
	}

	ip := remoteIP(nc)
	c := newConn(s, nc, ip)
	l := s.sync.NewLink(c, ts6.LinkOptions{
		Outbound: true,
		Name:     link.Name,
		Password: link.SendPassword,
		Host:     link.Host,
		IP:       ip,
	})
	c.link.Store(l)

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = nc.Close()
		return nil, s.ctx.Err()
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	s.metrics.Connections.WithLabelValues("server").Inc()
	c.log.Infow("connecting link", "server", link.Name, "addr", link.Addr())
	c.start()
	l.Start()
	return c, nil
}

// autoconnect keeps the link name up until ctx is done, backing off between
// failed attempts. A link that reached sync resets the backoff.
func (s *Server) autoconnect(ctx context.Context, name string) {
	b := newBackoff(time.Second, 2, 5*time.Minute)
	log := s.log.With("server", name)
	for {
		if _, ok := s.Config().FindLink(name); !ok {
			log.Infow("link block removed, autoconnect stopped")
			return
		}
		if !s.sync.Linked(name) {
			c, err := s.Connect(ctx, name)
			if err != nil {
				log.Debugw("autoconnect failed", "error", err)
			} else {
				select {
				case <-c.Finished():
				case <-ctx.Done():
					return
				}
				if c.synced {
					b.Reset()
				}
				log.Infow("link lost", "reason", c.Reason())
			}
		}
		wait, _ := b.Next()
		if !sleep(ctx, wait) {
			return
		}
	}
}
