package server

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/presbrey/ts6d/irc/access"
	"github.com/presbrey/ts6d/irc/config"
	"github.com/presbrey/ts6d/irc/wire"
)

const baseConfig = `
server:
  name: %s
  sid: %s
network:
  name: TestNet
timeouts:
  registration: 5
access:
  ilines:
    - mask: "*@*"
      class: users
  olines:
    - name: root
      password: secret
      mask: "*@127.0.0.1"
`

func loadConfig(t *testing.T, name, sid string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ts6d.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(baseConfig, name, sid)), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

// startServer runs a server on a loopback listener until the test ends.
func startServer(t *testing.T, cfg *config.Config) (*Server, string) {
	t.Helper()
	require.NoError(t, cfg.HashPasswords())
	srv := New(cfg, Options{Logger: zaptest.NewLogger(t).Sugar(), Tick: 20 * time.Millisecond})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = ln.Close()
		srv.Stop()
	})
	return srv, ln.Addr().String()
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, string) {
	t.Helper()
	cfg := loadConfig(t, "irc.test", "1AA")
	if mutate != nil {
		mutate(cfg)
	}
	return startServer(t, cfg)
}

// ircClient speaks raw IRC to the server under test.
type ircClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *ircClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &ircClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *ircClient) send(format string, args ...any) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, format+"\r\n", args...)
	require.NoError(c.t, err)
}

// expect reads lines until one contains want and returns it.
func (c *ircClient) expect(want string) string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})
	var seen []string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			require.Failf(c.t, "expected line not received", "want %q, got %q (%v)", want, seen, err)
			return ""
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.Contains(line, want) {
			return line
		}
		seen = append(seen, line)
	}
}

// expectClosed waits for the server to hang up.
func (c *ircClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, err := c.r.ReadString('\n'); err != nil {
			assert.NotContains(c.t, err.Error(), "timeout")
			return
		}
	}
}

func (c *ircClient) register(nick string) {
	c.t.Helper()
	c.send("NICK %s", nick)
	c.send("USER %s 0 * :%s test", nick, nick)
	c.expect(" 001 " + nick + " ")
	c.expect(" 422 ")
}

func connectUser(t *testing.T, addr, nick string) *ircClient {
	c := dial(t, addr)
	c.register(nick)
	return c
}

func TestRegistrationWelcome(t *testing.T) {
	srv, addr := newTestServer(t, nil)
	c := dial(t, addr)
	c.send("CAP LS 302")
	c.expect("CAP * LS")
	c.send("NICK alice")
	c.send("USER alice 0 * :Alice")
	c.send("CAP END")

	line := c.expect(" 001 ")
	assert.Equal(t, ":irc.test 001 alice :Welcome to the TestNet Internet Relay Chat Network alice!alice@127.0.0.1", line)
	c.expect(" 004 alice irc.test " + Version)
	isupport := c.expect(" 005 ")
	assert.Contains(t, isupport, "NETWORK=TestNet")
	assert.Contains(t, isupport, "PREFIX=(ov)@+")
	c.expect(" 422 ")

	u, ok := srv.Registry().UserByNick("alice")
	require.True(t, ok)
	assert.Equal(t, "1AA", u.Server)
	assert.Equal(t, 1, srv.Classes().Live("users"))

	c.send("PING :abc")
	c.expect("PONG irc.test :abc")

	c.send("QUIT :bye")
	c.expect("ERROR :Closing Link: 127.0.0.1 (Quit: bye)")
	require.Eventually(t, func() bool {
		_, still := srv.Registry().UserByNick("alice")
		return !still && srv.Classes().Live("users") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotRegistered(t *testing.T) {
	_, addr := newTestServer(t, nil)
	c := dial(t, addr)
	c.send("JOIN #test")
	c.expect(" 451 * :You have not registered")
}

func TestNickInUse(t *testing.T) {
	_, addr := newTestServer(t, nil)
	connectUser(t, addr, "alice")
	c := dial(t, addr)
	c.send("NICK ALICE")
	c.expect(" 433 * ALICE :Nickname is already in use.")
	c.send("NICK 1bad")
	c.expect(" 432 * 1bad ")
	c.register("bob")
}

func TestKLineRejectsRegistration(t *testing.T) {
	_, addr := newTestServer(t, func(cfg *config.Config) {
		cfg.Access.KLines = []access.Line{{Mask: "*@127.0.0.1", Reason: "go away"}}
	})
	c := dial(t, addr)
	c.send("NICK alice")
	c.send("USER alice 0 * :Alice")
	c.expect(" 465 ")
	c.expect("ERROR :Closing Link: 127.0.0.1 (K-lined: go away)")
	c.expectClosed()
}

func TestDLineRefusesAtAccept(t *testing.T) {
	srv, addr := newTestServer(t, func(cfg *config.Config) {
		cfg.Access.DLines = []access.Line{{IP: "127.0.0.0/8", Reason: "loopback"}}
	})
	c := dial(t, addr)
	c.expect("ERROR :Closing Link: 127.0.0.1 (D-lined: loopback)")
	c.expectClosed()
	assert.Equal(t, 0, srv.ConnCount())
}

func TestClassLimit(t *testing.T) {
	_, addr := newTestServer(t, func(cfg *config.Config) {
		cfg.Access.ILines = []access.Line{{Mask: "*@*", Class: "small", MaxConnections: 1}}
	})
	connectUser(t, addr, "alice")
	c := dial(t, addr)
	c.send("NICK bob")
	c.send("USER bob 0 * :Bob")
	c.expect("No more connections allowed in your connection class")
	c.expectClosed()
}

func TestServerFull(t *testing.T) {
	srv, addr := newTestServer(t, func(cfg *config.Config) {
		cfg.Limits.MaxClients = 2
	})
	connectUser(t, addr, "alice")
	connectUser(t, addr, "bob")
	c := dial(t, addr)
	c.send("NICK carol")
	c.send("USER carol 0 * :Carol")
	c.expect("Sorry, server is full - try later")
	c.expectClosed()
	assert.Equal(t, 2, srv.Classes().Total())
}

func TestServerPassword(t *testing.T) {
	_, addr := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.Password = "letmein"
	})
	c := dial(t, addr)
	c.send("NICK alice")
	c.send("USER alice 0 * :Alice")
	c.expect(" 464 ")
	c.expectClosed()

	c = dial(t, addr)
	c.send("PASS letmein")
	c.register("alice")
}

func TestChannelMessaging(t *testing.T) {
	srv, addr := newTestServer(t, nil)
	alice := connectUser(t, addr, "alice")
	bob := connectUser(t, addr, "bob")

	alice.send("JOIN #test")
	alice.expect(":alice!alice@127.0.0.1 JOIN #test")
	alice.expect(" 353 alice = #test :@alice")
	alice.expect(" 366 alice #test ")

	bob.send("JOIN #Test")
	bob.expect(" 353 bob = #test :")
	alice.expect(":bob!bob@127.0.0.1 JOIN #test")

	bob.send("PRIVMSG #test :hello there")
	alice.expect(":bob!bob@127.0.0.1 PRIVMSG #test :hello there")

	alice.send("PRIVMSG bob :direct")
	bob.expect(":alice!alice@127.0.0.1 PRIVMSG bob :direct")

	alice.send("PRIVMSG nobody :x")
	alice.expect(" 401 alice nobody ")

	bob.send("PART #test :later")
	alice.expect(":bob!bob@127.0.0.1 PART #test :later")

	ch, ok := srv.Registry().Channel("#TEST")
	require.True(t, ok)
	assert.Len(t, ch.Members, 1)
}

func TestChannelModes(t *testing.T) {
	_, addr := newTestServer(t, nil)
	alice := connectUser(t, addr, "alice")
	bob := connectUser(t, addr, "bob")

	alice.send("JOIN #test")
	alice.expect(" 366 ")
	bob.send("JOIN #test")
	bob.expect(" 366 ")

	bob.send("MODE #test +m")
	bob.expect(" 482 bob #test ")

	alice.send("MODE #test +m")
	alice.expect("MODE #test +m")
	bob.send("PRIVMSG #test :muted")
	bob.expect(" 404 bob #test ")

	alice.send("MODE #test +v bob")
	bob.expect("MODE #test +v bob")
	bob.send("PRIVMSG #test :voiced")
	alice.expect("PRIVMSG #test :voiced")

	alice.send("MODE #test +b mallory!*@*")
	alice.send("MODE #test b")
	alice.expect(" 367 alice #test mallory!*@*")
	alice.expect(" 368 alice #test ")

	alice.send("MODE #test +k sekrit")
	alice.expect("MODE #test +k sekrit")
	carol := connectUser(t, addr, "carol")
	carol.send("JOIN #test")
	carol.expect(" 475 carol #test ")
	carol.send("JOIN #test sekrit")
	carol.expect(" 366 carol #test ")
	mallory := connectUser(t, addr, "mallory")
	mallory.send("JOIN #test sekrit")
	mallory.expect(" 474 mallory #test ")

	alice.send("MODE #test")
	alice.expect(" 324 alice #test +")

	alice.send("MODE #test +y")
	alice.expect(" 472 alice y ")
}

func TestTopic(t *testing.T) {
	_, addr := newTestServer(t, nil)
	alice := connectUser(t, addr, "alice")
	bob := connectUser(t, addr, "bob")
	alice.send("JOIN #test")
	alice.expect(" 366 ")
	bob.send("JOIN #test")
	bob.expect(" 366 ")

	bob.send("TOPIC #test :mine")
	bob.expect(" 482 bob #test ")

	alice.send("TOPIC #test :welcome all")
	bob.expect("TOPIC #test :welcome all")
	bob.send("TOPIC #test")
	bob.expect(" 332 bob #test :welcome all")
	bob.expect(" 333 bob #test alice")
}

func TestUserModesAndAway(t *testing.T) {
	_, addr := newTestServer(t, nil)
	alice := connectUser(t, addr, "alice")
	bob := connectUser(t, addr, "bob")

	alice.send("MODE alice +iz")
	alice.expect(" 501 alice ")
	alice.expect("MODE alice :+i")
	alice.send("MODE alice")
	alice.expect(" 221 alice +i")
	alice.send("MODE bob +i")
	alice.expect(" 502 alice ")
	alice.send("MODE alice +o")
	alice.send("MODE alice")
	alice.expect(" 221 alice +i")

	bob.send("AWAY :out to lunch")
	bob.expect(" 306 bob ")
	alice.send("PRIVMSG bob :ping")
	alice.expect(" 301 alice bob :out to lunch")
	bob.send("AWAY")
	bob.expect(" 305 bob ")
}

func TestRegistrationTimeout(t *testing.T) {
	_, addr := newTestServer(t, func(cfg *config.Config) {
		cfg.Timeouts.Registration = 1
	})
	c := dial(t, addr)
	c.send("NICK alice")
	c.expect("ERROR :Closing Link: 127.0.0.1 (Registration timed out)")
	c.expectClosed()
}

func TestOperatorCommands(t *testing.T) {
	srv, addr := newTestServer(t, nil)
	alice := connectUser(t, addr, "alice")
	bob := connectUser(t, addr, "bob")

	alice.send("KLINE bob@127.0.0.1 :spam")
	alice.expect(" 481 alice ")

	alice.send("OPER root wrong")
	alice.expect(" 464 alice ")
	alice.send("OPER root secret")
	alice.expect("MODE alice +o")
	alice.expect(" 381 alice ")

	alice.send("KLINE 10 bob@127.0.0.1 :spam")
	alice.expect("Added temporary 10 min. K-Line [bob@127.0.0.1]")
	bob.expect("ERROR :Closing Link: 127.0.0.1 (K-lined: spam)")
	bob.expectClosed()

	lines := srv.Lines().Lines(access.KLine)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(600), lines[0].Duration)
	assert.Equal(t, "alice", lines[0].SetBy)

	alice.send("UNKLINE bob@127.0.0.1")
	alice.expect("K-Line for [bob@127.0.0.1] is removed")
	assert.Empty(t, srv.Lines().Lines(access.KLine))
	alice.send("UNKLINE bob@127.0.0.1")
	alice.expect("No K-Line for bob@127.0.0.1")

	alice.send("KLINE 999999999999999999 dave@127.0.0.1 :forever")
	alice.expect("Added K-Line [dave@127.0.0.1]")
	lines = srv.Lines().Lines(access.KLine)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(0), lines[0].Duration)
	dave := dial(t, addr)
	dave.send("NICK dave")
	dave.send("USER dave 0 * :Dave")
	dave.expect(" 465 ")
	alice.send("UNKLINE dave@127.0.0.1")
	alice.expect("K-Line for [dave@127.0.0.1] is removed")

	carol := connectUser(t, addr, "carol")
	alice.send("KILL carol :behave")
	carol.expect("behave")
	carol.expectClosed()
	alice.send("KILL carol :again")
	alice.expect(" 401 alice carol ")

	alice.send("SQUIT nowhere.test")
	alice.expect(" 402 alice nowhere.test ")
	alice.send("CONNECT nowhere.test")
	alice.expect(" 402 alice nowhere.test ")
}

func TestRehash(t *testing.T) {
	srv, addr := newTestServer(t, nil)
	alice := connectUser(t, addr, "alice")
	alice.send("OPER root secret")
	alice.expect(" 381 ")

	next := strings.Replace(fmt.Sprintf(baseConfig, "irc.test", "1AA"), "TestNet", "OtherNet", 1) + `
  klines:
    - mask: "bob@*"
      reason: rehashed
`
	require.NoError(t, os.WriteFile(srv.Config().Source, []byte(next), 0o600))
	bob := connectUser(t, addr, "bob")

	alice.send("REHASH")
	alice.expect(" 382 alice ")
	bob.expect("K-lined: rehashed")
	assert.Equal(t, "OtherNet", srv.Config().Network.Name)
}

func TestSendQExceeded(t *testing.T) {
	srv, addr := newTestServer(t, func(cfg *config.Config) {
		cfg.Limits.SendQ = 4
	})
	alice := connectUser(t, addr, "alice")
	require.Eventually(t, func() bool { return srv.ConnCount() == 1 }, time.Second, 10*time.Millisecond)

	srv.mu.Lock()
	var c *Conn
	for _, conn := range srv.conns {
		c = conn
	}
	srv.mu.Unlock()
	require.NotNil(t, c)

	// Queue faster than the writer can drain.
	pad := strings.Repeat("x", 400)
	for i := 0; i < 10000 && !c.closed(); i++ {
		_ = c.Send(wire.New("irc.test", "NOTICE", "alice", strconv.Itoa(i)+pad))
	}
	assert.Equal(t, "SendQ exceeded", c.Reason())
	alice.expectClosed()
}

func TestServerLink(t *testing.T) {
	cfgB := loadConfig(t, "b.test", "2BB")
	cfgB.Network.Links = []config.Link{{Name: "a.test", SendPassword: "tob", ReceivePassword: "toa"}}
	srvB, addrB := startServer(t, cfgB)

	host, portStr, err := net.SplitHostPort(addrB)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	cfgA := loadConfig(t, "a.test", "1AA")
	cfgA.Network.Links = []config.Link{{Name: "b.test", Host: host, Port: port, SendPassword: "toa", ReceivePassword: "tob"}}
	srvA, addrA := startServer(t, cfgA)

	alice := connectUser(t, addrA, "alice")
	bob := connectUser(t, addrB, "bob")

	conn, err := srvA.Connect(srvA.ctx, "b.test")
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Eventually(t, func() bool {
		return srvA.Sync().Linked("b.test") && srvB.Sync().Linked("a.test")
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, okA := srvA.Registry().UserByNick("bob")
		_, okB := srvB.Registry().UserByNick("alice")
		return okA && okB
	}, 3*time.Second, 10*time.Millisecond)

	alice.send("PRIVMSG bob :across the link")
	bob.expect(":alice!alice@127.0.0.1 PRIVMSG bob :across the link")

	_, err = srvA.Connect(srvA.ctx, "b.test")
	assert.Error(t, err)

	alice.send("OPER root secret")
	alice.expect(" 381 ")
	alice.send("SQUIT b.test :maintenance")
	require.Eventually(t, func() bool {
		_, okA := srvA.Registry().UserByNick("bob")
		return !okA && !srvA.Sync().Linked("b.test")
	}, 3*time.Second, 10*time.Millisecond)
	alice.send("PRIVMSG bob :gone")
	alice.expect(" 401 alice bob ")
}
