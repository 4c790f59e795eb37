package server

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/lrstanley/girc"
	"github.com/stretchr/testify/require"
)

func newGircClient(t *testing.T, addr, nick string) (*girc.Client, <-chan struct{}) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client := girc.New(girc.Config{
		Server: host,
		Port:   port,
		Nick:   nick,
		User:   nick,
		Name:   nick + " bot",
	})
	connected := make(chan struct{})
	client.Handlers.Add(girc.CONNECTED, func(c *girc.Client, e girc.Event) {
		close(connected)
	})
	go func() { _ = client.Connect() }()
	t.Cleanup(client.Close)
	return client, connected
}

func TestGircClients(t *testing.T) {
	srv, addr := newTestServer(t, nil)

	alice, aliceUp := newGircClient(t, addr, "alice")
	bob, bobUp := newGircClient(t, addr, "bob")

	got := make(chan girc.Event, 1)
	bob.Handlers.Add(girc.PRIVMSG, func(c *girc.Client, e girc.Event) {
		select {
		case got <- e:
		default:
		}
	})

	for _, up := range []<-chan struct{}{aliceUp, bobUp} {
		select {
		case <-up:
		case <-time.After(5 * time.Second):
			t.Fatal("client did not register")
		}
	}
	require.Eventually(t, func() bool { return srv.Registry().Stats().Users == 2 }, 2*time.Second, 10*time.Millisecond)

	alice.Cmd.Message("bob", "hello from girc")
	select {
	case e := <-got:
		require.Equal(t, "alice", e.Source.Name)
		require.Equal(t, "hello from girc", e.Last())
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}
