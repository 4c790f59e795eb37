package irc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorTaxonomy(t *testing.T) {
	tooLong := &ProtocolError{Err: ErrFrameTooLong}
	assert.True(t, IsFatal(tooLong))
	assert.True(t, IsFatal(fmt.Errorf("read: %w", tooLong)))
	assert.True(t, errors.Is(tooLong, ErrFrameTooLong))

	malformed := &ProtocolError{Reason: "bad", Err: ErrMalformedMessage}
	assert.False(t, IsFatal(malformed))
	assert.Equal(t, "protocol error: bad: malformed message", malformed.Error())

	assert.True(t, IsFatal(Protocolf("unknown server %s", "x")))

	nick := &CollisionError{Kind: CollisionNick, Key: "will", Winner: "001AAAAAA", Loser: "002AAAAAA"}
	assert.False(t, IsFatal(nick))
	sid := &CollisionError{Kind: CollisionSID, Key: "42X"}
	assert.True(t, IsFatal(sid))

	full := &ClassFullError{Class: "users", Max: 100}
	assert.True(t, errors.Is(full, ErrClassFull))
	assert.False(t, IsFatal(full))

	assert.True(t, IsFatal(&AccessDenied{Kind: "K", Reason: "K-lined: spam"}))
	assert.False(t, IsFatal(&RegistryInconsistency{Entity: "#foo", Detail: "dangling"}))
}
