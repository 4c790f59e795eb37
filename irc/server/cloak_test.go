package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloakApply(t *testing.T) {
	assert.Equal(t, "10.0.0.1", NewCloak("", "s").Apply("bob", "10.0.0.1", "10.0.0.1"))

	c := NewCloak("{user}.{hash}.users.example", "secret")
	got := c.Apply("bob", "host.example.com", "10.0.0.1")
	assert.Regexp(t, `^bob\.[0-9a-f]{16}\.users\.example$`, got)
	assert.Equal(t, got, c.Apply("bob", "host.example.com", "10.0.0.9"), "hash depends on host only")
	assert.NotEqual(t, got, NewCloak("{user}.{hash}.users.example", "other").Apply("bob", "host.example.com", ""))

	assert.Equal(t, "ip-10.0.0.1", NewCloak("ip-{ip}", "").Apply("bob", "h", "10.0.0.1"))
}
