package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// hashLen is how many hex digits of the HMAC a cloak shows.
const hashLen = 16

// Cloak renders the visible host of local users from a template with the
// placeholders {user}, {host}, {ip} and {hash}.
type Cloak struct {
	template string
	secret   []byte
}

// NewCloak returns a cloak for template. An empty template shows the real
// host.
func NewCloak(template, secret string) *Cloak {
	return &Cloak{template: template, secret: []byte(secret)}
}

// Apply returns the visible host for user connecting from host and ip.
func (c *Cloak) Apply(user, host, ip string) string {
	if c == nil || c.template == "" {
		return host
	}
	r := strings.NewReplacer(
		"{user}", user,
		"{host}", host,
		"{ip}", ip,
		"{hash}", c.hash(host),
	)
	return r.Replace(c.template)
}

func (c *Cloak) hash(host string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(host))
	return hex.EncodeToString(mac.Sum(nil))[:hashLen]
}
