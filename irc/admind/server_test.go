package admind

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/presbrey/ts6d/irc/access"
	"github.com/presbrey/ts6d/irc/config"
	"github.com/presbrey/ts6d/irc/server"
)

const testConfig = `
server:
  name: irc.test
  sid: 1AA
network:
  name: TestNet
access:
  ilines:
    - mask: "*@*"
      password: hunter2
admin:
  token: s3cret
`

func newAdmin(t *testing.T, opts Options) (*Server, *server.Server) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ts6d.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	srv := server.New(cfg, server.Options{Logger: zaptest.NewLogger(t).Sugar()})
	t.Cleanup(srv.Stop)
	opts.Logger = zaptest.NewLogger(t).Sugar()
	a, err := New(context.Background(), srv, opts)
	require.NoError(t, err)
	return a, srv
}

func do(t *testing.T, h http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	a, _ := newAdmin(t, Options{})
	h := a.Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/stats", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/stats", "wrong", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/stats", "s3cret", "").Code)

	rec := do(t, h, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ts6d_")
}

func TestStatsAndServers(t *testing.T) {
	a, _ := newAdmin(t, Options{})
	h := a.Handler()

	rec := do(t, h, http.MethodGet, "/api/stats", "s3cret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "irc.test", st.Server)
	assert.Equal(t, "1AA", st.SID)
	assert.Equal(t, "TestNet", st.Network)
	assert.Equal(t, 1, st.Servers)

	rec = do(t, h, http.MethodGet, "/api/servers", "s3cret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var servers []ServerInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &servers))
	require.Len(t, servers, 1)
	assert.Equal(t, "irc.test", servers[0].Name)
	assert.Nil(t, servers[0].Link)
}

func TestLines(t *testing.T) {
	a, srv := newAdmin(t, Options{})
	h := a.Handler()

	rec := do(t, h, http.MethodPost, "/api/lines/kline", "s3cret", `{"mask":"spam@example.com","reason":"spam","duration":"1h"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	lines := srv.Lines().Lines(access.KLine)
	require.Len(t, lines, 1)
	assert.Equal(t, int64(3600), lines[0].Duration)
	assert.Equal(t, "admin", lines[0].SetBy)

	rec = do(t, h, http.MethodPost, "/api/lines/D", "s3cret", `{"mask":"10.0.0.0/8","reason":"lan"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "10.0.0.0/8", srv.Lines().Lines(access.DLine)[0].IP)

	rec = do(t, h, http.MethodPost, "/api/lines/kline", "s3cret", `{"mask":"x@y"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/lines/oline", "s3cret", `{"mask":"x@y","reason":"r"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/lines/zline", "s3cret", `{"mask":"x@y","reason":"r"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/lines/K", "s3cret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "spam@example.com")

	rec = do(t, h, http.MethodGet, "/api/lines/I", "s3cret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")

	rec = do(t, h, http.MethodDelete, "/api/lines/K?key="+url.QueryEscape("spam@example.com"), "s3cret", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, srv.Lines().Lines(access.KLine))
	rec = do(t, h, http.MethodDelete, "/api/lines/K?key="+url.QueryEscape("spam@example.com"), "s3cret", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	raw, err := jws.CompactSerialize()
	require.NoError(t, err)
	return raw
}

func TestOIDCBearer(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	const issuer = "https://issuer.example.com"
	verifier := oidc.NewVerifier(issuer, &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}, &oidc.Config{ClientID: "ts6d"})

	a, srv := newAdmin(t, Options{Verifier: verifier})
	h := a.Handler()

	now := time.Now()
	good := signToken(t, key, map[string]any{
		"iss": issuer, "aud": "ts6d", "sub": "42", "email": "oper@example.com",
		"iat": now.Unix(), "exp": now.Add(time.Hour).Unix(),
	})
	rec := do(t, h, http.MethodPost, "/api/lines/G", good, `{"mask":"*@bad.example","reason":"abuse"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	lines := srv.Lines().Lines(access.GLine)
	require.Len(t, lines, 1)
	assert.Equal(t, "oper@example.com", lines[0].SetBy)

	expired := signToken(t, key, map[string]any{
		"iss": issuer, "aud": "ts6d", "sub": "42",
		"iat": now.Add(-2 * time.Hour).Unix(), "exp": now.Add(-time.Hour).Unix(),
	})
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/stats", expired, "").Code)

	wrongAud := signToken(t, key, map[string]any{
		"iss": issuer, "aud": "other", "sub": "42", "exp": now.Add(time.Hour).Unix(),
	})
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/stats", wrongAud, "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/stats", "s3cret", "").Code)
}

func TestParseDuration(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"":    0,
		"90":  90 * time.Second,
		"30m": 30 * time.Minute,
		"2h":  2 * time.Hour,
		"1d":  24 * time.Hour,
		"1w":  7 * 24 * time.Hour,
	} {
		got, err := parseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseDuration("soon")
	assert.Error(t, err)
}
