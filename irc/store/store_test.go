package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/presbrey/ts6d/irc/access"
	"github.com/presbrey/ts6d/irc/hooks"
)

var setAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func sampleLines() []access.Line {
	return []access.Line{
		{Kind: access.KLine, Mask: "*!*@badhost.com", Reason: "spam", SetBy: "oper", SetAt: setAt, Duration: 3600},
		{Kind: access.DLine, IP: "10.0.0.0/8", Reason: "lan", SetAt: setAt},
		{Kind: access.GLine, Mask: "*@evil.example", Reason: "global", SetAt: setAt, Flags: []string{"a", "b"}},
	}
}

func exerciseStore(t *testing.T, st Store) {
	ctx := context.Background()
	for _, l := range sampleLines() {
		require.NoError(t, st.Save(ctx, l))
	}
	got, err := st.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	byKey := map[string]access.Line{}
	for _, l := range got {
		byKey[string(l.Kind)+l.Key()] = l
	}
	k := byKey["K*!*@badhost.com"]
	assert.Equal(t, "spam", k.Reason)
	assert.Equal(t, "oper", k.SetBy)
	assert.True(t, setAt.Equal(k.SetAt))
	assert.Equal(t, int64(3600), k.Duration)
	assert.Equal(t, "10.0.0.0/8", byKey["D10.0.0.0/8"].IP)
	assert.Equal(t, []string{"a", "b"}, byKey["G*@evil.example"].Flags)

	replaced := sampleLines()[0]
	replaced.Reason = "more spam"
	require.NoError(t, st.Save(ctx, replaced))
	got, err = st.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.NoError(t, st.Delete(ctx, access.DLine, "10.0.0.0/8"))
	assert.ErrorIs(t, st.Delete(ctx, access.DLine, "10.0.0.0/8"), ErrNotFound)
	got, err = st.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	for _, l := range got {
		if l.Kind == access.KLine {
			assert.Equal(t, "more spam", l.Reason)
		}
	}
}

func TestDocumentStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.json")
	st, err := Open(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	require.IsType(t, &Document{}, st)
	exerciseStore(t, st)
	require.NoError(t, st.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"klines"`)
	assert.Contains(t, string(data), `"set_by": "oper"`)

	again, err := OpenDocument(path)
	require.NoError(t, err)
	got, err := again.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDocumentRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o600))
	_, err := OpenDocument(path)
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.db")
	st, err := Open(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	require.IsType(t, &SQL{}, st)
	exerciseStore(t, st)
	require.NoError(t, st.Close())

	again, err := OpenSQL("sqlite://"+path, nil)
	require.NoError(t, err)
	defer again.Close()
	got, err := again.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSharedHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	before := handles.size()
	a, err := OpenSQL(path, nil)
	require.NoError(t, err)
	b, err := OpenSQL(path, nil)
	require.NoError(t, err)
	assert.Same(t, a.db, b.db)
	assert.Equal(t, before+1, handles.size())

	require.NoError(t, a.Close())
	assert.Equal(t, before+1, handles.size())
	require.NoError(t, b.Close())
	assert.Equal(t, before, handles.size())
}

func TestDialector(t *testing.T) {
	_, dsn := dialector("mysql://u:p@tcp(db:3306)/ircd?parseTime=true")
	assert.Equal(t, "u:p@tcp(db:3306)/ircd?parseTime=true", dsn)
	_, dsn = dialector("postgres://u:p@db/ircd")
	assert.Equal(t, "postgres://u:p@db/ircd", dsn)
	_, dsn = dialector("sqlite:///var/lib/ts6d.db")
	assert.Equal(t, "/var/lib/ts6d.db", dsn)
	assert.Equal(t, "postgres://u:***@db/ircd", redact("postgres://u:p@db/ircd"))
	assert.Equal(t, "lines.db", redact("lines.db"))
}

func TestRestoreSkipsExpired(t *testing.T) {
	st, err := OpenDocument(filepath.Join(t.TempDir(), "lines.json"))
	require.NoError(t, err)
	ctx := context.Background()
	for _, l := range sampleLines() {
		require.NoError(t, st.Save(ctx, l))
	}
	require.NoError(t, st.Save(ctx, access.Line{Kind: access.ILine, Mask: "*@*", Class: "users"}))

	set := access.NewSet(access.Options{})
	set.SetClock(func() time.Time { return setAt.Add(2 * time.Hour) })
	n, err := Restore(ctx, st, set)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, set.Lines(access.KLine))
	assert.Len(t, set.Lines(access.DLine), 1)
	assert.Empty(t, set.Lines(access.ILine))
}

func TestPersister(t *testing.T) {
	st, err := OpenDocument(filepath.Join(t.TempDir(), "lines.json"))
	require.NoError(t, err)
	log := zaptest.NewLogger(t).Sugar()
	bus := hooks.NewBus(log)
	p := NewPersister(st, bus, 16, log)

	k := sampleLines()[0]
	bus.LineChanged.Run(hooks.LineEvent{Line: k, Source: "local"})
	bus.LineChanged.Run(hooks.LineEvent{Line: access.Line{Kind: access.OLine, Name: "root", Password: "x"}})
	p.Flush()

	got, err := st.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "*!*@badhost.com", got[0].Mask)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	bus.LineChanged.Run(hooks.LineEvent{Line: k, Removed: true})
	bus.LineChanged.Run(hooks.LineEvent{Line: k, Removed: true})
	cancel()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("persister did not stop")
	}
	assert.Empty(t, p.changes)

	got, err = st.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}
