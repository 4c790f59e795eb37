package class

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/presbrey/ts6d/irc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitExactUnderConcurrency(t *testing.T) {
	const n, k = 500, 37
	m := New(0)
	m.Define("users", k)

	var ok, full int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := m.Admit("users")
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, irc.ErrClassFull):
				atomic.AddInt64(&full, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(k), ok)
	assert.Equal(t, int64(n-k), full)
	assert.Equal(t, k, m.Live("users"))

	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Release("users")
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Live("users"))

	ok = 0
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Admit("users") == nil {
				atomic.AddInt64(&ok, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(k), ok)
	assert.Error(t, m.Admit("users"))
}

func TestScenarioHundredAndOne(t *testing.T) {
	m := New(1000)
	m.Define("users", 100)

	for i := 0; i < 100; i++ {
		require.NoError(t, m.Admit("users"))
	}
	err := m.Admit("users")
	var cf *irc.ClassFullError
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, "users", cf.Class)
	assert.Equal(t, 100, cf.Max)
	assert.Equal(t, 100, m.Live("users"))
	assert.Equal(t, 100, m.Total())
}

func TestGlobalLimit(t *testing.T) {
	m := New(2)
	m.Define("a", 0)
	require.NoError(t, m.Admit("a"))
	require.NoError(t, m.Admit("b"))

	err := m.Admit("a")
	var cf *irc.ClassFullError
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, Global, cf.Class)

	m.Release("b")
	assert.NoError(t, m.Admit("a"))
}

func TestReleaseUnknown(t *testing.T) {
	m := New(0)
	m.Release("nothing")
	m.Define("x", 1)
	m.Release("x")
	assert.Equal(t, 0, m.Live("x"))
	assert.Equal(t, 0, m.Total())
}

func TestStatsAndOnChange(t *testing.T) {
	m := New(0)
	var seen []int
	m.OnChange = func(class string, live int) {
		if class == "b" {
			seen = append(seen, live)
		}
	}
	m.Define("b", 5)
	m.Define("a", 1)
	require.NoError(t, m.Admit("b"))
	require.NoError(t, m.Admit("b"))
	m.Release("b")

	assert.Equal(t, []int{1, 2, 1}, seen)
	assert.Equal(t, []Stat{{Name: "a", Max: 1}, {Name: "b", Live: 1, Max: 5}}, m.Stats())

	m.Define("b", 10)
	assert.Equal(t, 1, m.Live("b"))
}
