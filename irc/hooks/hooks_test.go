package hooks

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/presbrey/ts6d/irc/access"
	"github.com/presbrey/ts6d/irc/state"
)

func TestRegistryPriority(t *testing.T) {
	r := NewRegistry[*[]string]("test", zaptest.NewLogger(t).Sugar())
	assert.Equal(t, 0, r.Count())

	r.RegisterWithPriority(func(o *[]string) error { *o = append(*o, "third"); return nil }, 5)
	r.RegisterWithPriority(func(o *[]string) error { *o = append(*o, "first"); return nil }, -5)
	r.Register(func(o *[]string) error { *o = append(*o, "second"); return nil })
	r.Register(func(o *[]string) error { *o = append(*o, "second-b"); return nil })

	var order []string
	assert.Nil(t, r.Run(&order))
	assert.Equal(t, []string{"first", "second", "second-b", "third"}, order)

	r.Clear()
	assert.Equal(t, 0, r.Count())
}

func TestRegistryErrorsAndPanics(t *testing.T) {
	r := NewRegistry[int]("test", nil)
	var ran bool
	r.Register(func(int) error { return errors.New("boom") })
	r.Register(func(int) error { panic("bad hook") })
	r.Register(func(int) error { ran = true; return nil })

	errs := r.Run(1)
	require.Len(t, errs, 2)
	assert.True(t, ran)
	for _, err := range errs {
		assert.Error(t, err)
	}
}

func TestBusConcurrent(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t).Sugar())
	var mu sync.Mutex
	var nicks []string
	bus.UserRegistered.Register(func(e UserEvent) error {
		mu.Lock()
		defer mu.Unlock()
		nicks = append(nicks, e.User.Nick)
		return nil
	})
	bus.LineChanged.Register(func(e LineEvent) error {
		assert.Equal(t, access.KLine, e.Line.Kind)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.UserRegistered.Run(UserEvent{User: state.User{Nick: "n"}, Local: true})
		}()
	}
	wg.Wait()
	assert.Len(t, nicks, 20)
	assert.Nil(t, bus.LineChanged.Run(LineEvent{Line: access.Line{Kind: access.KLine}}))
}
