package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/presbrey/ts6d/irc/access"
	"github.com/presbrey/ts6d/irc/hooks"
)

// Persisted reports whether runtime changes to kind are written to a store.
func Persisted(kind access.Kind) bool {
	return kind == access.KLine || kind == access.DLine || kind == access.GLine
}

// Restore adds the stored, unexpired lines to set and returns how many
// were added. Stored lines replace configured ones with the same key.
func Restore(ctx context.Context, st Store, set *access.Set) (int, error) {
	lines, err := st.Load(ctx)
	if err != nil {
		return 0, err
	}
	now := set.Now()
	n := 0
	for _, l := range lines {
		if !Persisted(l.Kind) || l.Expired(now) {
			continue
		}
		if _, err := set.Add(l); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

type change struct {
	line    access.Line
	removed bool
}

// Persister writes line changes announced on a hook bus to a store. Hooks
// run under the network lock, so writes are queued and done by Run.
type Persister struct {
	st      Store
	log     *zap.SugaredLogger
	changes chan change
	done    chan struct{}
	timeout time.Duration
}

// NewPersister subscribes to bus.LineChanged. queue bounds pending writes;
// when it is full the change is logged and dropped.
func NewPersister(st Store, bus *hooks.Bus, queue int, log *zap.SugaredLogger) *Persister {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	p := &Persister{st: st, log: log.Named("persist"), changes: make(chan change, queue), done: make(chan struct{}), timeout: 10 * time.Second}
	bus.LineChanged.Register(func(e hooks.LineEvent) error {
		if !Persisted(e.Line.Kind) {
			return nil
		}
		select {
		case p.changes <- change{line: e.Line, removed: e.Removed}:
		default:
			p.log.Warnw("persist queue full, change not stored", "kind", e.Line.Kind, "key", e.Line.Key())
		}
		return nil
	})
	return p
}

// Run applies queued changes until ctx is done, then drains what is left
// and closes Done. Call it once.
func (p *Persister) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case c := <-p.changes:
			p.apply(c)
		case <-ctx.Done():
			for {
				select {
				case c := <-p.changes:
					p.apply(c)
				default:
					return
				}
			}
		}
	}
}

// Done is closed when Run has returned and every queued change was applied.
func (p *Persister) Done() <-chan struct{} { return p.done }

// Flush applies every queued change now. It must not be used while Run is
// running.
func (p *Persister) Flush() {
	for {
		select {
		case c := <-p.changes:
			p.apply(c)
		default:
			return
		}
	}
}

func (p *Persister) apply(c change) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	var err error
	if c.removed {
		err = p.st.Delete(ctx, c.line.Kind, c.line.Key())
		if err == ErrNotFound {
			err = nil
		}
	} else {
		err = p.st.Save(ctx, c.line)
	}
	if err != nil {
		p.log.Errorw("line not persisted", "kind", c.line.Kind, "key", c.line.Key(), "removed", c.removed, "error", err)
	}
}
