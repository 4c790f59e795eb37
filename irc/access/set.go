package access

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/presbrey/ts6d/irc"
)

// ErrNoSuchLine is returned when removing a line that is not present.
var ErrNoSuchLine = errors.New("no such line")

// Validate checks that a line carries the fields its kind needs.
func (l Line) Validate() error {
	switch l.Kind {
	case KLine, GLine, ILine, ALine:
		if l.Mask == "" {
			return fmt.Errorf("%s-line: mask is required", l.Kind)
		}
	case DLine:
		if l.IP == "" && l.Mask == "" {
			return fmt.Errorf("D-line: ip is required")
		}
	case OLine:
		if l.Name == "" || l.Password == "" {
			return fmt.Errorf("O-line: name and password are required")
		}
	case ULine:
		if l.Server == "" && l.Mask == "" {
			return fmt.Errorf("U-line: server is required")
		}
	default:
		return fmt.Errorf("unknown line kind %q", l.Kind)
	}
	if l.Duration < 0 {
		return fmt.Errorf("%s-line: negative duration", l.Kind)
	}
	return nil
}

// Matches reports whether a K, G or D-line applies to c at now.
func Matches(l Line, c Conn, now time.Time) bool {
	if l.Expired(now) {
		return false
	}
	switch l.Kind {
	case DLine:
		ip := l.IP
		if ip == "" {
			ip = l.Mask
		}
		return matchIP(ip, c.IP)
	case KLine, GLine:
		return matchIdentity(l.Mask, c)
	}
	return false
}

// Set is the live, mutable collection of lines. It is safe for concurrent
// use; evaluation works on the lines present at call time.
type Set struct {
	mu    sync.RWMutex
	lines []Line
	opts  Options
	now   func() time.Time
}

// NewSet creates a set holding lines.
func NewSet(opts Options, lines ...Line) *Set {
	return &Set{opts: opts, now: time.Now, lines: append([]Line(nil), lines...)}
}

// SetClock replaces the time source used by Evaluate and friends.
func (s *Set) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetOptions replaces the evaluation options.
func (s *Set) SetOptions(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
}

// Add inserts l, replacing any line of the same kind and key. It reports
// whether a line was replaced.
func (s *Set) Add(l Line) (bool, error) {
	if err := l.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.SetAt.IsZero() {
		l.SetAt = s.now()
	}
	for i := range s.lines {
		if s.lines[i].Kind == l.Kind && irc.Equal(s.lines[i].Key(), l.Key()) {
			s.lines[i] = l
			return true, nil
		}
	}
	s.lines = append(s.lines, l)
	return false, nil
}

// Remove deletes the line of kind identified by key.
func (s *Set) Remove(kind Kind, key string) (Line, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.lines {
		if s.lines[i].Kind == kind && irc.Equal(s.lines[i].Key(), key) {
			l := s.lines[i]
			s.lines = append(s.lines[:i], s.lines[i+1:]...)
			return l, nil
		}
	}
	return Line{}, fmt.Errorf("%s-line %s: %w", kind, key, ErrNoSuchLine)
}

// Replace swaps every line of kind for lines, keeping other kinds.
func (s *Set) Replace(kind Kind, lines []Line) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.lines[:0:0]
	for _, l := range s.lines {
		if l.Kind != kind {
			kept = append(kept, l)
		}
	}
	for _, l := range lines {
		l.Kind = kind
		kept = append(kept, l)
	}
	s.lines = kept
}

// Lines returns a copy of the lines of kind, or of all lines when kind is
// empty.
func (s *Set) Lines(kind Kind) []Line {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Line, 0, len(s.lines))
	for _, l := range s.lines {
		if kind == "" || l.Kind == kind {
			out = append(out, l)
		}
	}
	return out
}

// Len returns the number of lines held.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lines)
}

// Sweep removes lines that have expired at now and returns them.
func (s *Set) Sweep(now time.Time) []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []Line
	kept := s.lines[:0]
	for _, l := range s.lines {
		if l.Expired(now) {
			expired = append(expired, l)
			continue
		}
		kept = append(kept, l)
	}
	s.lines = kept
	return expired
}

// Evaluate runs Evaluate against the current lines.
func (s *Set) Evaluate(c Conn) Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := Evaluate(c, s.lines, s.now(), s.opts)
	if d.Line != nil {
		l := *d.Line
		d.Line = &l
	}
	return d
}

// CheckOper runs CheckOper against the current lines.
func (s *Set) CheckOper(name, password string, c Conn) (Line, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, err := CheckOper(name, password, c, s.lines, s.now())
	if err != nil {
		return Line{}, err
	}
	return *l, nil
}

// IsService runs IsService against the current lines.
func (s *Set) IsService(server string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return IsService(server, s.lines, s.now())
}

// CheckLink runs CheckLink against the current lines.
func (s *Set) CheckLink(name, password, host, ip string) (matched, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CheckLink(name, password, host, ip, s.lines, s.now())
}

// Now returns the set's notion of the current time.
func (s *Set) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}
