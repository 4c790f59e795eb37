// Package class tracks live connection counts per connection class and
// enforces their limits.
package class

import (
	"sort"
	"sync"

	"github.com/presbrey/ts6d/irc"
)

// Global is the pseudo-class name reported when the server-wide limit is hit.
const Global = "*"

// Stat is a snapshot of one class.
type Stat struct {
	Name string `json:"name"`
	Live int    `json:"live"`
	Max  int    `json:"max"`
}

type entry struct {
	max  int
	live int
}

// Manager admits and releases connections. A limit of zero means unlimited.
type Manager struct {
	mu       sync.Mutex
	classes  map[string]*entry
	total    int
	maxTotal int

	// OnChange, when set, is called with the new live count after every
	// admit or release, outside the lock.
	OnChange func(class string, live int)
}

// New creates a manager with a server-wide limit of maxTotal connections.
func New(maxTotal int) *Manager {
	return &Manager{classes: make(map[string]*entry), maxTotal: maxTotal}
}

// Define sets the limit for a class, creating it when needed. Live counts
// are preserved across redefinition.
func (m *Manager) Define(name string, max int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.classes[name]
	if !ok {
		e = &entry{}
		m.classes[name] = e
	}
	e.max = max
}

// SetMaxTotal changes the server-wide limit.
func (m *Manager) SetMaxTotal(max int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxTotal = max
}

// Admit reserves a slot in class. It fails with *irc.ClassFullError when
// either the class or the server-wide limit is reached. Undefined classes
// are created unlimited.
func (m *Manager) Admit(name string) error {
	m.mu.Lock()
	e, ok := m.classes[name]
	if !ok {
		e = &entry{}
		m.classes[name] = e
	}
	if m.maxTotal > 0 && m.total >= m.maxTotal {
		m.mu.Unlock()
		return &irc.ClassFullError{Class: Global, Max: m.maxTotal}
	}
	if e.max > 0 && e.live >= e.max {
		m.mu.Unlock()
		return &irc.ClassFullError{Class: name, Max: e.max}
	}
	e.live++
	m.total++
	live := e.live
	m.mu.Unlock()

	m.changed(name, live)
	return nil
}

// Release frees a slot previously taken by Admit. Releasing a class with no
// live connections is a no-op.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	e, ok := m.classes[name]
	if !ok || e.live == 0 {
		m.mu.Unlock()
		return
	}
	e.live--
	m.total--
	live := e.live
	m.mu.Unlock()

	m.changed(name, live)
}

// Live returns the number of admitted connections in class.
func (m *Manager) Live(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.classes[name]; ok {
		return e.live
	}
	return 0
}

// Total returns the number of admitted connections across all classes.
func (m *Manager) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Stats returns every class sorted by name.
func (m *Manager) Stats() []Stat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Stat, 0, len(m.classes))
	for name, e := range m.classes {
		out = append(out, Stat{Name: name, Live: e.live, Max: e.max})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) changed(name string, live int) {
	if m.OnChange != nil {
		m.OnChange(name, live)
	}
}
