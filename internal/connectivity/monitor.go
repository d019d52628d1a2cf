// Package connectivity tracks whether the remote store is reachable and
// tells subscribers when that changes. It is event driven; nothing polls.
package connectivity

import (
	"sync"
	"time"

	"github.com/onnwee/opsdash/internal/logger"
	"github.com/onnwee/opsdash/internal/metrics"
)

// Event is delivered to subscribers on every online/offline transition.
type Event struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Listener receives transitions. It runs on the goroutine that called Set.
type Listener func(Event)

// Monitor holds the current connectivity state.
type Monitor struct {
	mu        sync.RWMutex
	online    bool
	changedAt time.Time
	listeners map[int]Listener
	nextID    int
	now       func() time.Time
}

func NewMonitor(initial bool) *Monitor {
	m := &Monitor{
		online:    initial,
		listeners: make(map[int]Listener),
		now:       time.Now,
	}
	m.changedAt = m.now()
	metrics.Online.Set(metrics.BoolGauge(initial))
	return m
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Since returns when the current state began.
func (m *Monitor) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changedAt
}

// Set records the state and notifies subscribers if it changed. It
// reports whether a transition happened.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.changedAt = m.now()
	ev := Event{Online: online, At: m.changedAt}
	ls := make([]Listener, 0, len(m.listeners))
	for id := 0; id < m.nextID; id++ {
		if l, ok := m.listeners[id]; ok {
			ls = append(ls, l)
		}
	}
	m.mu.Unlock()

	to := "offline"
	if online {
		to = "online"
	}
	metrics.Online.Set(metrics.BoolGauge(online))
	metrics.ConnectivityTransitions.WithLabelValues(to).Inc()
	logger.WithComponent("connectivity").Info("connectivity changed", "online", online)

	for _, l := range ls {
		notify(l, ev)
	}
	return true
}

// notify shields the monitor from a panicking listener.
func notify(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithComponent("connectivity").Error("connectivity listener panicked", "panic", r)
		}
	}()
	l(ev)
}

// Subscribe registers fn for transitions, in subscription order. The
// returned func removes it.
func (m *Monitor) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}
