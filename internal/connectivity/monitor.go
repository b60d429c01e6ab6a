// Package connectivity tracks whether the backend is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Transition is a change of connectivity state.
type Transition struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Probe checks reachability. A nil error means online.
type Probe func(ctx context.Context) error

type subscriber struct {
	id int
	fn func(Transition)
}

// Monitor owns the connectivity state. The zero value is not usable; use New.
type Monitor struct {
	// deliver serializes transitions with their notifications so every
	// subscriber sees transitions in the order they happened.
	deliver sync.Mutex

	mu     sync.RWMutex
	online bool
	nextID int
	subs   []subscriber
}

// New returns a Monitor with the given initial state.
func New(initial bool) *Monitor {
	return &Monitor{online: initial}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Set records the state and reports whether it changed. Subscribers are
// called only on change, outside the state lock, in subscription order.
// Subscribers must not call Set.
func (m *Monitor) Set(online bool) bool {
	m.deliver.Lock()
	defer m.deliver.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	subs := make([]subscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	t := Transition{Online: online, At: time.Now().UTC()}
	for _, s := range subs {
		s.fn(t)
	}
	return true
}

// Subscribe registers fn for every future transition. The returned function
// removes the subscription.
func (m *Monitor) Subscribe(fn func(Transition)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Init runs probe once and sets the state from its outcome.
func Init(ctx context.Context, m *Monitor, probe Probe) bool {
	online := probe(ctx) == nil
	m.Set(online)
	return online
}

// Watch probes on every tick and feeds the Monitor until ctx is done.
func Watch(ctx context.Context, m *Monitor, probe Probe, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := probe(ctx)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if m.Set(err == nil) {
				if err != nil {
					logger.Warn("Backend unreachable, working offline", "error", err)
				} else {
					logger.Info("Backend reachable again")
				}
			}
		}
	}
}
