package runner

import (
	"context"
	"sort"
	"sync"

	"github.com/eugenetaranov/devcheck/internal/device"
)

// Manager keeps one Runner per device configuration name, so at most one
// test runs per configuration.
type Manager struct {
	opts []Option

	mu      sync.Mutex
	runners map[string]*Runner
}

// NewManager creates a manager whose runners use opts.
func NewManager(opts ...Option) *Manager {
	return &Manager{
		opts:    opts,
		runners: make(map[string]*Runner),
	}
}

// Start begins a test of cfg. If a test of the same configuration is
// already running it is left alone and Start returns that runner and false.
func (m *Manager) Start(ctx context.Context, cfg device.Config, h Handler) (*Runner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runners[cfg.Name]
	if ok && r.Active() {
		return r, false
	}
	r = New(cfg, h, m.opts...)
	m.runners[cfg.Name] = r

	// Runner.Start does not block; starting under m.mu keeps the
	// check and the start atomic.
	return r, r.Start(ctx)
}

// Get returns the runner last used for the named configuration.
func (m *Manager) Get(name string) *Runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runners[name]
}

// Stop stops the test of the named configuration, if any.
func (m *Manager) Stop(name string) {
	if r := m.Get(name); r != nil {
		r.Stop()
	}
}

// StopAll stops every running test.
func (m *Manager) StopAll() {
	m.mu.Lock()
	runners := make([]*Runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		r.Stop()
	}
}

// Active returns the names of configurations with a running test, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for name, r := range m.runners {
		if r.Active() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
