package notesync

import (
	"context"
	"sync"
	"time"
)

// ConnState is the process-wide connectivity state.
type ConnState int

const (
	StateUnknown ConnState = iota
	StateOnline
	StateOffline
	StateConnecting
)

func (s ConnState) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	case StateConnecting:
		return "connecting"
	default:
		return "unknown"
	}
}

// ConnTransition describes one state change. Same-state transitions are never
// emitted.
type ConnTransition struct {
	Previous ConnState `json:"previous"`
	Current  ConnState `json:"current"`
	At       time.Time `json:"at"`
}

// ProbeFunc performs a real request round trip against the remote. A nil
// error means reachable.
type ProbeFunc func(ctx context.Context) error

// Subscription is the disposable handle returned by Subscribe.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type MonitorOptions struct {
	Probe        ProbeFunc
	ProbeTimeout time.Duration
	Interval     time.Duration
	Clock        Clock
}

// ConnectivityMonitor tracks online/offline/connecting state by combining
// environment signals with active probing. A raw "became reachable" signal is
// not trusted until a verifying probe round trip succeeds.
type ConnectivityMonitor struct {
	mu           sync.Mutex
	state        ConnState
	probe        ProbeFunc
	probeTimeout time.Duration
	interval     time.Duration
	clock        Clock
	subs         map[int]func(ConnTransition)
	nextSub      int
	probing      bool
	timer        Timer
	closed       bool
}

func NewConnectivityMonitor(opts MonitorOptions) *ConnectivityMonitor {
	probe := opts.Probe
	if probe == nil {
		probe = func(ctx context.Context) error { return nil }
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	return &ConnectivityMonitor{
		state:        StateUnknown,
		probe:        probe,
		probeTimeout: probeTimeout,
		interval:     interval,
		clock:        clock,
		subs:         map[int]func(ConnTransition){},
	}
}

// Start runs the first probe synchronously to refine the initial guess, then
// begins periodic probing.
func (m *ConnectivityMonitor) Start() {
	m.probeOnce()
	m.scheduleNext()
}

func (m *ConnectivityMonitor) scheduleNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.timer = m.clock.AfterFunc(m.interval, func() {
		m.probeOnce()
		m.scheduleNext()
	})
}

// State returns the current connectivity state.
func (m *ConnectivityMonitor) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the monitor currently considers the remote
// reachable.
func (m *ConnectivityMonitor) Online() bool {
	return m.State() == StateOnline
}

// Subscribe registers a transition callback and returns its disposable
// handle. Callbacks run synchronously with the transition, outside the
// monitor lock.
func (m *ConnectivityMonitor) Subscribe(fn func(ConnTransition)) *Subscription {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return &Subscription{cancel: func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}}
}

// SignalReachable is fed by environment "network became reachable" signals.
// It moves offline to connecting and kicks off a verifying probe; the signal
// alone never yields online. The state check and the transition share one
// critical section so a concurrent probe result cannot slip in between and
// produce an online to connecting transition.
func (m *ConnectivityMonitor) SignalReachable() {
	m.mu.Lock()
	if m.closed || (m.state != StateOffline && m.state != StateUnknown) {
		m.mu.Unlock()
		return
	}
	transition, callbacks := m.transitionLocked(StateConnecting)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(transition)
	}
	go m.probeOnce()
}

// SignalOffline is fed by environment "network lost" signals and is trusted
// immediately.
func (m *ConnectivityMonitor) SignalOffline() {
	m.setState(StateOffline)
}

// probeOnce runs a single probe unless one is already in flight.
func (m *ConnectivityMonitor) probeOnce() {
	m.mu.Lock()
	if m.closed || m.probing {
		m.mu.Unlock()
		return
	}
	m.probing = true
	probe := m.probe
	timeout := m.probeTimeout
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := probe(ctx)
	cancel()

	m.mu.Lock()
	m.probing = false
	m.mu.Unlock()

	if err != nil {
		m.setState(StateOffline)
		return
	}
	m.setState(StateOnline)
}

func (m *ConnectivityMonitor) setState(next ConnState) {
	m.mu.Lock()
	transition, callbacks := m.transitionLocked(next)
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(transition)
	}
}

// transitionLocked performs the state change and snapshots the subscribers.
// Caller holds the lock; a nil callback slice means no transition happened.
func (m *ConnectivityMonitor) transitionLocked(next ConnState) (ConnTransition, []func(ConnTransition)) {
	if m.closed || m.state == next {
		return ConnTransition{}, nil
	}
	transition := ConnTransition{
		Previous: m.state,
		Current:  next,
		At:       m.clock.Now(),
	}
	m.state = next
	callbacks := make([]func(ConnTransition), 0, len(m.subs))
	for _, fn := range m.subs {
		callbacks = append(callbacks, fn)
	}
	return transition, callbacks
}

// Close stops periodic probing. Subscriptions stop firing.
func (m *ConnectivityMonitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
	}
}
