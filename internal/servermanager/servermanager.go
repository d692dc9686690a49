// Package servermanager owns the collection of per-server opcuaclient Sessions
// (spec.md §4.9): it fans connect/disconnect out across a worker pool the same way the
// teacher's test_machine_monitor fans device interrogation out across go/workerpool, and
// aggregates per-session ConnectionState into one worst-state summary for the
// supervisor to consult.
package servermanager

import (
	"context"
	"sync"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/riverviewauto/daqagent/go/eventbus"
	"github.com/riverviewauto/daqagent/go/sklog"
	"github.com/riverviewauto/daqagent/go/workerpool"
	"github.com/riverviewauto/daqagent/internal/config"
	"github.com/riverviewauto/daqagent/internal/ingressqueue"
	"github.com/riverviewauto/daqagent/internal/opcuaclient"
)

// ServerStateChangedEventChannel is the eventbus channel name Manager forwards
// individual session ConnectionState transitions on.
const ServerStateChangedEventChannel = "servermanager.server_state_changed"

// ServerStateChangedEvent is published whenever a single managed session's
// ConnectionState changes.
type ServerStateChangedEvent struct {
	ServerID string
	Old      opcuaclient.ConnectionState
	New      opcuaclient.ConnectionState
}

// Manager owns the set of opcuaclient.Sessions, one per configured server.
type Manager struct {
	queue *ingressqueue.Queue
	bus   *eventbus.EventBus

	poolSize int

	mu       sync.RWMutex
	sessions map[string]*opcuaclient.Session
}

// New returns a Manager whose Sessions publish Samples into queue and forward
// per-server state transitions over bus. poolSize bounds the fan-out concurrency used
// by ConnectAll/DisconnectAll; a value <= 0 defaults to 8.
func New(queue *ingressqueue.Queue, bus *eventbus.EventBus, poolSize int) *Manager {
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Manager{
		queue:    queue,
		bus:      bus,
		poolSize: poolSize,
		sessions: make(map[string]*opcuaclient.Session),
	}
}

// AddServer registers a new session for cfg without connecting it. It is an error to add
// a server id that is already registered.
func (m *Manager) AddServer(cfg config.ServerConfig) (*opcuaclient.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[cfg.ID]; exists {
		return nil, serverAlreadyRegisteredError(cfg.ID)
	}
	sess := opcuaclient.New(cfg, m.queue, m.forwardStateChange)
	m.sessions[cfg.ID] = sess
	return sess, nil
}

// RemoveServer disconnects and deregisters the session for serverID, if any.
func (m *Manager) RemoveServer(ctx context.Context, serverID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[serverID]
	if ok {
		delete(m.sessions, serverID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.Disconnect(ctx)
}

// Session returns the session registered for serverID, if any.
func (m *Manager) Session(serverID string) (*opcuaclient.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[serverID]
	return sess, ok
}

// Sessions returns a snapshot of all currently registered sessions.
func (m *Manager) Sessions() []*opcuaclient.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*opcuaclient.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// shouldSkipReconnect reports whether a session already in state must not be touched by
// a repeat ConnectAll call: Connected sessions are already serving, and Connecting/
// Reconnecting sessions already have an establishment attempt in flight.
func shouldSkipReconnect(state opcuaclient.ConnectionState) bool {
	switch state {
	case opcuaclient.Connected, opcuaclient.Connecting, opcuaclient.Reconnecting:
		return true
	default:
		return false
	}
}

// ConnectAll registers a session per enabled config not already registered, and connects
// every session that isn't already Connected/Connecting/Reconnecting, concurrently
// bounded by the Manager's pool size. Each session's SubscriptionDefs are applied
// immediately after a successful connect. Errors from individual servers are aggregated;
// ConnectAll proceeds to connect the remaining servers regardless. Calling ConnectAll
// again with the same configs is idempotent: it reuses the existing Session for each
// already-registered server id and does not re-establish one already Connected.
func (m *Manager) ConnectAll(ctx context.Context, configs []config.ServerConfig) error {
	pool := workerpool.New(m.poolSize)

	var mu sync.Mutex
	var errs error

	for _, cfg := range configs {
		cfg := cfg
		if !cfg.Enabled {
			continue
		}

		sess, existed := m.Session(cfg.ID)
		if existed {
			if shouldSkipReconnect(sess.State()) {
				continue
			}
		} else {
			var err error
			sess, err = m.AddServer(cfg)
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
				continue
			}
		}
		pool.Go(func() {
			if err := sess.Connect(ctx); err != nil {
				sklog.Errorf("servermanager: connecting %s: %v", cfg.ID, err)
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
				return
			}
			if err := sess.Subscribe(ctx, cfg.Subscriptions); err != nil {
				sklog.Warningf("servermanager: subscribing %s: %v", cfg.ID, err)
			}
		})
	}

	pool.Wait()
	if errs != nil {
		return errs
	}
	return nil
}

// DisconnectAll tears down every registered session concurrently, bounded by the
// Manager's pool size, and clears the registry.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	sessions := m.Sessions()
	pool := workerpool.New(m.poolSize)

	var mu sync.Mutex
	var errs error

	for _, sess := range sessions {
		sess := sess
		pool.Go(func() {
			if err := sess.Disconnect(ctx); err != nil {
				sklog.Warningf("servermanager: disconnecting %s: %v", sess.ServerID(), err)
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
		})
	}
	pool.Wait()

	m.mu.Lock()
	m.sessions = make(map[string]*opcuaclient.Session)
	m.mu.Unlock()

	if errs != nil {
		return errs
	}
	return nil
}

// statePriority ranks ConnectionStates from most to least severe for AggregateState's
// worst-state reduction: Error > Reconnecting > Connecting > Disconnected > Connected.
func statePriority(s opcuaclient.ConnectionState) int {
	switch s {
	case opcuaclient.Error:
		return 4
	case opcuaclient.Reconnecting:
		return 3
	case opcuaclient.Connecting:
		return 2
	case opcuaclient.Disconnected:
		return 1
	case opcuaclient.Connected:
		return 0
	default:
		return 0
	}
}

// AggregateState reduces every registered session's ConnectionState to the single worst
// one, per statePriority. A Manager with no registered sessions aggregates to Connected
// (vacuously healthy).
func (m *Manager) AggregateState() opcuaclient.ConnectionState {
	sessions := m.Sessions()
	worst := opcuaclient.Connected
	for _, sess := range sessions {
		if statePriority(sess.State()) > statePriority(worst) {
			worst = sess.State()
		}
	}
	return worst
}

func (m *Manager) forwardStateChange(serverID string, old, next opcuaclient.ConnectionState) {
	sklog.Infof("servermanager: %s %s -> %s", serverID, old, next)
	if m.bus != nil {
		m.bus.Publish(ServerStateChangedEventChannel, ServerStateChangedEvent{ServerID: serverID, Old: old, New: next}, false)
	}
}

type serverAlreadyRegisteredError string

func (e serverAlreadyRegisteredError) Error() string {
	return "servermanager: server " + string(e) + " is already registered"
}
