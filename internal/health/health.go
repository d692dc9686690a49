// Package health runs the periodic liveness probe of the primary store (spec.md §4.3),
// using a dedicated short-timeout client connection, the same separation-of-concerns the
// teacher's machine.go uses for its own lightweight interrogation client.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/riverviewauto/daqagent/go/eventbus"
	"github.com/riverviewauto/daqagent/go/metrics2"
	"github.com/riverviewauto/daqagent/go/now"
	"github.com/riverviewauto/daqagent/go/sklog"
)

// State is the classification of the primary store's liveness.
type State int

const (
	Unknown State = iota
	Healthy
	Degraded
	Unhealthy
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "Healthy"
	case Degraded:
		return "Degraded"
	case Unhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// ChangedEventChannel is the eventbus channel name Monitor publishes State transitions
// on.
const ChangedEventChannel = "health.changed"

// Prober performs one liveness round-trip probe against the primary store, returning the
// round-trip latency on success.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// Monitor runs Prober on a fixed cadence and classifies the result, publishing a
// ChangedEventChannel event on the given Bus only when the classification changes.
type Monitor struct {
	prober Prober
	bus    *eventbus.EventBus

	probeInterval          time.Duration
	probeTimeout           time.Duration
	degradedLatencyThreshold time.Duration
	unhealthyFailureThreshold int

	mu               sync.Mutex
	state            State
	consecutiveFails int

	stateGauge metrics2.Int64Metric

	done chan struct{}
	stopped chan struct{}
}

// Config parameterizes a Monitor per spec.md §4.3's defaults.
type Config struct {
	ProbeInterval            time.Duration // default 5s
	ProbeTimeout             time.Duration // default 2s
	DegradedLatencyThreshold time.Duration // default 500ms
	UnhealthyFailureThreshold int          // default 3
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.DegradedLatencyThreshold <= 0 {
		c.DegradedLatencyThreshold = 500 * time.Millisecond
	}
	if c.UnhealthyFailureThreshold <= 0 {
		c.UnhealthyFailureThreshold = 3
	}
	return c
}

// New returns a Monitor in the Unknown state.
func New(prober Prober, bus *eventbus.EventBus, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		prober:                   prober,
		bus:                      bus,
		probeInterval:            cfg.ProbeInterval,
		probeTimeout:             cfg.ProbeTimeout,
		degradedLatencyThreshold: cfg.DegradedLatencyThreshold,
		unhealthyFailureThreshold: cfg.UnhealthyFailureThreshold,
		state:                    Unknown,
		stateGauge:               metrics2.GetInt64Metric("health_state", nil),
		done:                     make(chan struct{}),
		stopped:                  make(chan struct{}),
	}
}

// ChangedEvent is published on bus whenever the classification changes.
type ChangedEvent struct {
	Old State
	New State
	At  time.Time
}

// State returns the Monitor's current classification.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CheckNow forces an immediate probe, updates the classification, and returns it.
func (m *Monitor) CheckNow(ctx context.Context) State {
	return m.probeOnce(ctx)
}

// Start launches the background probe loop until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop cooperatively shuts down the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	<-m.stopped
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.stopped)
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	m.probeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.probeOnce(ctx)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context) State {
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	var latency time.Duration
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = m.probeTimeout
	err := backoff.Retry(func() error {
		var probeErr error
		latency, probeErr = m.prober.Probe(probeCtx)
		return probeErr
	}, backoff.WithContext(bo, probeCtx))

	m.mu.Lock()
	old := m.state
	var next State
	if err != nil {
		m.consecutiveFails++
		if m.consecutiveFails >= m.unhealthyFailureThreshold {
			next = Unhealthy
		} else {
			next = Degraded
		}
	} else {
		m.consecutiveFails = 0
		if latency <= m.degradedLatencyThreshold {
			next = Healthy
		} else {
			next = Degraded
		}
	}
	m.state = next
	changed := old != next
	m.mu.Unlock()

	m.stateGauge.Update(int64(next))

	if changed {
		sklog.WithFields(map[string]interface{}{"old": old.String(), "new": next.String()}).
			Infof("health: classification changed")
		if m.bus != nil {
			m.bus.Publish(ChangedEventChannel, ChangedEvent{Old: old, New: next, At: now.Now(ctx)}, false)
		}
	}
	return next
}
