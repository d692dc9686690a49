// Package supervisor wires every component into one running agent (spec.md §4.10): it
// owns startup ordering, subscribes to C3/C9 events over go/eventbus the way
// machine/go/test_machine_monitor's main.go wires machine.Machine's event sources, and
// owns the shutdown cancellation sequence.
package supervisor

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/riverviewauto/daqagent/go/eventbus"
	"github.com/riverviewauto/daqagent/go/metrics2"
	"github.com/riverviewauto/daqagent/go/sklog"
	"github.com/riverviewauto/daqagent/internal/circuitbreaker"
	"github.com/riverviewauto/daqagent/internal/config"
	"github.com/riverviewauto/daqagent/internal/coordinator"
	"github.com/riverviewauto/daqagent/internal/fallbacksink"
	"github.com/riverviewauto/daqagent/internal/health"
	"github.com/riverviewauto/daqagent/internal/ingressqueue"
	"github.com/riverviewauto/daqagent/internal/opcuaclient"
	"github.com/riverviewauto/daqagent/internal/primarysink"
	"github.com/riverviewauto/daqagent/internal/recovery"
	"github.com/riverviewauto/daqagent/internal/servermanager"
)

// Snapshot reports the running agent's aggregate status for the status CLI subcommand.
type Snapshot struct {
	CoordinatorMode   coordinator.Mode
	HealthState       health.State
	ServerAggregate   opcuaclient.ConnectionState
	QueueDepth        int
	QueueDropped      uint64
	RecoveryRunning   bool
	ServerStates      map[string]opcuaclient.ConnectionState
}

// Supervisor wires the full component graph and owns its lifecycle.
type Supervisor struct {
	bus *eventbus.EventBus

	queue    *ingressqueue.Queue
	breaker  *circuitbreaker.Breaker
	primary  *primarysink.Sink
	fallback *fallbacksink.Sink
	healthMon *health.Monitor
	rec      *recovery.Worker
	coord    *coordinator.Coordinator
	servers  *servermanager.Manager

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Registry exposes the process-wide prometheus.Registry so an out-of-scope tray/service
// host can mount a scrape endpoint; the core never listens on a network port itself.
func Registry() *prometheus.Registry { return metrics2.DefaultRegistry }

// New wires every component from snap but does not start anything; call Start to launch
// background work. prober is usually a *health.MongoProber but takes the health.Prober
// interface so tests can substitute a fake liveness source.
func New(snap *config.Snapshot, prober health.Prober, primaryColl *mongo.Collection) (*Supervisor, error) {
	bus := eventbus.New()
	queue := ingressqueue.New(snap.QueueCapacity)
	breaker := circuitbreaker.New(snap.CircuitBreakerThreshold, snap.CircuitBreakerCooldown())

	primary := primarysink.New(primaryColl, breaker, snap.PrimaryWriteTimeout(), snap.TTLDays)

	fallback, err := fallbacksink.New(snap.FallbackDir)
	if err != nil {
		return nil, err
	}

	healthMon := health.New(prober, bus, health.Config{
		ProbeInterval: snap.HealthCheckInterval(),
		ProbeTimeout:  snap.HealthProbeTimeout(),
	})

	rec := recovery.New(fallback, primary, healthMon, bus, snap.BatchSize)

	initialMode := coordinator.Primary
	if snap.ManualOverride.DryRun {
		initialMode = coordinator.DryRun
	} else if snap.ManualOverride.ForceFallback {
		initialMode = coordinator.Fallback
	}
	coord := coordinator.New(queue, primary, fallback, rec, bus, initialMode, coordinator.Config{
		BatchSize:    snap.BatchSize,
		BatchTimeout: snap.BatchTimeout(),
	})
	coord.ForceMode(snap.ManualOverride.ForceFallback, snap.ManualOverride.DryRun)

	servers := servermanager.New(queue, bus, 8)

	s := &Supervisor{
		bus:       bus,
		queue:     queue,
		breaker:   breaker,
		primary:   primary,
		fallback:  fallback,
		healthMon: healthMon,
		rec:       rec,
		coord:     coord,
		servers:   servers,
	}

	bus.SubscribeAsync(health.ChangedEventChannel, func(e interface{}) {
		ev, ok := e.(health.ChangedEvent)
		if !ok {
			return
		}
		s.coord.OnHealthChanged(s.context(), ev)
	})
	bus.SubscribeAsync(servermanager.ServerStateChangedEventChannel, func(e interface{}) {
		ev, ok := e.(servermanager.ServerStateChangedEvent)
		if !ok {
			return
		}
		sklog.Infof("supervisor: server %s transitioned %s -> %s", ev.ServerID, ev.Old, ev.New)
	})
	bus.SubscribeAsync(recovery.StatusEventChannel, func(e interface{}) {
		ev, ok := e.(recovery.StatusEvent)
		if !ok {
			return
		}
		sklog.Infof("supervisor: recovery pass %s (%d files archived, %d samples written)", ev.Phase, ev.FilesArchived, ev.SamplesWritten)
	})

	return s, nil
}

// Start connects every enabled server and launches the coordinator and health monitor
// background loops. It returns once the initial ConnectAll fan-out has completed;
// per-server connect errors are logged but do not prevent Start from returning, since a
// subset of servers being unreachable should not block acquisition from the rest.
func (s *Supervisor) Start(ctx context.Context, servers []config.ServerConfig) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.healthMon.Start(runCtx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.coord.Run(runCtx)
	}()

	if err := s.servers.ConnectAll(runCtx, servers); err != nil {
		sklog.Errorf("supervisor: connecting servers: %v", err)
	}

	return nil
}

// Stop cancels every background component and waits for the coordinator to finish
// draining the ingress queue. Cancellation propagates in the order the health monitor,
// recovery worker, coordinator and server manager were started: cancelling runCtx
// signals all of them at once, but Stop waits on the coordinator's drain (which depends
// on nothing downstream still writing to the queue) only after the server sessions have
// been torn down, so no further Samples can be enqueued mid-drain.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.running = false
	s.runCtx = nil
	s.mu.Unlock()

	if err := s.servers.DisconnectAll(ctx); err != nil {
		sklog.Warningf("supervisor: disconnecting servers: %v", err)
	}

	s.healthMon.Stop()
	cancel()
	s.queue.Close()
	s.wg.Wait()
}

// context returns the current run context for background-triggered operations (the
// health-change handler, config-driven server reconciliation) that have no caller-supplied
// context of their own. Before Start or after Stop it falls back to context.Background().
func (s *Supervisor) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

// ForceMode applies a manual operator override to the persistence coordinator.
func (s *Supervisor) ForceMode(forceFallback, dryRun bool) {
	s.coord.ForceMode(forceFallback, dryRun)
}

// ReconcileServers applies a changed server list from a reloaded configuration to the
// running agent: servers no longer present are disconnected and deregistered, servers
// newly present are registered and connected, and servers present in both are left alone
// (ConnectAll's own idempotence covers anything that still needs reconnecting).
func (s *Supervisor) ReconcileServers(servers []config.ServerConfig) error {
	ctx := s.context()

	desired := make(map[string]struct{}, len(servers))
	for _, cfg := range servers {
		desired[cfg.ID] = struct{}{}
	}

	for _, sess := range s.servers.Sessions() {
		if _, ok := desired[sess.ServerID()]; ok {
			continue
		}
		if err := s.servers.RemoveServer(ctx, sess.ServerID()); err != nil {
			sklog.Warningf("supervisor: removing server %s: %v", sess.ServerID(), err)
		}
	}

	return s.servers.ConnectAll(ctx, servers)
}

// TriggerRecovery forces an immediate recovery pass, for the recover CLI subcommand. It
// returns false if a pass is already running.
func (s *Supervisor) TriggerRecovery(ctx context.Context) bool {
	return s.rec.Start(ctx)
}

// Snapshot reports the agent's current aggregate status.
func (s *Supervisor) Snapshot() Snapshot {
	states := make(map[string]opcuaclient.ConnectionState)
	for _, sess := range s.servers.Sessions() {
		states[sess.ServerID()] = sess.State()
	}
	return Snapshot{
		CoordinatorMode: s.coord.Mode(),
		HealthState:     s.healthMon.State(),
		ServerAggregate: s.servers.AggregateState(),
		QueueDepth:      s.queue.Depth(),
		QueueDropped:    s.queue.Dropped(),
		RecoveryRunning: s.rec.Running(),
		ServerStates:    states,
	}
}

