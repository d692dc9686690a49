// Package coordinator is the persistence coordinator (spec.md §4.7): it consumes the
// ingress queue on a single reader, assembles batches, and writes them through whichever
// sink the current PersistenceMode selects. Mode transitions follow health events;
// manual operator overrides take precedence over health-driven selection.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/riverviewauto/daqagent/go/eventbus"
	"github.com/riverviewauto/daqagent/go/metrics2"
	"github.com/riverviewauto/daqagent/go/sklog"
	"github.com/riverviewauto/daqagent/internal/health"
	"github.com/riverviewauto/daqagent/internal/ingressqueue"
	"github.com/riverviewauto/daqagent/internal/sample"
)

// Mode drives which sink the coordinator consults.
type Mode int

const (
	Primary Mode = iota
	Fallback
	DryRun
	Stopped
)

func (m Mode) String() string {
	switch m {
	case Primary:
		return "Primary"
	case Fallback:
		return "Fallback"
	case DryRun:
		return "DryRun"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// ModeChangedEventChannel is the eventbus channel name Coordinator publishes Mode
// transitions on.
const ModeChangedEventChannel = "coordinator.mode_changed"

// PrimarySink is the subset of primarysink.Sink the coordinator needs.
type PrimarySink interface {
	Write(ctx context.Context, batch []sample.Sample) error
}

// FallbackSink is the subset of fallbacksink.Sink the coordinator needs.
type FallbackSink interface {
	Write(ctx context.Context, batch []sample.Sample) error
}

// RecoveryTrigger is the subset of recovery.Worker the coordinator needs to kick off a
// pass on a Fallback→Primary transition.
type RecoveryTrigger interface {
	Start(ctx context.Context) bool
}

// Config parameterizes a Coordinator per spec.md §4.7's defaults.
type Config struct {
	BatchSize    int           // default 500
	BatchTimeout time.Duration // default 1s
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Second
	}
	return c
}

// Coordinator is the C7 persistence coordinator.
type Coordinator struct {
	queue    *ingressqueue.Queue
	primary  PrimarySink
	fallback FallbackSink
	recovery RecoveryTrigger
	bus      *eventbus.EventBus
	cfg      Config

	mu          sync.Mutex
	mode        Mode
	lastLiveMode Mode
	manualForceFallback bool
	manualDryRun        bool

	persistedCounter     metrics2.Counter
	permanentLossCounter metrics2.Counter

	stopped chan struct{}
}

// New returns a Coordinator starting in the given initial mode.
func New(queue *ingressqueue.Queue, primary PrimarySink, fallback FallbackSink, recovery RecoveryTrigger, bus *eventbus.EventBus, initialMode Mode, cfg Config) *Coordinator {
	return &Coordinator{
		queue:    queue,
		primary:  primary,
		fallback: fallback,
		recovery: recovery,
		bus:      bus,
		cfg:          cfg.withDefaults(),
		mode:         initialMode,
		lastLiveMode: initialMode,

		persistedCounter:     metrics2.GetCounter("coordinator_persisted_total", nil),
		permanentLossCounter: metrics2.GetCounter("coordinator_permanent_loss_total", nil),

		stopped: make(chan struct{}),
	}
}

// Mode returns the coordinator's current PersistenceMode.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// ForceMode applies (or clears) a manual operator override. Overrides take precedence
// over health-driven selection until cleared.
func (c *Coordinator) ForceMode(forceFallback, dryRun bool) {
	c.mu.Lock()
	c.manualForceFallback = forceFallback
	c.manualDryRun = dryRun
	c.mu.Unlock()
	c.applyManualOverride()
}

func (c *Coordinator) applyManualOverride() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manualDryRun {
		c.setModeLocked(DryRun)
	} else if c.manualForceFallback {
		c.setModeLocked(Fallback)
	}
}

// OnHealthChanged reacts to a health.ChangedEvent: Unhealthy drives Fallback, Healthy
// drives Primary (and triggers recovery when the previous mode was Fallback). Degraded
// does not force a switch. Manual
// overrides take precedence and suppress health-driven transitions.
func (c *Coordinator) OnHealthChanged(ctx context.Context, ev health.ChangedEvent) {
	c.mu.Lock()
	if c.manualForceFallback || c.manualDryRun {
		c.mu.Unlock()
		return
	}
	switch ev.New {
	case health.Unhealthy:
		c.setModeLocked(Fallback)
		c.mu.Unlock()
	case health.Healthy:
		wasFallback := c.mode == Fallback
		c.setModeLocked(Primary)
		c.mu.Unlock()
		if wasFallback && c.recovery != nil {
			c.recovery.Start(ctx)
		}
	default:
		c.mu.Unlock()
	}
}

func (c *Coordinator) setModeLocked(next Mode) {
	if next != Stopped {
		c.lastLiveMode = next
	}
	if c.mode == next {
		return
	}
	old := c.mode
	c.mode = next
	if c.bus != nil {
		c.bus.Publish(ModeChangedEventChannel, ModeChangedEvent{Old: old, New: next}, false)
	}
	sklog.Infof("coordinator: mode %s -> %s", old, next)
}

// ModeChangedEvent is published whenever the coordinator's Mode changes.
type ModeChangedEvent struct {
	Old Mode
	New Mode
}

// Run drives the batching loop until ctx is cancelled, then drains remaining queued
// Samples through the active sink before returning.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.stopped)
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.mode = Stopped
			c.mu.Unlock()
			c.drain(context.Background())
			return
		default:
		}

		batch, ok := c.assembleBatch(ctx)
		if !ok {
			continue
		}
		if len(batch) == 0 {
			continue
		}
		c.flush(ctx, batch)
	}
}

// Wait blocks until Run has returned.
func (c *Coordinator) Wait() {
	<-c.stopped
}

// assembleBatch implements spec.md §4.7's batching algorithm: block until non-empty,
// then drain up to max-size with non-blocking pops, waiting out the remaining
// batch-timeout if still below max-size.
func (c *Coordinator) assembleBatch(ctx context.Context) ([]sample.Sample, bool) {
	if !c.queue.WaitNonEmpty(ctx, c.cfg.BatchTimeout) {
		if ctx.Err() != nil {
			return nil, false
		}
		return nil, true
	}

	deadline := time.Now().Add(c.cfg.BatchTimeout)
	batch := make([]sample.Sample, 0, c.cfg.BatchSize)

	for len(batch) < c.cfg.BatchSize {
		s, ok := c.queue.TryPop()
		if ok {
			batch = append(batch, s)
			continue
		}
		if time.Now().After(deadline) {
			break
		}
		if !c.queue.WaitNonEmpty(ctx, time.Until(deadline)) {
			break
		}
	}
	return batch, true
}

func (c *Coordinator) flush(ctx context.Context, batch []sample.Sample) {
	mode := c.Mode()
	switch mode {
	case DryRun:
		c.persistedCounter.Inc(int64(len(batch)))
	case Fallback:
		if err := c.fallback.Write(ctx, batch); err != nil {
			c.permanentLossCounter.Inc(int64(len(batch)))
			sklog.Errorf("coordinator: fallback write failed, %d samples permanently lost: %v", len(batch), err)
			return
		}
		c.persistedCounter.Inc(int64(len(batch)))
	case Primary:
		if err := c.primary.Write(ctx, batch); err != nil {
			if fbErr := c.fallback.Write(ctx, batch); fbErr != nil {
				c.permanentLossCounter.Inc(int64(len(batch)))
				sklog.Errorf("coordinator: primary and fallback both failed, %d samples permanently lost: %v / %v", len(batch), err, fbErr)
				return
			}
			c.persistedCounter.Inc(int64(len(batch)))
			return
		}
		c.persistedCounter.Inc(int64(len(batch)))
	case Stopped:
		c.flushWithMode(ctx, c.lastLiveModeSnapshot(), batch)
	}
}

func (c *Coordinator) lastLiveModeSnapshot() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastLiveMode
}

// flushWithMode applies flush's Primary/Fallback/DryRun policy for an explicit mode,
// used by Stopped to drain with the same policy as the last live mode.
func (c *Coordinator) flushWithMode(ctx context.Context, mode Mode, batch []sample.Sample) {
	switch mode {
	case DryRun:
		c.persistedCounter.Inc(int64(len(batch)))
	case Fallback:
		if err := c.fallback.Write(ctx, batch); err != nil {
			c.permanentLossCounter.Inc(int64(len(batch)))
			sklog.Errorf("coordinator: fallback drain failed, %d samples permanently lost: %v", len(batch), err)
			return
		}
		c.persistedCounter.Inc(int64(len(batch)))
	default: // Primary
		if err := c.primary.Write(ctx, batch); err != nil {
			if fbErr := c.fallback.Write(ctx, batch); fbErr != nil {
				c.permanentLossCounter.Inc(int64(len(batch)))
				sklog.Errorf("coordinator: drain failed on both sinks, %d samples permanently lost: %v / %v", len(batch), err, fbErr)
				return
			}
		}
		c.persistedCounter.Inc(int64(len(batch)))
	}
}

// drain empties the queue through the active sink on shutdown, preferring to finish the
// drain over honoring further cancellation.
func (c *Coordinator) drain(ctx context.Context) {
	for {
		batch := make([]sample.Sample, 0, c.cfg.BatchSize)
		for len(batch) < c.cfg.BatchSize {
			s, ok := c.queue.TryPop()
			if !ok {
				break
			}
			batch = append(batch, s)
		}
		if len(batch) == 0 {
			return
		}
		c.flush(ctx, batch)
	}
}
