// Package recovery replays archived-eligible fallback files back into the primary store
// after it recovers (spec.md §4.6). A single-flight guard prevents concurrent passes;
// status events are published on the shared go/eventbus, the same broadcast mechanism
// the supervisor uses for state/mode/health changes.
package recovery

import (
	"context"
	"sync/atomic"

	"github.com/riverviewauto/daqagent/go/eventbus"
	"github.com/riverviewauto/daqagent/go/metrics2"
	"github.com/riverviewauto/daqagent/go/sklog"
	"github.com/riverviewauto/daqagent/internal/health"
	"github.com/riverviewauto/daqagent/internal/sample"
)

// StatusEventChannel is the eventbus channel name Worker publishes StatusEvents on.
const StatusEventChannel = "recovery.status"

// Phase is one of the lifecycle phases a recovery pass reports.
type Phase int

const (
	Started Phase = iota
	InProgress
	Completed
	Cancelled
	Failed
)

func (p Phase) String() string {
	switch p {
	case Started:
		return "Started"
	case InProgress:
		return "InProgress"
	case Completed:
		return "Completed"
	case Cancelled:
		return "Cancelled"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// StatusEvent reports cumulative progress of the running (or just-finished) pass.
type StatusEvent struct {
	Phase         Phase
	FilesArchived int
	SamplesWritten int
	Err           string
}

// PendingFileStore is the subset of fallbacksink.Sink the Worker needs.
type PendingFileStore interface {
	ListPending() ([]string, error)
	ReadFile(path string) ([]sample.Sample, error)
	Archive(ctx context.Context, path string) error
}

// PrimaryWriter is the subset of primarysink.Sink the Worker needs.
type PrimaryWriter interface {
	Write(ctx context.Context, batch []sample.Sample) error
}

// HealthSource reports the current primary-store health classification.
type HealthSource interface {
	State() health.State
}

// Worker drives one replay pass at a time from fallback storage into the primary.
type Worker struct {
	fallback  PendingFileStore
	primary   PrimaryWriter
	healthSrc HealthSource
	bus       *eventbus.EventBus
	batchSize int

	running atomic.Bool

	filesArchivedCounter  metrics2.Counter
	samplesWrittenCounter metrics2.Counter
	permanentLossCounter  metrics2.Counter
}

// New returns a Worker that batches recovered Samples at most batchSize at a time.
func New(fallback PendingFileStore, primary PrimaryWriter, healthSrc HealthSource, bus *eventbus.EventBus, batchSize int) *Worker {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Worker{
		fallback:  fallback,
		primary:   primary,
		healthSrc: healthSrc,
		bus:       bus,
		batchSize: batchSize,

		filesArchivedCounter:  metrics2.GetCounter("recovery_files_archived", nil),
		samplesWrittenCounter: metrics2.GetCounter("recovery_samples_written", nil),
		permanentLossCounter:  metrics2.GetCounter("permanent_loss_total", nil),
	}
}

// Start launches at most one concurrent recovery pass. A call while a pass is already
// running is a no-op and returns false.
func (w *Worker) Start(ctx context.Context) bool {
	if !w.running.CompareAndSwap(false, true) {
		return false
	}
	go w.runPass(ctx)
	return true
}

// Running reports whether a pass is currently in flight.
func (w *Worker) Running() bool {
	return w.running.Load()
}

func (w *Worker) publish(ev StatusEvent) {
	if w.bus != nil {
		w.bus.Publish(StatusEventChannel, ev, false)
	}
}

func (w *Worker) runPass(ctx context.Context) {
	defer w.running.Store(false)

	filesArchived := 0
	samplesWritten := 0
	w.publish(StatusEvent{Phase: Started})

	pending, err := w.fallback.ListPending()
	if err != nil {
		sklog.Errorf("recovery: listing pending files: %v", err)
		w.publish(StatusEvent{Phase: Failed, Err: err.Error()})
		return
	}

	for _, path := range pending {
		if ctx.Err() != nil {
			w.publish(StatusEvent{Phase: Cancelled, FilesArchived: filesArchived, SamplesWritten: samplesWritten})
			return
		}

		samples, err := w.fallback.ReadFile(path)
		if err != nil {
			sklog.Errorf("recovery: reading %s: %v", path, err)
			w.publish(StatusEvent{Phase: Failed, FilesArchived: filesArchived, SamplesWritten: samplesWritten, Err: err.Error()})
			return
		}

		if len(samples) == 0 {
			if err := w.fallback.Archive(ctx, path); err != nil {
				sklog.Errorf("recovery: archiving empty file %s: %v", path, err)
				w.publish(StatusEvent{Phase: Failed, FilesArchived: filesArchived, SamplesWritten: samplesWritten, Err: err.Error()})
				return
			}
			filesArchived++
			w.filesArchivedCounter.Inc(1)
			continue
		}

		fileOK := true
		for start := 0; start < len(samples); start += w.batchSize {
			if ctx.Err() != nil {
				w.publish(StatusEvent{Phase: Cancelled, FilesArchived: filesArchived, SamplesWritten: samplesWritten})
				return
			}
			if w.healthSrc != nil && w.healthSrc.State() == health.Unhealthy {
				// Halt without archiving any partially-recovered file.
				w.publish(StatusEvent{Phase: InProgress, FilesArchived: filesArchived, SamplesWritten: samplesWritten})
				w.publish(StatusEvent{Phase: Cancelled, FilesArchived: filesArchived, SamplesWritten: samplesWritten})
				return
			}

			end := start + w.batchSize
			if end > len(samples) {
				end = len(samples)
			}
			batch := samples[start:end]

			if err := w.primary.Write(ctx, batch); err != nil {
				sklog.Warningf("recovery: batch write failed for %s, leaving file in place: %v", path, err)
				fileOK = false
				break
			}
			samplesWritten += len(batch)
			w.samplesWrittenCounter.Inc(int64(len(batch)))
			w.publish(StatusEvent{Phase: InProgress, FilesArchived: filesArchived, SamplesWritten: samplesWritten})
		}

		if !fileOK {
			// Ordering across files is a correctness goal: stop here, don't skip
			// ahead to subsequent files.
			w.publish(StatusEvent{Phase: Failed, FilesArchived: filesArchived, SamplesWritten: samplesWritten, Err: "batch write failed"})
			return
		}

		if err := w.fallback.Archive(ctx, path); err != nil {
			sklog.Errorf("recovery: archiving %s: %v", path, err)
			w.publish(StatusEvent{Phase: Failed, FilesArchived: filesArchived, SamplesWritten: samplesWritten, Err: err.Error()})
			return
		}
		filesArchived++
		w.filesArchivedCounter.Inc(1)
	}

	w.publish(StatusEvent{Phase: Completed, FilesArchived: filesArchived, SamplesWritten: samplesWritten})
}
