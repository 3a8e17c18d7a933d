// Package worker runs the per-pad scene reconcilers: for every active pad a
// consumer tails the durable stream and applies conflict resolution to the
// cached scene, while a periodic saver flushes the cache to the pad store.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openpad/pad-collab-service/config"
	"github.com/openpad/pad-collab-service/internal/adapter/bus"
	"github.com/openpad/pad-collab-service/internal/adapter/cache"
	"github.com/openpad/pad-collab-service/internal/adapter/store"
	"github.com/openpad/pad-collab-service/internal/domain/model"
	"github.com/openpad/pad-collab-service/internal/domain/scene"
	"github.com/openpad/pad-collab-service/internal/metrics"
	"github.com/openpad/pad-collab-service/internal/service"
)

const (
	readCount  = 10
	readBlock  = 5 * time.Second
	drainCount = 50
	drainBlock = 1 * time.Second
	// errBackoff throttles retries after a transport error on the stream.
	errBackoff = 1 * time.Second
	// idleWait covers servers that answer an empty read without blocking.
	idleWait = 50 * time.Millisecond
)

// CanvasWorker is the process-wide reconciler. At most one worker owns a
// given pad at a time; ownership is claimed through a compare-and-set on the
// pad's cache record.
type CanvasWorker struct {
	id       string
	log      *slog.Logger
	bus      *bus.Bus
	cache    *cache.PadCache
	store    store.PadStore
	resolver *service.PadResolver
	metrics  *metrics.Metrics

	saveInterval  time.Duration
	shutdownGrace time.Duration

	mu   sync.Mutex
	pads map[uuid.UUID]*padRun
}

type padRun struct {
	// active gates the consumer loop; clearing it lets the loop drain and
	// exit on its own.
	active atomic.Bool

	cancel       context.CancelFunc
	saveCancel   context.CancelFunc
	consumerDone chan struct{}
	saverDone    chan struct{}
}

func New(
	b *bus.Bus,
	padCache *cache.PadCache,
	padStore store.PadStore,
	resolver *service.PadResolver,
	m *metrics.Metrics,
	cfg *config.Config,
	log *slog.Logger,
) *CanvasWorker {
	id := uuid.NewString()
	return &CanvasWorker{
		id:            id,
		log:           log.With("worker_id", id[:8]),
		bus:           b,
		cache:         padCache,
		store:         padStore,
		resolver:      resolver,
		metrics:       m,
		saveInterval:  cfg.Worker.SaveInterval,
		shutdownGrace: cfg.Worker.ShutdownGrace,
		pads:          map[uuid.UUID]*padRun{},
	}
}

// ID returns the worker's process identity as written into cache records.
func (w *CanvasWorker) ID() string { return w.id }

// ActivePads returns the pads this worker currently reconciles.
func (w *CanvasWorker) ActivePads() []uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]uuid.UUID, 0, len(w.pads))
	for id := range w.pads {
		out = append(out, id)
	}
	return out
}

// EnsureWorker makes sure somebody is consuming the pad's stream. Reuses the
// running consumer when this process already owns the pad; otherwise claims
// ownership and starts the consumer and saver tasks. A lost claim race is
// not an error: the owning process is already doing the work.
func (w *CanvasWorker) EnsureWorker(ctx context.Context, padID uuid.UUID) error {
	w.mu.Lock()
	if _, running := w.pads[padID]; running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	// Make sure the cache record exists before claiming a slot on it.
	if _, err := w.resolver.Resolve(ctx, padID); err != nil {
		return fmt.Errorf("ensure worker: %w", err)
	}

	acquired, err := w.cache.AcquireWorker(ctx, padID, w.id)
	if err != nil {
		return fmt.Errorf("ensure worker: %w", err)
	}
	if !acquired {
		w.log.Info("pad owned by another worker", "pad_id", padID)
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, running := w.pads[padID]; running {
		// Someone else on this process won the in-memory race.
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	saveCtx, saveCancel := context.WithCancel(runCtx)
	run := &padRun{
		cancel:       cancel,
		saveCancel:   saveCancel,
		consumerDone: make(chan struct{}),
		saverDone:    make(chan struct{}),
	}
	run.active.Store(true)
	w.pads[padID] = run

	w.log.Info("start processing pad", "pad_id", padID)
	w.metrics.ActivePads.Inc()

	go w.consume(runCtx, padID, run)
	go w.periodicSave(saveCtx, padID, run)
	return nil
}

// consume tails the pad stream from the "latest" sentinel. History is
// deliberately not replayed across restarts: durability lives in the pad
// store and the stream is capped, so replaying would double-apply updates.
func (w *CanvasWorker) consume(ctx context.Context, padID uuid.UUID, run *padRun) {
	defer close(run.consumerDone)

	lastID, err := w.bus.Cursor(ctx, padID)
	if err != nil {
		w.log.Warn("cursor resolve failed, using latest sentinel", "pad_id", padID, "error", err)
		lastID = bus.Latest
	}
	for run.active.Load() {
		events, next, err := w.bus.Read(ctx, padID, lastID, readCount, readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("stream read failed", "pad_id", padID, "error", err)
			if !sleepCtx(ctx, errBackoff) {
				return
			}
			continue
		}
		lastID = next

		if len(events) == 0 {
			if !sleepCtx(ctx, idleWait) {
				return
			}
			continue
		}
		for _, se := range events {
			if err := w.processEvent(ctx, padID, se.Event); err != nil {
				w.log.Warn("event processing failed", "pad_id", padID, "entry_id", se.ID, "error", err)
			}
		}
	}

	// Graceful exit: pick up whatever landed while we were stopping.
	events, _, err := w.bus.Read(ctx, padID, lastID, drainCount, drainBlock)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn("residual drain failed", "pad_id", padID, "error", err)
		}
		return
	}
	if len(events) > 0 {
		w.log.Info("processing residual messages", "pad_id", padID, "count", len(events))
	}
	for _, se := range events {
		if err := w.processEvent(ctx, padID, se.Event); err != nil {
			w.log.Warn("residual event processing failed", "pad_id", padID, "entry_id", se.ID, "error", err)
		}
	}
}

func (w *CanvasWorker) processEvent(ctx context.Context, padID uuid.UUID, ev *model.Event) error {
	switch ev.Type {
	case model.EventSceneUpdate:
		return w.handleSceneUpdate(ctx, padID, ev)
	case model.EventAppStateUpdate:
		return w.handleAppStateUpdate(ctx, padID, ev)
	default:
		// Presence and control events carry nothing to reconcile.
		return nil
	}
}

func (w *CanvasWorker) handleSceneUpdate(ctx context.Context, padID uuid.UUID, ev *model.Event) error {
	var data model.SceneUpdateData
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("decode scene_update: %w", err)
		}
	}

	current, err := w.cache.GetScene(ctx, padID)
	if err != nil {
		return err
	}

	changed := false
	if scene.FilesChanged(current.Files, data.Files) {
		current.Files = data.Files
		changed = true
	}
	if len(data.Elements) > 0 {
		w.metrics.ReconcileRuns.Inc()
		merged, elementsChanged := scene.Reconcile(current.Elements, data.Elements)
		if elementsChanged {
			w.metrics.ReconcileChanged.Inc()
			current.Elements = merged
			changed = true
		}
	}

	if !changed {
		// No-op outcome: skip the write, just keep the entry alive.
		return w.cache.Touch(ctx, padID)
	}
	return w.cache.SetScene(ctx, padID, current)
}

func (w *CanvasWorker) handleAppStateUpdate(ctx context.Context, padID uuid.UUID, ev *model.Event) error {
	if ev.UserID == "" {
		return errors.New("appstate_update without user_id")
	}
	var data model.AppStateUpdateData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return fmt.Errorf("decode appstate_update: %w", err)
	}
	if len(data.AppState) == 0 {
		return nil
	}

	current, err := w.cache.GetScene(ctx, padID)
	if err != nil {
		return err
	}
	// Last writer wins on the sender's slot only; other users' slots are
	// never touched.
	current.AppState[ev.UserID] = data.AppState
	return w.cache.SetScene(ctx, padID, current)
}

func (w *CanvasWorker) periodicSave(ctx context.Context, padID uuid.UUID, run *padRun) {
	defer close(run.saverDone)

	ticker := time.NewTicker(w.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.savePad(ctx, padID); err != nil {
				w.log.Warn("periodic save failed", "pad_id", padID, "error", err)
			}
		}
	}
}

// savePad flushes the cached pad to the durable store. Failures leave the
// data in cache for the next cycle.
func (w *CanvasWorker) savePad(ctx context.Context, padID uuid.UUID) error {
	w.metrics.SavesTotal.Inc()

	pad, err := w.cache.Get(ctx, padID)
	if err != nil {
		if errors.Is(err, cache.ErrNotCached) {
			w.log.Info("pad not cached, skipping save", "pad_id", padID)
			return nil
		}
		// A scene patch can land on a hash whose metadata was invalidated
		// underneath us, leaving a partial record that no longer decodes.
		// Rebuild it from the store, keeping the cached scene.
		pad, err = w.repairRecord(ctx, padID)
		if err != nil {
			w.metrics.SaveFailures.Inc()
			return err
		}
	}

	if err := w.store.Save(ctx, pad); err != nil {
		w.metrics.SaveFailures.Inc()
		return err
	}
	return nil
}

func (w *CanvasWorker) repairRecord(ctx context.Context, padID uuid.UUID) (*model.Pad, error) {
	pad, err := w.store.Load(ctx, padID)
	if err != nil {
		return nil, fmt.Errorf("repair pad record %s: %w", padID, err)
	}
	scene, err := w.cache.GetScene(ctx, padID)
	if err != nil {
		return nil, fmt.Errorf("repair pad record %s: %w", padID, err)
	}
	pad.Scene = scene
	pad.WorkerID = w.id

	if err := w.cache.Put(ctx, pad); err != nil {
		w.log.Warn("cache record repair write failed", "pad_id", padID, "error", err)
	} else {
		w.log.Info("repaired partial cache record", "pad_id", padID)
	}
	return pad, nil
}

// StopPad stops reconciling one pad. Graceful stops let the consumer drain,
// run a final save, wait up to the shutdown grace for the consumer, then
// force-cancel; the worker slot is released only if we still own it.
func (w *CanvasWorker) StopPad(ctx context.Context, padID uuid.UUID, graceful bool) {
	w.mu.Lock()
	run, ok := w.pads[padID]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.pads, padID)
	w.mu.Unlock()

	w.log.Info("stop processing pad", "pad_id", padID, "graceful", graceful)

	if graceful {
		run.active.Store(false)
		run.saveCancel()
		<-run.saverDone

		if err := w.savePad(ctx, padID); err != nil {
			w.log.Warn("final save failed", "pad_id", padID, "error", err)
		}

		select {
		case <-run.consumerDone:
		case <-time.After(w.shutdownGrace):
			w.log.Warn("consumer did not drain in time, cancelling", "pad_id", padID)
			run.cancel()
			<-run.consumerDone
		}
	} else {
		run.cancel()
		<-run.saverDone
		<-run.consumerDone
	}
	run.cancel()

	released, err := w.cache.ReleaseWorker(context.WithoutCancel(ctx), padID, w.id)
	if err != nil {
		w.log.Warn("worker release failed", "pad_id", padID, "error", err)
	} else if !released {
		// Another worker claimed the pad meanwhile; never force-clear.
		w.log.Info("worker slot already reassigned", "pad_id", padID)
	}
	w.metrics.ActivePads.Dec()
}

// Stop gracefully stops every active pad. Used on shutdown.
func (w *CanvasWorker) Stop(ctx context.Context) {
	for _, padID := range w.ActivePads() {
		w.StopPad(ctx, padID, true)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
