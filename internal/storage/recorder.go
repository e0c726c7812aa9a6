package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dyike/tradeflow/internal/logger"
	"github.com/dyike/tradeflow/internal/models"
)

type recordKind int

const (
	recordNode recordKind = iota + 1
	recordFinish
)

type recordEvent struct {
	kind   recordKind
	node   models.NodeResult
	result *models.RunResult
}

// RunRecorder persists one run from scheduler callbacks. Writes happen on
// its own goroutine so observers never block the scheduler.
type RunRecorder struct {
	store *Store
	runID string
	log   *zap.SugaredLogger

	events  chan recordEvent
	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
	wg      sync.WaitGroup
}

func NewRunRecorder(ctx context.Context, store *Store, runID, symbol, asOf string) (*RunRecorder, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if err := store.CreateRun(ctx, runID, symbol, asOf, time.Now()); err != nil {
		return nil, err
	}

	r := &RunRecorder{
		store:  store,
		runID:  runID,
		log:    logger.Named("recorder").With("run_id", runID),
		events: make(chan recordEvent, 256),
	}
	r.wg.Add(1)
	go r.loop()
	return r, nil
}

func (r *RunRecorder) loop() {
	defer r.wg.Done()
	ctx := context.Background()
	for ev := range r.events {
		switch ev.kind {
		case recordNode:
			n := ev.node
			err := r.store.AddNodeEvent(ctx, NodeEvent{
				RunID:      r.runID,
				Node:       n.Node,
				Status:     n.Status,
				Attempts:   n.Attempts,
				Reason:     n.Reason,
				Error:      n.Error,
				ErrorKind:  n.ErrorKind,
				StartedAt:  n.StartedAt,
				FinishedAt: n.FinishedAt,
			})
			if err != nil {
				r.log.Warnw("record node event", "node", n.Node, "error", err)
			}
		case recordFinish:
			if err := r.store.RecordResult(ctx, ev.result); err != nil {
				r.log.Warnw("record run result", "error", err)
			}
		}
	}
}

func (r *RunRecorder) enqueue(ev recordEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.pending.Add(1)
		go func() {
			defer r.pending.Done()
			r.events <- ev
		}()
	}
}

func (r *RunRecorder) OnNodeStart(string, string) {}

func (r *RunRecorder) OnNodeComplete(runID string, res models.NodeResult) {
	if runID != r.runID {
		return
	}
	r.enqueue(recordEvent{kind: recordNode, node: res})
}

// Finish records the run result and waits for pending writes.
func (r *RunRecorder) Finish(res *models.RunResult) {
	if res != nil {
		r.enqueue(recordEvent{kind: recordFinish, result: res})
	}
	r.Close()
}

// Close stops accepting events and waits until every accepted event is
// written.
func (r *RunRecorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.pending.Wait()
	close(r.events)
	r.wg.Wait()
}
