// Package worker implements the demand-driven trigger/wait runtime shared
// by every reconciliation loop: a worker does nothing until triggered,
// coalesces concurrent triggers into a single pass, and lets callers block
// until a pass that started after their call has finished.
package worker

import (
	"sync"

	"github.com/hearthhq/hearth/pkg/hlog"
)

// Func is one reconciliation pass. It must not block forever; workers are
// expected to return so the next queued trigger can run.
type Func func()

// Worker runs Func on demand, never concurrently with itself, and folds
// any trigger received while a pass is running into one more pass
// afterwards rather than dropping it.
type Worker struct {
	name string
	fn   Func

	mu      sync.Mutex
	cond    *sync.Cond
	running bool
	pending bool
	started uint64 // passes begun
	done    uint64 // passes completed; done trails started by at most 1
}

// New builds a Worker named name (used only for logging) running fn.
func New(name string, fn Func) *Worker {
	w := &Worker{name: name, fn: fn}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Trigger requests a pass and returns immediately. If a pass is already
// running, the request is folded into the pass that follows it.
func (w *Worker) Trigger() {
	w.mu.Lock()
	w.pending = true
	w.ensureLoopLocked()
	w.mu.Unlock()
}

// TriggerAndWait requests a pass and blocks until a pass that began no
// earlier than this call has completed. A pass already in flight does not
// count: the wait target is the next pass to start, which is guaranteed to
// observe this call's trigger.
func (w *Worker) TriggerAndWait() {
	w.mu.Lock()
	w.pending = true
	w.ensureLoopLocked()
	target := w.started + 1
	for w.done < target {
		w.cond.Wait()
	}
	w.mu.Unlock()
}

// ensureLoopLocked starts the run loop if it is not already active.
// Callers must hold w.mu.
func (w *Worker) ensureLoopLocked() {
	if !w.running {
		w.running = true
		go w.runLoop()
	}
}

func (w *Worker) runLoop() {
	for {
		w.mu.Lock()
		if !w.pending {
			w.running = false
			w.mu.Unlock()
			return
		}
		w.pending = false
		w.started++
		w.mu.Unlock()

		w.runOnce()
	}
}

func (w *Worker) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			hlog.WithComponent(w.name).Error().Interface("panic", r).Msg("recovered panic in worker pass")
		}
		w.mu.Lock()
		w.done++
		w.cond.Broadcast()
		w.mu.Unlock()
	}()
	w.fn()
}
