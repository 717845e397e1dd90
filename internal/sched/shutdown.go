package sched

import logx "schedtx/pkg/logx"

// ShutdownReport summarizes one Shutdown pass.
type ShutdownReport struct {
	Purged    int  `json:"purged"`
	Removed   int  `json:"removed"`
	Failed    int  `json:"failed"`
	Remaining int  `json:"remaining"`
	Complete  bool `json:"complete"`
}

// Shutdown stops admission and cancels up to ShutdownBatchCap entries with a
// refund each. Call it once per step until Complete; ShutdownComplete is
// emitted by the pass that leaves the queue empty.
//
// Pending completions are purged first so already-dispatched entries are
// never refunded.
func (e *Engine) Shutdown() ShutdownReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.shutdown = true
	e.cfg.StopScheduling = true
	rep := ShutdownReport{Purged: e.drainLocked()}

	batch := make([]queueItem, 0, min(e.queue.len(), ShutdownBatchCap))
	e.queue.ascend(func(it queueItem) bool {
		batch = append(batch, it)
		return len(batch) < ShutdownBatchCap
	})
	for _, it := range batch {
		if err := e.terminalRemoveLocked(it, e.ownerOf(it), ReasonShutdown); err != nil {
			rep.Failed++
			continue
		}
		rep.Removed++
	}

	rep.Remaining = e.queue.len()
	if rep.Remaining == 0 {
		rep.Complete = true
		e.emitter.Emit(ShutdownComplete{})
	}
	e.log.Info("shutdown pass",
		logx.Int("removed", rep.Removed),
		logx.Int("failed", rep.Failed),
		logx.Int("remaining", rep.Remaining),
		logx.Bool("complete", rep.Complete),
	)
	return rep
}
