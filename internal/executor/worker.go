package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"schedtx/internal/txn"
	logx "schedtx/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-q:
			s.inFlight.Add(1)
			s.execOne(ctx, j)
			s.inFlight.Add(-1)
		}
	}
}

// execOne runs a single entry. Whatever the action does, the key is marked
// done afterwards so its deposit is consumed and it is never offered again.
func (s *Service) execOne(ctx context.Context, j job) {
	start := time.Now()
	queueDelay := max(start.Sub(j.enqueuedAt), 0)
	key, owner := j.info.Key, j.info.Owner

	s.log.Debug("dispatch.started", logx.Stringer("key", key), logx.Duration("queue_delay", queueDelay))
	s.publish(EventStarted, DispatchEvent{Key: key, Owner: owner, Started: start, QueueDelay: queueDelay})

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.DispatchTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.panics.Add(1)
				err = fmt.Errorf("%w: %v", ErrPanic, r)
				s.log.Error("dispatch.panic", logx.Stringer("key", key), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		return s.d.Dispatch(runCtx, txn.NewSigner(owner), key)
	}()
	cancel()
	s.d.MarkDone(key)
	if err != nil {
		err = &DispatchError{Key: key, Err: err}
	}

	dur := time.Since(start)
	item := HistoryItem{Key: key, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := DispatchEvent{Key: key, Owner: owner, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		ev.Error = item.Error
		s.failWarn.Do(func() {
			s.log.Warn("dispatch.failed", logx.Stringer("key", key), logx.Stringer("owner", owner), logx.Err(err), logx.Duration("dur", dur))
		})
		s.publish(EventFailed, ev)
	} else {
		s.dispatched.Add(1)
		s.log.Debug("dispatch.finished", logx.Stringer("key", key), logx.Duration("dur", dur))
		s.publish(EventFinished, ev)
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()

	j.batch.finish(Result{Key: key, Owner: owner, Err: err, Started: start, Duration: dur})
}
