package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"schedtx/internal/eventbus"
	rtsup "schedtx/internal/runtime/supervisor"
	"schedtx/internal/sched"
	logx "schedtx/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type job struct {
	info       sched.DispatchInfo
	batch      *Batch
	enqueuedAt time.Time
}

type Service struct {
	cfg Config
	d   Dispatcher
	log logx.Logger
	bus eventbus.Bus

	// mu guards the lifecycle; Submit holds it shared while enqueueing.
	mu       sync.RWMutex
	q        chan job
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  bool

	inFlight   atomic.Int32
	dispatched atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
	panics     atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem

	dropWarn rate.Sometimes
	failWarn rate.Sometimes
}

func New(cfg Config, d Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		d:        d,
		log:      log,
		bus:      bus,
		dropWarn: rate.Sometimes{Interval: warnThrottleEvery},
		failWarn: rate.Sometimes{Interval: warnThrottleEvery},
	}
}

// Start launches the worker pool. Calling it twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q != nil || s.stopped {
		return
	}
	s.q = make(chan job, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "executor"))),
		rtsup.WithCancelOnError(false),
	)

	q, stopCh := s.q, s.stopCh
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, q)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("executor started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop halts the workers. Entries still queued are reported as dropped.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.RLock()
	sup, stopCh := s.sup, s.stopCh
	s.mu.RUnlock()
	if sup == nil {
		return nil
	}
	s.stopOnce.Do(func() { close(stopCh) })
	err := sup.Stop(ctx)

	s.mu.Lock()
	s.stopped = true
	q := s.q
	s.mu.Unlock()
	for {
		select {
		case j := <-q:
			s.drop(j, ErrStopped)
		default:
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("executor stop", logx.Err(err))
			}
			s.log.Info("executor stopped")
			return err
		}
	}
}

// Submit queues every entry, blocking while the queue is full. Entries that
// cannot be queued because ctx ended or the executor stopped are reported as
// dropped in the returned batch.
func (s *Service) Submit(ctx context.Context, infos []sched.DispatchInfo) *Batch {
	b := newBatch(len(infos))

	s.mu.RLock()
	defer s.mu.RUnlock()
	var reason error
	switch {
	case s.stopped:
		reason = ErrStopped
	case s.q == nil:
		reason = ErrNotStarted
	}

	now := time.Now()
	for _, info := range infos {
		j := job{info: info, batch: b, enqueuedAt: now}
		if reason != nil {
			s.drop(j, reason)
			continue
		}
		select {
		case s.q <- j:
		case <-ctx.Done():
			reason = ctx.Err()
			s.drop(j, reason)
		case <-s.stopCh:
			reason = ErrStopped
			s.drop(j, reason)
		}
	}
	return b
}

func (s *Service) drop(j job, reason error) {
	n := s.dropped.Add(1)
	now := time.Now()
	j.batch.finish(Result{Key: j.info.Key, Owner: j.info.Owner, Err: reason, Started: now, Dropped: true})
	s.publish(EventDropped, DispatchEvent{Key: j.info.Key, Owner: j.info.Owner, Started: now, Error: reason.Error()})
	s.dropWarn.Do(func() {
		s.log.Warn("dispatch dropped", logx.Stringer("key", j.info.Key), logx.Err(reason), logx.Uint64("dropped_total", n))
	})
}

func (s *Service) publish(typ string, ev DispatchEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	ql, qc := 0, 0
	if s.q != nil {
		ql, qc = len(s.q), cap(s.q)
	}
	s.mu.RUnlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	return Snapshot{
		Workers:         s.cfg.Workers,
		QueueLen:        ql,
		QueueCap:        qc,
		InFlight:        int(s.inFlight.Load()),
		Dispatched:      s.dispatched.Load(),
		Failed:          s.failed.Load(),
		Dropped:         s.dropped.Load(),
		Panics:          s.panics.Load(),
		DispatchTimeout: s.cfg.DispatchTimeout,
		History:         h,
	}
}

// Supervisor exposes worker goroutine stats; nil before Start.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sup
}
