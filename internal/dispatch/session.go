package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/goodcitizen/dispatch2/internal/config"
	"github.com/goodcitizen/dispatch2/internal/db"
	"github.com/goodcitizen/dispatch2/internal/logging"
)

// Session owns the structures shared between the poller and the workers:
// the work queue, the pending set, and the server directory. Everything is
// created at start and torn down at stop; there are no package-level
// singletons.
type Session struct {
	cfg     config.Config
	pool    *pgxpool.Pool
	dir     *Directory
	queue   *WorkQueue
	pending *PendingSet
	log     *logging.Logger

	stopc    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StartDispatch loads the server directory, starts the worker pool (one
// dedicated store connection per worker) and the poller, and returns the
// running session. shared, when non-nil, is an external producer list whose
// producer count the workers join for cooperative shutdown with other
// processors sharing it.
func StartDispatch(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, shared *WorkQueue, log *logging.Logger) (*Session, error) {
	if log == nil {
		log = logging.New(cfg.AppName)
	}

	dir, err := LoadDirectory(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("load server directory: %w", err)
	}
	log.Plain().WithField("servers", dir.Len()).Info("server directory loaded")

	s := &Session{
		cfg:     cfg,
		pool:    pool,
		dir:     dir,
		queue:   NewWorkQueue(),
		pending: NewPendingSet(cfg.Dispatch.NumWorkers*cfg.Dispatch.QueueCapacity + 1),
		log:     log,
		stopc:   make(chan struct{}),
	}

	client := NewClient(cfg.Dispatch.DeliveryTimeout, log)
	proc := NewProcessor(cfg.Dispatch, dir, client, log)

	// the poller registers before any worker starts so the queue cannot
	// report closure during startup
	s.queue.AddProducer()

	started := 0
	for i := 0; i < cfg.Dispatch.NumWorkers; i++ {
		conn, err := db.ConnectWorker(ctx, cfg.DSN())
		if err != nil {
			log.Plain().WithField("worker", i).WithError(err).
				Error("worker failed to connect to store")
			continue
		}
		w := newWorker(i, cfg.Dispatch, conn, s.queue, s.pending, shared, proc, log)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.Run(ctx)
		}()
		started++
	}
	if started == 0 {
		s.queue.RemoveProducer()
		return nil, errors.New("no dispatch worker could connect to the store")
	}
	log.Plain().WithField("workers", started).Info("request processor starting up")

	poller := NewPoller(cfg.Dispatch, pool, s.queue, s.pending, s.stopc, log)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		poller.Run(ctx)
	}()

	return s, nil
}

// Stop signals the poller to cease producing, then waits up to timeout for
// the workers to drain the queue and exit.
func (s *Session) Stop(timeout time.Duration) error {
	s.stopOnce.Do(func() { close(s.stopc) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Plain().Info("request processor shutdown complete")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("dispatch session did not drain within %s", timeout)
	}
}

// Stats reports queue depth, pending-set size, and whether the global
// submission window is currently open. Wired into the health endpoint.
func (s *Session) Stats() (queueLen, pending int, inWindow bool) {
	return s.queue.Len(), s.pending.Len(), s.cfg.Dispatch.InWindow(time.Now())
}
