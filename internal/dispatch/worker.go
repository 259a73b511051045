package dispatch

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/goodcitizen/dispatch2/internal/config"
	"github.com/goodcitizen/dispatch2/internal/logging"
)

// Worker is one long-lived consumer of the work queue, bound to its own store
// connection for the lifetime of the session.
type Worker struct {
	id      int
	cfg     config.Dispatch
	conn    *pgx.Conn
	queue   *WorkQueue
	pending *PendingSet
	shared  *WorkQueue // optional cooperative producer list, may be nil
	log     *logging.Logger

	// process runs one claim/deliver/write attempt; replaceable in tests
	process func(context.Context, int64) Result
	now     func() time.Time
	sleep   func(time.Duration)
}

func newWorker(id int, cfg config.Dispatch, conn *pgx.Conn, queue *WorkQueue,
	pending *PendingSet, shared *WorkQueue, proc *Processor, log *logging.Logger) *Worker {
	w := &Worker{
		id:      id,
		cfg:     cfg,
		conn:    conn,
		queue:   queue,
		pending: pending,
		shared:  shared,
		log:     log,
		now:     time.Now,
		sleep:   time.Sleep,
	}
	w.process = func(ctx context.Context, rid int64) Result {
		return proc.Process(ctx, w.conn, rid)
	}
	return w
}

// Run consumes request ids until the queue closes and drains, then releases
// the worker's connection. Outside the submission window it sleeps without
// consuming, so queued ids are never pulled and dropped.
func (w *Worker) Run(ctx context.Context) {
	if w.shared != nil {
		w.shared.AddProducer()
		defer w.shared.RemoveProducer()
	}
	if w.conn != nil {
		defer w.conn.Close(context.Background())
	}

	log := w.log.WithFields(map[string]any{"worker": w.id})
	log.Debug("worker started")

	for {
		if !w.cfg.InWindow(w.now()) {
			if w.queue.Drained() {
				break
			}
			w.sleep(w.cfg.PollInterval)
			continue
		}

		id, ok := w.queue.Consume()
		if !ok {
			break
		}

		res := w.process(ctx, id)
		w.pending.Remove(id)
		w.log.Plain().WithRequest(id).
			WithField("worker", w.id).
			WithField("result", string(res)).
			Debug("request attempt finished")
	}

	log.Debug("worker exiting")
}
