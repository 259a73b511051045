package dispatch

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/goodcitizen/dispatch2/internal/config"
	"github.com/goodcitizen/dispatch2/internal/logging"
	"github.com/goodcitizen/dispatch2/internal/metrics"
)

// Requests become eligible oldest first so a backlog drains fairly.
const eligibleSQL = `
	SELECT id FROM requests
	WHERE status = 'ready' AND is_allowed_source(source, destination)
	ORDER BY created ASC LIMIT $1`

// Poller is the single producer feeding the work queue. Each cycle it sleeps
// the poll interval, applies the submission window and high-water mark, then
// fetches ready request ids and enqueues the ones not already pending.
type Poller struct {
	cfg     config.Dispatch
	pool    *pgxpool.Pool
	queue   *WorkQueue
	pending *PendingSet
	stopc   <-chan struct{}
	log     *logging.Logger

	// fetch is replaceable in tests; defaults to the eligibility query.
	fetch func(ctx context.Context) ([]int64, error)
	now   func() time.Time
}

func NewPoller(cfg config.Dispatch, pool *pgxpool.Pool, queue *WorkQueue,
	pending *PendingSet, stopc <-chan struct{}, log *logging.Logger) *Poller {
	if log == nil {
		log = logging.New("dispatch2-poller")
	}
	p := &Poller{
		cfg:     cfg,
		pool:    pool,
		queue:   queue,
		pending: pending,
		stopc:   stopc,
		log:     log,
		now:     time.Now,
	}
	p.fetch = p.fetchReady
	return p
}

// Run loops until stopped or until the store connection is lost beyond the
// single heal attempt. On exit it deregisters as producer so workers can
// drain and terminate.
func (p *Poller) Run(ctx context.Context) {
	defer p.queue.RemoveProducer()
	p.log.Plain().Info("request poller starting up")

	unhealthy := false
	for {
		if !p.cfg.InWindow(p.now()) {
			// stay silent in steady closed periods
			metrics.RecordPollCycle("out_of_window")
			if p.pause() {
				return
			}
			continue
		}

		if p.pause() {
			return
		}

		if depth := p.queue.Len(); depth > p.cfg.HighWaterMark {
			p.log.Plain().WithField("queue_len", depth).
				Warn("too many pending requests, will wait a little")
			metrics.RecordPollCycle("backpressure")
			continue
		}

		ids, err := p.fetch(ctx)
		if err != nil {
			metrics.RecordPollCycle("error")
			if unhealthy {
				p.log.Plain().WithError(err).
					Error("store connection lost, stopping poller")
				return
			}
			// one heal attempt before giving up
			unhealthy = true
			p.log.Plain().WithError(err).Warn("eligibility query failed, will retry")
			continue
		}
		unhealthy = false

		enqueued := 0
		for _, id := range ids {
			if p.pending.Add(id) {
				p.queue.Produce(id)
				enqueued++
			}
		}
		if enqueued > 0 {
			p.log.Plain().WithFields(map[string]any{
				"fetched": len(ids), "enqueued": enqueued,
			}).Info("ready requests added to work queue")
			metrics.RecordPollCycle("fetched")
		} else {
			metrics.RecordPollCycle("empty")
		}
		metrics.UpdateQueueDepth(float64(p.queue.Len()))
		metrics.UpdatePendingSize(float64(p.pending.Len()))
	}
}

// pause sleeps one poll interval, returning true if a stop was signalled.
func (p *Poller) pause() bool {
	select {
	case <-p.stopc:
		return true
	case <-time.After(p.cfg.PollInterval):
		return false
	}
}

func (p *Poller) fetchReady(ctx context.Context) ([]int64, error) {
	rows, err := p.pool.Query(ctx, eligibleSQL, p.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
