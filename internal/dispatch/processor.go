package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"

	"github.com/goodcitizen/dispatch2/internal/config"
	"github.com/goodcitizen/dispatch2/internal/logging"
	"github.com/goodcitizen/dispatch2/internal/metrics"
	"github.com/goodcitizen/dispatch2/internal/tracing"
)

// Result classifies one processing attempt for logging and metrics.
// ResultSkipped means the row was left untouched and stays eligible.
type Result string

const (
	ResultSkipped   Result = "skipped"
	ResultCompleted Result = "completed"
	ResultFailed    Result = "failed"
	ResultExpired   Result = "expired"
)

// NOWAIT makes a concurrent claim fail immediately instead of queueing on the
// row lock; the loser skips and a later poll cycle retries.
const claimSQL = `
	SELECT source, destination, body, retries, in_submission_period(destination),
	       ctype, body_is_query_param
	FROM requests WHERE id = $1 FOR UPDATE NOWAIT`

const (
	updateOutcomeSQL = `
		UPDATE requests SET updated = now(), status = $2, statuscode = $3, errors = $4
		WHERE id = $1`
	updateExpiredSQL = `
		UPDATE requests SET updated = now(), status = 'expired' WHERE id = $1`
)

// lockNotAvailable is the SQLSTATE raised by FOR UPDATE NOWAIT on a held lock.
const lockNotAvailable = "55P03"

// isLockContention reports whether err is the NOWAIT claim losing the row
// lock to a concurrent processor.
func isLockContention(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable
}

// claimedRow holds the columns scanned by claimSQL.
type claimedRow struct {
	source           int
	destination      int
	body             *string
	ctype            *string
	retries          int
	inPeriod         bool
	bodyIsQueryParam bool
}

// Processor executes the per-request unit of work: claim the row, deliver the
// payload, classify the response, write the outcome. One store transaction
// per request.
type Processor struct {
	cfg    config.Dispatch
	dir    *Directory
	client *Client
	log    *logging.Logger

	// deliver is replaceable in tests; defaults to the HTTP client call.
	deliver func(ctx context.Context, payload []byte, ctype string, dest ServerConfig, bodyIsQueryParam bool) ([]byte, error)
}

func NewProcessor(cfg config.Dispatch, dir *Directory, client *Client, log *logging.Logger) *Processor {
	if log == nil {
		log = logging.New("dispatch2-processor")
	}
	p := &Processor{cfg: cfg, dir: dir, client: client, log: log}
	p.deliver = client.Deliver
	return p
}

// Process runs the claim/deliver/classify/write state machine for one request
// id on the worker's dedicated connection. All per-request errors are absorbed
// into the row (or into a skip); nothing propagates to the caller.
//
// The row lock is held across the outbound HTTP call on purpose: it is what
// guarantees at most one delivery in flight per request even with several
// engine instances sharing the store. The cost is lock hold time equal to the
// network round-trip.
func (p *Processor) Process(ctx context.Context, conn *pgx.Conn, id int64) Result {
	ctx, span := tracing.StartSpan(ctx, "dispatch.process",
		attribute.Int64("request_id", id),
	)
	defer span.End()

	tx, err := conn.Begin(ctx)
	if err != nil {
		p.log.WithContext(ctx).WithRequest(id).WithError(err).Error("begin failed")
		tracing.SetSpanError(ctx, err)
		return p.skip()
	}
	// rollback is a no-op once committed; any early return leaves the row as it was
	defer tx.Rollback(ctx)

	var row claimedRow
	err = tx.QueryRow(ctx, claimSQL, id).Scan(
		&row.source, &row.destination, &row.body, &row.retries,
		&row.inPeriod, &row.ctype, &row.bodyIsQueryParam)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// row vanished or no longer matches; someone else dealt with it
		case isLockContention(err):
			tracing.AddSpanEvent(ctx, "claim.lock_contention")
		default:
			p.log.WithContext(ctx).WithRequest(id).WithError(err).Error("claim failed")
			tracing.SetSpanError(ctx, err)
		}
		return p.skip()
	}

	log := p.log.WithContext(ctx).WithRequest(id).
		WithSource(row.source).WithDestination(row.destination)

	out, res := p.decide(ctx, row, log)
	if res == ResultSkipped {
		return res
	}
	return p.finish(ctx, tx, id, out, log)
}

// decide maps a claimed row to its outcome: window, retry budget, payload,
// directory lookup, delivery, classification, in that order. It never touches
// the store; ResultSkipped means nothing gets written and the row stays
// eligible.
func (p *Processor) decide(ctx context.Context, row claimedRow, log *logging.LogEntry) (Outcome, Result) {
	// the window may have closed between poll and claim
	if !row.inPeriod {
		log.Debug("destination out of submission period")
		return Outcome{}, p.skip()
	}

	if row.retries > p.cfg.MaxRetries {
		return Outcome{Status: StatusExpired}, ResultExpired
	}

	if row.body == nil || *row.body == "" {
		return Outcome{
			Status:     StatusFailed,
			StatusCode: CodeEmptyPayload,
			Errors:     "Empty response from server",
		}, ResultFailed
	}

	dest, ok := p.dir.Lookup(row.destination)
	if !ok {
		// unknown destination is transient: the directory may be stale,
		// leave the row ready for a later session
		log.Warn("no server config for destination")
		return Outcome{}, p.skip()
	}

	var ctypeStr string
	if row.ctype != nil {
		ctypeStr = *row.ctype
	}

	tracing.AddSpanEvent(ctx, "http.deliver_payload")
	start := time.Now()
	resp, err := p.deliver(ctx, []byte(*row.body), ctypeStr, dest, row.bodyIsQueryParam)
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordDelivery("error", dest.Name, elapsed.Seconds())
		log.WithServer(dest.Name).WithError(err).Warn("delivery failed")
		tracing.SetSpanError(ctx, err)
		return Outcome{
			Status:     StatusFailed,
			StatusCode: CodeUnreachable,
			Errors:     "Server possibly unreachable!",
		}, ResultFailed
	}
	metrics.RecordDelivery("ok", dest.Name, elapsed.Seconds())

	out := Classify(resp, ctypeStr, dest.ParseResponses)
	return out, Result(out.Status)
}

// skip counts the attempt under the skipped outcome and leaves the row as it
// was.
func (p *Processor) skip() Result {
	metrics.RecordOutcome(string(ResultSkipped))
	return ResultSkipped
}

// finish writes the outcome and commits. A write or commit failure leaves the
// row untouched (the transaction rolls back) and counts as a skip.
func (p *Processor) finish(ctx context.Context, tx pgx.Tx, id int64, out Outcome, log *logging.LogEntry) Result {
	var err error
	if out.Status == StatusExpired {
		_, err = tx.Exec(ctx, updateExpiredSQL, id)
	} else {
		_, err = tx.Exec(ctx, updateOutcomeSQL, id, out.Status, out.StatusCode, out.Errors)
	}
	if err != nil {
		log.WithError(err).Error("outcome write failed")
		tracing.SetSpanError(ctx, err)
		return p.skip()
	}
	if err := tx.Commit(ctx); err != nil {
		log.WithError(err).Error("commit failed")
		tracing.SetSpanError(ctx, err)
		return p.skip()
	}

	metrics.RecordOutcome(out.Status)
	log.WithField("statuscode", out.StatusCode).
		WithField("status", out.Status).
		Info("request processed")
	return Result(out.Status)
}
