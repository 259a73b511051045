package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodcitizen/dispatch2/internal/config"
	"github.com/goodcitizen/dispatch2/internal/logging"
	"github.com/goodcitizen/dispatch2/internal/metrics"
)

func processorForTest(dir *Directory) *Processor {
	cfg := config.Dispatch{MaxRetries: 2, EndSubmissionPeriod: 23}
	return NewProcessor(cfg, dir, nil, logging.New("dispatch2-test"))
}

func strPtr(s string) *string { return &s }

func TestDecideExpiresWithoutDeliveryAttempt(t *testing.T) {
	dir := NewDirectory([]ServerConfig{{ID: 1, Name: "central", URL: "http://central"}})
	p := processorForTest(dir)

	var delivered int32
	p.deliver = func(ctx context.Context, payload []byte, ctype string, dest ServerConfig, qp bool) ([]byte, error) {
		atomic.AddInt32(&delivered, 1)
		return []byte("ok"), nil
	}

	// MaxRetries is 2, so the third retry is over budget
	row := claimedRow{destination: 1, body: strPtr("<payload/>"), retries: 3, inPeriod: true}
	out, res := p.decide(context.Background(), row, p.log.Plain())

	assert.Equal(t, ResultExpired, res)
	assert.Equal(t, StatusExpired, out.Status)
	assert.Zero(t, atomic.LoadInt32(&delivered), "an over-budget request must never reach the destination")
}

func TestDecideTerminalOutcomes(t *testing.T) {
	dir := NewDirectory([]ServerConfig{
		{ID: 1, Name: "central", URL: "http://central", ParseResponses: true},
	})

	tests := []struct {
		name           string
		row            claimedRow
		deliverBody    string
		deliverErr     error
		wantResult     Result
		wantStatus     string
		wantStatusCode string
		wantErrors     string
		wantDelivered  bool
	}{
		{
			name:           "nil body",
			row:            claimedRow{destination: 1, inPeriod: true},
			wantResult:     ResultFailed,
			wantStatus:     StatusFailed,
			wantStatusCode: CodeEmptyPayload,
			wantErrors:     "Empty response from server",
		},
		{
			name:           "empty body",
			row:            claimedRow{destination: 1, body: strPtr(""), inPeriod: true},
			wantResult:     ResultFailed,
			wantStatus:     StatusFailed,
			wantStatusCode: CodeEmptyPayload,
			wantErrors:     "Empty response from server",
		},
		{
			name:           "destination unreachable",
			row:            claimedRow{destination: 1, body: strPtr("<p/>"), inPeriod: true},
			deliverErr:     errors.New("connection refused"),
			wantResult:     ResultFailed,
			wantStatus:     StatusFailed,
			wantStatusCode: CodeUnreachable,
			wantErrors:     "Server possibly unreachable!",
			wantDelivered:  true,
		},
		{
			name: "delivered response is classified",
			row: claimedRow{
				destination: 1,
				body:        strPtr(`{"data":[]}`),
				ctype:       strPtr("json"),
				inPeriod:    true,
			},
			deliverBody:    `{"status":"SUCCESS","description":"stored"}`,
			wantResult:     ResultCompleted,
			wantStatus:     StatusCompleted,
			wantStatusCode: "SUCCESS",
			wantErrors:     "stored",
			wantDelivered:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := processorForTest(dir)
			var delivered int32
			p.deliver = func(ctx context.Context, payload []byte, ctype string, dest ServerConfig, qp bool) ([]byte, error) {
				atomic.AddInt32(&delivered, 1)
				return []byte(tt.deliverBody), tt.deliverErr
			}

			out, res := p.decide(context.Background(), tt.row, p.log.Plain())

			assert.Equal(t, tt.wantResult, res)
			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, tt.wantStatusCode, out.StatusCode)
			assert.Equal(t, tt.wantErrors, out.Errors)
			assert.Equal(t, tt.wantDelivered, atomic.LoadInt32(&delivered) > 0)
		})
	}
}

func TestDecideSkipsWithoutWrite(t *testing.T) {
	tests := []struct {
		name string
		dir  *Directory
		row  claimedRow
	}{
		{
			name: "window closed between poll and claim",
			dir:  NewDirectory([]ServerConfig{{ID: 1, Name: "central"}}),
			row:  claimedRow{destination: 1, body: strPtr("<p/>"), inPeriod: false},
		},
		{
			name: "destination missing from directory",
			dir:  NewDirectory(nil),
			row:  claimedRow{destination: 99, body: strPtr("<p/>"), inPeriod: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := processorForTest(tt.dir)
			var delivered int32
			p.deliver = func(ctx context.Context, payload []byte, ctype string, dest ServerConfig, qp bool) ([]byte, error) {
				atomic.AddInt32(&delivered, 1)
				return []byte("ok"), nil
			}

			before := testutil.ToFloat64(metrics.RequestsProcessedTotal.WithLabelValues("skipped"))
			_, res := p.decide(context.Background(), tt.row, p.log.Plain())
			after := testutil.ToFloat64(metrics.RequestsProcessedTotal.WithLabelValues("skipped"))

			assert.Equal(t, ResultSkipped, res)
			assert.Zero(t, atomic.LoadInt32(&delivered))
			assert.Equal(t, before+1, after, "a skip must be counted under the skipped outcome")
		})
	}
}

func TestLockContentionIsTransient(t *testing.T) {
	// a concurrent claim losing the NOWAIT row lock is the one store error
	// that is business as usual: the loser backs off without writing
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nowait lock failure", &pgconn.PgError{Code: "55P03"}, true},
		{"wrapped nowait lock failure", fmt.Errorf("claim: %w", &pgconn.PgError{Code: "55P03"}), true},
		{"other pg error", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("connection reset"), false},
		{"no rows", pgx.ErrNoRows, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isLockContention(tt.err))
		})
	}
}

// fakeTx stubs the two pgx.Tx methods finish touches; everything else panics
// through the embedded nil interface.
type fakeTx struct {
	pgx.Tx
	execSQL   string
	execArgs  []any
	execErr   error
	commitErr error
	committed bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execSQL = sql
	t.execArgs = args
	return pgconn.CommandTag{}, t.execErr
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func TestFinishWritesTerminalOutcome(t *testing.T) {
	p := processorForTest(NewDirectory(nil))
	tx := &fakeTx{}
	out := Outcome{Status: StatusFailed, StatusCode: CodeUnreachable, Errors: "Server possibly unreachable!"}

	res := p.finish(context.Background(), tx, 7, out, p.log.Plain())

	assert.Equal(t, ResultFailed, res)
	assert.True(t, tx.committed)
	assert.Equal(t, updateOutcomeSQL, tx.execSQL)
	require.Len(t, tx.execArgs, 4)
	assert.Equal(t, int64(7), tx.execArgs[0])
	assert.Equal(t, StatusFailed, tx.execArgs[1])
	assert.Equal(t, CodeUnreachable, tx.execArgs[2])
	assert.Equal(t, "Server possibly unreachable!", tx.execArgs[3])
}

func TestFinishExpiredWritesStatusOnly(t *testing.T) {
	p := processorForTest(NewDirectory(nil))
	tx := &fakeTx{}

	res := p.finish(context.Background(), tx, 11, Outcome{Status: StatusExpired}, p.log.Plain())

	assert.Equal(t, ResultExpired, res)
	assert.True(t, tx.committed)
	assert.Equal(t, updateExpiredSQL, tx.execSQL)
	require.Len(t, tx.execArgs, 1, "the expired update must set only status and updated")
	assert.Equal(t, int64(11), tx.execArgs[0])
}

func TestFinishWriteFailureLeavesRowEligible(t *testing.T) {
	p := processorForTest(NewDirectory(nil))

	t.Run("exec fails", func(t *testing.T) {
		tx := &fakeTx{execErr: errors.New("connection lost")}
		res := p.finish(context.Background(), tx, 3, Outcome{Status: StatusCompleted, StatusCode: CodeSuccess}, p.log.Plain())
		assert.Equal(t, ResultSkipped, res)
		assert.False(t, tx.committed)
	})

	t.Run("commit fails", func(t *testing.T) {
		tx := &fakeTx{commitErr: errors.New("connection lost")}
		res := p.finish(context.Background(), tx, 3, Outcome{Status: StatusCompleted, StatusCode: CodeSuccess}, p.log.Plain())
		assert.Equal(t, ResultSkipped, res)
	})
}
