package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Status struct {
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
	Database  bool   `json:"database"`
	QueueLen  int    `json:"queue_len"`
	Pending   int    `json:"pending"`
	Window    bool   `json:"in_submission_window"`
}

// Stats reports the live state of a dispatch session.
type Stats func() (queueLen, pending int, inWindow bool)

// HTTPHandler returns an HTTP handler that reports store reachability and the
// dispatch session's queue state. stats may be nil before a session starts.
func HTTPHandler(pool *pgxpool.Pool, stats Stats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true}
		w.Header().Set("Content-Type", "application/json")

		if stats != nil {
			st.QueueLen, st.Pending, st.Window = stats()
		}
		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
