package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPHandlerWithoutPool(t *testing.T) {
	h := HTTPHandler(nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var st Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if !st.OK {
		t.Error("OK = false, want true when no pool is configured")
	}
}

func TestHTTPHandlerSessionStats(t *testing.T) {
	h := HTTPHandler(nil, func() (int, int, bool) { return 42, 17, true })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	var st Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if st.QueueLen != 42 {
		t.Errorf("QueueLen = %d, want 42", st.QueueLen)
	}
	if st.Pending != 17 {
		t.Errorf("Pending = %d, want 17", st.Pending)
	}
	if !st.Window {
		t.Error("Window = false, want true")
	}
}
