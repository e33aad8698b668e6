package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

func newClient(url string) *HTTPClient {
	return NewHTTPClient(url, 12, time.Second, 500*time.Millisecond)
}

func TestEvaluateParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("fen"); got != startFEN {
			t.Errorf("fen query = %q", got)
		}
		if got := r.URL.Query().Get("depth"); got != "12" {
			t.Errorf("depth query = %q", got)
		}
		w.Write([]byte(`{"success":true,"evaluation":0.35,"mate":null,"bestmove":"bestmove e2e4 ponder e7e5","continuation":"e2e4 e7e5 g1f3 b8c6 f1b5"}`))
	}))
	defer srv.Close()

	truth, err := newClient(srv.URL).Evaluate(context.Background(), startFEN)
	if err != nil {
		t.Fatal(err)
	}
	if truth.Score != 0.35 {
		t.Errorf("score = %v", truth.Score)
	}
	if truth.PrincipalMove != "e2e4" {
		t.Errorf("principal move = %q", truth.PrincipalMove)
	}
	if len(truth.Threats) != 4 {
		t.Errorf("threat line length = %d, want 4", len(truth.Threats))
	}
	if truth.Depth != 12 {
		t.Errorf("depth = %d", truth.Depth)
	}
}

func TestEvaluateMateScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"evaluation":null,"mate":-2,"bestmove":"bestmove d8h4","continuation":"d8h4"}`))
	}))
	defer srv.Close()

	truth, err := newClient(srv.URL).Evaluate(context.Background(), startFEN)
	if err != nil {
		t.Fatal(err)
	}
	if truth.Score != -100 {
		t.Errorf("mate score = %v, want -100", truth.Score)
	}
}

func TestEvaluateRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"success":true,"evaluation":0.1,"bestmove":"bestmove a2a3"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 12, time.Second, 5*time.Second)
	truth, err := c.Evaluate(context.Background(), startFEN)
	if err != nil {
		t.Fatal(err)
	}
	if truth.Score != 0.1 {
		t.Errorf("score = %v", truth.Score)
	}
	if calls.Load() < 2 {
		t.Errorf("expected a retry, got %d calls", calls.Load())
	}
}

func TestEvaluateDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	if _, err := newClient(srv.URL).Evaluate(context.Background(), "not a fen"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("4xx retried: %d calls", calls.Load())
	}
}

func TestEvaluateUnsuccessfulBodyIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"success":false}`))
	}))
	defer srv.Close()

	if _, err := newClient(srv.URL).Evaluate(context.Background(), startFEN); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("success=false retried: %d calls", calls.Load())
	}
}

func TestNeutralTruth(t *testing.T) {
	n := Neutral()
	if n.Score != 0 || n.PrincipalMove != "" || n.Depth != 0 {
		t.Errorf("neutral truth not neutral: %+v", n)
	}
}
