package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"coachline/internal/config"
	"coachline/internal/db"
	"coachline/internal/domain"
	"coachline/internal/engine"
	"coachline/internal/generate"
	"coachline/internal/lock"
	"coachline/internal/migrate"
)

func TestWebhookDispatcherDeliversMatchingEvents(t *testing.T) {
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	e := engine.New(conn, config.Default(), lock.NewMemoryLocker(time.Second), fakeOracle{}, generate.NewTemplateProvider(), nil)

	var mu sync.Mutex
	var received []domain.Event
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt domain.Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode webhook: %v", err)
		}
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
	}))
	defer sink.Close()

	ctx := context.Background()
	if _, err := e.CreateGame(ctx, engine.GameCreateOptions{
		OwnerID: "kid-1", PlayerColor: "WHITE", PGN: operaGame, ActorID: "kid-1",
	}); err != nil {
		t.Fatal(err)
	}

	d := NewWebhookDispatcher(e.Repo, []config.WebhookConfig{
		{URL: sink.URL, Events: []string{"game."}},
	}, nil)
	d.Dispatch(ctx)

	mu.Lock()
	if len(received) != 1 {
		mu.Unlock()
		t.Fatalf("delivered %d events, want 1", len(received))
	}
	if received[0].Type != "game.created" {
		mu.Unlock()
		t.Fatalf("delivered %s", received[0].Type)
	}
	count := len(received)
	mu.Unlock()

	// The cursor advanced; a second dispatch delivers nothing new.
	d.Dispatch(ctx)
	mu.Lock()
	defer mu.Unlock()
	if len(received) != count {
		t.Fatalf("duplicate delivery: %d -> %d", count, len(received))
	}
}

func TestWebhookPatternMatching(t *testing.T) {
	cases := []struct {
		patterns []string
		evtType  string
		want     bool
	}{
		{nil, "game.created", true},
		{[]string{"game.created"}, "game.created", true},
		{[]string{"game."}, "game.completed", true},
		{[]string{"game."}, "question.answered", false},
		{[]string{"question.answered"}, "question.skipped", false},
	}
	for _, tc := range cases {
		if got := matches(tc.patterns, tc.evtType); got != tc.want {
			t.Errorf("matches(%v, %s) = %v, want %v", tc.patterns, tc.evtType, got, tc.want)
		}
	}
}
