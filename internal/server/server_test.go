package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
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

const testSecret = "test-secret"

const operaGame = `1. e4 e5 2. Nf3 d6 3. d4 Bg4 4. dxe5 Bxf3 5. Qxf3 dxe5 6. Bc4 Nf6 7. Qb3 Qe7 8. Nc3 c6 9. Bg5 b5 10. Nxb5 cxb5 11. Bxb5+ Nbd7 12. O-O-O Rd8 13. Rxd7 Rxd7 14. Rd1 Qe6 15. Bxd7+ Nxd7 16. Qb8+ Nxb8 17. Rd8# 1-0`

type fakeOracle struct{}

func (fakeOracle) Evaluate(_ context.Context, fen string) (domain.EngineTruth, error) {
	return domain.EngineTruth{Score: 0.4, PrincipalMove: "a2a3", Depth: 12}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	e := engine.New(conn, cfg, lock.NewMemoryLocker(200*time.Millisecond), fakeOracle{}, generate.NewTemplateProvider(), nil)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowDevLogin: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	out := map[string]any{}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &out)
	}
	return resp.StatusCode, out
}

func login(t *testing.T, base, userID string, roles ...string) string {
	t.Helper()
	status, body := doJSON(t, http.MethodPost, base+"/v0/auth/dev/login", "", map[string]any{
		"user_id": userID,
		"roles":   roles,
	})
	if status != http.StatusOK {
		t.Fatalf("dev login: status %d body %v", status, body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatalf("no token in %v", body)
	}
	return token
}

func waitForRun(t *testing.T, base, token, gameID string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, body := doJSON(t, http.MethodGet, base+"/v0/games/"+gameID+"/run", token, nil)
		if status != http.StatusOK {
			t.Fatalf("run status: %d %v", status, body)
		}
		switch body["status"] {
		case "completed":
			return "completed"
		case "aborted":
			t.Fatalf("pipeline aborted: %v", body["detail"])
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pipeline did not finish")
	return ""
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	srv := newTestServer(t)
	status, body := doJSON(t, http.MethodGet, srv.URL+"/v0/games", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d body %v", status, body)
	}
}

func TestHealthIsOpen(t *testing.T) {
	srv := newTestServer(t)
	status, body := doJSON(t, http.MethodGet, srv.URL+"/v0/health", "", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("status = %d body %v", status, body)
	}
}

func TestFullCoachingFlow(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv.URL, "kid-1")

	status, game := doJSON(t, http.MethodPost, srv.URL+"/v0/games", token, map[string]any{
		"player_color": "WHITE",
		"pgn":          operaGame,
	})
	if status != http.StatusCreated {
		t.Fatalf("create game: %d %v", status, game)
	}
	gameID := game["id"].(string)

	status, submit := doJSON(t, http.MethodPost, srv.URL+"/v0/games/"+gameID+"/submit", token, map[string]any{})
	if status != http.StatusAccepted {
		t.Fatalf("submit: %d %v", status, submit)
	}
	waitForRun(t, srv.URL, token, gameID)

	// Walk the question flow to completion.
	completed := false
	for i := 0; i < 10 && !completed; i++ {
		status, next := doJSON(t, http.MethodGet, srv.URL+"/v0/games/"+gameID+"/questions/next", token, nil)
		if status != http.StatusOK {
			t.Fatalf("next question: %d %v", status, next)
		}
		q := next["question"].(map[string]any)
		qid := q["id"].(string)
		status, ans := doJSON(t, http.MethodPost, srv.URL+"/v0/games/"+gameID+"/questions/"+qid+"/answer", token, map[string]any{
			"answer": "I think they wanted my bishop",
		})
		if status != http.StatusOK {
			t.Fatalf("answer: %d %v", status, ans)
		}
		completed, _ = ans["completed"].(bool)
	}
	if !completed {
		t.Fatalf("session never completed")
	}

	status, next := doJSON(t, http.MethodGet, srv.URL+"/v0/games/"+gameID+"/questions/next", token, nil)
	if status != http.StatusOK {
		t.Fatalf("next question after completion: %d %v", status, next)
	}
	if next["complete"] != true {
		t.Fatalf("expected complete signal, got %v", next)
	}

	status, reflection := doJSON(t, http.MethodGet, srv.URL+"/v0/games/"+gameID+"/reflection", token, nil)
	if status != http.StatusOK {
		t.Fatalf("reflection: %d %v", status, reflection)
	}
	if reflection["summary"] == "" {
		t.Fatalf("empty reflection summary")
	}
	habits, _ := reflection["habits"].([]any)
	if len(habits) < 1 || len(habits) > 2 {
		t.Fatalf("%d habits", len(habits))
	}
}

func TestReflectionNotReadyWhileCoaching(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv.URL, "kid-1")

	status, game := doJSON(t, http.MethodPost, srv.URL+"/v0/games", token, map[string]any{
		"player_color": "WHITE",
		"pgn":          operaGame,
	})
	if status != http.StatusCreated {
		t.Fatalf("create game: %d %v", status, game)
	}
	gameID := game["id"].(string)

	status, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/games/"+gameID+"/submit", token, map[string]any{})
	if status != http.StatusAccepted {
		t.Fatalf("submit: %d", status)
	}
	waitForRun(t, srv.URL, token, gameID)

	status, body := doJSON(t, http.MethodGet, srv.URL+"/v0/games/"+gameID+"/reflection", token, nil)
	if status != http.StatusConflict {
		t.Fatalf("reflection while coaching: %d %v", status, body)
	}
	errBody, _ := body["error"].(map[string]any)
	if errBody["code"] != "not_ready" {
		t.Fatalf("error code = %v", errBody["code"])
	}
}

func TestOwnershipEnforced(t *testing.T) {
	srv := newTestServer(t)
	owner := login(t, srv.URL, "kid-1")
	other := login(t, srv.URL, "kid-2")

	status, game := doJSON(t, http.MethodPost, srv.URL+"/v0/games", owner, map[string]any{
		"player_color": "WHITE",
		"pgn":          operaGame,
	})
	if status != http.StatusCreated {
		t.Fatalf("create game: %d %v", status, game)
	}
	gameID := game["id"].(string)

	status, body := doJSON(t, http.MethodGet, srv.URL+"/v0/games/"+gameID, other, nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for other user, got %d %v", status, body)
	}
}

func TestAdvancedTierApprovalFlow(t *testing.T) {
	srv := newTestServer(t)
	kid := login(t, srv.URL, "kid-1")
	guardian := login(t, srv.URL, "parent-1", "guardian")

	status, game := doJSON(t, http.MethodPost, srv.URL+"/v0/games", kid, map[string]any{
		"player_color": "WHITE",
		"pgn":          operaGame,
		"tier":         "ADVANCED",
	})
	if status != http.StatusCreated {
		t.Fatalf("create game: %d %v", status, game)
	}
	gameID := game["id"].(string)

	status, body := doJSON(t, http.MethodPost, srv.URL+"/v0/games/"+gameID+"/submit", kid, map[string]any{})
	if status != http.StatusForbidden {
		t.Fatalf("submit without approval: %d %v", status, body)
	}
	errBody, _ := body["error"].(map[string]any)
	if errBody["code"] != "approval_required" {
		t.Fatalf("error code = %v", errBody["code"])
	}

	status, approval := doJSON(t, http.MethodPost, srv.URL+"/v0/games/"+gameID+"/approvals", kid, map[string]any{
		"tier": "ADVANCED",
	})
	if status != http.StatusCreated {
		t.Fatalf("request approval: %d %v", status, approval)
	}
	approvalID := approval["id"].(string)

	// A non-guardian cannot decide.
	status, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/approvals/"+approvalID+"/decision", kid, map[string]any{"approved": true})
	if status != http.StatusForbidden {
		t.Fatalf("kid decided an approval: %d", status)
	}

	status, decided := doJSON(t, http.MethodPost, srv.URL+"/v0/approvals/"+approvalID+"/decision", guardian, map[string]any{"approved": true})
	if status != http.StatusOK {
		t.Fatalf("guardian decision: %d %v", status, decided)
	}

	status, submit := doJSON(t, http.MethodPost, srv.URL+"/v0/games/"+gameID+"/submit", kid, map[string]any{})
	if status != http.StatusAccepted {
		t.Fatalf("submit after approval: %d %v", status, submit)
	}
	waitForRun(t, srv.URL, kid, gameID)
}

func TestAnnotationFrozenAfterSubmit(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv.URL, "kid-1")

	status, game := doJSON(t, http.MethodPost, srv.URL+"/v0/games", token, map[string]any{
		"player_color": "WHITE",
		"pgn":          operaGame,
	})
	if status != http.StatusCreated {
		t.Fatalf("create game: %d %v", status, game)
	}
	gameID := game["id"].(string)

	status, _ = doJSON(t, http.MethodPut, srv.URL+"/v0/games/"+gameID+"/annotations/4", token, map[string]any{
		"content": "I did not like this trade",
	})
	if status != http.StatusOK {
		t.Fatalf("annotate: %d", status)
	}

	status, _ = doJSON(t, http.MethodPost, srv.URL+"/v0/games/"+gameID+"/submit", token, map[string]any{})
	if status != http.StatusAccepted {
		t.Fatalf("submit: %d", status)
	}
	waitForRun(t, srv.URL, token, gameID)

	status, body := doJSON(t, http.MethodPut, srv.URL+"/v0/games/"+gameID+"/annotations/6", token, map[string]any{
		"content": "too late",
	})
	if status != http.StatusConflict {
		t.Fatalf("annotate frozen game: %d %v", status, body)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv.URL, "kid-1")

	status, game := doJSON(t, http.MethodPost, srv.URL+"/v0/games", token, map[string]any{
		"player_color": "WHITE",
		"pgn":          operaGame,
	})
	if status != http.StatusCreated {
		t.Fatalf("create game: %d %v", status, game)
	}
	gameID := game["id"].(string)

	status, body := doJSON(t, http.MethodGet, fmt.Sprintf("%s/v0/events?game_id=%s", srv.URL, gameID), token, nil)
	if status != http.StatusOK {
		t.Fatalf("events: %d %v", status, body)
	}
	evts, _ := body["events"].([]any)
	if len(evts) == 0 {
		t.Fatalf("no events recorded")
	}
}
