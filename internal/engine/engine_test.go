package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"coachline/internal/config"
	"coachline/internal/db"
	"coachline/internal/domain"
	"coachline/internal/engine"
	"coachline/internal/generate"
	"coachline/internal/lock"
	"coachline/internal/migrate"
)

// operaGame is Morphy's opera game, long enough to reach the post-opening
// selection window.
const operaGame = `1. e4 e5 2. Nf3 d6 3. d4 Bg4 4. dxe5 Bxf3 5. Qxf3 dxe5 6. Bc4 Nf6 7. Qb3 Qe7 8. Nc3 c6 9. Bg5 b5 10. Nxb5 cxb5 11. Bxb5+ Nbd7 12. O-O-O Rd8 13. Rxd7 Rxd7 14. Rd1 Qe6 15. Bxd7+ Nxd7 16. Qb8+ Nxb8 17. Rd8# 1-0`

// shortGame ends before the opening cutoff, forcing the selector fallback.
const shortGame = `1. e4 e5 2. Bc4 Nc6 3. Qh5 Nf6 4. Qxf7# 1-0`

type fakeOracle struct {
	score float64
}

func (f fakeOracle) Evaluate(_ context.Context, fen string) (domain.EngineTruth, error) {
	return domain.EngineTruth{Score: f.score, PrincipalMove: "a2a3", Depth: 12}, nil
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	locker := lock.NewMemoryLocker(200 * time.Millisecond)
	eng := engine.New(conn, cfg, locker, fakeOracle{score: 0.4}, generate.NewTemplateProvider(), zap.NewNop())
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

func (env *testEnv) createGame(t *testing.T, pgn, tier string) domain.Game {
	t.Helper()
	g, err := env.Engine.CreateGame(env.Ctx, engine.GameCreateOptions{
		OwnerID:     "kid-1",
		PlayerColor: "WHITE",
		PGN:         pgn,
		Tier:        tier,
		ActorID:     "kid-1",
	})
	if err != nil {
		t.Fatalf("create game: %v", err)
	}
	return g
}

func (env *testEnv) submitAndRun(t *testing.T, gameID string) {
	t.Helper()
	_, run, started, err := env.Engine.SubmitGame(env.Ctx, gameID, "kid-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !started {
		t.Fatalf("expected submit to start a run")
	}
	if err := env.Engine.RunPipeline(env.Ctx, gameID, run.ID, "kid-1"); err != nil {
		t.Fatalf("pipeline: %v", err)
	}
}

func TestSubmitRunsCoachingPipeline(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGame(t, operaGame, "")
	env.submitAndRun(t, g.ID)

	g, err := env.Engine.Repo.GetGame(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if g.State != domain.StateCoaching {
		t.Fatalf("state = %s, want %s", g.State, domain.StateCoaching)
	}
	positions, err := env.Engine.Repo.ListKeyPositions(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) < 3 || len(positions) > 5 {
		t.Fatalf("selected %d positions, want 3..5", len(positions))
	}
	for i, kp := range positions {
		if kp.Ord != i {
			t.Fatalf("position %d has ord %d", i, kp.Ord)
		}
		if i > 0 && kp.Ply <= positions[i-1].Ply {
			t.Fatalf("positions not in ply order")
		}
	}
	questions, err := env.Engine.Repo.ListQuestions(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(questions) != len(positions) {
		t.Fatalf("%d questions for %d positions, want one each", len(questions), len(positions))
	}
	run, err := env.Engine.PipelineStatus(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("run status = %s, want %s", run.Status, domain.RunCompleted)
	}
}

func TestShortGameStillGetsOnePosition(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGame(t, shortGame, "")
	env.submitAndRun(t, g.ID)

	positions, err := env.Engine.Repo.ListKeyPositions(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) == 0 {
		t.Fatalf("expected at least one position for a short game")
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGame(t, operaGame, "")
	env.submitAndRun(t, g.ID)

	_, run, started, err := env.Engine.SubmitGame(env.Ctx, g.ID, "kid-1")
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if started {
		t.Fatalf("second submit must not start a new run")
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("second submit should report the existing run, got %s", run.Status)
	}
}

func TestSecondPipelineRunAborts(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGame(t, operaGame, "")
	env.submitAndRun(t, g.ID)

	before, _ := env.Engine.Repo.ListQuestions(env.Ctx, g.ID)
	err := env.Engine.RunPipeline(env.Ctx, g.ID, "stray-run", "kid-1")
	if err == nil {
		t.Fatalf("expected second pipeline run to fail")
	}
	after, _ := env.Engine.Repo.ListQuestions(env.Ctx, g.ID)
	if len(after) != len(before) {
		t.Fatalf("second run duplicated questions: %d -> %d", len(before), len(after))
	}
}

type failingProvider struct{}

func (failingProvider) Name() string { return "failing" }

func (failingProvider) Question(context.Context, generate.QuestionRequest) (string, error) {
	return "", errors.New("provider down")
}

func (failingProvider) Reflection(context.Context, generate.ReflectionRequest) (domain.Reflection, error) {
	return domain.Reflection{}, errors.New("provider down")
}

func TestAbortedRunCanBeResubmitted(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGame(t, operaGame, "")

	env.Engine.Provider = failingProvider{}
	_, run, started, err := env.Engine.SubmitGame(env.Ctx, g.ID, "kid-1")
	if err != nil || !started {
		t.Fatalf("submit: started=%v err=%v", started, err)
	}
	if err := env.Engine.RunPipeline(env.Ctx, g.ID, run.ID, "kid-1"); err == nil {
		t.Fatalf("expected pipeline to abort")
	}
	g2, err := env.Engine.Repo.GetGame(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if g2.State != domain.StateSubmitted {
		t.Fatalf("aborted run left game in %s, want %s", g2.State, domain.StateSubmitted)
	}
	status, err := env.Engine.PipelineStatus(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != domain.RunAborted {
		t.Fatalf("run status = %s, want %s", status.Status, domain.RunAborted)
	}
	if status.Detail != "processing interrupted" {
		t.Fatalf("run detail leaked diagnostics: %q", status.Detail)
	}

	env.Engine.Provider = generate.NewTemplateProvider()
	_, retry, started, err := env.Engine.SubmitGame(env.Ctx, g.ID, "kid-1")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !started {
		t.Fatalf("resubmit after abort must start a fresh run")
	}
	if retry.ID == run.ID {
		t.Fatalf("resubmit reused the aborted run")
	}
	if err := env.Engine.RunPipeline(env.Ctx, g.ID, retry.ID, "kid-1"); err != nil {
		t.Fatalf("retried pipeline: %v", err)
	}
	g2, err = env.Engine.Repo.GetGame(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if g2.State != domain.StateCoaching {
		t.Fatalf("state = %s, want %s", g2.State, domain.StateCoaching)
	}
}

func TestAnnotationsFreezeOnSubmit(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGame(t, operaGame, "")

	if _, err := env.Engine.AddAnnotation(env.Ctx, g.ID, 4, "I was scared of the pin", "kid-1"); err != nil {
		t.Fatalf("annotate editable game: %v", err)
	}
	env.submitAndRun(t, g.ID)

	_, err := env.Engine.AddAnnotation(env.Ctx, g.ID, 6, "too late", "kid-1")
	if !errors.Is(err, engine.ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
	as, err := env.Engine.Repo.ListAnnotations(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range as {
		if !a.Frozen {
			t.Fatalf("annotation at ply %d not frozen after submit", a.Ply)
		}
	}
}

func TestNextQuestionIsResumable(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGame(t, operaGame, "")
	env.submitAndRun(t, g.ID)

	q1, _, err := env.Engine.NextQuestion(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	q1again, _, err := env.Engine.NextQuestion(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if q1again.ID != q1.ID {
		t.Fatalf("next question changed without an answer: %s -> %s", q1.ID, q1again.ID)
	}

	answer := "they want my knight"
	if _, err := env.Engine.AnswerQuestion(env.Ctx, g.ID, q1.ID, &answer, false, "kid-1"); err != nil {
		t.Fatal(err)
	}
	q2, _, err := env.Engine.NextQuestion(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if q2.ID == q1.ID {
		t.Fatalf("answered question came back")
	}
}

func TestDuplicateAnswerRejected(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGame(t, operaGame, "")
	env.submitAndRun(t, g.ID)

	q, _, err := env.Engine.NextQuestion(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	answer := "first answer"
	if _, err := env.Engine.AnswerQuestion(env.Ctx, g.ID, q.ID, &answer, false, "kid-1"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AnswerQuestion(env.Ctx, g.ID, q.ID, &answer, false, "kid-1")
	if !errors.Is(err, engine.ErrAlreadyAnswered) {
		t.Fatalf("expected ErrAlreadyAnswered, got %v", err)
	}
	_, err = env.Engine.AnswerQuestion(env.Ctx, g.ID, q.ID, nil, true, "kid-1")
	if !errors.Is(err, engine.ErrAlreadyAnswered) {
		t.Fatalf("skip after answer: expected ErrAlreadyAnswered, got %v", err)
	}
}

func TestCompletionGeneratesReflection(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGame(t, operaGame, "")
	env.submitAndRun(t, g.ID)

	done := false
	for i := 0; i < 10; i++ {
		q, _, err := env.Engine.NextQuestion(env.Ctx, g.ID)
		if errors.Is(err, engine.ErrNoQuestions) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		skip := i%2 == 1
		var answer *string
		if !skip {
			a := "thinking about the open file"
			answer = &a
		}
		done, err = env.Engine.AnswerQuestion(env.Ctx, g.ID, q.ID, answer, skip, "kid-1")
		if err != nil {
			t.Fatal(err)
		}
		if done {
			break
		}
	}
	if !done {
		t.Fatalf("last answer did not complete the session")
	}

	g, err := env.Engine.Repo.GetGame(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if g.State != domain.StateCompleted {
		t.Fatalf("state = %s, want %s", g.State, domain.StateCompleted)
	}
	r, err := env.Engine.GetReflection(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r.Summary == "" {
		t.Fatalf("reflection summary empty")
	}
	if len(r.Habits) < 1 || len(r.Habits) > 2 {
		t.Fatalf("%d habits, want 1 or 2", len(r.Habits))
	}

	_, _, err = env.Engine.NextQuestion(env.Ctx, g.ID)
	if !errors.Is(err, engine.ErrNoQuestions) {
		t.Fatalf("completed game should report no questions left, got %v", err)
	}
}

func TestReflectionNotReadyWhileCoaching(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGame(t, operaGame, "")
	env.submitAndRun(t, g.ID)

	if _, err := env.Engine.GetReflection(env.Ctx, g.ID); !errors.Is(err, engine.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

type noReflectionProvider struct {
	generate.Provider
}

func (noReflectionProvider) Reflection(context.Context, generate.ReflectionRequest) (domain.Reflection, error) {
	return domain.Reflection{}, errors.New("provider down")
}

func TestReflectionFailureIsNeutralAndRecoverable(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGame(t, operaGame, "")
	env.Engine.Provider = noReflectionProvider{generate.NewTemplateProvider()}
	env.submitAndRun(t, g.ID)

	var lastErr error
	for i := 0; i < 10; i++ {
		q, _, err := env.Engine.NextQuestion(env.Ctx, g.ID)
		if err != nil {
			t.Fatal(err)
		}
		answer := "watching the d-file"
		if _, lastErr = env.Engine.AnswerQuestion(env.Ctx, g.ID, q.ID, &answer, false, "kid-1"); lastErr != nil {
			break
		}
	}
	if !errors.Is(lastErr, engine.ErrInterrupted) {
		t.Fatalf("final answer should surface the neutral interruption, got %v", lastErr)
	}
	if _, err := env.Engine.GetReflection(env.Ctx, g.ID); !errors.Is(err, engine.ErrInterrupted) {
		t.Fatalf("reflection retry with a dead provider: got %v", err)
	}

	env.Engine.Provider = generate.NewTemplateProvider()
	r, err := env.Engine.GetReflection(env.Ctx, g.ID)
	if err != nil {
		t.Fatalf("reflection after provider recovery: %v", err)
	}
	if r.Summary == "" {
		t.Fatalf("empty reflection summary")
	}
	g2, err := env.Engine.Repo.GetGame(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if g2.State != domain.StateCompleted {
		t.Fatalf("state = %s, want %s", g2.State, domain.StateCompleted)
	}
}

func TestConcurrentSubmitsStartOneRun(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGame(t, operaGame, "")

	const callers = 4
	var wg sync.WaitGroup
	var started int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// A loser either reports started=false or loses the SQLite
			// write race outright; both are fine, double starts are not.
			_, run, ok, err := env.Engine.SubmitGame(env.Ctx, g.ID, "kid-1")
			if err != nil || !ok {
				return
			}
			atomic.AddInt32(&started, 1)
			if perr := env.Engine.RunPipeline(env.Ctx, g.ID, run.ID, "kid-1"); perr != nil {
				t.Errorf("winning pipeline: %v", perr)
			}
		}()
	}
	wg.Wait()
	if started != 1 {
		t.Fatalf("%d submits started a run, want exactly 1", started)
	}

	g2, err := env.Engine.Repo.GetGame(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if g2.State != domain.StateCoaching {
		t.Fatalf("state = %s, want %s", g2.State, domain.StateCoaching)
	}
	positions, err := env.Engine.Repo.ListKeyPositions(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) < 3 || len(positions) > 5 {
		t.Fatalf("selected %d positions, want 3..5", len(positions))
	}
	questions, err := env.Engine.Repo.ListQuestions(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(questions) != len(positions) {
		t.Fatalf("%d questions for %d positions", len(questions), len(positions))
	}
}

func TestAdvancedTierRequiresApproval(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGame(t, operaGame, domain.TierAdvanced)

	_, _, _, err := env.Engine.SubmitGame(env.Ctx, g.ID, "kid-1")
	var ar *engine.ApprovalRequiredError
	if !errors.As(err, &ar) {
		t.Fatalf("expected ApprovalRequiredError, got %v", err)
	}

	a, err := env.Engine.RequestApproval(env.Ctx, g.ID, domain.TierAdvanced, time.Hour, "kid-1")
	if err != nil {
		t.Fatal(err)
	}
	// Pending approval is not enough.
	_, _, _, err = env.Engine.SubmitGame(env.Ctx, g.ID, "kid-1")
	if !errors.As(err, &ar) {
		t.Fatalf("pending approval should not admit submit, got %v", err)
	}

	if _, err := env.Engine.DecideApproval(env.Ctx, a.ID, true, "guardian-1"); err != nil {
		t.Fatal(err)
	}
	env.submitAndRun(t, g.ID)

	got, err := env.Engine.Repo.GetApproval(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Used {
		t.Fatalf("approval not consumed by submit")
	}
}

func TestExpiredApprovalRejected(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGame(t, operaGame, domain.TierAdvanced)

	a, err := env.Engine.RequestApproval(env.Ctx, g.ID, domain.TierAdvanced, time.Hour, "kid-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.DecideApproval(env.Ctx, a.ID, true, "guardian-1"); err != nil {
		t.Fatal(err)
	}

	// Two hours later the one-hour approval is stale.
	env.Engine.Now = func() time.Time { return time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC) }
	_, _, _, err = env.Engine.SubmitGame(env.Ctx, g.ID, "kid-1")
	var ar *engine.ApprovalRequiredError
	if !errors.As(err, &ar) {
		t.Fatalf("expected ApprovalRequiredError for expired approval, got %v", err)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t)
	g := env.createGame(t, operaGame, "")
	env.submitAndRun(t, g.ID)

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, g.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"game.created": false, "game.submitted": false, "game.coaching": false}
	for _, e := range evts {
		if _, ok := want[e.Type]; ok {
			want[e.Type] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Fatalf("event %s not recorded", typ)
		}
	}
}
