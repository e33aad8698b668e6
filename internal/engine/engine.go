package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/notnil/chess"
	"go.uber.org/zap"

	"coachline/internal/config"
	"coachline/internal/contract"
	"coachline/internal/domain"
	"coachline/internal/events"
	"coachline/internal/generate"
	"coachline/internal/lock"
	"coachline/internal/oracle"
	"coachline/internal/repo"
	"coachline/internal/selector"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Locks    lock.Locker
	Selector *selector.Selector
	Provider generate.Provider
	Log      *zap.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, locks lock.Locker, oc oracle.Client, provider generate.Provider, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Locks:    locks,
		Selector: selector.New(cfg.Selector, oc, log),
		Provider: provider,
		Log:      log,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InvalidTransitionError is returned when a lifecycle move goes backwards
// or skips a state.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid game state transition %s -> %s", e.From, e.To)
}

// ApprovalRequiredError is returned when a non-standard tier is submitted
// without a valid guardian approval.
type ApprovalRequiredError struct {
	GameID string
	Tier   string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("tier %s for game %s requires a guardian approval", e.Tier, e.GameID)
}

// ErrAlreadyAnswered is returned on a second answer or skip of the same
// question.
var ErrAlreadyAnswered = errors.New("question already answered")

// ErrFrozen is returned when annotations are edited after submission.
var ErrFrozen = errors.New("annotations are frozen after submission")

// ErrNoQuestions is returned by NextQuestion when every question reached a
// terminal state.
var ErrNoQuestions = errors.New("no unanswered questions")

// ErrNotReady is returned when the reflection is requested before the
// session completed.
var ErrNotReady = errors.New("reflection is not ready yet")

// ErrInterrupted is the player-facing signal for a failed AI stage.
// Diagnostics go to the log and the event stream, never into this error.
var ErrInterrupted = errors.New("coaching processing was interrupted")

func ensureGameTransition(oldState, newState string) error {
	switch oldState {
	case domain.StateEditable:
		if newState == domain.StateSubmitted {
			return nil
		}
	case domain.StateSubmitted:
		if newState == domain.StateCoaching {
			return nil
		}
	case domain.StateCoaching:
		if newState == domain.StateCompleted {
			return nil
		}
	}
	return &InvalidTransitionError{From: oldState, To: newState}
}

// GameCreateOptions are parameters for registering a game.
type GameCreateOptions struct {
	OwnerID     string
	PlayerColor string
	Opponent    string
	Event       string
	TimeControl string
	PGN         string
	Tier        string
	ActorID     string
}

// CreateGame registers a played game in EDITABLE state. Inline PGN comments
// become annotations so nothing the player wrote at the board is lost.
func (e Engine) CreateGame(ctx context.Context, opts GameCreateOptions) (domain.Game, error) {
	if opts.OwnerID == "" {
		return domain.Game{}, errors.New("owner is required")
	}
	if opts.PlayerColor != "WHITE" && opts.PlayerColor != "BLACK" {
		return domain.Game{}, fmt.Errorf("player_color must be WHITE or BLACK, got %q", opts.PlayerColor)
	}
	if opts.Tier == "" {
		opts.Tier = domain.TierStandard
	}
	if opts.Tier != domain.TierStandard && opts.Tier != domain.TierAdvanced {
		return domain.Game{}, fmt.Errorf("unknown tier %q", opts.Tier)
	}

	var comments []pgnComment
	if opts.PGN != "" {
		var err error
		comments, err = extractComments(opts.PGN)
		if err != nil {
			return domain.Game{}, fmt.Errorf("invalid pgn: %w", err)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Game{}, err
	}
	defer tx.Rollback()

	now := e.ts()
	g := domain.Game{
		ID:          uuid.NewString(),
		OwnerID:     opts.OwnerID,
		State:       domain.StateEditable,
		PlayerColor: opts.PlayerColor,
		Opponent:    opts.Opponent,
		Event:       opts.Event,
		TimeControl: opts.TimeControl,
		PGN:         opts.PGN,
		Tier:        opts.Tier,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertGame(ctx, tx, g); err != nil {
		return domain.Game{}, fmt.Errorf("insert game: %w", err)
	}
	for _, c := range comments {
		a := domain.Annotation{ID: uuid.NewString(), GameID: g.ID, Ply: c.Ply, Content: c.Text}
		if err := e.Repo.UpsertAnnotation(ctx, tx, a); err != nil {
			return domain.Game{}, fmt.Errorf("insert annotation: %w", err)
		}
	}
	if err := e.Events.Append(ctx, tx, "game.created", g.ID, "game", g.ID, opts.ActorID, events.EventPayload{
		"tier": g.Tier, "annotations": len(comments),
	}); err != nil {
		return domain.Game{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Game{}, err
	}
	return g, nil
}

// AddAnnotation records or replaces the player's note at a ply. Rejected
// once the game left EDITABLE.
func (e Engine) AddAnnotation(ctx context.Context, gameID string, ply int, content, actorID string) (domain.Annotation, error) {
	if ply < 0 {
		return domain.Annotation{}, errors.New("ply must be >= 0")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Annotation{}, err
	}
	defer tx.Rollback()

	g, err := e.Repo.GetGameTx(ctx, tx, gameID)
	if err != nil {
		return domain.Annotation{}, err
	}
	if g.State != domain.StateEditable {
		return domain.Annotation{}, ErrFrozen
	}

	a := domain.Annotation{ID: uuid.NewString(), GameID: gameID, Ply: ply, Content: content}
	if err := e.Repo.UpsertAnnotation(ctx, tx, a); err != nil {
		return domain.Annotation{}, fmt.Errorf("upsert annotation: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "annotation.saved", gameID, "annotation", a.ID, actorID, events.EventPayload{"ply": ply}); err != nil {
		return domain.Annotation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Annotation{}, err
	}
	return a, nil
}

// SubmitGame moves a game to SUBMITTED, freezing its annotations and
// creating a pending pipeline run, all in one transaction. Submitting an
// already submitted game is a no-op that reports started=false, except when
// the latest run aborted: a SUBMITTED game with a dead run gets a fresh
// pending run so the coaching pass can be retried.
func (e Engine) SubmitGame(ctx context.Context, gameID, actorID string) (domain.Game, domain.PipelineRun, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Game{}, domain.PipelineRun{}, false, err
	}
	defer tx.Rollback()

	g, err := e.Repo.GetGameTx(ctx, tx, gameID)
	if err != nil {
		return domain.Game{}, domain.PipelineRun{}, false, err
	}
	if g.State != domain.StateEditable {
		run, err := e.Repo.LatestRun(ctx, gameID)
		if err != nil && err != repo.ErrNotFound {
			return domain.Game{}, domain.PipelineRun{}, false, err
		}
		if g.State != domain.StateSubmitted || (err == nil && run.Status != domain.RunAborted) {
			return g, run, false, nil
		}
		now := e.ts()
		run = domain.PipelineRun{
			ID:        uuid.NewString(),
			GameID:    gameID,
			Status:    domain.RunPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
			return domain.Game{}, domain.PipelineRun{}, false, fmt.Errorf("insert run: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "game.resubmitted", gameID, "game", gameID, actorID, events.EventPayload{"run_id": run.ID}); err != nil {
			return domain.Game{}, domain.PipelineRun{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Game{}, domain.PipelineRun{}, false, err
		}
		return g, run, true, nil
	}
	if err := ensureGameTransition(g.State, domain.StateSubmitted); err != nil {
		return domain.Game{}, domain.PipelineRun{}, false, err
	}
	if g.PGN == "" {
		return domain.Game{}, domain.PipelineRun{}, false, errors.New("game has no pgn to coach")
	}

	if g.Tier != domain.TierStandard {
		approval, err := e.Repo.ValidApproval(ctx, tx, gameID, g.Tier, e.ts())
		if err == repo.ErrNotFound {
			return domain.Game{}, domain.PipelineRun{}, false, &ApprovalRequiredError{GameID: gameID, Tier: g.Tier}
		}
		if err != nil {
			return domain.Game{}, domain.PipelineRun{}, false, err
		}
		consumed, err := e.Repo.ConsumeApproval(ctx, tx, approval.ID)
		if err != nil {
			return domain.Game{}, domain.PipelineRun{}, false, err
		}
		if !consumed {
			return domain.Game{}, domain.PipelineRun{}, false, &ApprovalRequiredError{GameID: gameID, Tier: g.Tier}
		}
		if err := e.Events.Append(ctx, tx, "approval.consumed", gameID, "approval", approval.ID, actorID, nil); err != nil {
			return domain.Game{}, domain.PipelineRun{}, false, err
		}
	}

	now := e.ts()
	if err := e.Repo.FreezeAnnotations(ctx, tx, gameID); err != nil {
		return domain.Game{}, domain.PipelineRun{}, false, fmt.Errorf("freeze annotations: %w", err)
	}
	if err := e.Repo.UpdateGameState(ctx, tx, gameID, domain.StateSubmitted, now); err != nil {
		return domain.Game{}, domain.PipelineRun{}, false, err
	}
	run := domain.PipelineRun{
		ID:        uuid.NewString(),
		GameID:    gameID,
		Status:    domain.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Game{}, domain.PipelineRun{}, false, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "game.submitted", gameID, "game", gameID, actorID, events.EventPayload{"run_id": run.ID}); err != nil {
		return domain.Game{}, domain.PipelineRun{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Game{}, domain.PipelineRun{}, false, err
	}
	g.State = domain.StateSubmitted
	g.UpdatedAt = now
	return g, run, true, nil
}

// RunPipeline executes one coaching pass: admission lock, position
// selection, question generation, all gated by output contracts. Any
// failure aborts the run and leaves the game in SUBMITTED so a later run
// can retry; the move to COACHING commits together with the questions.
func (e Engine) RunPipeline(ctx context.Context, gameID, runID, actorID string) error {
	release, err := e.admit(ctx, gameID, runID, actorID)
	if err != nil {
		return err
	}
	defer release(ctx)

	if err := e.Repo.UpdateRunStatus(ctx, runID, domain.RunRunning, "", e.ts()); err != nil {
		return err
	}

	if err := e.executePipeline(ctx, gameID, runID, actorID); err != nil {
		e.Log.Error("pipeline aborted", zap.String("game", gameID), zap.String("run", runID), zap.Error(err))
		var cv *contract.ViolationError
		if errors.As(err, &cv) {
			if aerr := e.appendEvent(ctx, "ai.contract.violation", gameID, "run", runID, actorID, events.EventPayload{
				"role": cv.Role, "rule": cv.Rule, "detail": cv.Detail,
			}); aerr != nil {
				e.Log.Error("record violation", zap.Error(aerr))
			}
		}
		// Run detail is owner facing; diagnostics stay in the log and the
		// event stream.
		if uerr := e.Repo.UpdateRunStatus(ctx, runID, domain.RunAborted, "processing interrupted", e.ts()); uerr != nil {
			e.Log.Error("record aborted run", zap.Error(uerr))
		}
		return err
	}
	return e.Repo.UpdateRunStatus(ctx, runID, domain.RunCompleted, "", e.ts())
}

// admit takes the per-game pipeline lock. When the backend is unreachable
// the configured policy decides: fail closed aborts the run, fail open
// proceeds and leaves an audit event.
func (e Engine) admit(ctx context.Context, gameID, runID, actorID string) (lock.ReleaseFunc, error) {
	release, err := e.Locks.Acquire(ctx, "coachline:game:"+gameID, e.Config.Lock.TTL)
	if err == nil {
		return release, nil
	}
	if errors.Is(err, lock.ErrUnavailable) && e.Config.Lock.FailOpen {
		e.Log.Warn("lock backend unavailable, admitting fail-open", zap.String("game", gameID))
		if aerr := e.appendEvent(ctx, "ai.lock.failopen", gameID, "run", runID, actorID, events.EventPayload{"error": err.Error()}); aerr != nil {
			return nil, aerr
		}
		return func(context.Context) error { return nil }, nil
	}
	detail := "pipeline already running"
	if errors.Is(err, lock.ErrUnavailable) {
		detail = "lock backend unavailable"
	}
	if uerr := e.Repo.UpdateRunStatus(ctx, runID, domain.RunAborted, detail, e.ts()); uerr != nil {
		e.Log.Error("record aborted run", zap.Error(uerr))
	}
	return nil, err
}

func (e Engine) executePipeline(ctx context.Context, gameID, runID, actorID string) error {
	g, err := e.Repo.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if g.State != domain.StateSubmitted {
		return fmt.Errorf("game %s is %s, expected %s", gameID, g.State, domain.StateSubmitted)
	}

	candidates, err := e.Selector.Select(ctx, g.PGN, g.PlayerColor)
	if err != nil {
		return fmt.Errorf("select positions: %w", err)
	}
	positions := make([]domain.KeyPosition, len(candidates))
	for i, c := range candidates {
		positions[i] = domain.KeyPosition{
			ID:          uuid.NewString(),
			GameID:      gameID,
			Ord:         i,
			FEN:         c.FEN,
			Ply:         c.Ply,
			ReasonCode:  c.ReasonCode,
			EngineTruth: c.Truth,
		}
	}
	if err := contract.ValidateSelection(positions, e.Config.Selector.MinPositions, e.Config.Selector.MaxPositions); err != nil {
		return err
	}

	annotations, err := e.Repo.ListAnnotations(ctx, gameID)
	if err != nil {
		return err
	}
	notes := map[int]string{}
	for _, a := range annotations {
		notes[a.Ply] = a.Content
	}

	questions := make([]domain.Question, len(positions))
	for i, kp := range positions {
		category := generate.ChooseCategory(kp.ReasonCode)
		text, err := e.Provider.Question(ctx, generate.QuestionRequest{
			FEN:         kp.FEN,
			ReasonCode:  kp.ReasonCode,
			Category:    category,
			PlayerColor: g.PlayerColor,
			Truth:       kp.EngineTruth,
			Annotation:  notes[kp.Ply],
		})
		if err != nil {
			return fmt.Errorf("generate question for position %d: %w", i, err)
		}
		if err := contract.ValidateQuestion(text); err != nil {
			return err
		}
		questions[i] = domain.Question{
			ID:            uuid.NewString(),
			KeyPositionID: kp.ID,
			Ord:           0,
			Category:      category,
			Text:          strings.TrimSpace(text),
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, kp := range positions {
		if err := e.Repo.InsertKeyPosition(ctx, tx, kp); err != nil {
			return fmt.Errorf("insert key position: %w", err)
		}
	}
	for _, q := range questions {
		if err := e.Repo.InsertQuestion(ctx, tx, q); err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
	}
	if err := ensureGameTransition(g.State, domain.StateCoaching); err != nil {
		return err
	}
	if err := e.Repo.UpdateGameState(ctx, tx, gameID, domain.StateCoaching, e.ts()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "game.coaching", gameID, "game", gameID, actorID, events.EventPayload{
		"run_id": runID, "positions": len(positions),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// NextQuestion returns the first unanswered question of a coaching game and
// its position context.
func (e Engine) NextQuestion(ctx context.Context, gameID string) (domain.Question, domain.KeyPosition, error) {
	g, err := e.Repo.GetGame(ctx, gameID)
	if err != nil {
		return domain.Question{}, domain.KeyPosition{}, err
	}
	if g.State == domain.StateCompleted {
		return domain.Question{}, domain.KeyPosition{}, ErrNoQuestions
	}
	if g.State != domain.StateCoaching {
		return domain.Question{}, domain.KeyPosition{}, fmt.Errorf("game %s is %s, expected %s", gameID, g.State, domain.StateCoaching)
	}
	q, err := e.Repo.NextQuestion(ctx, gameID)
	if err == repo.ErrNotFound {
		return domain.Question{}, domain.KeyPosition{}, ErrNoQuestions
	}
	if err != nil {
		return domain.Question{}, domain.KeyPosition{}, err
	}
	kps, err := e.Repo.ListKeyPositions(ctx, gameID)
	if err != nil {
		return domain.Question{}, domain.KeyPosition{}, err
	}
	for _, kp := range kps {
		if kp.ID == q.KeyPositionID {
			return q, kp, nil
		}
	}
	return q, domain.KeyPosition{}, nil
}

// AnswerQuestion records an answer or a skip. Both are terminal; a second
// write returns ErrAlreadyAnswered. When the last question closes, the
// reflection is generated and the game completes.
func (e Engine) AnswerQuestion(ctx context.Context, gameID, questionID string, answer *string, skip bool, actorID string) (bool, error) {
	if !skip && (answer == nil || strings.TrimSpace(*answer) == "") {
		return false, errors.New("answer text is required unless skipping")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	g, err := e.Repo.GetGameTx(ctx, tx, gameID)
	if err != nil {
		return false, err
	}
	if g.State != domain.StateCoaching {
		return false, fmt.Errorf("game %s is %s, expected %s", gameID, g.State, domain.StateCoaching)
	}

	owner, err := e.Repo.QuestionGame(ctx, tx, questionID)
	if err != nil {
		return false, err
	}
	if owner != gameID {
		return false, repo.ErrNotFound
	}

	ok, err := e.Repo.AnswerQuestion(ctx, tx, questionID, answer, skip)
	if err != nil {
		return false, err
	}
	if !ok {
		// QuestionGame above proved the row exists, so a failed update can
		// only mean the question is already terminal.
		return false, ErrAlreadyAnswered
	}

	evtType := "question.answered"
	if skip {
		evtType = "question.skipped"
	}
	if err := e.Events.Append(ctx, tx, evtType, gameID, "question", questionID, actorID, nil); err != nil {
		return false, err
	}

	remaining, err := e.Repo.CountRemainingQuestions(ctx, tx, gameID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	if remaining > 0 {
		return false, nil
	}
	if err := e.completeGame(ctx, gameID, actorID); err != nil {
		return false, err
	}
	return true, nil
}

// completeGame generates the reflection and moves the game to COMPLETED.
// Idempotent: a game already completed is left untouched, so a racing
// duplicate of the final answer cannot produce two reflections.
func (e Engine) completeGame(ctx context.Context, gameID, actorID string) error {
	qs, err := e.Repo.ListQuestions(ctx, gameID)
	if err != nil {
		return err
	}
	g, err := e.Repo.GetGame(ctx, gameID)
	if err != nil {
		return err
	}
	if g.State == domain.StateCompleted {
		return nil
	}

	req := generate.ReflectionRequest{PlayerColor: g.PlayerColor, Opponent: g.Opponent}
	for _, q := range qs {
		qa := generate.QA{Category: q.Category, Question: q.Text, Skipped: q.Skipped}
		if q.Answer != nil {
			qa.Answer = *q.Answer
		}
		req.Answers = append(req.Answers, qa)
	}
	reflection, err := e.Provider.Reflection(ctx, req)
	if err == nil {
		err = contract.ValidateReflection(reflection)
	}
	if err != nil {
		e.Log.Error("reflection stage failed", zap.String("game", gameID), zap.Error(err))
		payload := events.EventPayload{"stage": "reflection", "error": err.Error()}
		var cv *contract.ViolationError
		if errors.As(err, &cv) {
			payload["role"], payload["rule"] = cv.Role, cv.Rule
		}
		if aerr := e.appendEvent(ctx, "ai.interrupted", gameID, "game", gameID, actorID, payload); aerr != nil {
			e.Log.Error("record interruption", zap.Error(aerr))
		}
		return ErrInterrupted
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	g, err = e.Repo.GetGameTx(ctx, tx, gameID)
	if err != nil {
		return err
	}
	if g.State == domain.StateCompleted {
		return nil
	}
	if err := ensureGameTransition(g.State, domain.StateCompleted); err != nil {
		return err
	}
	now := e.ts()
	if err := e.Repo.SetGameReflection(ctx, tx, gameID, reflection, now); err != nil {
		return fmt.Errorf("save reflection: %w", err)
	}
	if err := e.Repo.UpdateGameState(ctx, tx, gameID, domain.StateCompleted, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "game.completed", gameID, "game", gameID, actorID, events.EventPayload{
		"habits": len(reflection.Habits),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetReflection returns the closing reflection of a completed game, or
// ErrNotReady while the session is still open. A coaching game whose
// questions are all closed is completed on the spot, so a reflection lost
// to an earlier provider outage is regenerated here.
func (e Engine) GetReflection(ctx context.Context, gameID string) (domain.Reflection, error) {
	g, err := e.Repo.GetGame(ctx, gameID)
	if err != nil {
		return domain.Reflection{}, err
	}
	if g.State == domain.StateCoaching && g.Reflection == nil {
		qs, err := e.Repo.ListQuestions(ctx, gameID)
		if err != nil {
			return domain.Reflection{}, err
		}
		open := 0
		for _, q := range qs {
			if !q.Answered() {
				open++
			}
		}
		if len(qs) > 0 && open == 0 {
			if err := e.completeGame(ctx, gameID, g.OwnerID); err != nil {
				return domain.Reflection{}, err
			}
			if g, err = e.Repo.GetGame(ctx, gameID); err != nil {
				return domain.Reflection{}, err
			}
		}
	}
	if g.State != domain.StateCompleted || g.Reflection == nil {
		return domain.Reflection{}, ErrNotReady
	}
	var r domain.Reflection
	if err := json.Unmarshal([]byte(*g.Reflection), &r); err != nil {
		return domain.Reflection{}, fmt.Errorf("decode reflection: %w", err)
	}
	return r, nil
}

// RequestApproval opens a guardian approval request for a tier.
func (e Engine) RequestApproval(ctx context.Context, gameID, tier string, validFor time.Duration, actorID string) (domain.Approval, error) {
	if tier != domain.TierAdvanced {
		return domain.Approval{}, fmt.Errorf("tier %q does not take approvals", tier)
	}
	if validFor <= 0 {
		validFor = 72 * time.Hour
	}
	if _, err := e.Repo.GetGame(ctx, gameID); err != nil {
		return domain.Approval{}, err
	}
	now := e.now().UTC()
	a := domain.Approval{
		ID:        uuid.NewString(),
		GameID:    gameID,
		Tier:      tier,
		ExpiresAt: now.Add(validFor).Format(time.RFC3339),
		CreatedAt: now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertApproval(ctx, a); err != nil {
		return domain.Approval{}, fmt.Errorf("insert approval: %w", err)
	}
	if err := e.appendEvent(ctx, "approval.requested", gameID, "approval", a.ID, actorID, events.EventPayload{"tier": tier}); err != nil {
		return domain.Approval{}, err
	}
	return a, nil
}

// DecideApproval records the guardian's decision.
func (e Engine) DecideApproval(ctx context.Context, approvalID string, approved bool, actorID string) (domain.Approval, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetApproval(ctx, approvalID)
	if err != nil {
		return domain.Approval{}, err
	}
	if a.Used {
		return domain.Approval{}, errors.New("approval already used")
	}
	if err := e.Repo.SetApprovalDecision(ctx, tx, approvalID, approved); err != nil {
		return domain.Approval{}, err
	}
	evtType := "approval.denied"
	if approved {
		evtType = "approval.granted"
	}
	if err := e.Events.Append(ctx, tx, evtType, a.GameID, "approval", approvalID, actorID, nil); err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	a.Approved = approved
	return a, nil
}

// PipelineStatus returns the latest run record for polling.
func (e Engine) PipelineStatus(ctx context.Context, gameID string) (domain.PipelineRun, error) {
	return e.Repo.LatestRun(ctx, gameID)
}

func (e Engine) appendEvent(ctx context.Context, evtType, gameID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, gameID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

type pgnComment struct {
	Ply  int
	Text string
}

// extractComments parses the PGN and maps inline comments to the ply they
// follow.
func extractComments(pgn string) ([]pgnComment, error) {
	reader, err := chess.PGN(strings.NewReader(pgn))
	if err != nil {
		return nil, err
	}
	game := chess.NewGame(reader)
	if len(game.Moves()) == 0 {
		return nil, errors.New("pgn has no moves")
	}
	var out []pgnComment
	for i, group := range game.Comments() {
		text := strings.TrimSpace(strings.Join(group, " "))
		if text == "" {
			continue
		}
		out = append(out, pgnComment{Ply: i, Text: text})
	}
	return out, nil
}
