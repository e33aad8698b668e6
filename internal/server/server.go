package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"coachline/internal/domain"
	"coachline/internal/engine"
	"coachline/internal/lock"
	"coachline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"approval_required"`
	Message string         `json:"message" example:"tier ADVANCED requires a guardian approval"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Coachline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Coachline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerGames(group, cfg)
	registerQuestions(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ar *engine.ApprovalRequiredError
	if errors.As(err, &ar) {
		return newAPIError(http.StatusForbidden, "approval_required", err.Error(), map[string]any{"tier": ar.Tier})
	}
	var it *engine.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": it.From, "to": it.To})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrNotReady):
		return newAPIError(http.StatusConflict, "not_ready", err.Error(), nil)
	case errors.Is(err, engine.ErrInterrupted):
		return newAPIError(http.StatusServiceUnavailable, "interrupted", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyAnswered):
		return newAPIError(http.StatusConflict, "already_answered", err.Error(), nil)
	case errors.Is(err, engine.ErrFrozen):
		return newAPIError(http.StatusConflict, "frozen", err.Error(), nil)
	case errors.Is(err, lock.ErrHeld):
		return newAPIError(http.StatusConflict, "pipeline_running", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "expected"):
		return newAPIError(http.StatusConflict, "invalid_state", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// ownedGame loads a game and checks the caller may act on it. Guardians and
// coaches can read any game; players only their own.
func ownedGame(ctx context.Context, e engine.Engine, gameID string) (domain.Game, error) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return domain.Game{}, authErr
	}
	g, err := e.Repo.GetGame(ctx, gameID)
	if err != nil {
		return domain.Game{}, err
	}
	if g.OwnerID == userID {
		return g, nil
	}
	if p, ok := principalFromContext(ctx); ok && (p.hasRole("guardian") || p.hasRole("coach")) {
		return g, nil
	}
	return domain.Game{}, newAPIError(http.StatusForbidden, "forbidden", "not your game", nil)
}

// gamePath is the input for handlers keyed only by the game id. Huma does
// not bind path params declared on an unexported embedded struct, so
// handlers with additional inputs declare game_id inline instead of
// embedding this type.
type gamePath struct {
	GameID string `path:"game_id"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerGames(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID:   "create-game",
		Method:        http.MethodPost,
		Path:          "/games",
		Summary:       "Register a played game",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateGameRequest `json:"body"`
	}) (*struct {
		Body domain.Game `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.GameCreateOptions{
			OwnerID:     userID,
			PlayerColor: input.Body.PlayerColor,
			PGN:         input.Body.PGN,
			ActorID:     userID,
		}
		if input.Body.Opponent != nil {
			opts.Opponent = *input.Body.Opponent
		}
		if input.Body.Event != nil {
			opts.Event = *input.Body.Event
		}
		if input.Body.TimeControl != nil {
			opts.TimeControl = *input.Body.TimeControl
		}
		if input.Body.Tier != nil {
			opts.Tier = *input.Body.Tier
		}
		g, err := e.CreateGame(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Game `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-games",
		Method:      http.MethodGet,
		Path:        "/games",
		Summary:     "List your games",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body GameListResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		games, err := e.Repo.ListGames(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GameListResponse `json:"body"`
		}{Body: GameListResponse{Games: games}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-game",
		Method:      http.MethodGet,
		Path:        "/games/{game_id}",
		Summary:     "Get a game",
	}, func(ctx context.Context, input *gamePath) (*struct {
		Body domain.Game `json:"body"`
	}, error) {
		g, err := ownedGame(ctx, e, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Game `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-game",
		Method:      http.MethodDelete,
		Path:        "/games/{game_id}",
		Summary:     "Delete a game and all derived data",
	}, func(ctx context.Context, input *gamePath) (*struct{}, error) {
		if _, err := ownedGame(ctx, e, input.GameID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteGame(ctx, input.GameID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-annotation",
		Method:      http.MethodPut,
		Path:        "/games/{game_id}/annotations/{ply}",
		Summary:     "Save an annotation at a ply",
	}, func(ctx context.Context, input *struct {
		GameID string            `path:"game_id"`
		Ply    int               `path:"ply"`
		Body   AnnotationRequest `json:"body"`
	}) (*struct {
		Body domain.Annotation `json:"body"`
	}, error) {
		g, err := ownedGame(ctx, e, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.AddAnnotation(ctx, g.ID, input.Ply, input.Body.Content, g.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Annotation `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-annotations",
		Method:      http.MethodGet,
		Path:        "/games/{game_id}/annotations",
		Summary:     "List annotations",
	}, func(ctx context.Context, input *gamePath) (*struct {
		Body AnnotationListResponse `json:"body"`
	}, error) {
		if _, err := ownedGame(ctx, e, input.GameID); err != nil {
			return nil, handleError(err)
		}
		as, err := e.Repo.ListAnnotations(ctx, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnnotationListResponse `json:"body"`
		}{Body: AnnotationListResponse{Annotations: as}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-game",
		Method:        http.MethodPost,
		Path:          "/games/{game_id}/submit",
		Summary:       "Submit for coaching",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *gamePath) (*struct {
		Body SubmitResponse `json:"body"`
	}, error) {
		g, err := ownedGame(ctx, e, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		g, run, started, err := e.SubmitGame(ctx, g.ID, g.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		if started {
			// The pipeline outlives the request.
			go func() {
				if err := e.RunPipeline(context.Background(), g.ID, run.ID, g.OwnerID); err != nil {
					cfg.Log.Error("pipeline failed", zap.String("game", g.ID), zap.Error(err))
				}
			}()
		}
		return &struct {
			Body SubmitResponse `json:"body"`
		}{Body: SubmitResponse{Game: g, Run: run}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pipeline-status",
		Method:      http.MethodGet,
		Path:        "/games/{game_id}/run",
		Summary:     "Latest pipeline run status",
	}, func(ctx context.Context, input *gamePath) (*struct {
		Body domain.PipelineRun `json:"body"`
	}, error) {
		if _, err := ownedGame(ctx, e, input.GameID); err != nil {
			return nil, handleError(err)
		}
		run, err := e.PipelineStatus(ctx, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PipelineRun `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-key-positions",
		Method:      http.MethodGet,
		Path:        "/games/{game_id}/positions",
		Summary:     "List selected key positions",
	}, func(ctx context.Context, input *gamePath) (*struct {
		Body KeyPositionListResponse `json:"body"`
	}, error) {
		if _, err := ownedGame(ctx, e, input.GameID); err != nil {
			return nil, handleError(err)
		}
		kps, err := e.Repo.ListKeyPositions(ctx, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body KeyPositionListResponse `json:"body"`
		}{Body: KeyPositionListResponse{Positions: kps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-reflection",
		Method:      http.MethodGet,
		Path:        "/games/{game_id}/reflection",
		Summary:     "Get the closing reflection",
	}, func(ctx context.Context, input *gamePath) (*struct {
		Body domain.Reflection `json:"body"`
	}, error) {
		if _, err := ownedGame(ctx, e, input.GameID); err != nil {
			return nil, handleError(err)
		}
		r, err := e.GetReflection(ctx, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Reflection `json:"body"`
		}{Body: r}, nil
	})
}

func registerQuestions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "next-question",
		Method:      http.MethodGet,
		Path:        "/games/{game_id}/questions/next",
		Summary:     "First unanswered question",
	}, func(ctx context.Context, input *gamePath) (*struct {
		Body NextQuestionResponse `json:"body"`
	}, error) {
		if _, err := ownedGame(ctx, e, input.GameID); err != nil {
			return nil, handleError(err)
		}
		q, kp, err := e.NextQuestion(ctx, input.GameID)
		if errors.Is(err, engine.ErrNoQuestions) {
			return &struct {
				Body NextQuestionResponse `json:"body"`
			}{Body: NextQuestionResponse{Complete: true}}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		all, err := e.Repo.ListQuestions(ctx, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		remaining := 0
		for _, item := range all {
			if !item.Answered() {
				remaining++
			}
		}
		return &struct {
			Body NextQuestionResponse `json:"body"`
		}{Body: NextQuestionResponse{Question: &q, Position: &kp, Remaining: remaining}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-questions",
		Method:      http.MethodGet,
		Path:        "/games/{game_id}/questions",
		Summary:     "List all questions",
	}, func(ctx context.Context, input *gamePath) (*struct {
		Body QuestionListResponse `json:"body"`
	}, error) {
		if _, err := ownedGame(ctx, e, input.GameID); err != nil {
			return nil, handleError(err)
		}
		qs, err := e.Repo.ListQuestions(ctx, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuestionListResponse `json:"body"`
		}{Body: QuestionListResponse{Questions: qs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "answer-question",
		Method:      http.MethodPost,
		Path:        "/games/{game_id}/questions/{question_id}/answer",
		Summary:     "Answer or skip a question",
	}, func(ctx context.Context, input *struct {
		GameID     string        `path:"game_id"`
		QuestionID string        `path:"question_id"`
		Body       AnswerRequest `json:"body"`
	}) (*struct {
		Body AnswerResponse `json:"body"`
	}, error) {
		g, err := ownedGame(ctx, e, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		done, err := e.AnswerQuestion(ctx, g.ID, input.QuestionID, input.Body.Answer, input.Body.Skip, g.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AnswerResponse `json:"body"`
		}{Body: AnswerResponse{Completed: done}}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-approval",
		Method:        http.MethodPost,
		Path:          "/games/{game_id}/approvals",
		Summary:       "Request a guardian approval",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		GameID string                 `path:"game_id"`
		Body   RequestApprovalRequest `json:"body"`
	}) (*struct {
		Body domain.Approval `json:"body"`
	}, error) {
		g, err := ownedGame(ctx, e, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		validFor := time.Duration(0)
		if input.Body.ValidForHours != nil {
			validFor = time.Duration(*input.Body.ValidForHours) * time.Hour
		}
		a, err := e.RequestApproval(ctx, g.ID, input.Body.Tier, validFor, g.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Approval `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/games/{game_id}/approvals",
		Summary:     "List approvals for a game",
	}, func(ctx context.Context, input *gamePath) (*struct {
		Body ApprovalListResponse `json:"body"`
	}, error) {
		if _, err := ownedGame(ctx, e, input.GameID); err != nil {
			return nil, handleError(err)
		}
		as, err := e.Repo.ListApprovals(ctx, input.GameID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalListResponse `json:"body"`
		}{Body: ApprovalListResponse{Approvals: as}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/decision",
		Summary:     "Record the guardian decision",
	}, func(ctx context.Context, input *struct {
		ApprovalID string                  `path:"approval_id"`
		Body       ApprovalDecisionRequest `json:"body"`
	}) (*struct {
		Body domain.Approval `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, _ := principalFromContext(ctx)
		if !p.hasRole("guardian") {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "guardian role required", nil)
		}
		a, err := e.DecideApproval(ctx, input.ApprovalID, input.Body.Approved, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Approval `json:"body"`
		}{Body: a}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit event log",
	}, func(ctx context.Context, input *struct {
		GameID string `query:"game_id"`
		After  int64  `query:"after"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.GameID != "" {
			if _, err := ownedGame(ctx, e, input.GameID); err != nil {
				return nil, handleError(err)
			}
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		evts, err := e.Repo.ListEvents(ctx, input.GameID, input.After, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Events: evts}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, userID, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
