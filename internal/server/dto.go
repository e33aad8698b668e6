package server

import (
	"coachline/internal/domain"
)

// Request payloads

type CreateGameRequest struct {
	PlayerColor string  `json:"player_color" enum:"WHITE,BLACK"`
	Opponent    *string `json:"opponent,omitempty"`
	Event       *string `json:"event,omitempty"`
	TimeControl *string `json:"time_control,omitempty"`
	PGN         string  `json:"pgn"`
	Tier        *string `json:"tier,omitempty" enum:"STANDARD,ADVANCED"`
}

type AnnotationRequest struct {
	Content string `json:"content"`
}

type AnswerRequest struct {
	Answer *string `json:"answer,omitempty"`
	Skip   bool    `json:"skip,omitempty"`
}

type RequestApprovalRequest struct {
	Tier          string `json:"tier" enum:"ADVANCED"`
	ValidForHours *int   `json:"valid_for_hours,omitempty"`
}

type ApprovalDecisionRequest struct {
	Approved bool `json:"approved"`
}

type DevLoginRequest struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type SubmitResponse struct {
	Game domain.Game        `json:"game"`
	Run  domain.PipelineRun `json:"run"`
}

type NextQuestionResponse struct {
	Complete  bool                `json:"complete"`
	Question  *domain.Question    `json:"question,omitempty"`
	Position  *domain.KeyPosition `json:"position,omitempty"`
	Remaining int                 `json:"remaining"`
}

type AnswerResponse struct {
	Completed bool `json:"completed"`
}

type GameListResponse struct {
	Games []domain.Game `json:"games"`
}

type AnnotationListResponse struct {
	Annotations []domain.Annotation `json:"annotations"`
}

type QuestionListResponse struct {
	Questions []domain.Question `json:"questions"`
}

type KeyPositionListResponse struct {
	Positions []domain.KeyPosition `json:"positions"`
}

type ApprovalListResponse struct {
	Approvals []domain.Approval `json:"approvals"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
}
