package domain

// Game lifecycle states. Transitions are one-directional:
// EDITABLE -> SUBMITTED -> COACHING -> COMPLETED.
const (
	StateEditable  = "EDITABLE"
	StateSubmitted = "SUBMITTED"
	StateCoaching  = "COACHING"
	StateCompleted = "COMPLETED"
)

// Coaching tiers. Non-standard tiers require a guardian approval.
const (
	TierStandard = "STANDARD"
	TierAdvanced = "ADVANCED"
)

// Reason codes explaining why a position was selected.
const (
	ReasonOppIntent  = "OPP_INTENT"
	ReasonThreat     = "THREAT"
	ReasonTransition = "TRANSITION"
)

const (
	CategoryThreat       = "THREAT"
	CategoryOppIntent    = "OPP_INTENT"
	CategoryChange       = "CHANGE"
	CategoryAlternatives = "ALTERNATIVES"
	CategoryWorstPiece   = "WORST_PIECE"
	CategoryReflection   = "REFLECTION"
)

// Categories lists question categories in selection priority order.
var Categories = []string{
	CategoryThreat,
	CategoryOppIntent,
	CategoryChange,
	CategoryAlternatives,
	CategoryWorstPiece,
	CategoryReflection,
}

// Pipeline run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunAborted   = "aborted"
)

type Game struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"owner_id"`
	State       string  `json:"state" enum:"EDITABLE,SUBMITTED,COACHING,COMPLETED"`
	PlayerColor string  `json:"player_color" enum:"WHITE,BLACK"`
	Opponent    string  `json:"opponent,omitempty"`
	Event       string  `json:"event,omitempty"`
	TimeControl string  `json:"time_control,omitempty"`
	PGN         string  `json:"pgn,omitempty"`
	Tier        string  `json:"tier"`
	Reflection  *string `json:"reflection_json,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Annotation struct {
	ID      string `json:"id"`
	GameID  string `json:"game_id"`
	Ply     int    `json:"ply"`
	Content string `json:"content,omitempty"`
	Frozen  bool   `json:"frozen"`
}

// EngineTruth is the oracle payload attached to a key position. Generation
// treats it as ground truth and must never contradict it.
type EngineTruth struct {
	Score         float64  `json:"score"`
	PrincipalMove string   `json:"principal_move"`
	Threats       []string `json:"threats,omitempty"`
	Depth         int      `json:"depth"`
}

type KeyPosition struct {
	ID          string      `json:"id"`
	GameID      string      `json:"game_id"`
	Ord         int         `json:"ord"`
	FEN         string      `json:"fen"`
	Ply         int         `json:"ply"`
	ReasonCode  string      `json:"reason_code" enum:"OPP_INTENT,THREAT,TRANSITION"`
	EngineTruth EngineTruth `json:"engine_truth"`
}

type Question struct {
	ID            string  `json:"id"`
	KeyPositionID string  `json:"key_position_id"`
	Ord           int     `json:"ord"`
	Category      string  `json:"category"`
	Text          string  `json:"text"`
	Answer        *string `json:"answer,omitempty"`
	Skipped       bool    `json:"skipped"`
}

// Answered reports whether the question reached a terminal state.
func (q Question) Answered() bool {
	return q.Skipped || q.Answer != nil
}

type Approval struct {
	ID        string `json:"id"`
	GameID    string `json:"game_id"`
	Tier      string `json:"tier"`
	Approved  bool   `json:"approved"`
	Used      bool   `json:"used"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PipelineRun is the persisted status record of one coaching pipeline
// execution, so callers can poll progress instead of reading logs.
type PipelineRun struct {
	ID        string `json:"id"`
	GameID    string `json:"game_id"`
	Status    string `json:"status" enum:"pending,running,completed,aborted"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Reflection is the closing summary generated after all questions are
// answered or skipped.
type Reflection struct {
	Summary         string   `json:"summary"`
	MissingElements []string `json:"missing_elements"`
	Habits          []string `json:"habits"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	GameID     string `json:"game_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
