package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"coachline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- games ---

const gameColumns = `id,owner_id,state,COALESCE(player_color,'') ,COALESCE(opponent,''),COALESCE(event,''),COALESCE(time_control,''),COALESCE(pgn,''),tier,reflection_json,created_at,updated_at`

func scanGame(row *sql.Row) (domain.Game, error) {
	var g domain.Game
	var reflection sql.NullString
	err := row.Scan(&g.ID, &g.OwnerID, &g.State, &g.PlayerColor, &g.Opponent, &g.Event, &g.TimeControl, &g.PGN, &g.Tier, &reflection, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if reflection.Valid {
		g.Reflection = &reflection.String
	}
	return g, err
}

func (r Repo) InsertGame(ctx context.Context, tx *sql.Tx, g domain.Game) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO games(id,owner_id,state,player_color,opponent,event,time_control,pgn,tier,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.OwnerID, g.State, g.PlayerColor, nullable(g.Opponent), nullable(g.Event), nullable(g.TimeControl), nullable(g.PGN), g.Tier, g.CreatedAt, g.UpdatedAt)
	return err
}

func (r Repo) GetGame(ctx context.Context, id string) (domain.Game, error) {
	return r.getGame(ctx, r.DB, id)
}

// GetGameTx reads a game inside a transaction so transition checks and the
// subsequent update observe the same row.
func (r Repo) GetGameTx(ctx context.Context, tx *sql.Tx, id string) (domain.Game, error) {
	return r.getGame(ctx, tx, id)
}

func (r Repo) getGame(ctx context.Context, q querier, id string) (domain.Game, error) {
	return scanGame(q.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM games WHERE id=?`, id))
}

func (r Repo) ListGames(ctx context.Context, ownerID string) ([]domain.Game, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if ownerID != "" {
		clauses = []string{"owner_id=?"}
		args = append(args, ownerID)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+gameColumns+` FROM games WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Game
	for rows.Next() {
		var g domain.Game
		var reflection sql.NullString
		if err := rows.Scan(&g.ID, &g.OwnerID, &g.State, &g.PlayerColor, &g.Opponent, &g.Event, &g.TimeControl, &g.PGN, &g.Tier, &reflection, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		if reflection.Valid {
			g.Reflection = &reflection.String
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// UpdateGameState moves a game to a new state and stamps updated_at.
func (r Repo) UpdateGameState(ctx context.Context, tx *sql.Tx, id, state, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE games SET state=?, updated_at=? WHERE id=?`, state, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetGameReflection(ctx context.Context, tx *sql.Tx, id string, reflection domain.Reflection, updatedAt string) error {
	data, err := json.Marshal(reflection)
	if err != nil {
		return fmt.Errorf("marshal reflection: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE games SET reflection_json=?, updated_at=? WHERE id=?`, string(data), updatedAt, id)
	return err
}

func (r Repo) DeleteGame(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM games WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- annotations ---

func (r Repo) UpsertAnnotation(ctx context.Context, tx *sql.Tx, a domain.Annotation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO annotations(id,game_id,ply,content,frozen) VALUES (?,?,?,?,?)
ON CONFLICT(game_id,ply) DO UPDATE SET content=excluded.content`,
		a.ID, a.GameID, a.Ply, nullable(a.Content), boolInt(a.Frozen))
	return err
}

func (r Repo) ListAnnotations(ctx context.Context, gameID string) ([]domain.Annotation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,game_id,ply,COALESCE(content,''),frozen FROM annotations WHERE game_id=? ORDER BY ply`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Annotation
	for rows.Next() {
		var a domain.Annotation
		var frozen int
		if err := rows.Scan(&a.ID, &a.GameID, &a.Ply, &a.Content, &frozen); err != nil {
			return nil, err
		}
		a.Frozen = frozen != 0
		res = append(res, a)
	}
	return res, rows.Err()
}

// FreezeAnnotations marks every annotation of a game immutable. Called only
// from the submit transaction so frozen==true iff state!=EDITABLE.
func (r Repo) FreezeAnnotations(ctx context.Context, tx *sql.Tx, gameID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE annotations SET frozen=1 WHERE game_id=?`, gameID)
	return err
}

// --- key positions ---

func (r Repo) InsertKeyPosition(ctx context.Context, tx *sql.Tx, kp domain.KeyPosition) error {
	truth, err := json.Marshal(kp.EngineTruth)
	if err != nil {
		return fmt.Errorf("marshal engine truth: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO key_positions(id,game_id,ord,fen,ply,reason_code,engine_truth_json) VALUES (?,?,?,?,?,?,?)`,
		kp.ID, kp.GameID, kp.Ord, kp.FEN, kp.Ply, kp.ReasonCode, string(truth))
	return err
}

func (r Repo) ListKeyPositions(ctx context.Context, gameID string) ([]domain.KeyPosition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,game_id,ord,fen,ply,reason_code,engine_truth_json FROM key_positions WHERE game_id=? ORDER BY ord`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.KeyPosition
	for rows.Next() {
		var kp domain.KeyPosition
		var truth string
		if err := rows.Scan(&kp.ID, &kp.GameID, &kp.Ord, &kp.FEN, &kp.Ply, &kp.ReasonCode, &truth); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(truth), &kp.EngineTruth); err != nil {
			return nil, fmt.Errorf("decode engine truth for %s: %w", kp.ID, err)
		}
		res = append(res, kp)
	}
	return res, rows.Err()
}

// --- questions ---

func scanQuestion(scan func(dest ...any) error) (domain.Question, error) {
	var q domain.Question
	var answer sql.NullString
	var skipped int
	err := scan(&q.ID, &q.KeyPositionID, &q.Ord, &q.Category, &q.Text, &answer, &skipped)
	if err != nil {
		return q, err
	}
	if answer.Valid {
		q.Answer = &answer.String
	}
	q.Skipped = skipped != 0
	return q, nil
}

func (r Repo) InsertQuestion(ctx context.Context, tx *sql.Tx, q domain.Question) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO questions(id,key_position_id,ord,category,question_text,skipped) VALUES (?,?,?,?,?,0)`,
		q.ID, q.KeyPositionID, q.Ord, q.Category, q.Text)
	return err
}

// NextQuestion returns the first unanswered question across all key
// positions in persisted order. The selection rule itself is what makes the
// flow resumable: after any interruption the same question comes back.
func (r Repo) NextQuestion(ctx context.Context, gameID string) (domain.Question, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT q.id,q.key_position_id,q.ord,q.category,q.question_text,q.answer_text,q.skipped
FROM questions q JOIN key_positions kp ON kp.id=q.key_position_id
WHERE kp.game_id=? AND q.answer_text IS NULL AND q.skipped=0
ORDER BY kp.ord, q.ord LIMIT 1`, gameID)
	q, err := scanQuestion(row.Scan)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	return q, err
}

func (r Repo) ListQuestions(ctx context.Context, gameID string) ([]domain.Question, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT q.id,q.key_position_id,q.ord,q.category,q.question_text,q.answer_text,q.skipped
FROM questions q JOIN key_positions kp ON kp.id=q.key_position_id
WHERE kp.game_id=? ORDER BY kp.ord, q.ord`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

// QuestionGame resolves the game a question belongs to.
func (r Repo) QuestionGame(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var gameID string
	err := tx.QueryRowContext(ctx, `SELECT kp.game_id FROM questions q JOIN key_positions kp ON kp.id=q.key_position_id WHERE q.id=?`, id).Scan(&gameID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return gameID, err
}

// AnswerQuestion records an answer or skip. The WHERE clause only matches a
// question still in its initial state, so a duplicate write affects zero
// rows and the caller can reject it.
func (r Repo) AnswerQuestion(ctx context.Context, tx *sql.Tx, id string, answer *string, skipped bool) (bool, error) {
	var res sql.Result
	var err error
	if skipped {
		res, err = tx.ExecContext(ctx, `UPDATE questions SET skipped=1 WHERE id=? AND answer_text IS NULL AND skipped=0`, id)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE questions SET answer_text=? WHERE id=? AND answer_text IS NULL AND skipped=0`, answer, id)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CountRemainingQuestions counts questions not yet answered or skipped.
func (r Repo) CountRemainingQuestions(ctx context.Context, tx *sql.Tx, gameID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions q JOIN key_positions kp ON kp.id=q.key_position_id
WHERE kp.game_id=? AND q.answer_text IS NULL AND q.skipped=0`, gameID).Scan(&n)
	return n, err
}

// --- approvals ---

func scanApproval(scan func(dest ...any) error) (domain.Approval, error) {
	var a domain.Approval
	var approved, used int
	err := scan(&a.ID, &a.GameID, &a.Tier, &approved, &used, &a.ExpiresAt, &a.CreatedAt)
	if err != nil {
		return a, err
	}
	a.Approved = approved != 0
	a.Used = used != 0
	return a, nil
}

func (r Repo) InsertApproval(ctx context.Context, a domain.Approval) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO approvals(id,game_id,tier,approved,used,expires_at,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.GameID, a.Tier, boolInt(a.Approved), boolInt(a.Used), a.ExpiresAt, a.CreatedAt)
	return err
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,game_id,tier,approved,used,expires_at,created_at FROM approvals WHERE id=?`, id)
	a, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListApprovals(ctx context.Context, gameID string) ([]domain.Approval, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,game_id,tier,approved,used,expires_at,created_at FROM approvals WHERE game_id=? ORDER BY created_at DESC`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ValidApproval finds an approved, unused, unexpired approval for
// (game, tier). Reads inside the submit transaction.
func (r Repo) ValidApproval(ctx context.Context, tx *sql.Tx, gameID, tier, now string) (domain.Approval, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,game_id,tier,approved,used,expires_at,created_at FROM approvals
WHERE game_id=? AND tier=? AND approved=1 AND used=0 AND expires_at>? ORDER BY expires_at LIMIT 1`, gameID, tier, now)
	a, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// ConsumeApproval marks an approval used. An approval gates at most one
// submission, so the guard on used=0 mirrors AnswerQuestion.
func (r Repo) ConsumeApproval(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET used=1 WHERE id=? AND used=0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) SetApprovalDecision(ctx context.Context, tx *sql.Tx, id string, approved bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET approved=? WHERE id=?`, boolInt(approved), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- pipeline runs ---

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.PipelineRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pipeline_runs(id,game_id,status,detail,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		run.ID, run.GameID, run.Status, nullable(run.Detail), run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) UpdateRunStatus(ctx context.Context, runID, status, detail, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE pipeline_runs SET status=?, detail=?, updated_at=? WHERE id=?`,
		status, nullable(detail), updatedAt, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestRun returns the most recent pipeline run for a game.
func (r Repo) LatestRun(ctx context.Context, gameID string) (domain.PipelineRun, error) {
	var run domain.PipelineRun
	var detail sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,game_id,status,detail,created_at,updated_at FROM pipeline_runs WHERE game_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, gameID).
		Scan(&run.ID, &run.GameID, &run.Status, &detail, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if detail.Valid {
		run.Detail = detail.String
	}
	return run, err
}

// --- events ---

func (r Repo) ListEvents(ctx context.Context, gameID string, afterID int64, limit int) ([]domain.Event, error) {
	clauses := []string{"id>?"}
	args := []any{afterID}
	if gameID != "" {
		clauses = append(clauses, "game_id=?")
		args = append(args, gameID)
	}
	query := `SELECT id,ts,type,COALESCE(game_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.GameID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
