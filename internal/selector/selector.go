package selector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/notnil/chess"
	"go.uber.org/zap"

	"coachline/internal/config"
	"coachline/internal/domain"
	"coachline/internal/oracle"
)

// Candidate is a position considered for coaching, scored 0..100.
type Candidate struct {
	Ply        int
	FullMove   int
	FEN        string
	Score      float64
	ReasonCode string
	Truth      domain.EngineTruth
}

// Selector picks the 3..5 most instructive positions of a game.
type Selector struct {
	Config config.SelectorConfig
	Oracle oracle.Client
	Log    *zap.Logger
}

func New(cfg config.SelectorConfig, oc oracle.Client, log *zap.Logger) *Selector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Selector{Config: cfg, Oracle: oc, Log: log}
}

// transitionSwing is the evaluation swing, in pawns, past which a position
// counts as a transition moment.
const transitionSwing = 1.5

var pieceValues = map[chess.PieceType]float64{
	chess.Pawn:   1,
	chess.Knight: 3,
	chess.Bishop: 3,
	chess.Rook:   5,
	chess.Queen:  9,
}

// Select replays the PGN and returns key positions in ply order. It always
// returns at least one position for a game with any post-opening play; only
// an unparseable or empty game fails.
func (s *Selector) Select(ctx context.Context, pgn, playerColor string) ([]Candidate, error) {
	reader, err := chess.PGN(strings.NewReader(pgn))
	if err != nil {
		return nil, fmt.Errorf("parse pgn: %w", err)
	}
	game := chess.NewGame(reader)
	positions := game.Positions()
	moves := game.Moves()
	if len(moves) == 0 {
		return nil, fmt.Errorf("game has no moves")
	}

	color := chess.White
	if playerColor == "BLACK" {
		color = chess.Black
	}

	candidates := s.scan(ctx, positions, moves, color)
	if len(candidates) == 0 {
		// Short games: fall back to the last position the player faced.
		candidates = s.fallback(ctx, positions, moves, color)
	}
	selected := s.choose(candidates)
	if len(selected) > 1 && len(selected) < s.Config.MinPositions {
		// Below the minimum only the single strongest position is kept,
		// matching the fallback shape.
		selected = selected[:1]
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].Ply < selected[j].Ply })
	return selected, nil
}

// scan walks every position where the player is to move, past the opening
// cutoff, sampling each stride-th one to bound oracle traffic.
func (s *Selector) scan(ctx context.Context, positions []*chess.Position, moves []*chess.Move, color chess.Color) []Candidate {
	var out []Candidate
	prevScore := 0.0
	havePrev := false
	sampled := 0

	for ply := 0; ply < len(moves); ply++ {
		pos := positions[ply]
		if pos.Turn() != color {
			continue
		}
		fullMove := ply/2 + 1
		if fullMove < s.Config.OpeningCutoff {
			continue
		}
		sampled++
		if (sampled-1)%s.Config.SampleStride != 0 {
			continue
		}

		truth := s.evaluate(ctx, pos)
		swing := 0.0
		if havePrev {
			swing = math.Abs(truth.Score - prevScore)
		}
		prevScore, havePrev = truth.Score, true

		c := s.scorePosition(pos, positions, moves, ply, color, truth, swing)
		out = append(out, c)
	}
	return out
}

func (s *Selector) evaluate(ctx context.Context, pos *chess.Position) domain.EngineTruth {
	truth, err := s.Oracle.Evaluate(ctx, pos.String())
	if err != nil {
		s.Log.Warn("oracle unavailable, recording neutral truth", zap.Error(err))
		return oracle.Neutral()
	}
	return truth
}

// fallback produces a single candidate from the last position the player was
// to move in, so coaching is never empty.
func (s *Selector) fallback(ctx context.Context, positions []*chess.Position, moves []*chess.Move, color chess.Color) []Candidate {
	for ply := len(moves) - 1; ply >= 0; ply-- {
		pos := positions[ply]
		if pos.Turn() != color {
			continue
		}
		truth := s.evaluate(ctx, pos)
		c := s.scorePosition(pos, positions, moves, ply, color, truth, 0)
		return []Candidate{c}
	}
	return nil
}

func (s *Selector) scorePosition(pos *chess.Position, positions []*chess.Position, moves []*chess.Move, ply int, color chess.Color, truth domain.EngineTruth, swing float64) Candidate {
	inCheck := isInCheck(pos, moves, ply)
	winning := winningCaptures(pos)
	tactical := tacticalMoves(pos)
	transition := phaseTransition(positions, ply)

	score := 0.0
	score += math.Min(swing*10, 30)
	score += math.Min(float64(winning)*8+float64(tactical)*3, 25)
	if inCheck {
		score += 20
	} else {
		score += math.Min(float64(len(truth.Threats))*5, 20)
	}
	score += kingSafety(pos, color)
	score += moveQuality(moves[ply], truth)
	score += math.Min(math.Abs(truth.Score)*2, 10)
	score += math.Min(materialImbalance(pos), 5)
	score = math.Min(score, 100)

	reason := domain.ReasonOppIntent
	if inCheck || winning > 0 || len(truth.Threats) > 2 {
		reason = domain.ReasonThreat
	} else if swing >= transitionSwing || transition {
		reason = domain.ReasonTransition
	}

	return Candidate{
		Ply:        ply,
		FullMove:   ply/2 + 1,
		FEN:        pos.String(),
		Score:      score,
		ReasonCode: reason,
		Truth:      truth,
	}
}

// choose takes the top-scored candidates subject to a minimum spacing in
// full moves. Spacing is relaxed before giving up on the count: a sparse
// selection beats an empty one.
func (s *Selector) choose(candidates []Candidate) []Candidate {
	if len(candidates) == 0 {
		return nil
	}
	byScore := make([]Candidate, len(candidates))
	copy(byScore, candidates)
	sort.SliceStable(byScore, func(i, j int) bool { return byScore[i].Score > byScore[j].Score })

	for spacing := s.Config.MinSpacing; spacing >= 0; spacing-- {
		picked := pickSpaced(byScore, spacing, s.Config.MaxPositions)
		if len(picked) >= s.Config.MinPositions {
			return picked
		}
		if spacing == 0 {
			return picked
		}
	}
	return nil
}

func pickSpaced(byScore []Candidate, spacing, max int) []Candidate {
	var picked []Candidate
	for _, c := range byScore {
		if len(picked) >= max {
			break
		}
		tooClose := false
		for _, p := range picked {
			if abs(p.FullMove-c.FullMove) < spacing {
				tooClose = true
				break
			}
		}
		if !tooClose {
			picked = append(picked, c)
		}
	}
	return picked
}

// isInCheck reports whether the side to move at ply is in check, read off
// the check tag of the move that produced the position.
func isInCheck(pos *chess.Position, moves []*chess.Move, ply int) bool {
	if ply == 0 {
		return false
	}
	return moves[ply-1].HasTag(chess.Check)
}

// winningCaptures counts captures available to the side to move that win
// material outright. A rough proxy for loose pieces on the board.
func winningCaptures(pos *chess.Position) int {
	count := 0
	seen := map[chess.Square]bool{}
	for _, m := range pos.ValidMoves() {
		if !m.HasTag(chess.Capture) {
			continue
		}
		victim := pos.Board().Piece(m.S2())
		if victim == chess.NoPiece {
			continue
		}
		attacker := pos.Board().Piece(m.S1())
		if pieceValues[victim.Type()] > pieceValues[attacker.Type()] && !seen[m.S2()] {
			seen[m.S2()] = true
			count++
		}
	}
	return count
}

// tacticalMoves counts available checks and captures for the side to move.
func tacticalMoves(pos *chess.Position) int {
	n := 0
	for _, m := range pos.ValidMoves() {
		if m.HasTag(chess.Check) || m.HasTag(chess.Capture) {
			n++
		}
	}
	return n
}

// kingSafety scores pawn cover around the player's king, up to 15 for a
// fully exposed king.
func kingSafety(pos *chess.Position, color chess.Color) float64 {
	var kingSq chess.Square = chess.NoSquare
	pawnFiles := map[chess.File]bool{}
	for sq, p := range pos.Board().SquareMap() {
		if p.Color() != color {
			continue
		}
		switch p.Type() {
		case chess.King:
			kingSq = sq
		case chess.Pawn:
			pawnFiles[sq.File()] = true
		}
	}
	if kingSq == chess.NoSquare {
		return 0
	}
	exposed := 0
	for df := -1; df <= 1; df++ {
		f := int(kingSq.File()) + df
		if f < int(chess.FileA) || f > int(chess.FileH) {
			continue
		}
		if !pawnFiles[chess.File(f)] {
			exposed++
		}
	}
	return float64(exposed) * 5
}

// moveQuality scores how far the played move strayed from the principal
// move, when the oracle produced one.
func moveQuality(played *chess.Move, truth domain.EngineTruth) float64 {
	if truth.PrincipalMove == "" {
		return 0
	}
	uci := chess.UCINotation{}.Encode(nil, played)
	if uci == truth.PrincipalMove {
		return 0
	}
	return 10
}

// materialImbalance returns the absolute material difference in pawns.
func materialImbalance(pos *chess.Position) float64 {
	diff := 0.0
	for _, p := range pos.Board().SquareMap() {
		v := pieceValues[p.Type()]
		if p.Color() == chess.White {
			diff += v
		} else {
			diff -= v
		}
	}
	return math.Abs(diff)
}

// phaseTransition detects the middlegame-to-endgame boundary: the first ply
// where both queens are off or total material drops below the threshold.
func phaseTransition(positions []*chess.Position, ply int) bool {
	if ply == 0 {
		return false
	}
	return isEndgame(positions[ply]) && !isEndgame(positions[ply-1])
}

func isEndgame(pos *chess.Position) bool {
	queens := 0
	material := 0.0
	for _, p := range pos.Board().SquareMap() {
		if p.Type() == chess.Queen {
			queens++
		}
		if p.Type() != chess.Pawn && p.Type() != chess.King {
			material += pieceValues[p.Type()]
		}
	}
	return queens == 0 || material <= 12
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
