// Package contract enforces output contracts on generated artifacts. A
// violation aborts the pipeline; it is a content defect, not a transient
// failure, so nothing here is retried.
package contract

import (
	"fmt"
	"strings"

	"github.com/notnil/chess"

	"coachline/internal/domain"
)

// ViolationError reports which producer broke which rule.
type ViolationError struct {
	Role   string
	Rule   string
	Detail string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("contract violation (%s/%s): %s", e.Role, e.Rule, e.Detail)
}

func violation(role, rule, detail string) error {
	return &ViolationError{Role: role, Rule: rule, Detail: detail}
}

var validReasons = map[string]bool{
	domain.ReasonOppIntent:  true,
	domain.ReasonThreat:     true,
	domain.ReasonTransition: true,
}

// proseRun is the length of an unbroken alphabetic run that marks a
// structured field as containing prose.
const proseRun = 24

func looksLikeProse(s string) bool {
	run := 0
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == ' ' {
			run++
			if run > proseRun {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// ValidateSelection checks the selector output: min..max positions, or the
// single fallback position, parseable FENs, enumerated reason codes, and no
// prose leaking into structured fields.
func ValidateSelection(positions []domain.KeyPosition, min, max int) error {
	if len(positions) == 0 {
		return violation("selector", "count", "no positions selected")
	}
	if len(positions) != 1 && (len(positions) < min || len(positions) > max) {
		return violation("selector", "count", fmt.Sprintf("%d positions selected, want %d..%d or the single fallback", len(positions), min, max))
	}
	for i, kp := range positions {
		if _, err := chess.FEN(kp.FEN); err != nil {
			return violation("selector", "fen", fmt.Sprintf("position %d: %v", i, err))
		}
		if !validReasons[kp.ReasonCode] {
			return violation("selector", "reason_code", fmt.Sprintf("position %d: unknown reason %q", i, kp.ReasonCode))
		}
		if looksLikeProse(kp.ReasonCode) || looksLikeProse(kp.EngineTruth.PrincipalMove) {
			return violation("selector", "prose", fmt.Sprintf("position %d: structured field contains prose", i))
		}
	}
	return nil
}

// questionVocab are terms that give away engine output or answers. A
// coaching question must make the player think, not tell them.
var questionVocab = []string{
	"engine",
	"stockfish",
	"evaluation",
	"centipawn",
	"best move",
	"correct move",
	"you should",
	"the answer is",
	"blunder",
	"mistake",
	"winning",
	"losing",
}

// ValidateQuestion checks a generated question: one non-empty sentence with
// at most one question mark and none of the forbidden vocabulary.
func ValidateQuestion(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return violation("generator", "empty", "question text is empty")
	}
	if strings.Count(trimmed, "?") > 1 {
		return violation("generator", "multi_question", "more than one question mark")
	}
	lower := strings.ToLower(trimmed)
	for _, term := range questionVocab {
		if strings.Contains(lower, term) {
			return violation("generator", "vocab", fmt.Sprintf("forbidden term %q", term))
		}
	}
	return nil
}

// reflectionPhrases are judgmental formulations a reflection must avoid.
var reflectionPhrases = []string{
	"you should have",
	"the correct move",
	"your mistake",
	"you blundered",
	"engine",
	"evaluation",
}

// ValidateReflection checks the closing reflection: a summary, one or two
// habits, and no judgmental or engine-flavored phrasing.
func ValidateReflection(r domain.Reflection) error {
	if strings.TrimSpace(r.Summary) == "" {
		return violation("reflector", "empty", "summary is empty")
	}
	if len(r.Habits) < 1 || len(r.Habits) > 2 {
		return violation("reflector", "habits", fmt.Sprintf("%d habits, want 1 or 2", len(r.Habits)))
	}
	joined := strings.ToLower(r.Summary + " " + strings.Join(r.MissingElements, " ") + " " + strings.Join(r.Habits, " "))
	for _, phrase := range reflectionPhrases {
		if strings.Contains(joined, phrase) {
			return violation("reflector", "vocab", fmt.Sprintf("forbidden phrase %q", phrase))
		}
	}
	return nil
}
