// Package generate produces coaching questions and reflections. Providers
// are interchangeable; output contracts are enforced by the caller, not
// here.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"coachline/internal/domain"
)

// QuestionRequest carries everything a provider may use to phrase one
// question about one position.
type QuestionRequest struct {
	FEN         string
	ReasonCode  string
	Category    string
	PlayerColor string
	Truth       domain.EngineTruth
	Annotation  string
}

// QA pairs a question with the player's answer for the reflection prompt.
type QA struct {
	Category string
	Question string
	Answer   string
	Skipped  bool
}

// ReflectionRequest summarizes the finished question flow.
type ReflectionRequest struct {
	PlayerColor string
	Opponent    string
	Answers     []QA
}

// Provider generates coaching text. Implementations return an error for
// infrastructure failures; content problems are caught by output contracts
// downstream.
type Provider interface {
	Name() string
	Question(ctx context.Context, req QuestionRequest) (string, error)
	Reflection(ctx context.Context, req ReflectionRequest) (domain.Reflection, error)
}

// ChooseCategory maps a selection reason to the question category, honoring
// the category priority order.
func ChooseCategory(reasonCode string) string {
	switch reasonCode {
	case domain.ReasonThreat:
		return domain.CategoryThreat
	case domain.ReasonOppIntent:
		return domain.CategoryOppIntent
	case domain.ReasonTransition:
		return domain.CategoryChange
	default:
		return domain.CategoryAlternatives
	}
}

// Chain tries providers in order, falling through on infrastructure errors.
// With the template provider last a chain never fails outright.
type Chain struct {
	Providers []Provider
	Log       *zap.Logger
}

func NewChain(log *zap.Logger, providers ...Provider) *Chain {
	if log == nil {
		log = zap.NewNop()
	}
	return &Chain{Providers: providers, Log: log}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Question(ctx context.Context, req QuestionRequest) (string, error) {
	var errs []error
	for _, p := range c.Providers {
		text, err := p.Question(ctx, req)
		if err == nil {
			return text, nil
		}
		c.Log.Warn("question provider failed", zap.String("provider", p.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return "", errors.Join(errs...)
}

func (c *Chain) Reflection(ctx context.Context, req ReflectionRequest) (domain.Reflection, error) {
	var errs []error
	for _, p := range c.Providers {
		r, err := p.Reflection(ctx, req)
		if err == nil {
			return r, nil
		}
		c.Log.Warn("reflection provider failed", zap.String("provider", p.Name()), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return domain.Reflection{}, errors.Join(errs...)
}

const questionSystem = `You are a chess coach for young players. You ask one short question
about a position to make the player think for themselves. Rules:
- Ask exactly one question, one sentence, ending in a single question mark.
- Never give the answer, a move suggestion, or an evaluation.
- Never mention engines, evaluations, centipawns, or scores.
- Plain, encouraging language a child understands.`

func questionPrompt(req QuestionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Position (FEN): %s\n", req.FEN)
	fmt.Fprintf(&b, "The player is %s.\n", strings.ToLower(req.PlayerColor))
	fmt.Fprintf(&b, "Question focus: %s\n", categoryFocus(req.Category))
	if req.Annotation != "" {
		fmt.Fprintf(&b, "The player noted during the game: %q\n", req.Annotation)
	}
	b.WriteString("Write the single coaching question now.")
	return b.String()
}

func categoryFocus(category string) string {
	switch category {
	case domain.CategoryThreat:
		return "what the opponent is threatening right now"
	case domain.CategoryOppIntent:
		return "what the opponent wants to do next"
	case domain.CategoryChange:
		return "how the character of the position just changed"
	case domain.CategoryAlternatives:
		return "what other moves the player considered here"
	case domain.CategoryWorstPiece:
		return "which of the player's pieces is doing the least"
	default:
		return "what the player was thinking in this position"
	}
}

const reflectionSystem = `You are a chess coach writing a short closing reflection after a
question-and-answer session. Respond with JSON only, exactly this shape:
{"summary": "...", "missing_elements": ["..."], "habits": ["..."]}
Rules:
- summary: 2-3 encouraging sentences about the player's thinking.
- missing_elements: themes the player's answers did not mention.
- habits: one or two concrete habits to practice, never more than two.
- Never mention engines, evaluations, or scores. Never say the player was
  wrong; point at what to look for next time.`

func reflectionPrompt(req ReflectionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The player was %s", strings.ToLower(req.PlayerColor))
	if req.Opponent != "" {
		fmt.Fprintf(&b, " against %s", req.Opponent)
	}
	b.WriteString(".\nQuestions and answers:\n")
	for i, qa := range req.Answers {
		if qa.Skipped {
			fmt.Fprintf(&b, "%d. [%s] %s -> (skipped)\n", i+1, qa.Category, qa.Question)
			continue
		}
		fmt.Fprintf(&b, "%d. [%s] %s -> %s\n", i+1, qa.Category, qa.Question, qa.Answer)
	}
	b.WriteString("Write the JSON reflection now.")
	return b.String()
}

// parseReflection decodes provider output, tolerating code fences around
// the JSON body.
func parseReflection(raw string) (domain.Reflection, error) {
	var r domain.Reflection
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(trimmed)), &r); err != nil {
		return r, fmt.Errorf("decode reflection: %w", err)
	}
	if r.Summary == "" {
		return r, fmt.Errorf("reflection missing summary")
	}
	return r, nil
}
