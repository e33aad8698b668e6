package generate

import (
	"context"
	"fmt"
	"strings"

	"coachline/internal/domain"
)

// TemplateProvider is the deterministic last-resort provider. It never
// fails, so a chain ending with it always produces output.
type TemplateProvider struct{}

func NewTemplateProvider() *TemplateProvider { return &TemplateProvider{} }

func (p *TemplateProvider) Name() string { return "template" }

var questionTemplates = map[string]string{
	domain.CategoryThreat:       "Take a look at this position: what is your opponent threatening to do right now?",
	domain.CategoryOppIntent:    "If you could peek into your opponent's head here, what plan do you think they have?",
	domain.CategoryChange:       "Something just changed about this position: what feels different compared to a few moves ago?",
	domain.CategoryAlternatives: "Before your next move here, which other moves did you consider?",
	domain.CategoryWorstPiece:   "Which one of your pieces is doing the least work in this position?",
	domain.CategoryReflection:   "What were you feeling when you reached this position?",
}

func (p *TemplateProvider) Question(_ context.Context, req QuestionRequest) (string, error) {
	text, ok := questionTemplates[req.Category]
	if !ok {
		text = questionTemplates[domain.CategoryReflection]
	}
	return text, nil
}

func (p *TemplateProvider) Reflection(_ context.Context, req ReflectionRequest) (domain.Reflection, error) {
	answered := 0
	categories := map[string]bool{}
	for _, qa := range req.Answers {
		if !qa.Skipped {
			answered++
			categories[qa.Category] = true
		}
	}

	summary := fmt.Sprintf("You thought through %d of %d questions about your game. Taking time to explain your ideas in your own words is exactly how stronger players train.",
		answered, len(req.Answers))
	if answered == 0 {
		summary = "You went through your game even though answering felt hard this time. Coming back to a finished game at all is already a strong habit."
	}

	var missing []string
	for _, c := range []string{domain.CategoryThreat, domain.CategoryOppIntent} {
		if !categories[c] {
			missing = append(missing, strings.ToLower(strings.ReplaceAll(c, "_", " ")))
		}
	}

	habits := []string{"Before every move, ask yourself what your opponent wants to do."}
	if answered < len(req.Answers) {
		habits = append(habits, "When a question feels hard, try saying one small thing instead of skipping.")
	}

	return domain.Reflection{
		Summary:         summary,
		MissingElements: missing,
		Habits:          habits,
	}, nil
}
