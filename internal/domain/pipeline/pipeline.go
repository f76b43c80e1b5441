// Package pipeline defines the glossary pipeline stages and how a run scope
// resolves to an ordered stage list.
package pipeline

import (
	"fmt"

	"github.com/Strob0t/glossforge/internal/domain"
	"github.com/Strob0t/glossforge/internal/domain/run"
)

// Stage names one of the four processing steps.
type Stage string

const (
	StageExtract  Stage = "extract"
	StageGenerate Stage = "generate"
	StageReview   Stage = "review"
	StageRefine   Stage = "refine"
)

// Order is the fixed pipeline order. Stages never run out of this order.
var Order = []Stage{StageExtract, StageGenerate, StageReview, StageRefine}

var scopeStages = map[run.Scope][]Stage{
	run.ScopeFull:         Order,
	run.ScopeExtractOnly:  {StageExtract},
	run.ScopeGenerateOnly: {StageGenerate},
	run.ScopeReviewOnly:   {StageReview},
	run.ScopeRefineOnly:   {StageRefine},
}

// StagesFor resolves a scope to the stages it executes, in pipeline order.
// The returned slice is a copy.
func StagesFor(scope run.Scope) ([]Stage, error) {
	stages, ok := scopeStages[scope]
	if !ok {
		return nil, fmt.Errorf("scope %q: %w", scope, domain.ErrValidation)
	}
	return append([]Stage(nil), stages...), nil
}
