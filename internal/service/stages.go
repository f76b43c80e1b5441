package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Strob0t/glossforge/internal/domain"
	"github.com/Strob0t/glossforge/internal/domain/event"
	"github.com/Strob0t/glossforge/internal/domain/glossary"
	"github.com/Strob0t/glossforge/internal/domain/pipeline"
	"github.com/Strob0t/glossforge/internal/workpool"
)

// DefaultStages returns the built-in glossary stages in pipeline order.
func DefaultStages() []Stage {
	return []Stage{ExtractStage{}, GenerateStage{}, ReviewStage{}, RefineStage{}}
}

// maxDocumentChars bounds how much of one document goes into a prompt.
const maxDocumentChars = 12000

// collector gathers stage results from concurrent workers.
type collector struct {
	mu  sync.Mutex
	out glossary.Output
}

func (c *collector) add(fn func(o *glossary.Output)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.out)
}

func (c *collector) output(stage pipeline.Stage) *glossary.Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	o := c.out
	o.Stage = string(stage)
	return &o
}

// ---------------------------------------------------------------------------
// extract

type extractedTerm struct {
	Text  string  `json:"text" jsonschema:"description=The term exactly as written in the document"`
	Score float64 `json:"score" jsonschema:"minimum=0,maximum=1,description=How central the term is to the document"`
}

type extractReply struct {
	Terms []extractedTerm `json:"terms" jsonschema:"required"`
}

func (r *extractReply) Validate() error {
	if r.Terms == nil {
		return fmt.Errorf("terms missing: %w", domain.ErrValidation)
	}
	return nil
}

// ExtractStage finds candidate terms, one model call per document.
type ExtractStage struct{}

func (ExtractStage) Name() pipeline.Stage { return pipeline.StageExtract }

func (ExtractStage) Units(snap *glossary.Snapshot) int { return len(snap.Documents) }

func (ExtractStage) Run(ctx context.Context, snap *glossary.Snapshot, sc *StageContext) (*glossary.Output, error) {
	var (
		res  collector
		seen = make(map[string]bool, len(snap.Terms))
	)
	for _, t := range snap.Terms {
		seen[t.Key()] = true
	}

	err := workpool.Each(ctx, sc.Workers, snap.Documents, sc.Cancelled, func(ctx context.Context, doc glossary.Document) error {
		reply, err := CompleteAs[extractReply](ctx, sc.LLM, extractPrompt(doc))
		if err != nil {
			return fmt.Errorf("document %s: %w", doc.Name, err)
		}

		added := 0
		res.add(func(o *glossary.Output) {
			for _, et := range reply.Terms {
				text := strings.TrimSpace(et.Text)
				if text == "" || seen[glossary.Key(text)] {
					continue
				}
				seen[glossary.Key(text)] = true
				o.Terms = append(o.Terms, glossary.Term{
					Text:      text,
					Score:     clampScore(et.Score),
					Status:    glossary.TermCandidate,
					SourceDoc: doc.ID,
				})
				added++
			}
		})
		sc.Advance(doc.Name)
		if added > 0 {
			sc.Log(event.LevelInfo, "Extracted %d new terms from %s", added, doc.Name)
		}
		return nil
	})
	return res.output(pipeline.StageExtract), err
}

func extractPrompt(doc glossary.Document) string {
	content := doc.Content
	if len(content) > maxDocumentChars {
		content = content[:maxDocumentChars]
	}
	return fmt.Sprintf("Identify the domain-specific terms a glossary for this document should define.\n\nDocument %q:\n%s", doc.Name, content)
}

func clampScore(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// ---------------------------------------------------------------------------
// generate

type definitionReply struct {
	Definition string `json:"definition" jsonschema:"required,description=One or two sentence definition"`
}

func (r *definitionReply) Validate() error {
	if strings.TrimSpace(r.Definition) == "" {
		return fmt.Errorf("definition is empty: %w", domain.ErrValidation)
	}
	return nil
}

// GenerateStage writes a provisional definition for every undefined term.
type GenerateStage struct{}

func (GenerateStage) Name() pipeline.Stage { return pipeline.StageGenerate }

func (GenerateStage) Units(snap *glossary.Snapshot) int { return len(snap.Undefined()) }

func (GenerateStage) Run(ctx context.Context, snap *glossary.Snapshot, sc *StageContext) (*glossary.Output, error) {
	var res collector
	err := workpool.Each(ctx, sc.Workers, snap.Undefined(), sc.Cancelled, func(ctx context.Context, t glossary.Term) error {
		reply, err := CompleteAs[definitionReply](ctx, sc.LLM, generatePrompt(snap, t))
		if err != nil {
			return fmt.Errorf("term %q: %w", t.Text, err)
		}
		t.Definition = strings.TrimSpace(reply.Definition)
		t.Status = glossary.TermDefined
		res.add(func(o *glossary.Output) { o.Terms = append(o.Terms, t) })
		sc.Advance(t.Text)
		return nil
	})
	return res.output(pipeline.StageGenerate), err
}

func generatePrompt(snap *glossary.Snapshot, t glossary.Term) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a concise glossary definition for the term %q.\n", t.Text)
	for _, d := range snap.Documents {
		if d.ID == t.SourceDoc {
			if ctxText := contextAround(d.Content, t.Text, 600); ctxText != "" {
				fmt.Fprintf(&b, "\nContext from %s:\n%s\n", d.Name, ctxText)
			}
			break
		}
	}
	return b.String()
}

// contextAround returns up to width characters of content centred on the
// first case-insensitive occurrence of term.
func contextAround(content, term string, width int) string {
	idx := strings.Index(strings.ToLower(content), strings.ToLower(term))
	if idx < 0 {
		return ""
	}
	start := max(idx-width/2, 0)
	end := min(start+width, len(content))
	return strings.TrimSpace(content[start:end])
}

// ---------------------------------------------------------------------------
// review

type reviewFinding struct {
	Kind     string `json:"kind" jsonschema:"enum=ambiguous,enum=circular,enum=inaccurate,enum=incomplete,enum=style"`
	Severity string `json:"severity" jsonschema:"enum=low,enum=medium,enum=high"`
	Message  string `json:"message"`
}

type reviewReply struct {
	Issues []reviewFinding `json:"issues" jsonschema:"required,description=Empty when the definition is fine"`
}

func (r *reviewReply) Validate() error {
	if r.Issues == nil {
		return fmt.Errorf("issues missing: %w", domain.ErrValidation)
	}
	return nil
}

// ReviewStage checks every defined term and replaces its recorded issues.
type ReviewStage struct{}

func (ReviewStage) Name() pipeline.Stage { return pipeline.StageReview }

func (ReviewStage) Units(snap *glossary.Snapshot) int { return len(snap.Defined()) }

func (ReviewStage) Run(ctx context.Context, snap *glossary.Snapshot, sc *StageContext) (*glossary.Output, error) {
	var res collector
	res.out.ReplaceIssues = true

	err := workpool.Each(ctx, sc.Workers, snap.Defined(), sc.Cancelled, func(ctx context.Context, t glossary.Term) error {
		reply, err := CompleteAs[reviewReply](ctx, sc.LLM, reviewPrompt(t))
		if err != nil {
			return fmt.Errorf("term %q: %w", t.Text, err)
		}
		t.Status = glossary.TermReviewed
		res.add(func(o *glossary.Output) {
			o.ReviewedTerms = append(o.ReviewedTerms, t.Text)
			o.Terms = append(o.Terms, t)
			for _, f := range reply.Issues {
				o.Issues = append(o.Issues, glossary.Issue{
					Term:     t.Text,
					Kind:     f.Kind,
					Severity: parseSeverity(f.Severity),
					Message:  f.Message,
				})
			}
		})
		sc.Advance(t.Text)
		return nil
	})
	return res.output(pipeline.StageReview), err
}

func reviewPrompt(t glossary.Term) string {
	return fmt.Sprintf("Review this glossary entry for ambiguity, circularity, inaccuracy and incompleteness.\n\nTerm: %s\nDefinition: %s", t.Text, t.Definition)
}

func parseSeverity(s string) glossary.Severity {
	switch glossary.Severity(strings.ToLower(strings.TrimSpace(s))) {
	case glossary.SeverityHigh:
		return glossary.SeverityHigh
	case glossary.SeverityMedium:
		return glossary.SeverityMedium
	default:
		return glossary.SeverityLow
	}
}

// ---------------------------------------------------------------------------
// refine

type refineReply struct {
	Definition string `json:"refined_definition" jsonschema:"required"`
}

func (r *refineReply) Validate() error {
	if strings.TrimSpace(r.Definition) == "" {
		return fmt.Errorf("refined_definition is empty: %w", domain.ErrValidation)
	}
	return nil
}

// RefineStage rewrites definitions that have issues or were never refined.
type RefineStage struct{}

func (RefineStage) Name() pipeline.Stage { return pipeline.StageRefine }

func (RefineStage) Units(snap *glossary.Snapshot) int { return len(snap.NeedsRefinement()) }

func (RefineStage) Run(ctx context.Context, snap *glossary.Snapshot, sc *StageContext) (*glossary.Output, error) {
	var res collector
	err := workpool.Each(ctx, sc.Workers, snap.NeedsRefinement(), sc.Cancelled, func(ctx context.Context, t glossary.Term) error {
		reply, err := CompleteAs[refineReply](ctx, sc.LLM, refinePrompt(t, snap.IssuesFor(t.Text)))
		if err != nil {
			return fmt.Errorf("term %q: %w", t.Text, err)
		}
		t.Refined = strings.TrimSpace(reply.Definition)
		t.Status = glossary.TermRefined
		res.add(func(o *glossary.Output) { o.Terms = append(o.Terms, t) })
		sc.Advance(t.Text)
		return nil
	})
	return res.output(pipeline.StageRefine), err
}

func refinePrompt(t glossary.Term, issues []glossary.Issue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Improve the glossary definition of %q.\n\nCurrent definition: %s\n", t.Text, t.Definition)
	if len(issues) > 0 {
		b.WriteString("\nReviewer findings:\n")
		for _, is := range issues {
			fmt.Fprintf(&b, "- [%s/%s] %s\n", is.Severity, is.Kind, is.Message)
		}
	}
	return b.String()
}
