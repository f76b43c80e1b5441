// Package glossary defines the document and glossary records the pipeline
// stages read and write.
package glossary

import (
	"fmt"
	"strings"

	"github.com/Strob0t/glossforge/internal/domain"
)

// TermStatus tracks how far a term has progressed through the pipeline.
type TermStatus string

const (
	TermCandidate TermStatus = "candidate"
	TermDefined   TermStatus = "defined"
	TermReviewed  TermStatus = "reviewed"
	TermRefined   TermStatus = "refined"
)

// Severity grades a review issue.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Document is one source text of a project.
type Document struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Term is one glossary entry.
type Term struct {
	Text       string     `json:"text"`
	Score      float64    `json:"score"`
	Definition string     `json:"definition,omitempty"`
	Refined    string     `json:"refined_definition,omitempty"`
	Status     TermStatus `json:"status"`
	SourceDoc  string     `json:"source_document,omitempty"`
}

// Key returns the case-insensitive identity of the term.
func (t Term) Key() string {
	return Key(t.Text)
}

// Key normalizes term text for de-duplication.
func Key(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Issue is a review finding against a term's definition.
type Issue struct {
	Term     string   `json:"term"`
	Kind     string   `json:"kind"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Snapshot is the collaborator's current view of a project's data.
type Snapshot struct {
	ProjectID string     `json:"project_id"`
	Documents []Document `json:"documents"`
	Terms     []Term     `json:"terms"`
	Issues    []Issue    `json:"issues"`
}

// HasTerm reports whether a term with the same key exists.
func (s *Snapshot) HasTerm(text string) bool {
	k := Key(text)
	for i := range s.Terms {
		if s.Terms[i].Key() == k {
			return true
		}
	}
	return false
}

// Undefined returns terms without a provisional definition.
func (s *Snapshot) Undefined() []Term {
	var out []Term
	for _, t := range s.Terms {
		if strings.TrimSpace(t.Definition) == "" {
			out = append(out, t)
		}
	}
	return out
}

// Defined returns terms that have a provisional definition.
func (s *Snapshot) Defined() []Term {
	var out []Term
	for _, t := range s.Terms {
		if strings.TrimSpace(t.Definition) != "" {
			out = append(out, t)
		}
	}
	return out
}

// IssuesFor returns the issues recorded against a term.
func (s *Snapshot) IssuesFor(text string) []Issue {
	k := Key(text)
	var out []Issue
	for _, is := range s.Issues {
		if Key(is.Term) == k {
			out = append(out, is)
		}
	}
	return out
}

// NeedsRefinement returns defined terms that have open issues or have not
// been refined yet.
func (s *Snapshot) NeedsRefinement() []Term {
	var out []Term
	for _, t := range s.Defined() {
		if len(s.IssuesFor(t.Text)) > 0 || strings.TrimSpace(t.Refined) == "" {
			out = append(out, t)
		}
	}
	return out
}

// Output is what one stage hands back to the collaborator for persistence.
// Terms are upserted by key. When ReplaceIssues is set, existing issues for
// every term listed in ReviewedTerms are removed before Issues are inserted.
type Output struct {
	Stage         string   `json:"stage"`
	Terms         []Term   `json:"terms,omitempty"`
	Issues        []Issue  `json:"issues,omitempty"`
	ReplaceIssues bool     `json:"replace_issues,omitempty"`
	ReviewedTerms []string `json:"reviewed_terms,omitempty"`
}

// Empty reports whether the output carries nothing to persist.
func (o *Output) Empty() bool {
	return o == nil || (len(o.Terms) == 0 && len(o.Issues) == 0 && len(o.ReviewedTerms) == 0)
}

// Validate checks the output records before they are written.
func (o *Output) Validate() error {
	for i, t := range o.Terms {
		if strings.TrimSpace(t.Text) == "" {
			return fmt.Errorf("terms[%d]: text is required: %w", i, domain.ErrValidation)
		}
	}
	for i, is := range o.Issues {
		if strings.TrimSpace(is.Term) == "" {
			return fmt.Errorf("issues[%d]: term is required: %w", i, domain.ErrValidation)
		}
	}
	return nil
}

// Apply merges the output into the snapshot in memory, mirroring what a
// durable writer does. It is used by in-memory stores and tests.
func (s *Snapshot) Apply(o *Output) {
	if o == nil {
		return
	}
	for _, t := range o.Terms {
		replaced := false
		for i := range s.Terms {
			if s.Terms[i].Key() == t.Key() {
				s.Terms[i] = t
				replaced = true
				break
			}
		}
		if !replaced {
			s.Terms = append(s.Terms, t)
		}
	}
	if o.ReplaceIssues {
		drop := make(map[string]bool, len(o.ReviewedTerms))
		for _, t := range o.ReviewedTerms {
			drop[Key(t)] = true
		}
		kept := s.Issues[:0:0]
		for _, is := range s.Issues {
			if !drop[Key(is.Term)] {
				kept = append(kept, is)
			}
		}
		s.Issues = kept
	}
	s.Issues = append(s.Issues, o.Issues...)
}
