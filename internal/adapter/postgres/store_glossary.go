package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/glossforge/internal/domain"
	"github.com/Strob0t/glossforge/internal/domain/glossary"
)

// GlossaryStore implements the glossary port using PostgreSQL.
type GlossaryStore struct {
	pool *pgxpool.Pool
}

// NewGlossaryStore creates a new GlossaryStore backed by the given connection pool.
func NewGlossaryStore(pool *pgxpool.Pool) *GlossaryStore {
	return &GlossaryStore{pool: pool}
}

// --- Documents ---

// PutDocument creates or replaces the document with the given name.
func (s *GlossaryStore) PutDocument(ctx context.Context, projectID, name, content string) (*glossary.Document, error) {
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("put document: project and name are required: %w", domain.ErrValidation)
	}

	doc := glossary.Document{Name: name, Content: content}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO documents (project_id, name, content)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (project_id, name) DO UPDATE SET content = EXCLUDED.content, updated_at = now()
		 RETURNING id`,
		projectID, name, content).Scan(&doc.ID)
	if err != nil {
		return nil, fmt.Errorf("put document %s/%s: %w", projectID, name, err)
	}
	return &doc, nil
}

// --- Snapshot ---

// Snapshot loads the documents, terms and issues of a project.
func (s *GlossaryStore) Snapshot(ctx context.Context, projectID string) (*glossary.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: begin: %w", projectID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	snap := &glossary.Snapshot{ProjectID: projectID}

	snap.Documents, err = queryAll(ctx, tx,
		`SELECT id, name, content FROM documents WHERE project_id = $1 ORDER BY created_at, name`,
		[]any{projectID},
		func(row scannable) (glossary.Document, error) {
			var d glossary.Document
			err := row.Scan(&d.ID, &d.Name, &d.Content)
			return d, err
		})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: documents: %w", projectID, err)
	}

	snap.Terms, err = queryAll(ctx, tx,
		`SELECT text, score, definition, refined_definition, status, source_document
		 FROM terms WHERE project_id = $1 ORDER BY created_at, term_key`,
		[]any{projectID},
		func(row scannable) (glossary.Term, error) {
			var t glossary.Term
			err := row.Scan(&t.Text, &t.Score, &t.Definition, &t.Refined, &t.Status, &t.SourceDoc)
			return t, err
		})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: terms: %w", projectID, err)
	}

	snap.Issues, err = queryAll(ctx, tx,
		`SELECT term, kind, severity, message FROM term_issues WHERE project_id = $1 ORDER BY id`,
		[]any{projectID},
		func(row scannable) (glossary.Issue, error) {
			var is glossary.Issue
			err := row.Scan(&is.Term, &is.Kind, &is.Severity, &is.Message)
			return is, err
		})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: issues: %w", projectID, err)
	}

	snap.Documents = orEmpty(snap.Documents)
	snap.Terms = orEmpty(snap.Terms)
	snap.Issues = orEmpty(snap.Issues)
	return snap, nil
}

// --- Apply ---

// Apply persists one stage output in a single transaction. Terms are
// upserted by key; issues of reviewed terms are replaced when requested.
func (s *GlossaryStore) Apply(ctx context.Context, projectID string, out *glossary.Output) error {
	if out.Empty() {
		return nil
	}
	if err := out.Validate(); err != nil {
		return fmt.Errorf("apply %s output: %w", out.Stage, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("apply %s output: begin: %w", out.Stage, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for i := range out.Terms {
		t := &out.Terms[i]
		status := t.Status
		if status == "" {
			status = glossary.TermCandidate
		}
		batch.Queue(
			`INSERT INTO terms (project_id, term_key, text, score, definition, refined_definition, status, source_document)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (project_id, term_key) DO UPDATE SET
			   text = EXCLUDED.text,
			   score = EXCLUDED.score,
			   definition = EXCLUDED.definition,
			   refined_definition = EXCLUDED.refined_definition,
			   status = EXCLUDED.status,
			   source_document = EXCLUDED.source_document,
			   updated_at = now()`,
			projectID, t.Key(), t.Text, t.Score, t.Definition, t.Refined, string(status), t.SourceDoc)
	}

	if out.ReplaceIssues && len(out.ReviewedTerms) > 0 {
		keys := make([]string, 0, len(out.ReviewedTerms))
		for _, term := range out.ReviewedTerms {
			keys = append(keys, glossary.Key(term))
		}
		batch.Queue(`DELETE FROM term_issues WHERE project_id = $1 AND term_key = ANY($2)`, projectID, keys)
	}

	for i := range out.Issues {
		is := &out.Issues[i]
		sev := is.Severity
		if sev == "" {
			sev = glossary.SeverityMedium
		}
		batch.Queue(
			`INSERT INTO term_issues (project_id, term_key, term, kind, severity, message)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			projectID, glossary.Key(is.Term), is.Term, is.Kind, string(sev), is.Message)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("apply %s output: %w", out.Stage, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("apply %s output: commit: %w", out.Stage, err)
	}
	return nil
}

// queryAll runs a query inside tx and scans every row with scan.
func queryAll[T any](ctx context.Context, tx pgx.Tx, query string, args []any, scan func(scannable) (T, error)) ([]T, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
