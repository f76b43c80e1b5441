// Package glossary defines the port through which pipeline stages read a
// project's documents and glossary and persist their output.
package glossary

import (
	"context"

	"github.com/Strob0t/glossforge/internal/domain/glossary"
)

// Reader returns the current data snapshot of a project.
type Reader interface {
	Snapshot(ctx context.Context, projectID string) (*glossary.Snapshot, error)
}

// Writer durably persists a stage's output. Apply must not return before
// the output is visible to subsequent Snapshot calls.
type Writer interface {
	Apply(ctx context.Context, projectID string, out *glossary.Output) error
}

// Store combines Reader and Writer.
type Store interface {
	Reader
	Writer
}

// Documents manages the source texts of a project.
type Documents interface {
	// PutDocument creates or replaces the document with the given name.
	PutDocument(ctx context.Context, projectID, name, content string) (*glossary.Document, error)
}
