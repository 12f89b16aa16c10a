// Package analysis defines the content-analysis capability consumed by the
// workflow engine. The engine only depends on the Analyzer interface; the
// default implementation is a deterministic rule matcher, and richer
// classifiers (an ML service, a human pre-screen) plug in behind the same
// contract.
package analysis

import (
	"context"

	"github.com/guardian-ai/orchestrator/moderation"
)

// Analyzer produces a preliminary assessment of a piece of content.
type Analyzer interface {
	Analyze(ctx context.Context, contentID, contentText string) (*moderation.Analysis, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, contentID, contentText string) (*moderation.Analysis, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, contentID, contentText string) (*moderation.Analysis, error) {
	return f(ctx, contentID, contentText)
}
