package classifier

import (
	"context"

	"go.uber.org/zap"

	"github.com/crossstack-ai/crossbridge/internal/model"
)

// Input is one test outcome plus the context the stages need.
type Input struct {
	TestID       string
	Status       string
	RetryCount   int
	Signature    string
	History      *model.TestHistory
	CoveredFiles []string
	ChangedFiles []string
}

// Classifier composes the stages: signature rules, history families, code
// reference resolution, then optional AI annotation.
type Classifier struct {
	engine    *Engine
	enricher  *Enricher // nil when AI is disabled
	workspace string
	logger    *zap.Logger
}

func New(engine *Engine, enricher *Enricher, workspace string, logger *zap.Logger) *Classifier {
	if engine == nil {
		engine = NewEngine(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{engine: engine, enricher: enricher, workspace: workspace, logger: logger}
}

// Classify never fails; the worst case is UNKNOWN with zero confidence.
// Failed tests go through the signature rules first and fall back to the
// history families; passing tests are history-only.
func (c *Classifier) Classify(ctx context.Context, in Input) model.FailureClassification {
	var out model.FailureClassification

	if in.Status == model.TestFailed {
		out = c.engine.Classify(in.TestID, in.Signature)
		if out.Category == model.CategoryUnknown {
			if hist := ClassifyHistory(HistoryInput{
				TestID:       in.TestID,
				Status:       in.Status,
				RetryCount:   in.RetryCount,
				History:      in.History,
				CoveredFiles: in.CoveredFiles,
				ChangedFiles: in.ChangedFiles,
			}); hist != nil {
				out = *hist
			}
		}
		if ref := ResolveCodeReference(c.workspace, in.Signature); ref != nil {
			out.CodeReference = ref
		}
		if c.enricher != nil {
			c.enricher.Enrich(ctx, &out, in.Signature)
		}
		return out
	}

	if hist := ClassifyHistory(HistoryInput{
		TestID:     in.TestID,
		Status:     in.Status,
		RetryCount: in.RetryCount,
		History:    in.History,
	}); hist != nil {
		return *hist
	}
	return model.FailureClassification{TestID: in.TestID, Category: model.CategoryUnknown}
}
