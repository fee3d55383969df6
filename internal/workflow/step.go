package workflow

import (
	"context"

	"github.com/framesmith/framesmith-agent/internal/jobs"
	"github.com/framesmith/framesmith-agent/internal/logging"
	"github.com/framesmith/framesmith-agent/internal/state"
)

var _ jobs.ProcessStep = (*Pipeline)(nil).ProcessStep

// ProcessStep runs one job step through the pipeline in the batch
// context. Reference faces from a previous step are never reused.
func (p *Pipeline) ProcessStep(ctx context.Context, jobID string, index int, args state.Args) bool {
	ctx = state.WithExecutionContext(ctx, state.Batch)
	code := p.Process(ctx, args)
	if code != CodeSuccess {
		logging.WithStep(p.logger, jobID, index).Warn("step did not succeed", "code", code)
	}
	return code == CodeSuccess
}
