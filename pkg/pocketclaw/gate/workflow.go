package gate

import (
	"context"
	"fmt"
)

// Step is one action of a workflow.
type Step struct {
	Kind    Kind   `json:"kind"`
	Command string `json:"command,omitempty"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

// WorkflowResult reports how far a workflow got.
type WorkflowResult struct {
	TotalSteps      int
	CompletedSteps  int
	SuccessfulSteps int
	Results         []ExecutionResult
	Stopped         bool
	StopReason      string
}

// Err returns the error of the step that stopped the workflow, if any.
func (w WorkflowResult) Err() error {
	if !w.Stopped || len(w.Results) == 0 {
		return nil
	}
	return w.Results[len(w.Results)-1].Err
}

// Summary renders a short human-readable status line.
func (w WorkflowResult) Summary() string {
	s := fmt.Sprintf("%d/%d steps succeeded", w.SuccessfulSteps, w.TotalSteps)
	if w.Stopped {
		s += "; stopped: " + w.StopReason
	}
	return s
}

// RunWorkflow proposes steps in order and stops at the first denied or
// failed step. No new step starts after ctx is cancelled; a step that has
// already started runs to completion.
func (g *Gate) RunWorkflow(ctx context.Context, identity string, steps []Step) WorkflowResult {
	res := WorkflowResult{TotalSteps: len(steps)}

	for i, st := range steps {
		if err := ctx.Err(); err != nil {
			res.Stopped = true
			res.StopReason = fmt.Sprintf("cancelled before step %d: %v", i+1, err)
			g.logger.Info("workflow cancelled", "identity", identity, "step", i+1)
			return res
		}

		r := g.Propose(ctx, &PendingCommand{
			Identity: identity,
			Kind:     st.Kind,
			Command:  st.Command,
			Path:     st.Path,
			Content:  st.Content,
		})
		res.Results = append(res.Results, r)
		if r.State == StateExecuted {
			res.CompletedSteps++
		}
		if r.OK() {
			res.SuccessfulSteps++
			continue
		}

		res.Stopped = true
		if r.State == StateDenied {
			res.StopReason = fmt.Sprintf("step %d denied: %v", i+1, r.Err)
		} else {
			res.StopReason = fmt.Sprintf("step %d failed: %v", i+1, r.Err)
		}
		return res
	}
	return res
}
