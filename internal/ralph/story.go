// Package ralph implements the autonomous story implementation loop:
// it walks a PRD story by story, delegates code generation to a
// short-lived code agent, applies the returned file artifacts, gates on
// quality checks, commits on success, and feeds every attempt into the
// memory client as a diary entry and reflection.
package ralph

import (
	"time"

	"github.com/nextlevelbuilder/conductor/internal/prd"
)

// Story statuses.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// Story is one PRD user story plus its loop state.
type Story struct {
	prd.UserStory

	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CommitRef   string     `json:"commit_ref,omitempty"`
}

func (s *Story) terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Plan is the runtime view of a PRD being driven by the loop.
type Plan struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	BranchName  string   `json:"branchName"`
	Stories     []*Story `json:"stories"`
}

// NewPlan wraps a PRD into loop state. Stories keep their original
// order; priority ties resolve by PRD position.
func NewPlan(p *prd.PRD) *Plan {
	plan := &Plan{
		Name:        p.Name,
		Description: p.Description,
		BranchName:  p.BranchName,
		Stories:     make([]*Story, 0, len(p.UserStories)),
	}
	for _, us := range p.UserStories {
		plan.Stories = append(plan.Stories, &Story{UserStory: us, Status: StatusNotStarted})
	}
	return plan
}

func (p *Plan) story(id string) *Story {
	for _, s := range p.Stories {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// depsSatisfied reports whether every named dependency has completed.
// Unknown dependency ids do not block.
func (p *Plan) depsSatisfied(s *Story) bool {
	for _, dep := range s.Dependencies {
		if d := p.story(dep); d != nil && d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// depsDoomed reports whether some dependency can never complete.
func (p *Plan) depsDoomed(s *Story) bool {
	for _, dep := range s.Dependencies {
		if d := p.story(dep); d != nil && (d.Status == StatusFailed || d.Status == StatusSkipped) {
			return true
		}
	}
	return false
}

// NextStory picks the lowest-priority-number eligible story. Stories
// blocked on incomplete dependencies are passed over this round.
func (p *Plan) NextStory() *Story {
	var best *Story
	for _, s := range p.Stories {
		if s.terminal() || !p.depsSatisfied(s) {
			continue
		}
		if best == nil || s.Priority < best.Priority {
			best = s
		}
	}
	return best
}

// SkipDoomed marks every story whose dependencies failed or were
// skipped as skipped. Returns the number of stories transitioned.
func (p *Plan) SkipDoomed() int {
	n := 0
	for _, s := range p.Stories {
		if !s.terminal() && p.depsDoomed(s) {
			s.Status = StatusSkipped
			n++
		}
	}
	return n
}

// CompletedStories returns stories in completed status, in PRD order.
func (p *Plan) CompletedStories() []*Story {
	return p.withStatus(StatusCompleted)
}

// FailedStories returns stories in failed status, in PRD order.
func (p *Plan) FailedStories() []*Story {
	return p.withStatus(StatusFailed)
}

func (p *Plan) withStatus(status string) []*Story {
	var out []*Story
	for _, s := range p.Stories {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

// CompletionPercentage is completed stories over all stories.
func (p *Plan) CompletionPercentage() float64 {
	if len(p.Stories) == 0 {
		return 0
	}
	return float64(len(p.CompletedStories())) / float64(len(p.Stories)) * 100
}
