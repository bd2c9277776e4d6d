package agents

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

// WorkflowResearchVerifySynthesize is the canonical multi-agent flow.
const WorkflowResearchVerifySynthesize = "research_verify_synthesize"

// WorkflowResult is the outcome of ExecuteWorkflowParallel.
type WorkflowResult struct {
	WorkflowID string            `json:"workflow_id"`
	Name       string            `json:"workflow_name"`
	Status     string            `json:"status"`
	Results    map[string]Result `json:"results"`
	AgentsUsed []string          `json:"agents_used"`
}

// ExecuteWorkflowParallel runs a named workflow. The canonical flow
// spawns research, verify, and synthesis agents, runs research and
// verify collaboratively in parallel, then synthesizes both outputs.
// Lifecycle events are emitted on workflow:{workflowID}; pass the id of
// the persisted workflow record so subscribers holding it see them. An
// empty workflowID gets a fresh one.
func (m *Manager) ExecuteWorkflowParallel(ctx context.Context, workflowID, workflowName, task, parentID string) (*WorkflowResult, error) {
	if workflowName != WorkflowResearchVerifySynthesize {
		return nil, fmt.Errorf("unknown workflow: %s", workflowName)
	}

	if workflowID == "" {
		workflowID = uuid.NewString()
	}
	short := workflowID
	if len(short) > 8 {
		short = short[:8]
	}
	channel := protocol.WorkflowChannel(workflowID)

	m.publisher.Broadcast(channel, protocol.EventWorkflowUpdate, map[string]interface{}{
		"workflow_id": workflowID,
		"status":      "started",
		"phase":       "initialization",
	})

	research, err := m.CreateAgent(CreateSpec{Name: "Research-" + short, Role: RoleResearch, ParentID: parentID})
	if err != nil {
		return nil, fmt.Errorf("create research agent: %w", err)
	}
	verify, err := m.CreateAgent(CreateSpec{Name: "Verify-" + short, Role: RoleVerify, ParentID: parentID})
	if err != nil {
		return nil, fmt.Errorf("create verify agent: %w", err)
	}
	synthesis, err := m.CreateAgent(CreateSpec{Name: "Synthesis-" + short, Role: RoleSynthesis, ParentID: parentID})
	if err != nil {
		return nil, fmt.Errorf("create synthesis agent: %w", err)
	}

	m.publisher.Broadcast(channel, protocol.EventWorkflowUpdate, map[string]interface{}{
		"workflow_id": workflowID,
		"status":      "running",
		"phase":       "research_verify_parallel",
	})

	parallel := m.ExecuteParallelTasks(ctx, []TaskSpec{
		{AgentID: research.ID, Task: task},
		{AgentID: verify.ID, Task: "Verify the following topic: " + task},
	}, ModeCollaborative, 0)

	m.publisher.Broadcast(channel, protocol.EventWorkflowUpdate, map[string]interface{}{
		"workflow_id": workflowID,
		"status":      "running",
		"phase":       "synthesis",
	})

	researchOut := parallel[research.ID].Output()
	if researchOut == "" {
		researchOut = "No research results"
	}
	verifyOut := parallel[verify.ID].Output()
	if verifyOut == "" {
		verifyOut = "No verification results"
	}
	synthesisTask := fmt.Sprintf(`Synthesize the following research and verification results:

Research Results:
%s

Verification Results:
%s

Provide a coherent summary with key insights.`, researchOut, verifyOut)

	synthesisResult := m.ExecuteTask(ctx, synthesis.ID, synthesisTask, 0, true)

	result := &WorkflowResult{
		WorkflowID: workflowID,
		Name:       workflowName,
		Status:     "completed",
		Results: map[string]Result{
			"research":  parallel[research.ID],
			"verify":    parallel[verify.ID],
			"synthesis": synthesisResult,
		},
		AgentsUsed: []string{research.ID, verify.ID, synthesis.ID},
	}

	m.publisher.Broadcast(channel, protocol.EventWorkflowUpdate, map[string]interface{}{
		"workflow_id": workflowID,
		"status":      "completed",
		"result":      result,
	})
	return result, nil
}
