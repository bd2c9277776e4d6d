// Package orchestrator is the conversational entry point: it classifies
// each user message, then either drives the code generation loop, runs
// a multi-agent workflow, or falls back to plain LLM chat, streaming
// phase updates over the realtime bus.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/conductor/internal/agents"
	"github.com/nextlevelbuilder/conductor/internal/bus"
	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/internal/prd"
	"github.com/nextlevelbuilder/conductor/internal/providers"
	"github.com/nextlevelbuilder/conductor/internal/ralph"
	"github.com/nextlevelbuilder/conductor/internal/store"
	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

const pendingTaskKey = "pending_task"

const codeFallbackPrompt = `You are a Code Agent capable of writing clean, efficient code.
You MUST actually generate the complete code, not just describe what to do.
Follow best practices, include comments, and provide COMPLETE, WORKING implementations.
Do not use placeholders like '...' or 'TODO' - write the actual code.`

// AgentService is the slice of the agent manager the orchestrator uses.
type AgentService interface {
	CreateAgent(spec agents.CreateSpec) (*agents.Agent, error)
	ExecuteTask(ctx context.Context, agentID, task string, timeout time.Duration, injectLearnings bool) agents.Result
	TerminateAgent(agentID string) bool
	ListAgents(status, role, parentID string) []agents.Info
	ExecuteWorkflowParallel(ctx context.Context, workflowID, workflowName, task, parentID string) (*agents.WorkflowResult, error)
}

// PRDBuilder turns a code request into a PRD.
type PRDBuilder interface {
	BuildPRD(ctx context.Context, userMessage, sessionID string) (*prd.PRD, error)
}

// loopRunner is one constructed implementation loop.
type loopRunner interface {
	Run(ctx context.Context) (*ralph.Summary, error)
	WorkDir() string
}

// Orchestrator routes user messages across the chat, workflow, and
// code paths.
type Orchestrator struct {
	llm       providers.Provider
	sessions  store.SessionStore
	agents    AgentService
	builder   PRDBuilder
	mem       ralph.MemorySink
	publisher bus.Publisher
	cfg       config.OrchestratorConfig
	ralphCfg  config.RalphConfig
	git       ralph.CommitDriver

	// newLoop builds the implementation loop for one plan.
	newLoop func(plan *ralph.Plan) loopRunner
}

// New wires the orchestrator. mem may be nil (learning disabled).
func New(llm providers.Provider, sessions store.SessionStore, agentSvc AgentService, builder PRDBuilder, mem ralph.MemorySink, pub bus.Publisher, cfg config.OrchestratorConfig, ralphCfg config.RalphConfig) *Orchestrator {
	if cfg.ContextMessages <= 0 {
		cfg.ContextMessages = 20
	}
	o := &Orchestrator{
		llm:       llm,
		sessions:  sessions,
		agents:    agentSvc,
		builder:   builder,
		mem:       mem,
		publisher: pub,
		cfg:       cfg,
		ralphCfg:  ralphCfg,
		git:       ralph.Git{},
	}
	o.newLoop = func(plan *ralph.Plan) loopRunner {
		return ralph.NewLoop(ralphCfg, plan, agentSvc, mem)
	}
	return o
}

// Chat processes one user message and returns the assistant reply. The
// reply is always appended to the session; with stream set, phase
// updates and the final reply are also broadcast on chat:{session_id}.
func (o *Orchestrator) Chat(ctx context.Context, sessionID, message string, stream bool) (string, error) {
	sessionID, err := o.sessions.CreateSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("ensure session: %w", err)
	}
	if _, err := o.sessions.AppendMessage(ctx, sessionID, "user", message, nil); err != nil {
		slog.Warn("failed to record user message", "session", sessionID, "error", err)
	}

	sig := classifySignals(message)

	var response string
	switch {
	case sig.wantsCode(message):
		slog.Info("routing to code path", "session", sessionID)
		response = o.handleCodeRequest(ctx, sessionID, message, stream)

	default:
		task := o.resolveTask(ctx, sessionID, message, sig)
		if sig.research && !sig.execution {
			if err := o.sessions.SetContext(ctx, sessionID, pendingTaskKey, message); err != nil {
				slog.Warn("failed to store pending task", "session", sessionID, "error", err)
			}
		}
		if task != "" {
			slog.Info("routing to workflow path", "session", sessionID)
			response = o.handleWorkflowRequest(ctx, sessionID, task, stream)
		} else {
			response = o.handleChat(ctx, sessionID)
		}
	}

	if _, err := o.sessions.AppendMessage(ctx, sessionID, "assistant", response, nil); err != nil {
		slog.Warn("failed to record assistant message", "session", sessionID, "error", err)
	}
	if stream {
		o.streamChunk(sessionID, response, true)
	}
	return response, nil
}

// resolveTask decides whether an execution-flavored message carries
// its own task, or resumes a pending one stored in session context.
func (o *Orchestrator) resolveTask(ctx context.Context, sessionID, message string, sig signals) string {
	if !sig.execution {
		return ""
	}
	if hasTaskContent(message) {
		return message
	}
	pending, err := o.sessions.GetContext(ctx, sessionID, pendingTaskKey)
	if err != nil || pending == nil {
		return ""
	}
	task, ok := pending.(string)
	if !ok || task == "" {
		return ""
	}
	if err := o.sessions.SetContext(ctx, sessionID, pendingTaskKey, nil); err != nil {
		slog.Warn("failed to clear pending task", "session", sessionID, "error", err)
	}
	return task
}

func (o *Orchestrator) streamChunk(sessionID, content string, final bool) {
	if o.publisher == nil {
		return
	}
	o.publisher.Broadcast(protocol.ChatChannel(sessionID), protocol.EventChatStream, map[string]interface{}{
		"content": content,
		"final":   final,
	})
}

// handleCodeRequest runs the full PRD + implementation loop pipeline
// and renders a markdown report. Any pipeline failure degrades to a
// direct LLM code answer instead of surfacing an error to the user.
func (o *Orchestrator) handleCodeRequest(ctx context.Context, sessionID, message string, stream bool) string {
	if stream {
		o.streamChunk(sessionID, "🔨 **Initiating PRD-based code generation workflow...**\n\n", false)
		o.streamChunk(sessionID, "📋 Generating Product Requirements Document...\n", false)
	}

	p, err := o.builder.BuildPRD(ctx, message, sessionID)
	if err != nil {
		return o.codeFallback(ctx, sessionID, message, err)
	}
	plan := ralph.NewPlan(p)

	if stream {
		o.streamChunk(sessionID, "💻 Implementing user stories...\n", false)
	}
	loop := o.newLoop(plan)
	summary, err := loop.Run(ctx)
	if err != nil {
		return o.codeFallback(ctx, sessionID, message, err)
	}

	if stream {
		o.streamChunk(sessionID, "🚀 Pushing changes to GitHub...\n", false)
	}
	// Per-story pushes already happened; this publishes whatever landed
	// after the last story commit.
	pushErr := o.git.Push(loop.WorkDir())

	return codeReport(plan, summary, pushErr)
}

// codeFallback answers a code request directly through the LLM when
// the loop pipeline fails.
func (o *Orchestrator) codeFallback(ctx context.Context, sessionID, message string, cause error) string {
	slog.Error("code generation pipeline failed, falling back to direct LLM", "error", cause)

	header := fmt.Sprintf("## ❌ Code Generation Failed\n\nAn error occurred during the implementation loop:\n```\n%v\n```\n\n**Falling back to direct code generation...**\n\n", cause)

	messages := []providers.Message{{Role: "system", Content: codeFallbackPrompt}}
	messages = append(messages, o.recentMessages(ctx, sessionID, 10)...)
	messages = append(messages, providers.Message{
		Role:    "user",
		Content: "Generate complete, working code for: " + message,
	})

	resp, err := o.llm.Complete(ctx, providers.CompletionRequest{Messages: messages})
	if err != nil {
		return header + "Fallback also failed: " + err.Error()
	}
	return header + resp.Content
}

// ExecuteWorkflow runs a named workflow for a session, preferring the
// parallel fan-out and degrading to a sequential run when it errors.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, workflowName, task, sessionID string) (*store.Workflow, map[string]agents.Result) {
	wf := &store.Workflow{
		ID:        uuid.NewString(),
		Kind:      workflowName,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	o.saveWorkflow(ctx, sessionID, wf)
	o.broadcastWorkflow(wf, "initialization")

	var results map[string]agents.Result
	parallel, err := o.agents.ExecuteWorkflowParallel(ctx, wf.ID, workflowName, task, "orchestrator")
	if err == nil {
		results = parallel.Results
		wf.Steps = []string{"research_verify_parallel", "synthesis"}
	} else {
		slog.Warn("parallel workflow failed, degrading to sequential", "workflow", workflowName, "error", err)
		results = o.runSequentialWorkflow(ctx, task)
		wf.Steps = []string{"research", "verify", "synthesize"}
	}

	wf.Status = "completed"
	if results["synthesis"].Err() != "" {
		wf.Status = "failed"
	}
	wf.FinishedAt = time.Now().UTC()
	wf.ResultsByStep = make(map[string]interface{}, len(results))
	for step, r := range results {
		wf.ResultsByStep[step] = r
	}
	o.saveWorkflow(ctx, sessionID, wf)
	o.broadcastWorkflow(wf, "")
	return wf, results
}

func (o *Orchestrator) saveWorkflow(ctx context.Context, sessionID string, wf *store.Workflow) {
	if sessionID == "" {
		return
	}
	if err := o.sessions.SaveWorkflow(ctx, sessionID, wf); err != nil {
		slog.Warn("failed to save workflow record", "workflow", wf.ID, "error", err)
	}
}

func (o *Orchestrator) broadcastWorkflow(wf *store.Workflow, phase string) {
	if o.publisher == nil {
		return
	}
	payload := map[string]interface{}{
		"workflow_id": wf.ID,
		"status":      wf.Status,
	}
	if phase != "" {
		payload["phase"] = phase
	}
	o.publisher.Broadcast(protocol.WorkflowChannel(wf.ID), protocol.EventWorkflowUpdate, payload)
}

// runSequentialWorkflow is the degraded research → verify → synthesize
// flow. Each phase failure is recorded and the next phase still runs.
func (o *Orchestrator) runSequentialWorkflow(ctx context.Context, task string) map[string]agents.Result {
	results := make(map[string]agents.Result, 3)

	results["research"] = o.runPhase(ctx, agents.RoleResearch, task)
	verifyInput := results["research"].Output()
	if verifyInput == "" {
		verifyInput = task
	}
	results["verify"] = o.runPhase(ctx, agents.RoleVerify, "Verify this research: "+verifyInput)

	synthesisTask := fmt.Sprintf(`Synthesize the following research and verification results:

Research Results:
%s

Verification Results:
%s

Provide a coherent summary with key insights.`,
		orDefault(results["research"].Output(), "No research results"),
		orDefault(results["verify"].Output(), "No verification results"))
	results["synthesis"] = o.runPhase(ctx, agents.RoleSynthesis, synthesisTask)

	return results
}

func (o *Orchestrator) runPhase(ctx context.Context, role, task string) agents.Result {
	name := fmt.Sprintf("%s-seq-%s", capitalize(role), uuid.NewString()[:8])
	agent, err := o.agents.CreateAgent(agents.CreateSpec{Name: name, Role: role, ParentID: "orchestrator"})
	if err != nil {
		return agents.Result{"error": err.Error()}
	}
	defer o.agents.TerminateAgent(agent.ID)
	return o.agents.ExecuteTask(ctx, agent.ID, task, 0, true)
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// handleWorkflowRequest runs the canonical workflow and formats the
// three-phase report, falling back to plain chat when nothing usable
// came out.
func (o *Orchestrator) handleWorkflowRequest(ctx context.Context, sessionID, task string, stream bool) string {
	if stream {
		o.streamChunk(sessionID, "🚀 Starting workflow execution...\n", false)
	}

	wf, results := o.ExecuteWorkflow(ctx, "research_verify_synthesize", task, sessionID)
	if wf.Status == "completed" {
		return workflowReport(task, wf.ID, results)
	}

	shortTask := task
	if len(shortTask) > 100 {
		shortTask = shortTask[:100]
	}
	response := fmt.Sprintf("## Workflow Execution\n\nI attempted to execute the workflow for: **%s**\n\nHowever, I encountered an issue. Let me provide you with a response using my capabilities:\n\n", shortTask)
	return response + o.handleChat(ctx, sessionID)
}

// handleChat answers from the transcript alone.
func (o *Orchestrator) handleChat(ctx context.Context, sessionID string) string {
	messages := []providers.Message{{Role: "system", Content: o.buildSystemPrompt(ctx, sessionID)}}
	messages = append(messages, o.recentMessages(ctx, sessionID, o.cfg.ContextMessages)...)

	resp, err := o.llm.Complete(ctx, providers.CompletionRequest{Messages: messages})
	if err != nil {
		return fmt.Sprintf("I encountered an error: %v. Please try again.", err)
	}
	if resp.Content == "" {
		return "No response generated."
	}
	return resp.Content
}

func (o *Orchestrator) recentMessages(ctx context.Context, sessionID string, n int) []providers.Message {
	recent, err := o.sessions.RecentContext(ctx, sessionID, n)
	if err != nil {
		slog.Warn("failed to load conversation context", "session", sessionID, "error", err)
		return nil
	}
	out := make([]providers.Message, 0, len(recent))
	for _, m := range recent {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// buildSystemPrompt embeds live system state into the chat persona.
func (o *Orchestrator) buildSystemPrompt(ctx context.Context, sessionID string) string {
	activeAgents := 0
	if o.agents != nil {
		activeAgents = len(o.agents.ListAgents(agents.StatusRunning, "", ""))
	}

	messageCount := 0
	activeWorkflow := "None"
	if session, err := o.sessions.GetSession(ctx, sessionID); err == nil {
		messageCount = session.MessageCount
		if session.ActiveWorkflowID != "" {
			activeWorkflow = session.ActiveWorkflowID
		}
	}

	return fmt.Sprintf(`You are the Lead Orchestrator for an AI-powered software development and research system.

## Your Capabilities
1. **Spawn Subagents**: Create specialized agents (research, verify, code, synthesis, review)
2. **Execute Workflows**: Run multi-step workflows like research-verify-synthesize with parallel execution
3. **Access Memory**: Store and retrieve learnings persistently across sessions
4. **Generate PRDs**: Create formal Product Requirement Documents from code requests
5. **Write Code**: Drive the autonomous implementation loop to build, test, and commit real code

## Current System State
- Active Subagents: %d
- Session Messages: %d messages in this conversation
- Active Workflow: %s

## Important Instructions
1. Remember the conversation context and refer back to what was discussed
2. When asked to EXECUTE or BEGIN a task, actually coordinate the agents
3. Provide specific, actionable responses, not just descriptions
4. When you complete a task, report the actual results
5. If you cannot do something, explain why and what alternatives exist`,
		activeAgents, messageCount, activeWorkflow)
}
