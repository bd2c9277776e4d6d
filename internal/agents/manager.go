package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/conductor/internal/bus"
	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/internal/memory"
	"github.com/nextlevelbuilder/conductor/internal/providers"
	"github.com/nextlevelbuilder/conductor/pkg/protocol"
)

var (
	// ErrAgentNameTaken signals a live agent already uses the name.
	ErrAgentNameTaken = errors.New("agent name already exists")
	// ErrAgentNotFound signals an unknown agent id.
	ErrAgentNotFound = errors.New("agent not found")
)

// LearningSource is the slice of the memory client the manager uses.
type LearningSource interface {
	Diary(ctx context.Context, req memory.DiaryRequest) (string, error)
	QueryPastLearnings(ctx context.Context, query string, tags []string, limit int, minSimilarity float64) []memory.Learning
}

// TaskSpec names one task for parallel execution.
type TaskSpec struct {
	AgentID string
	Task    string
}

// Coordination modes for ExecuteParallelTasks.
const (
	ModeIndependent     = "independent"
	ModeCollaborative   = "collaborative"
	ModeSequentialMerge = "sequential_merge"
)

// Manager owns the agent registry, task execution, and the message
// router. One Manager serves the whole process.
type Manager struct {
	llm       providers.Provider
	mem       LearningSource
	publisher bus.Publisher
	templates *TemplateRegistry
	cfg       config.AgentsConfig

	defaultModel string
	temperature  float64
	maxTokens    int

	mu     sync.Mutex
	agents map[string]*Agent
	byName map[string]string

	stop  chan struct{}
	fatal chan struct{}
	wg    sync.WaitGroup
}

// NewManager wires the manager. mem may be nil (learning disabled).
func NewManager(llm providers.Provider, mem LearningSource, pub bus.Publisher, cfg config.AgentsConfig, llmCfg config.LLMConfig) *Manager {
	if cfg.MaxParallelAgents <= 0 {
		cfg.MaxParallelAgents = 8
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}
	return &Manager{
		llm:          llm,
		mem:          mem,
		publisher:    pub,
		templates:    NewTemplateRegistry(),
		cfg:          cfg,
		defaultModel: llmCfg.Model,
		temperature:  llmCfg.Temperature,
		maxTokens:    llmCfg.MaxTokens,
		agents:       make(map[string]*Agent),
		byName:       make(map[string]string),
		stop:         make(chan struct{}),
		fatal:        make(chan struct{}),
	}
}

// Templates exposes the template registry.
func (m *Manager) Templates() *TemplateRegistry { return m.templates }

// Start launches the message router.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.routeMessages()
	slog.Info("agent manager started")
}

// Stop terminates every agent and shuts down the router.
func (m *Manager) Stop() {
	for _, id := range m.agentIDs() {
		m.TerminateAgent(id)
	}
	close(m.stop)
	m.wg.Wait()
	slog.Info("agent manager stopped")
}

// Fatal is closed when the router dies from a panic. The manager is
// unusable afterwards and must be restarted.
func (m *Manager) Fatal() <-chan struct{} { return m.fatal }

func (m *Manager) agentIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	return ids
}

// CreateSpec carries optional overrides for CreateAgent.
type CreateSpec struct {
	Name         string
	Role         string
	SystemPrompt string
	Model        string
	Capabilities []string
	ParentID     string
}

// CreateAgent registers a new agent. Names are unique among live
// agents; the role template fills in the prompt and capabilities when
// the spec leaves them empty.
func (m *Manager) CreateAgent(spec CreateSpec) (*Agent, error) {
	role := strings.ToLower(spec.Role)
	if role == "" {
		role = RoleResearch
	}

	m.mu.Lock()
	if _, taken := m.byName[spec.Name]; taken {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrAgentNameTaken, spec.Name)
	}

	prompt := spec.SystemPrompt
	caps := spec.Capabilities
	if tpl, ok := m.templates.Get(role); ok {
		if prompt == "" {
			prompt = tpl.SystemPrompt
		}
		if caps == nil {
			caps = tpl.Capabilities
		}
	} else if prompt == "" {
		prompt = fallbackPrompt(role)
	}

	model := spec.Model
	if model == "" {
		model = m.defaultModel
	}

	now := time.Now().UTC()
	agent := &Agent{
		ID:           uuid.NewString(),
		Name:         spec.Name,
		Role:         role,
		SystemPrompt: prompt,
		Model:        model,
		Capabilities: caps,
		ParentID:     spec.ParentID,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		inbox:        make(chan Message, m.cfg.InboxSize),
		outbox:       make(chan Message, m.cfg.OutboxSize),
	}
	m.agents[agent.ID] = agent
	m.byName[agent.Name] = agent.ID
	info := agent.info()
	m.mu.Unlock()

	slog.Info("created agent", "name", spec.Name, "id", agent.ID, "role", role)
	m.publisher.Broadcast(protocol.ChannelGlobal, protocol.EventAgentCreated, info)
	return agent, nil
}

// GetAgent looks up an agent by id, or by name when id is empty.
func (m *Manager) GetAgent(id, name string) (*Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" && name != "" {
		id = m.byName[name]
	}
	a, ok := m.agents[id]
	return a, ok
}

// ListAgents returns snapshots, optionally filtered.
func (m *Manager) ListAgents(status, role, parentID string) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Info
	for _, a := range m.agents {
		if status != "" && a.Status != status {
			continue
		}
		if role != "" && a.Role != role {
			continue
		}
		if parentID != "" && a.ParentID != parentID {
			continue
		}
		out = append(out, a.info())
	}
	return out
}

// AgentCount returns the number of live agents.
func (m *Manager) AgentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agents)
}

func (m *Manager) setStatus(agentID, status string) {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	old := a.Status
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	name := a.Name
	m.mu.Unlock()

	m.publisher.Broadcast(protocol.ChannelGlobal, protocol.EventAgentStatusChanged, map[string]interface{}{
		"agent_id":   agentID,
		"old_status": old,
		"new_status": status,
	})
	slog.Info("agent status", "agent", name, "from", old, "to", status)
}

// TerminateAgent cancels the in-flight task, drains the inbox, and
// removes the agent. Returns false for unknown ids.
func (m *Manager) TerminateAgent(agentID string) bool {
	m.mu.Lock()
	a, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.Status = StatusTerminated
	a.UpdatedAt = time.Now().UTC()
	delete(m.byName, a.Name)
	delete(m.agents, agentID)
	name := a.Name
	m.mu.Unlock()

	// Drain undelivered messages.
	for {
		select {
		case <-a.inbox:
		default:
			goto drained
		}
	}
drained:

	m.publisher.Broadcast(protocol.ChannelGlobal, protocol.EventAgentDeleted, map[string]interface{}{
		"agent_id": agentID,
	})
	slog.Info("terminated agent", "name", name)
	return true
}

// ExecuteTask runs one task on an agent: system prompt + injected
// learnings + task through the LLM. A task error does not kill the
// agent; it records a failed attempt and the agent returns to
// completed so it can be reused.
func (m *Manager) ExecuteTask(ctx context.Context, agentID, task string, timeout time.Duration, injectLearnings bool) Result {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return Result{"error": fmt.Sprintf("agent %s not found", agentID)}
	}
	agent.CurrentTask = task
	role := agent.Role
	name := agent.Name
	systemPrompt := agent.SystemPrompt
	model := agent.Model
	m.mu.Unlock()

	m.setStatus(agentID, StatusRunning)

	if timeout <= 0 {
		timeout = time.Duration(m.cfg.TaskTimeoutSec) * time.Second
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m.mu.Lock()
	if a, ok := m.agents[agentID]; ok {
		a.cancel = cancel
	}
	m.mu.Unlock()

	var learnings []memory.Learning
	if injectLearnings && m.mem != nil {
		learnings = m.mem.QueryPastLearnings(taskCtx, task, []string{"ralph", "learning", role}, 3, 0.6)
		if len(learnings) > 0 {
			slog.Info("injected past learnings", "agent", name, "count", len(learnings))
		}
	}
	prompt := enhanceTask(task, learnings)

	m.publisher.Broadcast(protocol.AgentChannel(agentID), protocol.EventAgentLog, map[string]interface{}{
		"agent_id":           agentID,
		"type":               "task_start",
		"task":               task,
		"learnings_injected": len(learnings),
	})

	result := m.completeTask(taskCtx, systemPrompt, model, prompt)
	success := result.Err() == ""

	m.mu.Lock()
	var attemptNumber int
	if a, ok := m.agents[agentID]; ok {
		a.cancel = nil
		a.TaskHistory = append(a.TaskHistory, TaskRecord{
			Task:        task,
			Success:     success,
			Result:      result,
			CompletedAt: time.Now().UTC(),
		})
		attemptNumber = len(a.TaskHistory)
	}
	m.mu.Unlock()

	if m.mem != nil && attemptNumber > 0 {
		m.writeTaskDiary(ctx, agentID, name, task, attemptNumber, success, result)
	}

	m.setStatus(agentID, StatusCompleted)
	m.publisher.Broadcast(protocol.AgentChannel(agentID), protocol.EventAgentLog, map[string]interface{}{
		"agent_id": agentID,
		"type":     "task_complete",
		"result":   result,
	})
	return result
}

func (m *Manager) completeTask(ctx context.Context, systemPrompt, model, prompt string) Result {
	resp, err := m.llm.Complete(ctx, providers.CompletionRequest{
		Messages: []providers.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Model:       model,
		Temperature: m.temperature,
		MaxTokens:   m.maxTokens,
	})
	if err != nil {
		return Result{"error": err.Error()}
	}
	return Result{
		"output":        resp.Content,
		"model":         resp.Model,
		"finish_reason": resp.FinishReason,
	}
}

func (m *Manager) writeTaskDiary(ctx context.Context, agentID, agentName, task string, attempt int, success bool, result Result) {
	title := task
	if len(title) > 100 {
		title = title[:100]
	}
	req := memory.DiaryRequest{
		StoryID:       fmt.Sprintf("task-%s-%d", agentID, attempt),
		StoryTitle:    title,
		AttemptNumber: attempt,
		Success:       success,
		Metadata:      map[string]interface{}{"agent_id": agentID, "agent_name": agentName},
	}
	if success {
		req.ChangesMade = 1
		excerpt := result.Output()
		if len(excerpt) > 500 {
			excerpt = excerpt[:500]
		}
		req.CodeExcerpt = excerpt
	} else {
		req.Error = result.Err()
	}
	if _, err := m.mem.Diary(ctx, req); err != nil {
		slog.Warn("failed to write task diary entry", "agent", agentName, "error", err)
	}
}

// enhanceTask appends a learnings section to the task prompt.
func enhanceTask(task string, learnings []memory.Learning) string {
	if len(learnings) == 0 {
		return task
	}

	var b strings.Builder
	b.WriteString(task)
	b.WriteString("\n\n---\n## Relevant Past Learnings\n\n")

	for i, l := range learnings {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "### Learning %d\n", i+1)
		content := l.Content
		if len(content) > 300 {
			content = content[:300]
		}
		if content != "" {
			b.WriteString(content + "\n")
		}
		if len(l.Insights) > 0 {
			b.WriteString("\n**Insights:**\n")
			for j, insight := range l.Insights {
				if j == 2 {
					break
				}
				fmt.Fprintf(&b, "- %s\n", insight)
			}
		}
		if len(l.Recommendations) > 0 {
			b.WriteString("\n**Recommendations:**\n")
			for j, rec := range l.Recommendations {
				if j == 2 {
					break
				}
				fmt.Fprintf(&b, "- %s\n", rec)
			}
		}
		b.WriteString("\n")
	}
	b.WriteString("---\n\nApply these learnings to improve your approach to the current task.\n")
	return b.String()
}

// ExecuteParallelTasks fans the tasks out concurrently, bounded by
// max_parallel_agents. In collaborative mode each result is broadcast
// the moment it lands.
func (m *Manager) ExecuteParallelTasks(ctx context.Context, tasks []TaskSpec, mode string, timeout time.Duration) map[string]Result {
	agentIDs := make([]string, len(tasks))
	for i, t := range tasks {
		agentIDs[i] = t.AgentID
	}

	m.publisher.Broadcast(protocol.ChannelGlobal, protocol.EventAgentCollaboration, map[string]interface{}{
		"agents": agentIDs,
		"task":   "Parallel task execution",
		"status": "started",
	})

	var mu sync.Mutex
	results := make(map[string]Result, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxParallelAgents)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			result := m.ExecuteTask(gctx, t.AgentID, t.Task, timeout, true)

			if mode == ModeCollaborative {
				output := result.Output()
				if output == "" {
					output = "No output"
				}
				m.publisher.Broadcast(protocol.ChannelGlobal, protocol.EventAgentMessage, map[string]interface{}{
					"from":    t.AgentID,
					"to":      "broadcast",
					"message": output,
					"type":    "intermediate_result",
				})
			}

			mu.Lock()
			results[t.AgentID] = result
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	m.publisher.Broadcast(protocol.ChannelGlobal, protocol.EventAgentCollaboration, map[string]interface{}{
		"agents": agentIDs,
		"task":   "Parallel task execution",
		"status": "completed",
	})
	return results
}

// SendMessage enqueues a message onto the sender's outbox for routing.
// A full outbox blocks until the router drains it.
func (m *Manager) SendMessage(ctx context.Context, fromID, toID, content, kind string) error {
	m.mu.Lock()
	from, ok := m.agents[fromID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, fromID)
	}
	if kind == "" {
		kind = "message"
	}

	msg := Message{
		From:      fromID,
		To:        toID,
		Content:   content,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
	select {
	case from.outbox <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.publisher.Broadcast(protocol.AgentChannel(toID), protocol.EventAgentMessage, msg)
	return nil
}
