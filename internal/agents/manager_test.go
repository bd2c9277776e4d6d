package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/internal/providers"
)

type fakeLLM struct {
	complete func(req providers.CompletionRequest) (*providers.Completion, error)
}

func (f *fakeLLM) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.Completion, error) {
	if f.complete != nil {
		return f.complete(req)
	}
	return &providers.Completion{Content: "ok", FinishReason: "stop"}, nil
}

func (f *fakeLLM) CompleteStream(ctx context.Context, req providers.CompletionRequest, onChunk func(providers.StreamChunk)) (*providers.Completion, error) {
	return f.Complete(ctx, req)
}

func (f *fakeLLM) DefaultModel() string { return "fake-model" }

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	Channel string
	Kind    string
	Payload interface{}
}

func (p *recordingPublisher) Broadcast(channel, kind string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{channel, kind, payload})
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Kind
	}
	return out
}

func newTestManager(llm *fakeLLM) (*Manager, *recordingPublisher) {
	pub := &recordingPublisher{}
	cfg := config.AgentsConfig{MaxParallelAgents: 4, TaskTimeoutSec: 10, InboxSize: 4, OutboxSize: 4}
	m := NewManager(llm, nil, pub, cfg, config.LLMConfig{Model: "test-model"})
	return m, pub
}

func TestCreateAgentRejectsDuplicateName(t *testing.T) {
	m, _ := newTestManager(&fakeLLM{})

	if _, err := m.CreateAgent(CreateSpec{Name: "worker", Role: RoleResearch}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := m.CreateAgent(CreateSpec{Name: "worker", Role: RoleCode})
	if !errors.Is(err, ErrAgentNameTaken) {
		t.Fatalf("err = %v, want ErrAgentNameTaken", err)
	}
}

func TestTerminateFreesName(t *testing.T) {
	m, _ := newTestManager(&fakeLLM{})

	a, err := m.CreateAgent(CreateSpec{Name: "worker", Role: RoleResearch})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !m.TerminateAgent(a.ID) {
		t.Fatal("terminate returned false")
	}
	if _, err := m.CreateAgent(CreateSpec{Name: "worker", Role: RoleResearch}); err != nil {
		t.Fatalf("recreate after terminate: %v", err)
	}
	if m.TerminateAgent(a.ID) {
		t.Error("terminating a removed agent should return false")
	}
}

func TestCreateAgentUsesRoleTemplate(t *testing.T) {
	m, _ := newTestManager(&fakeLLM{})

	a, err := m.CreateAgent(CreateSpec{Name: "researcher", Role: RoleResearch})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(a.SystemPrompt, "You are a Research Agent.") {
		t.Errorf("system prompt = %q", a.SystemPrompt)
	}
	if len(a.Capabilities) == 0 {
		t.Error("expected template capabilities")
	}
	if a.Model != "test-model" {
		t.Errorf("model = %q", a.Model)
	}
}

func TestCreateAgentUnknownRoleFallsBack(t *testing.T) {
	m, _ := newTestManager(&fakeLLM{})
	a, err := m.CreateAgent(CreateSpec{Name: "mystic", Role: "oracle"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.SystemPrompt != "You are a oracle agent." {
		t.Errorf("prompt = %q", a.SystemPrompt)
	}
}

func TestExecuteTaskRecordsHistoryAndCompletes(t *testing.T) {
	llm := &fakeLLM{complete: func(req providers.CompletionRequest) (*providers.Completion, error) {
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", req.Messages)
		}
		return &providers.Completion{Content: "answer", FinishReason: "stop"}, nil
	}}
	m, _ := newTestManager(llm)

	a, _ := m.CreateAgent(CreateSpec{Name: "worker", Role: RoleResearch})
	result := m.ExecuteTask(context.Background(), a.ID, "find facts", 0, false)

	if result.Err() != "" {
		t.Fatalf("unexpected error: %v", result.Err())
	}
	if result.Output() != "answer" {
		t.Errorf("output = %q", result.Output())
	}

	got, _ := m.GetAgent(a.ID, "")
	if got.Status != StatusCompleted {
		t.Errorf("status = %q", got.Status)
	}
	if len(got.TaskHistory) != 1 || !got.TaskHistory[0].Success {
		t.Errorf("history = %+v", got.TaskHistory)
	}
}

func TestExecuteTaskErrorKeepsAgentReusable(t *testing.T) {
	llm := &fakeLLM{complete: func(req providers.CompletionRequest) (*providers.Completion, error) {
		return nil, errors.New("upstream exploded")
	}}
	m, _ := newTestManager(llm)

	a, _ := m.CreateAgent(CreateSpec{Name: "worker", Role: RoleResearch})
	result := m.ExecuteTask(context.Background(), a.ID, "task", 0, false)

	if result.Err() == "" {
		t.Fatal("expected error result")
	}
	got, _ := m.GetAgent(a.ID, "")
	if got.Status != StatusCompleted {
		t.Errorf("status = %q, want completed (agent stays reusable)", got.Status)
	}
	if got.TaskHistory[0].Success {
		t.Error("attempt should be recorded as failed")
	}
}

func TestExecuteTaskUnknownAgent(t *testing.T) {
	m, _ := newTestManager(&fakeLLM{})
	result := m.ExecuteTask(context.Background(), "nope", "task", 0, false)
	if result.Err() == "" {
		t.Fatal("expected error result for unknown agent")
	}
}

func TestExecuteParallelTasksJoinsAllResults(t *testing.T) {
	llm := &fakeLLM{complete: func(req providers.CompletionRequest) (*providers.Completion, error) {
		return &providers.Completion{Content: "done", FinishReason: "stop"}, nil
	}}
	m, pub := newTestManager(llm)

	var specs []TaskSpec
	for i := 0; i < 3; i++ {
		a, _ := m.CreateAgent(CreateSpec{Name: fmt.Sprintf("w%d", i), Role: RoleResearch})
		specs = append(specs, TaskSpec{AgentID: a.ID, Task: "t"})
	}

	results := m.ExecuteParallelTasks(context.Background(), specs, ModeIndependent, 0)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for id, r := range results {
		if r.Output() != "done" {
			t.Errorf("agent %s output = %q", id, r.Output())
		}
	}

	kinds := pub.kinds()
	var collab int
	for _, k := range kinds {
		if k == "agent_collaboration" {
			collab++
		}
	}
	if collab != 2 {
		t.Errorf("agent_collaboration events = %d, want started+completed", collab)
	}
}

func TestCollaborativeModeBroadcastsIntermediateResults(t *testing.T) {
	m, pub := newTestManager(&fakeLLM{})

	a, _ := m.CreateAgent(CreateSpec{Name: "w", Role: RoleResearch})
	m.ExecuteParallelTasks(context.Background(), []TaskSpec{{AgentID: a.ID, Task: "t"}}, ModeCollaborative, 0)

	found := false
	pub.mu.Lock()
	for _, e := range pub.events {
		if e.Kind == "agent_message" {
			if p, ok := e.Payload.(map[string]interface{}); ok && p["type"] == "intermediate_result" {
				found = true
			}
		}
	}
	pub.mu.Unlock()
	if !found {
		t.Error("no intermediate_result broadcast in collaborative mode")
	}
}

func TestRouterPreservesPairwiseOrder(t *testing.T) {
	m, _ := newTestManager(&fakeLLM{})
	m.Start()
	defer m.Stop()

	sender, _ := m.CreateAgent(CreateSpec{Name: "sender", Role: RoleResearch})
	receiver, _ := m.CreateAgent(CreateSpec{Name: "receiver", Role: RoleVerify})

	for i := 0; i < 4; i++ {
		if err := m.SendMessage(context.Background(), sender.ID, receiver.ID, fmt.Sprintf("m%d", i), "message"); err != nil {
			t.Fatalf("SendMessage %d: %v", i, err)
		}
	}

	for i := 0; i < 4; i++ {
		msg, ok := receiver.Receive(2 * time.Second)
		if !ok {
			t.Fatalf("timed out waiting for message %d", i)
		}
		if want := fmt.Sprintf("m%d", i); msg.Content != want {
			t.Errorf("message %d = %q, want %q", i, msg.Content, want)
		}
		if msg.From != sender.ID {
			t.Errorf("from = %q", msg.From)
		}
	}
}

func TestBroadcastReachesAllOtherAgents(t *testing.T) {
	m, _ := newTestManager(&fakeLLM{})
	m.Start()
	defer m.Stop()

	sender, _ := m.CreateAgent(CreateSpec{Name: "sender", Role: RoleResearch})
	r1, _ := m.CreateAgent(CreateSpec{Name: "r1", Role: RoleVerify})
	r2, _ := m.CreateAgent(CreateSpec{Name: "r2", Role: RoleCode})

	if err := m.SendMessage(context.Background(), sender.ID, "broadcast", "hello all", "message"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	for _, r := range []*Agent{r1, r2} {
		msg, ok := r.Receive(2 * time.Second)
		if !ok {
			t.Fatalf("%s did not receive broadcast", r.Name)
		}
		if msg.Content != "hello all" {
			t.Errorf("%s got %q", r.Name, msg.Content)
		}
	}

	select {
	case msg := <-sender.inbox:
		t.Errorf("sender received own broadcast: %+v", msg)
	default:
	}
}

func TestWorkflowResearchVerifySynthesize(t *testing.T) {
	llm := &fakeLLM{complete: func(req providers.CompletionRequest) (*providers.Completion, error) {
		prompt := req.Messages[1].Content
		switch {
		case strings.HasPrefix(prompt, "Verify the following topic:"):
			return &providers.Completion{Content: "verified", FinishReason: "stop"}, nil
		case strings.HasPrefix(prompt, "Synthesize the following"):
			if !strings.Contains(prompt, "researched") || !strings.Contains(prompt, "verified") {
				t.Errorf("synthesis prompt missing inputs: %q", prompt)
			}
			return &providers.Completion{Content: "synthesized", FinishReason: "stop"}, nil
		default:
			return &providers.Completion{Content: "researched", FinishReason: "stop"}, nil
		}
	}}
	m, pub := newTestManager(llm)

	wf, err := m.ExecuteWorkflowParallel(context.Background(), "", WorkflowResearchVerifySynthesize, "topic X", "")
	if err != nil {
		t.Fatalf("ExecuteWorkflowParallel: %v", err)
	}
	if wf.Status != "completed" {
		t.Errorf("status = %q", wf.Status)
	}
	if got := wf.Results["synthesis"].Output(); got != "synthesized" {
		t.Errorf("synthesis output = %q", got)
	}
	if len(wf.AgentsUsed) != 3 {
		t.Errorf("agents used = %v", wf.AgentsUsed)
	}

	var phases []string
	pub.mu.Lock()
	for _, e := range pub.events {
		if e.Kind == "workflow_update" {
			if p, ok := e.Payload.(map[string]interface{}); ok {
				if phase, ok := p["phase"].(string); ok {
					phases = append(phases, phase)
				}
			}
		}
	}
	pub.mu.Unlock()
	want := []string{"initialization", "research_verify_parallel", "synthesis"}
	if len(phases) < 3 || phases[0] != want[0] || phases[1] != want[1] || phases[2] != want[2] {
		t.Errorf("phases = %v, want prefix %v", phases, want)
	}
}

func TestUnknownWorkflowRejected(t *testing.T) {
	m, _ := newTestManager(&fakeLLM{})
	if _, err := m.ExecuteWorkflowParallel(context.Background(), "", "code_review", "t", ""); err == nil {
		t.Fatal("expected error for unknown workflow")
	}
}

func TestWorkflowEmitsOnCallerChannel(t *testing.T) {
	m, pub := newTestManager(&fakeLLM{})

	wf, err := m.ExecuteWorkflowParallel(context.Background(), "wf-record-1", WorkflowResearchVerifySynthesize, "topic", "")
	if err != nil {
		t.Fatalf("ExecuteWorkflowParallel: %v", err)
	}
	if wf.WorkflowID != "wf-record-1" {
		t.Errorf("workflow id = %q, want the caller's", wf.WorkflowID)
	}

	// Every lifecycle event rides the channel named by the caller's id,
	// so a subscriber holding the persisted record's id sees them all.
	pub.mu.Lock()
	defer pub.mu.Unlock()
	updates := 0
	for _, e := range pub.events {
		if e.Kind != "workflow_update" {
			continue
		}
		updates++
		if e.Channel != "workflow:wf-record-1" {
			t.Errorf("workflow_update on channel %q", e.Channel)
		}
	}
	if updates < 3 {
		t.Errorf("workflow_update events = %d, want at least 3", updates)
	}
}

func TestListTemplates(t *testing.T) {
	m, _ := newTestManager(&fakeLLM{})
	templates := m.Templates().List()
	if len(templates) != 5 {
		t.Fatalf("templates = %d, want 5", len(templates))
	}
	if templates[0].Name != "research" {
		t.Errorf("first template = %q", templates[0].Name)
	}
	if d := templates[2].Description(); d != "You are a Code Agent. Your task is to write clean, efficient code." {
		t.Errorf("code description = %q", d)
	}

	m.Templates().Add(Template{Name: "Custom", Role: RoleReview, SystemPrompt: "You review."})
	if got, ok := m.Templates().Get("custom"); !ok || got.SystemPrompt != "You review." {
		t.Errorf("custom template = %+v, ok=%v", got, ok)
	}
	if len(m.Templates().List()) != 6 {
		t.Error("custom template not listed")
	}
}
