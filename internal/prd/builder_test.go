package prd

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/conductor/internal/providers"
)

type fakeLLM struct {
	content string
	err     error
	lastReq providers.CompletionRequest
}

func (f *fakeLLM) Complete(ctx context.Context, req providers.CompletionRequest) (*providers.Completion, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &providers.Completion{Content: f.content, FinishReason: "stop"}, nil
}

func (f *fakeLLM) CompleteStream(ctx context.Context, req providers.CompletionRequest, onChunk func(providers.StreamChunk)) (*providers.Completion, error) {
	return f.Complete(ctx, req)
}

func (f *fakeLLM) DefaultModel() string { return "fake" }

const validPRD = `{
	"name": "String Tools",
	"description": "Utilities for strings",
	"branchName": "feature/string-tools",
	"userStories": [
		{"id": "US-001", "title": "Reverse", "description": "Reverse a string",
		 "acceptanceCriteria": ["Handles empty input"], "priority": 1}
	]
}`

func TestBuildPRDParsesCleanJSON(t *testing.T) {
	llm := &fakeLLM{content: validPRD}
	b := NewBuilder(llm, nil)

	prd, err := b.BuildPRD(context.Background(), "make string tools", "")
	if err != nil {
		t.Fatalf("BuildPRD: %v", err)
	}
	if prd.Name != "String Tools" || prd.BranchName != "feature/string-tools" {
		t.Errorf("prd = %+v", prd)
	}
	if len(prd.UserStories) != 1 || prd.UserStories[0].ID != "US-001" {
		t.Errorf("stories = %+v", prd.UserStories)
	}

	sys := llm.lastReq.Messages[0]
	if sys.Role != "system" || !strings.Contains(sys.Content, "Product Manager") {
		t.Errorf("system message = %+v", sys)
	}
}

func TestBuildPRDRescuesEmbeddedJSON(t *testing.T) {
	llm := &fakeLLM{content: "Sure! Here is the PRD you asked for:\n\n" + validPRD + "\n\nLet me know if you need changes."}
	b := NewBuilder(llm, nil)

	prd, err := b.BuildPRD(context.Background(), "make string tools", "")
	if err != nil {
		t.Fatalf("BuildPRD: %v", err)
	}
	if prd.Name != "String Tools" {
		t.Errorf("name = %q", prd.Name)
	}
}

func TestBuildPRDFallbackOnGarbage(t *testing.T) {
	long := strings.Repeat("x", 300)
	llm := &fakeLLM{content: "I cannot produce JSON today."}
	b := NewBuilder(llm, nil)

	prd, err := b.BuildPRD(context.Background(), long, "")
	if err != nil {
		t.Fatalf("BuildPRD: %v", err)
	}
	if prd.Name != "Code Request" || prd.BranchName != "feature/code-implementation" {
		t.Errorf("fallback prd = %+v", prd)
	}
	if len(prd.Description) != 200 {
		t.Errorf("description length = %d, want 200", len(prd.Description))
	}
	story := prd.UserStories[0]
	if story.ID != "US-001" || story.Priority != 1 {
		t.Errorf("story = %+v", story)
	}
	wantCriteria := []string{"Code compiles without errors", "All requirements met"}
	for i, c := range wantCriteria {
		if story.AcceptanceCriteria[i] != c {
			t.Errorf("criteria[%d] = %q", i, story.AcceptanceCriteria[i])
		}
	}
}

func TestBuildPRDSurfacesLLMError(t *testing.T) {
	llm := &fakeLLM{err: errors.New("connection refused")}
	b := NewBuilder(llm, nil)

	if _, err := b.BuildPRD(context.Background(), "x", ""); err == nil {
		t.Fatal("expected error when the LLM is unreachable")
	}
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"surrounded", `text {"a":1} trailing`, `{"a":1}`},
		{"nested", `x {"a":{"b":2}} y`, `{"a":{"b":2}}`},
		{"brace in string", `{"a":"}"}`, `{"a":"}"}`},
		{"unbalanced", `{"a":1`, ""},
		{"none", `no json here`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSONObject(tt.in); got != tt.want {
				t.Errorf("extractJSONObject(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
