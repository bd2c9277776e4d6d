package prd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/conductor/internal/providers"
	"github.com/nextlevelbuilder/conductor/internal/store"
)

const systemPrompt = "You are a Product Manager AI that creates structured PRDs. Output ONLY valid JSON."

const promptTemplate = `Analyze this code generation request and create a formal PRD (Product Requirements Document).

User Request:
%s

You MUST respond with ONLY valid JSON in this exact format (no other text):
{
    "name": "Short project name",
    "description": "Brief project description",
    "branchName": "feature/descriptive-branch-name",
    "userStories": [
        {
            "id": "US-001",
            "title": "Story title",
            "description": "Detailed description of what needs to be done",
            "acceptanceCriteria": [
                "Criterion 1",
                "Criterion 2"
            ],
            "priority": 1
        }
    ]
}

Break down the request into 1-5 user stories, each with clear acceptance criteria.
Priority 1 = highest priority, implement first.
Generate descriptive branch name from the project name.`

// Builder turns user messages into PRDs.
type Builder struct {
	llm      providers.Provider
	sessions store.SessionStore
}

// NewBuilder wires the builder. sessions may be nil (no chat context).
func NewBuilder(llm providers.Provider, sessions store.SessionStore) *Builder {
	return &Builder{llm: llm, sessions: sessions}
}

// BuildPRD asks the LLM for a PRD. Parse failures degrade to a
// one-story fallback; only an LLM transport failure is an error.
func (b *Builder) BuildPRD(ctx context.Context, userMessage, sessionID string) (*PRD, error) {
	messages := []providers.Message{{Role: "system", Content: systemPrompt}}
	if b.sessions != nil && sessionID != "" {
		recent, err := b.sessions.RecentContext(ctx, sessionID, 5)
		if err == nil {
			for _, m := range recent {
				messages = append(messages, providers.Message{Role: m.Role, Content: m.Content})
			}
		}
	}
	messages = append(messages, providers.Message{
		Role:    "user",
		Content: fmt.Sprintf(promptTemplate, userMessage),
	})

	resp, err := b.llm.Complete(ctx, providers.CompletionRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("generate PRD: %w", err)
	}

	prd, err := parsePRD(resp.Content)
	if err != nil {
		slog.Error("failed to parse PRD JSON, using fallback", "error", err)
		return FallbackPRD(userMessage), nil
	}

	slog.Info("generated PRD", "name", prd.Name, "stories", len(prd.UserStories))
	return prd, nil
}

// parsePRD tries an exact parse, then rescues the first balanced
// top-level JSON object from surrounding prose.
func parsePRD(text string) (*PRD, error) {
	var prd PRD
	if err := json.Unmarshal([]byte(text), &prd); err == nil && len(prd.UserStories) > 0 {
		return &prd, nil
	}

	candidate := extractJSONObject(text)
	if candidate == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(candidate), &prd); err != nil {
		return nil, fmt.Errorf("parse extracted JSON: %w", err)
	}
	if len(prd.UserStories) == 0 {
		return nil, fmt.Errorf("PRD has no user stories")
	}
	return &prd, nil
}

// extractJSONObject returns the first brace-balanced {...} substring,
// respecting string literals and escapes.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// FallbackPRD is the deterministic one-story plan used when the LLM
// output cannot be parsed.
func FallbackPRD(userMessage string) *PRD {
	desc := userMessage
	if len(desc) > 200 {
		desc = desc[:200]
	}
	return &PRD{
		Name:        "Code Request",
		Description: desc,
		BranchName:  "feature/code-implementation",
		UserStories: []UserStory{{
			ID:                 "US-001",
			Title:              "Implement requested feature",
			Description:        userMessage,
			AcceptanceCriteria: []string{"Code compiles without errors", "All requirements met"},
			Priority:           1,
		}},
	}
}
