package agents

import (
	"fmt"
	"strings"
	"sync"
)

// Template is a reusable agent blueprint keyed by role name.
type Template struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	SystemPrompt string   `json:"system_prompt"`
	Capabilities []string `json:"capabilities"`
}

var defaultTemplates = []Template{
	{
		Name: "research",
		Role: RoleResearch,
		SystemPrompt: `You are a Research Agent. Your task is to gather comprehensive information.
Provide detailed, factual research with sources where possible.
Focus on accuracy and completeness.`,
		Capabilities: []string{"web_search", "document_analysis", "fact_extraction"},
	},
	{
		Name: "verify",
		Role: RoleVerify,
		SystemPrompt: `You are a Verification Agent. Your task is to validate and verify information.
Cross-reference claims and provide confidence assessments.
Be skeptical and thorough.`,
		Capabilities: []string{"fact_checking", "source_validation", "claim_analysis"},
	},
	{
		Name: "code",
		Role: RoleCode,
		SystemPrompt: `You are a Code Agent. Your task is to write clean, efficient code.
Follow best practices, include comments, and write tests.
You can create new files and programs.`,
		Capabilities: []string{"code_generation", "file_operations", "testing"},
	},
	{
		Name: "synthesis",
		Role: RoleSynthesis,
		SystemPrompt: `You are a Synthesis Agent. Your task is to combine and summarize information.
Create coherent summaries from multiple sources.
Highlight key insights and conclusions.`,
		Capabilities: []string{"summarization", "insight_extraction", "report_generation"},
	},
	{
		Name: "review",
		Role: RoleReview,
		SystemPrompt: `You are a Review Agent. Your task is to review and critique work.
Provide constructive feedback and suggestions for improvement.
Be thorough but fair in your assessment.`,
		Capabilities: []string{"code_review", "document_review", "quality_assessment"},
	},
}

// TemplateRegistry holds agent templates by name.
type TemplateRegistry struct {
	mu        sync.RWMutex
	templates map[string]Template
	order     []string
}

// NewTemplateRegistry returns a registry seeded with the built-in roles.
func NewTemplateRegistry() *TemplateRegistry {
	r := &TemplateRegistry{templates: make(map[string]Template)}
	for _, t := range defaultTemplates {
		r.templates[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	return r
}

// Get returns the template for a role name.
func (r *TemplateRegistry) Get(name string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[strings.ToLower(name)]
	return t, ok
}

// List returns all templates in registration order.
func (r *TemplateRegistry) List() []Template {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Template, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.templates[name])
	}
	return out
}

// Add registers a custom template, overwriting any same-named one.
func (r *TemplateRegistry) Add(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToLower(t.Name)
	if _, exists := r.templates[name]; !exists {
		r.order = append(r.order, name)
	}
	t.Name = name
	r.templates[name] = t
}

// Description is the first line of the system prompt, for listings.
func (t Template) Description() string {
	line, _, _ := strings.Cut(t.SystemPrompt, "\n")
	return line
}

func fallbackPrompt(role string) string {
	return fmt.Sprintf("You are a %s agent.", role)
}
