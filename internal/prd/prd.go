// Package prd builds Product Requirements Documents from free-form
// code requests via the LLM, with JSON rescue and a deterministic
// fallback so the code path always has something to run.
package prd

// UserStory is one unit of work inside a PRD.
type UserStory struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Priority           int      `json:"priority"` // 1 = highest
	Dependencies       []string `json:"dependencies,omitempty"`
}

// PRD is a structured plan for a code request.
type PRD struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	BranchName  string      `json:"branchName"`
	UserStories []UserStory `json:"userStories"`
}
