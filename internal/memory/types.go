// Package memory implements the diary/reflection learning client: per
// attempt diary entries, once-per-story reflections with derived
// insights, and similarity retrieval of past learnings. Records are
// written to a local markdown tree and committed to a remote memory
// service; the local write is authoritative.
package memory

import "time"

// QualityCheck is one quality-gate result attached to an attempt.
type QualityCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Output string `json:"output,omitempty"`
}

// Attempt is one loop iteration against a story, as fed to Reflect.
type Attempt struct {
	Number        int            `json:"attempt_number"`
	Success       bool           `json:"success"`
	ChangesMade   int            `json:"changes_made"`
	Error         string         `json:"error,omitempty"`
	QualityChecks []QualityCheck `json:"quality_checks,omitempty"`
}

// DiaryEntry is the append-only record of one attempt. Never mutated.
type DiaryEntry struct {
	ID            string                 `json:"id"`
	StoryID       string                 `json:"story_id"`
	StoryTitle    string                 `json:"story_title"`
	AttemptNumber int                    `json:"attempt_number"`
	Success       bool                   `json:"success"`
	ChangesMade   int                    `json:"changes_made"`
	CodeExcerpt   string                 `json:"code_generated,omitempty"`
	Error         string                 `json:"error,omitempty"`
	QualityChecks []QualityCheck         `json:"quality_checks,omitempty"`
	FilesModified []string               `json:"files_modified,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Reflection is the once-per-story summary derived from the attempt log.
type Reflection struct {
	ID              string    `json:"id"`
	StoryID         string    `json:"story_id"`
	StoryTitle      string    `json:"story_title"`
	TotalAttempts   int       `json:"total_attempts"`
	FinalSuccess    bool      `json:"final_success"`
	FailurePatterns []string  `json:"failure_patterns"`
	SuccessFactors  []string  `json:"success_factors"`
	Insights        []string  `json:"insights"`
	Recommendations []string  `json:"recommendations"`
	FilesChanged    []string  `json:"files_changed,omitempty"`
	CommitRef       string    `json:"commit_sha,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Learning is one retrieval result from QueryPastLearnings.
type Learning struct {
	Content         string   `json:"content"`
	Kind            string   `json:"type"`
	Score           float64  `json:"score"`
	StoryID         string   `json:"story_id,omitempty"`
	StoryTitle      string   `json:"story_title,omitempty"`
	Insights        []string `json:"insights,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Source          string   `json:"source,omitempty"`
}
