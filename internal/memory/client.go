package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client talks to the remote memory service and mirrors everything
// into a human-readable tree under {workspaceRoot}/.copilot/memory/.
type Client struct {
	serviceURL string
	actorID    string
	sessionID  string
	httpClient *http.Client

	memoryDir      string
	diaryDir       string
	reflectionsDir string
	copilotPath    string
}

// NewClient creates a Client rooted at workspaceRoot and initializes
// the local memory tree, including COPILOT.md when absent.
func NewClient(serviceURL, workspaceRoot, actorID string) (*Client, error) {
	if workspaceRoot == "" {
		workspaceRoot = "."
	}
	if actorID == "" {
		actorID = "ralph-autonomous-loop"
	}

	memoryDir := filepath.Join(workspaceRoot, ".copilot", "memory")
	c := &Client{
		serviceURL:     strings.TrimRight(serviceURL, "/"),
		actorID:        actorID,
		sessionID:      uuid.NewString(),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		memoryDir:      memoryDir,
		diaryDir:       filepath.Join(memoryDir, "diary"),
		reflectionsDir: filepath.Join(memoryDir, "reflections"),
		copilotPath:    filepath.Join(memoryDir, "COPILOT.md"),
	}

	if err := os.MkdirAll(c.diaryDir, 0755); err != nil {
		return nil, fmt.Errorf("create diary dir: %w", err)
	}
	if err := os.MkdirAll(c.reflectionsDir, 0755); err != nil {
		return nil, fmt.Errorf("create reflections dir: %w", err)
	}
	if _, err := os.Stat(c.copilotPath); os.IsNotExist(err) {
		if err := os.WriteFile(c.copilotPath, []byte(copilotHeader), 0644); err != nil {
			return nil, fmt.Errorf("init COPILOT.md: %w", err)
		}
	}

	slog.Info("memory client initialized", "memory_dir", c.memoryDir)
	return c, nil
}

// DiaryRequest carries one attempt's data into Diary.
type DiaryRequest struct {
	StoryID       string
	StoryTitle    string
	AttemptNumber int
	Success       bool
	ChangesMade   int
	CodeExcerpt   string
	Error         string
	QualityChecks []QualityCheck
	FilesModified []string
	Metadata      map[string]interface{}
}

// Diary records one attempt. The local markdown file must be written;
// a remote commit failure is logged and swallowed.
func (c *Client) Diary(ctx context.Context, req DiaryRequest) (string, error) {
	entry := &DiaryEntry{
		ID:            fmt.Sprintf("diary-%s-%d-%s", req.StoryID, req.AttemptNumber, uuid.NewString()[:8]),
		StoryID:       req.StoryID,
		StoryTitle:    req.StoryTitle,
		AttemptNumber: req.AttemptNumber,
		Success:       req.Success,
		ChangesMade:   req.ChangesMade,
		CodeExcerpt:   req.CodeExcerpt,
		Error:         req.Error,
		QualityChecks: req.QualityChecks,
		FilesModified: req.FilesModified,
		Metadata:      req.Metadata,
		Timestamp:     time.Now().UTC(),
	}

	name := fmt.Sprintf("%s-%s-%d.md", time.Now().Format("2006-01-02"), req.StoryID, req.AttemptNumber)
	if err := os.WriteFile(filepath.Join(c.diaryDir, name), []byte(entry.markdown()), 0644); err != nil {
		return "", fmt.Errorf("write diary file: %w", err)
	}

	if err := c.commitDiary(ctx, entry); err != nil {
		slog.Warn("failed to commit diary entry to memory service", "error", err)
	}

	slog.Info("diary entry saved", "entry_id", entry.ID, "success", entry.Success)
	return entry.ID, nil
}

// Reflect derives patterns from the full attempt log, writes the
// reflection file, appends a summary to COPILOT.md, and commits
// remotely. The derivation is deterministic for a given attempt list.
func (c *Client) Reflect(ctx context.Context, storyID, storyTitle string, totalAttempts int, finalSuccess bool, attempts []Attempt, filesChanged []string, commitRef string) (*Reflection, error) {
	var successes, failures []Attempt
	for _, a := range attempts {
		if a.Success {
			successes = append(successes, a)
		} else {
			failures = append(failures, a)
		}
	}

	failurePatterns := analyzeFailurePatterns(failures)
	successFactors := analyzeSuccessFactors(successes, failures)

	r := &Reflection{
		ID:              fmt.Sprintf("reflect-%s-%s", storyID, uuid.NewString()[:8]),
		StoryID:         storyID,
		StoryTitle:      storyTitle,
		TotalAttempts:   totalAttempts,
		FinalSuccess:    finalSuccess,
		FailurePatterns: failurePatterns,
		SuccessFactors:  successFactors,
		Insights:        generateInsights(storyTitle, totalAttempts, finalSuccess, failurePatterns, successFactors),
		Recommendations: generateRecommendations(failurePatterns, successFactors),
		FilesChanged:    filesChanged,
		CommitRef:       commitRef,
		Timestamp:       time.Now().UTC(),
	}

	name := fmt.Sprintf("%s-%s.md", time.Now().Format("2006-01-02"), storyID)
	if err := os.WriteFile(filepath.Join(c.reflectionsDir, name), []byte(r.markdown()), 0644); err != nil {
		return nil, fmt.Errorf("write reflection file: %w", err)
	}

	if err := c.appendCopilot(r); err != nil {
		slog.Warn("failed to update COPILOT.md", "error", err)
	}
	if err := c.commitReflection(ctx, r); err != nil {
		slog.Warn("failed to commit reflection to memory service", "error", err)
	}

	slog.Info("reflection completed", "reflection_id", r.ID, "final_success", finalSuccess)
	return r, nil
}

func (c *Client) appendCopilot(r *Reflection) error {
	f, err := os.OpenFile(c.copilotPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(r.copilotSection())
	return err
}

// QueryPastLearnings asks the memory service for records similar to
// query. An unreachable service yields an empty list, never an error.
// Results sort by score descending, reflections ahead of diary entries
// at equal score; a COPILOT.md tail excerpt is appended when fewer
// than limit remote results arrive.
func (c *Client) QueryPastLearnings(ctx context.Context, query string, tags []string, limit int, minSimilarity float64) []Learning {
	if limit <= 0 {
		limit = 5
	}

	learnings := c.queryRemote(ctx, query, limit, minSimilarity)

	sort.SliceStable(learnings, func(i, j int) bool {
		if learnings[i].Score != learnings[j].Score {
			return learnings[i].Score > learnings[j].Score
		}
		return learnings[i].Kind == "reflection" && learnings[j].Kind != "reflection"
	})

	if len(learnings) < limit {
		if tail := c.copilotTail(); tail != "" {
			learnings = append(learnings, Learning{
				Content: tail,
				Kind:    "local_memory",
				Score:   0.5,
				Source:  "COPILOT.md",
			})
		}
	}
	if len(learnings) > limit {
		learnings = learnings[:limit]
	}

	slog.Info("queried past learnings", "count", len(learnings))
	return learnings
}

func (c *Client) copilotTail() string {
	data, err := os.ReadFile(c.copilotPath)
	if err != nil || len(data) == 0 {
		return ""
	}
	if len(data) > 2000 {
		data = data[len(data)-2000:]
	}
	return string(data)
}

func (c *Client) queryRemote(ctx context.Context, query string, limit int, minSimilarity float64) []Learning {
	reqBody := map[string]interface{}{
		"query_text":           query,
		"top_k":                limit,
		"filter_artifact_type": "research_snippet",
		"min_similarity":       minSimilarity,
	}

	var resp struct {
		Results []struct {
			Content         string  `json:"content"`
			ArtifactType    string  `json:"artifact_type"`
			Score           float64 `json:"score"`
			ArtifactContent string  `json:"artifact_content"`
		} `json:"results"`
	}
	if err := c.post(ctx, "/memory/query", reqBody, &resp); err != nil {
		slog.Warn("failed to query memory service", "error", err)
		return nil
	}

	var learnings []Learning
	for _, result := range resp.Results {
		var artifact struct {
			StoryID         string   `json:"story_id"`
			StoryTitle      string   `json:"story_title"`
			Insights        []string `json:"insights"`
			Recommendations []string `json:"recommendations"`
			ReflectionData  *json.RawMessage `json:"reflection_data"`
		}
		json.Unmarshal([]byte(result.ArtifactContent), &artifact)

		kind := result.ArtifactType
		if artifact.ReflectionData != nil || len(artifact.Insights) > 0 {
			kind = "reflection"
		}
		learnings = append(learnings, Learning{
			Content:         result.Content,
			Kind:            kind,
			Score:           result.Score,
			StoryID:         artifact.StoryID,
			StoryTitle:      artifact.StoryTitle,
			Insights:        artifact.Insights,
			Recommendations: artifact.Recommendations,
		})
	}
	return learnings
}

func (c *Client) commitDiary(ctx context.Context, entry *DiaryEntry) error {
	var content strings.Builder
	fmt.Fprintf(&content, "Task: %s\nAttempt: #%d\nSuccess: %t\nChanges: %d files\n",
		entry.StoryTitle, entry.AttemptNumber, entry.Success, entry.ChangesMade)
	if entry.Error != "" {
		fmt.Fprintf(&content, "Error: %s\n", entry.Error)
	}
	if len(entry.FilesModified) > 0 {
		fmt.Fprintf(&content, "Files: %s\n", strings.Join(entry.FilesModified, ", "))
	}

	outcome := "failure"
	if entry.Success {
		outcome = "success"
	}

	req := map[string]interface{}{
		"artifact": map[string]interface{}{
			"artifact_type": "research_snippet",
			"content": map[string]interface{}{
				"text":       content.String(),
				"diary_data": entry,
				"story_id":   entry.StoryID,
				"attempt":    entry.AttemptNumber,
				"success":    entry.Success,
			},
			"created_by": c.actorID,
			"session_id": c.sessionID,
			"tags":       []string{"ralph", "diary", entry.StoryID, outcome},
			"metadata": map[string]interface{}{
				"story_id":  entry.StoryID,
				"attempt":   entry.AttemptNumber,
				"success":   entry.Success,
				"timestamp": entry.Timestamp.Format(time.RFC3339),
			},
		},
		"actor_id":           c.actorID,
		"actor_type":         "autonomous_loop",
		"tool_ids":           []string{"ralph_loop", "code_generation"},
		"generate_embedding": true,
		"store_in_cold":      false,
	}
	return c.post(ctx, "/memory/commit", req, nil)
}

func (c *Client) commitReflection(ctx context.Context, r *Reflection) error {
	var content strings.Builder
	fmt.Fprintf(&content, "Reflection: %s\nAttempts: %d\nSuccess: %t\n\nInsights:\n",
		r.StoryTitle, r.TotalAttempts, r.FinalSuccess)
	for _, i := range r.Insights {
		fmt.Fprintf(&content, "- %s\n", i)
	}
	content.WriteString("\nRecommendations:\n")
	for _, rec := range r.Recommendations {
		fmt.Fprintf(&content, "- %s\n", rec)
	}

	req := map[string]interface{}{
		"artifact": map[string]interface{}{
			"artifact_type": "research_snippet",
			"content": map[string]interface{}{
				"text":            content.String(),
				"reflection_data": r,
				"story_id":        r.StoryID,
				"insights":        r.Insights,
				"recommendations": r.Recommendations,
			},
			"created_by": c.actorID,
			"session_id": c.sessionID,
			"tags":       []string{"ralph", "reflection", r.StoryID, "learning"},
			"metadata": map[string]interface{}{
				"story_id":       r.StoryID,
				"total_attempts": r.TotalAttempts,
				"final_success":  r.FinalSuccess,
				"timestamp":      r.Timestamp.Format(time.RFC3339),
			},
		},
		"actor_id":           c.actorID,
		"actor_type":         "autonomous_loop",
		"tool_ids":           []string{"ralph_loop", "reflection"},
		"generate_embedding": true,
		// Reflections are long-term knowledge.
		"store_in_cold": true,
	}
	return c.post(ctx, "/memory/commit", req, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.serviceURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("memory service returned %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
