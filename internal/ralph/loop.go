package ralph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/conductor/internal/agents"
	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/internal/memory"
)

const taskTimeout = 300 * time.Second

// AgentRunner is the slice of the agent manager the loop uses.
type AgentRunner interface {
	CreateAgent(spec agents.CreateSpec) (*agents.Agent, error)
	ExecuteTask(ctx context.Context, agentID, task string, timeout time.Duration, injectLearnings bool) agents.Result
	TerminateAgent(agentID string) bool
}

// MemorySink is the slice of the memory client the loop uses.
type MemorySink interface {
	QueryPastLearnings(ctx context.Context, query string, tags []string, limit int, minSimilarity float64) []memory.Learning
	Diary(ctx context.Context, req memory.DiaryRequest) (string, error)
	Reflect(ctx context.Context, storyID, storyTitle string, totalAttempts int, finalSuccess bool, attempts []memory.Attempt, filesChanged []string, commitRef string) (*memory.Reflection, error)
}

// Summary is the final report of one loop run.
type Summary struct {
	Status           string      `json:"status"`
	Iterations       int         `json:"iterations"`
	DurationSeconds  float64     `json:"duration_seconds"`
	Stories          StoryTotals `json:"stories"`
	CompletedStories []*Story    `json:"completed_stories"`
	FailedStories    []*Story    `json:"failed_stories"`
	TotalAttempts    int         `json:"total_attempts"`
}

// StoryTotals aggregates story outcomes.
type StoryTotals struct {
	Total                int     `json:"total"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	CompletionPercentage float64 `json:"completion_percentage"`
}

// Loop drives one plan to completion, story by story. One Loop runs
// one plan once; construct a fresh Loop per code request.
type Loop struct {
	plan   *Plan
	agents AgentRunner
	mem    MemorySink
	git    CommitDriver
	gate   QualityRunner

	projectRoot   string
	workDir       string
	progressPath  string
	maxIterations int
	maxRetries    int

	mu        sync.Mutex
	running   bool
	iteration int
	startedAt time.Time

	storyAttempts map[string][]memory.Attempt
	storyFiles    map[string][]string
}

// NewLoop wires a loop for one plan. mem may be nil (learning disabled).
func NewLoop(cfg config.RalphConfig, plan *Plan, runner AgentRunner, mem MemorySink) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 100
	}
	if cfg.MaxRetriesPerStory <= 0 {
		cfg.MaxRetriesPerStory = 3
	}
	projectRoot := cfg.ProjectRoot
	if projectRoot == "" {
		projectRoot = "."
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Join(filepath.Dir(projectRoot), "ralph-work")
	}

	return &Loop{
		plan:          plan,
		agents:        runner,
		mem:           mem,
		git:           Git{},
		gate:          NewQualityGate(projectRoot, cfg.QualityGateMode),
		projectRoot:   projectRoot,
		workDir:       workDir,
		progressPath:  filepath.Join(workDir, ".ralph", "progress.json"),
		maxIterations: cfg.MaxIterations,
		maxRetries:    cfg.MaxRetriesPerStory,
		storyAttempts: make(map[string][]memory.Attempt),
		storyFiles:    make(map[string][]string),
	}
}

// WorkDir is where generated artifacts and commits land.
func (l *Loop) WorkDir() string { return l.workDir }

// Stop halts the loop at the next story boundary. The in-flight
// attempt finishes its quality gate and diary entry first.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
	slog.Info("stopping loop")
}

func (l *Loop) isRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Run executes the plan until every story is terminal, max_iterations
// is reached, or Stop is called. Per-story failures never abort the
// run; they are recorded on the story and retried up to the limit.
func (l *Loop) Run(ctx context.Context) (*Summary, error) {
	if l.plan == nil {
		return nil, errors.New("no plan loaded")
	}

	l.mu.Lock()
	l.running = true
	l.startedAt = time.Now().UTC()
	l.mu.Unlock()

	if err := l.saveProgress(); err != nil {
		slog.Warn("failed to initialize progress file", "error", err)
	}
	if err := l.git.CheckoutBranch(l.projectRoot, l.plan.BranchName); err != nil {
		slog.Warn("failed to checkout branch", "branch", l.plan.BranchName, "error", err)
	}

	slog.Info("starting loop", "stories", len(l.plan.Stories), "max_iterations", l.maxIterations)

	for l.isRunning() && l.iteration < l.maxIterations && ctx.Err() == nil {
		story := l.plan.NextStory()
		if story == nil {
			if l.plan.SkipDoomed() > 0 {
				continue
			}
			slog.Info("all stories settled")
			break
		}

		if story.Attempts >= l.maxRetries {
			slog.Warn("story exceeded max retries, marking failed", "story", story.ID)
			story.Status = StatusFailed
			// Failed stories reflect once, at this transition.
			l.reflect(ctx, story, false)
			continue
		}

		l.iteration++
		story.Status = StatusInProgress
		story.Attempts++
		slog.Info("implementing story", "iteration", l.iteration, "story", story.ID, "attempt", story.Attempts)

		success, attempt := l.implementStory(ctx, story)
		l.writeDiary(ctx, story, success, attempt)
		l.storyAttempts[story.ID] = append(l.storyAttempts[story.ID], memory.Attempt{
			Number:        story.Attempts,
			Success:       success,
			ChangesMade:   attempt.changesMade,
			Error:         attempt.err,
			QualityChecks: attempt.checks,
		})
		if len(attempt.files) > 0 {
			l.storyFiles[story.ID] = append(l.storyFiles[story.ID], attempt.files...)
		}

		if success {
			now := time.Now().UTC()
			story.Status = StatusCompleted
			story.CompletedAt = &now
			story.CommitRef = l.commitStory(story)
			slog.Info("completed story", "story", story.ID, "title", story.Title)
			l.reflect(ctx, story, true)
		} else {
			// Stays in_progress and eligible for another iteration.
			story.LastError = attempt.err
			slog.Warn("story attempt failed", "story", story.ID, "attempt", story.Attempts, "error", attempt.err)
		}

		if err := l.saveProgress(); err != nil {
			slog.Warn("failed to save progress", "error", err)
		}
	}

	l.mu.Lock()
	l.running = false
	completedAt := time.Now().UTC()
	l.mu.Unlock()

	return l.summary(completedAt), nil
}

// attemptData is the working record of one attempt.
type attemptData struct {
	changesMade int
	err         string
	checks      []memory.QualityCheck
	code        string
	files       []string
}

func (l *Loop) implementStory(ctx context.Context, story *Story) (bool, attemptData) {
	var attempt attemptData

	learnings := l.queryLearnings(ctx, story)
	prompt := buildImplementationPrompt(story, learnings)

	code, files, err := l.generateCode(ctx, story, prompt)
	attempt.code = code
	attempt.files = files
	if err != nil {
		attempt.err = err.Error()
		return false, attempt
	}

	written, err := applyArtifacts(l.workDir, story.ID, code)
	if err != nil {
		attempt.err = err.Error()
		return false, attempt
	}
	attempt.changesMade = len(written)
	if len(written) > 0 {
		attempt.files = written
	}
	if attempt.changesMade == 0 {
		attempt.err = "no code changes applied"
		return false, attempt
	}

	gate := l.gate.Run(ctx)
	attempt.checks = gate.Checks
	if !gate.Passed {
		attempt.err = fmt.Sprintf("quality checks failed: %v", gate.Errors)
		return false, attempt
	}

	return true, attempt
}

func (l *Loop) queryLearnings(ctx context.Context, story *Story) []memory.Learning {
	if l.mem == nil {
		return nil
	}
	query := story.Title + " " + story.Description + " " + strings.Join(story.AcceptanceCriteria, " ")
	learnings := l.mem.QueryPastLearnings(ctx, query, []string{"ralph", "code_implementation"}, 5, 0)
	slog.Info("found past learnings", "story", story.ID, "count", len(learnings))
	return learnings
}

// generateCode spawns a short-lived code agent for one attempt and
// tears it down afterwards.
func (l *Loop) generateCode(ctx context.Context, story *Story, prompt string) (string, []string, error) {
	name := fmt.Sprintf("CodeAgent-%s-%d", story.ID, time.Now().UnixMilli())
	agent, err := l.agents.CreateAgent(agents.CreateSpec{
		Name:     name,
		Role:     agents.RoleCode,
		ParentID: "ralph-loop",
	})
	if err != nil {
		return "", nil, fmt.Errorf("create code agent: %w", err)
	}
	defer l.agents.TerminateAgent(agent.ID)

	result := l.agents.ExecuteTask(ctx, agent.ID, prompt, taskTimeout, true)
	if msg := result.Err(); msg != "" {
		return "", nil, errors.New(msg)
	}

	var files []string
	if raw, ok := result["files"].([]string); ok {
		files = raw
	}
	return result.Output(), files, nil
}

func (l *Loop) writeDiary(ctx context.Context, story *Story, success bool, attempt attemptData) {
	if l.mem == nil {
		return
	}
	_, err := l.mem.Diary(ctx, memory.DiaryRequest{
		StoryID:       story.ID,
		StoryTitle:    story.Title,
		AttemptNumber: story.Attempts,
		Success:       success,
		ChangesMade:   attempt.changesMade,
		CodeExcerpt:   attempt.code,
		Error:         attempt.err,
		QualityChecks: attempt.checks,
		FilesModified: attempt.files,
	})
	if err != nil {
		slog.Warn("failed to write diary entry", "story", story.ID, "error", err)
	}
}

// reflect records the story's single Reflection. Called exactly once
// per story, at the completed or failed transition.
func (l *Loop) reflect(ctx context.Context, story *Story, finalSuccess bool) {
	if l.mem == nil {
		return
	}
	_, err := l.mem.Reflect(ctx, story.ID, story.Title, story.Attempts, finalSuccess,
		l.storyAttempts[story.ID], l.storyFiles[story.ID], story.CommitRef)
	if err != nil {
		slog.Warn("failed to reflect on story", "story", story.ID, "error", err)
	}
}

func (l *Loop) commitStory(story *Story) string {
	msg := fmt.Sprintf("feat(%s): %s", story.ID, story.Title)
	ref, err := l.git.Commit(l.workDir, msg)
	if err != nil {
		slog.Warn("failed to commit story", "story", story.ID, "error", err)
		return ""
	}
	if ref != "" {
		if err := l.git.Push(l.workDir); err != nil {
			slog.Warn("push failed", "story", story.ID, "error", err)
		}
	}
	return ref
}

func (l *Loop) summary(completedAt time.Time) *Summary {
	completed := l.plan.CompletedStories()
	failed := l.plan.FailedStories()

	status := "completed"
	if len(failed) > 0 {
		status = "partial"
	}
	for _, s := range l.plan.Stories {
		if !s.terminal() {
			// Stopped before this story settled.
			status = "partial"
			break
		}
	}

	totalAttempts := 0
	for _, attempts := range l.storyAttempts {
		totalAttempts += len(attempts)
	}

	return &Summary{
		Status:          status,
		Iterations:      l.iteration,
		DurationSeconds: completedAt.Sub(l.startedAt).Seconds(),
		Stories: StoryTotals{
			Total:                len(l.plan.Stories),
			Completed:            len(completed),
			Failed:               len(failed),
			CompletionPercentage: l.plan.CompletionPercentage(),
		},
		CompletedStories: completed,
		FailedStories:    failed,
		TotalAttempts:    totalAttempts,
	}
}
