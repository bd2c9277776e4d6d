package ralph

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/conductor/internal/config"
	"github.com/nextlevelbuilder/conductor/internal/memory"
	"github.com/nextlevelbuilder/conductor/internal/prd"
)

func TestProgressRoundtrip(t *testing.T) {
	work := t.TempDir()
	plan := testPlan(
		prd.UserStory{ID: "US-001", Title: "One", Priority: 1},
		prd.UserStory{ID: "US-002", Title: "Two", Priority: 2},
	)
	plan.Stories[0].Status = StatusCompleted

	l := NewLoop(config.RalphConfig{ProjectRoot: t.TempDir(), WorkDir: work}, plan, &fakeRunner{}, nil)
	l.iteration = 4
	l.startedAt = time.Now().UTC().Truncate(time.Second)
	l.storyAttempts["US-001"] = []memory.Attempt{
		{Number: 1, Success: false, Error: "boom"},
		{Number: 2, Success: true, ChangesMade: 2},
	}

	if err := l.saveProgress(); err != nil {
		t.Fatalf("saveProgress: %v", err)
	}

	got, err := loadProgress(filepath.Join(work, ".ralph", "progress.json"))
	if err != nil {
		t.Fatalf("loadProgress: %v", err)
	}
	if got.Iteration != 4 {
		t.Errorf("iteration = %d", got.Iteration)
	}
	if got.PRD == nil || got.PRD.Name != "Test Project" || got.PRD.Completion != 50 {
		t.Errorf("prd = %+v", got.PRD)
	}
	if len(got.PRD.Stories) != 2 || got.PRD.Stories[0].Status != StatusCompleted {
		t.Errorf("stories = %+v", got.PRD.Stories)
	}
	attempts := got.StoryAttempts["US-001"]
	if len(attempts) != 2 || attempts[0].Error != "boom" || !attempts[1].Success {
		t.Errorf("attempts = %+v", attempts)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(l.startedAt) {
		t.Errorf("started_at = %v", got.StartedAt)
	}
}

func TestProgressOverwriteLeavesNoTempFiles(t *testing.T) {
	work := t.TempDir()
	plan := testPlan(prd.UserStory{ID: "US-001", Title: "One", Priority: 1})
	l := NewLoop(config.RalphConfig{ProjectRoot: t.TempDir(), WorkDir: work}, plan, &fakeRunner{}, nil)

	for i := 0; i < 3; i++ {
		l.iteration = i
		if err := l.saveProgress(); err != nil {
			t.Fatalf("saveProgress: %v", err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(work, ".ralph"))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "progress.json" {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("dir contents = %v", names)
	}

	got, err := loadProgress(l.progressPath)
	if err != nil {
		t.Fatalf("loadProgress: %v", err)
	}
	if got.Iteration != 2 {
		t.Errorf("iteration = %d", got.Iteration)
	}
}
