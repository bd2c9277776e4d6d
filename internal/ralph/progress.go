package ralph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/conductor/internal/memory"
)

type progressFile struct {
	PRD           *planProgress               `json:"prd"`
	Iteration     int                         `json:"iteration"`
	StartedAt     *time.Time                  `json:"started_at"`
	StoryAttempts map[string][]memory.Attempt `json:"story_attempts"`
	Timestamp     time.Time                   `json:"timestamp"`
}

type planProgress struct {
	Plan
	Completion float64 `json:"completion"`
}

// saveProgress overwrites the progress file atomically by writing a
// temp file in the same directory and renaming it into place.
func (l *Loop) saveProgress() error {
	progress := progressFile{
		Iteration:     l.iteration,
		StoryAttempts: l.storyAttempts,
		Timestamp:     time.Now().UTC(),
	}
	if l.plan != nil {
		progress.PRD = &planProgress{Plan: *l.plan, Completion: l.plan.CompletionPercentage()}
	}
	if !l.startedAt.IsZero() {
		t := l.startedAt
		progress.StartedAt = &t
	}

	data, err := json.MarshalIndent(progress, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	dir := filepath.Dir(l.progressPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "progress-*.json")
	if err != nil {
		return fmt.Errorf("create temp progress file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), l.progressPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace progress file: %w", err)
	}
	return nil
}

// loadProgress reads a previously saved progress file.
func loadProgress(path string) (*progressFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p progressFile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse progress file: %w", err)
	}
	return &p, nil
}
