package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestNewClientInitializesTree(t *testing.T) {
	root := t.TempDir()
	c, err := NewClient("http://localhost:1", root, "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	for _, dir := range []string{c.diaryDir, c.reflectionsDir} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("missing dir %s", dir)
		}
	}
	data, err := os.ReadFile(c.copilotPath)
	if err != nil {
		t.Fatalf("read COPILOT.md: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Copilot Memory") {
		t.Errorf("COPILOT.md header = %q", string(data[:20]))
	}
}

func TestDiaryWritesLocallyWhenRemoteDown(t *testing.T) {
	root := t.TempDir()
	// Port 1 is never listening; the remote commit must fail silently.
	c, err := NewClient("http://127.0.0.1:1", root, "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	id, err := c.Diary(context.Background(), DiaryRequest{
		StoryID:       "US-001",
		StoryTitle:    "Reverse a string",
		AttemptNumber: 2,
		Success:       false,
		Error:         "test failed",
		FilesModified: []string{"src/reverse.py"},
	})
	if err != nil {
		t.Fatalf("Diary: %v", err)
	}
	if !strings.HasPrefix(id, "diary-US-001-2-") {
		t.Errorf("entry id = %q", id)
	}

	files, _ := filepath.Glob(filepath.Join(c.diaryDir, "*-US-001-2.md"))
	if len(files) != 1 {
		t.Fatalf("diary files = %v", files)
	}
	content, _ := os.ReadFile(files[0])
	for _, want := range []string{"## Diary Entry: Reverse a string", "**Attempt:** #2", "❌ Failed", "- src/reverse.py"} {
		if !strings.Contains(string(content), want) {
			t.Errorf("diary file missing %q", want)
		}
	}
}

func TestDiaryCommitPayload(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/memory/commit" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&payload)
		w.Write([]byte(`{"memory_id": "m-1"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, t.TempDir(), "test-actor")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Diary(context.Background(), DiaryRequest{
		StoryID: "US-002", StoryTitle: "T", AttemptNumber: 1, Success: true,
	}); err != nil {
		t.Fatalf("Diary: %v", err)
	}

	artifact := payload["artifact"].(map[string]interface{})
	if artifact["artifact_type"] != "research_snippet" {
		t.Errorf("artifact_type = %v", artifact["artifact_type"])
	}
	tags := artifact["tags"].([]interface{})
	want := []interface{}{"ralph", "diary", "US-002", "success"}
	if !reflect.DeepEqual(tags, want) {
		t.Errorf("tags = %v, want %v", tags, want)
	}
	if payload["store_in_cold"] != false {
		t.Error("diary entries must not be stored cold")
	}
	if payload["actor_id"] != "test-actor" {
		t.Errorf("actor_id = %v", payload["actor_id"])
	}
}

func TestReflectWritesFilesAndCommitsCold(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
		w.Write([]byte(`{"memory_id": "m-2"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	attempts := []Attempt{
		{Number: 1, Error: "test failed"},
		{Number: 2, Success: true, ChangesMade: 2},
	}
	r, err := c.Reflect(context.Background(), "US-003", "Widget", 2, true, attempts, []string{"a.py"}, "abc123")
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}

	if !reflect.DeepEqual(r.FailurePatterns, []string{"Test failures occurred in 1 attempt(s)"}) {
		t.Errorf("failure patterns = %v", r.FailurePatterns)
	}

	files, _ := filepath.Glob(filepath.Join(c.reflectionsDir, "*-US-003.md"))
	if len(files) != 1 {
		t.Fatalf("reflection files = %v", files)
	}
	content, _ := os.ReadFile(files[0])
	for _, want := range []string{"## Reflection: Widget", "**Commit:** abc123", "### Failure Patterns"} {
		if !strings.Contains(string(content), want) {
			t.Errorf("reflection file missing %q", want)
		}
	}

	copilot, _ := os.ReadFile(c.copilotPath)
	if !strings.Contains(string(copilot), "### Widget") {
		t.Error("COPILOT.md missing reflection summary")
	}

	artifact := payload["artifact"].(map[string]interface{})
	tags := artifact["tags"].([]interface{})
	want := []interface{}{"ralph", "reflection", "US-003", "learning"}
	if !reflect.DeepEqual(tags, want) {
		t.Errorf("tags = %v, want %v", tags, want)
	}
	if payload["store_in_cold"] != true {
		t.Error("reflections must be stored cold")
	}
}

func TestReflectDeterministicDerivation(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1", t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	attempts := []Attempt{
		{Number: 1, Error: "syntax broken"},
		{Number: 2, Error: "import missing"},
		{Number: 3, Success: true, ChangesMade: 1},
	}

	first, err := c.Reflect(context.Background(), "US-004", "T", 3, true, attempts, nil, "")
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	second, err := c.Reflect(context.Background(), "US-004", "T", 3, true, attempts, nil, "")
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}

	if !reflect.DeepEqual(first.FailurePatterns, second.FailurePatterns) {
		t.Errorf("failure patterns differ: %v vs %v", first.FailurePatterns, second.FailurePatterns)
	}
	if !reflect.DeepEqual(first.SuccessFactors, second.SuccessFactors) {
		t.Errorf("success factors differ: %v vs %v", first.SuccessFactors, second.SuccessFactors)
	}
	if !reflect.DeepEqual(first.Recommendations, second.Recommendations) {
		t.Errorf("recommendations differ: %v vs %v", first.Recommendations, second.Recommendations)
	}
}

func TestQueryPastLearningsUnreachableService(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1", t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	got := c.QueryPastLearnings(context.Background(), "reverse a string", nil, 5, 0.6)
	// Remote is down; only the local COPILOT.md excerpt remains.
	if len(got) != 1 || got[0].Kind != "local_memory" || got[0].Score != 0.5 {
		t.Errorf("learnings = %+v", got)
	}
}

func TestQueryPastLearningsSortsAndLimits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/memory/query" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"results": [
			{"content": "diary low", "artifact_type": "research_snippet", "score": 0.7, "artifact_content": "{\"story_id\":\"US-1\"}"},
			{"content": "reflection", "artifact_type": "research_snippet", "score": 0.7, "artifact_content": "{\"story_id\":\"US-2\",\"insights\":[\"i1\"]}"},
			{"content": "best", "artifact_type": "research_snippet", "score": 0.9, "artifact_content": "{\"story_id\":\"US-3\"}"}
		]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	got := c.QueryPastLearnings(context.Background(), "q", nil, 2, 0.6)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(got), got)
	}
	if got[0].Content != "best" {
		t.Errorf("first = %q, want best", got[0].Content)
	}
	// At equal score the reflection outranks the diary entry.
	if got[1].Kind != "reflection" {
		t.Errorf("second kind = %q, want reflection", got[1].Kind)
	}
}
