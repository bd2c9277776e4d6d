package ralph

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyArtifactsPathLabel(t *testing.T) {
	dir := t.TempDir()
	code := "Sure:\n\n```python:utils/reverse.py\ndef reverse(s):\n    return s[::-1]\n```\n"

	written, err := applyArtifacts(dir, "US-001", code)
	if err != nil {
		t.Fatalf("applyArtifacts: %v", err)
	}
	if len(written) != 1 || written[0] != "utils/reverse.py" {
		t.Fatalf("written = %v", written)
	}

	data, err := os.ReadFile(filepath.Join(dir, "generated", "US-001", "utils", "reverse.py"))
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "def reverse(s):\n    return s[::-1]\n" {
		t.Errorf("content = %q", data)
	}
}

func TestApplyArtifactsNewlineSeparatedPath(t *testing.T) {
	dir := t.TempDir()
	code := "```go\ncmd/main.go\npackage main\n```\n"

	written, err := applyArtifacts(dir, "US-002", code)
	if err != nil {
		t.Fatalf("applyArtifacts: %v", err)
	}
	if len(written) != 1 || written[0] != "cmd/main.go" {
		t.Fatalf("written = %v", written)
	}
}

func TestApplyArtifactsInfersFilenameFromDeclaration(t *testing.T) {
	dir := t.TempDir()
	code := "Here you go:\n\n```python\ndef reverse_string(s):\n    return s[::-1]\n```\n"

	written, err := applyArtifacts(dir, "US-003", code)
	if err != nil {
		t.Fatalf("applyArtifacts: %v", err)
	}
	if len(written) != 1 || written[0] != filepath.Join("src", "reverse_string.py") {
		t.Fatalf("written = %v", written)
	}
}

func TestApplyArtifactsCountersMultipleBlocks(t *testing.T) {
	dir := t.TempDir()
	code := "```python\nprint('a')\n```\n\n```python\nprint('b')\n```\n"

	written, err := applyArtifacts(dir, "US-004", code)
	if err != nil {
		t.Fatalf("applyArtifacts: %v", err)
	}
	want := []string{
		filepath.Join("src", "generated_code.py"),
		filepath.Join("src", "generated_code_1.py"),
	}
	if len(written) != 2 || written[0] != want[0] || written[1] != want[1] {
		t.Fatalf("written = %v, want %v", written, want)
	}
}

func TestApplyArtifactsRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	code := "```python:../../etc/evil.py\nprint('x')\n```\n"

	written, err := applyArtifacts(dir, "US-005", code)
	if err != nil {
		t.Fatalf("applyArtifacts: %v", err)
	}
	if len(written) != 0 {
		t.Errorf("written = %v", written)
	}
	if _, err := os.Stat(filepath.Join(dir, "etc", "evil.py")); !os.IsNotExist(err) {
		t.Error("artifact escaped the story directory")
	}
}

func TestApplyArtifactsEmptyOutput(t *testing.T) {
	written, err := applyArtifacts(t.TempDir(), "US-006", "   \n")
	if err != nil {
		t.Fatalf("applyArtifacts: %v", err)
	}
	if len(written) != 0 {
		t.Errorf("written = %v", written)
	}
}

func TestInferFilename(t *testing.T) {
	tests := []struct {
		name  string
		lang  string
		body  string
		index int
		want  string
	}{
		{"python def", "python", "def parse_input(x):\n    pass", 0, "parse_input.py"},
		{"python class", "python", "class HttpClient:\n    pass", 0, "httpclient.py"},
		{"go func", "go", "func Sum(a, b int) int { return a + b }", 0, "sum.go"},
		{"no declaration", "python", "print('hello')", 0, "generated_code.py"},
		{"counter suffix", "python", "print('hello')", 2, "generated_code_2.py"},
		{"unknown language", "brainfuck", "+++", 0, "generated_code.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inferFilename(tt.lang, tt.body, tt.index); got != tt.want {
				t.Errorf("inferFilename(%q) = %q, want %q", tt.lang, got, tt.want)
			}
		})
	}
}
