package ralph

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Fenced block labelled with a language and an explicit file path,
// either ```lang:path or ```lang path.
var filePattern = regexp.MustCompile("(?s)```" + `(\w+)[:\s]+([\w/.\-]+\.(?:go|py|js|ts|json|yaml|yml|md|txt|sh|sql|html|css))` + "\n(.*?)```")

// Plain fenced block with only a language label.
var codePattern = regexp.MustCompile("(?s)```" + `(\w+)` + "\n(.*?)```")

var (
	funcPattern  = regexp.MustCompile(`(?m)^\s*(?:func|def)\s+(\w+)`)
	classPattern = regexp.MustCompile(`(?m)^\s*(?:class|type)\s+(\w+)`)
)

var langExt = map[string]string{
	"go":         ".go",
	"golang":     ".go",
	"python":     ".py",
	"py":         ".py",
	"javascript": ".js",
	"js":         ".js",
	"typescript": ".ts",
	"ts":         ".ts",
	"bash":       ".sh",
	"sh":         ".sh",
	"sql":        ".sql",
	"json":       ".json",
	"yaml":       ".yaml",
	"html":       ".html",
	"css":        ".css",
}

// applyArtifacts extracts file artifacts from generated code and writes
// them under {workDir}/generated/{storyID}/. Path-labelled fences win;
// when none match, plain language-labelled fences are saved under src/
// with a name inferred from the first declaration. Returns the files
// written, relative to the story directory.
func applyArtifacts(workDir, storyID, code string) ([]string, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}

	storyDir := filepath.Join(workDir, "generated", storyID)
	var written []string

	for _, m := range filePattern.FindAllStringSubmatch(code, -1) {
		path, body := m[2], m[3]
		if strings.Contains(path, "..") {
			slog.Warn("rejected artifact path", "story", storyID, "path", path)
			continue
		}
		target := filepath.Join(storyDir, filepath.FromSlash(path))
		if err := writeArtifact(target, body); err != nil {
			slog.Warn("failed to write artifact", "story", storyID, "path", path, "error", err)
			continue
		}
		written = append(written, path)
		slog.Info("applied artifact", "story", storyID, "path", path)
	}
	if len(written) > 0 {
		return written, nil
	}

	for i, m := range codePattern.FindAllStringSubmatch(code, -1) {
		lang, body := strings.ToLower(m[1]), m[2]
		if strings.TrimSpace(body) == "" {
			continue
		}
		name := inferFilename(lang, body, i)
		rel := filepath.Join("src", name)
		if err := writeArtifact(filepath.Join(storyDir, rel), body); err != nil {
			slog.Warn("failed to write code block", "story", storyID, "error", err)
			continue
		}
		written = append(written, rel)
		slog.Info("applied code block", "story", storyID, "path", rel)
	}
	return written, nil
}

func writeArtifact(target, body string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	return os.WriteFile(target, []byte(strings.TrimSpace(body)+"\n"), 0644)
}

// inferFilename derives a name from the first function or class
// declaration in the block, falling back to a counter.
func inferFilename(lang, body string, index int) string {
	ext, ok := langExt[lang]
	if !ok {
		ext = ".txt"
	}

	base := "generated_code"
	if m := funcPattern.FindStringSubmatch(body); m != nil {
		base = strings.ToLower(m[1])
	} else if m := classPattern.FindStringSubmatch(body); m != nil {
		base = strings.ToLower(m[1])
	}

	if index > 0 {
		base = fmt.Sprintf("%s_%d", base, index)
	}
	return base + ext
}
