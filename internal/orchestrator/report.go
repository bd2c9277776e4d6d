package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/conductor/internal/agents"
	"github.com/nextlevelbuilder/conductor/internal/ralph"
)

// formatResult renders one task result for display. Precedence:
// error, raw_response, output, content, then a truncated JSON dump.
func formatResult(result agents.Result) string {
	if len(result) == 0 {
		return "No results available."
	}
	if msg := result.Err(); msg != "" {
		return "Error: " + msg
	}
	for _, key := range []string{"raw_response", "output", "content"} {
		if v, ok := result[key].(string); ok && v != "" {
			return v
		}
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	if len(data) > 1000 {
		data = data[:1000]
	}
	return string(data)
}

// codeReport renders the final markdown for the code path.
func codeReport(plan *ralph.Plan, summary *ralph.Summary, pushErr error) string {
	var b strings.Builder

	b.WriteString("## 🚀 Code Generation Workflow\n\n")

	b.WriteString("### 📋 PRD\n")
	fmt.Fprintf(&b, "✅ **PRD Generated**: %s\n", plan.Name)
	fmt.Fprintf(&b, "   - Branch: `%s`\n", plan.BranchName)
	fmt.Fprintf(&b, "   - User Stories: %d\n", len(plan.Stories))
	b.WriteString("\n**User Stories:**\n")
	for _, s := range plan.Stories {
		fmt.Fprintf(&b, "- **%s**: %s (Priority: %d)\n", s.ID, s.Title, s.Priority)
	}

	b.WriteString("\n### 🔄 Implementation\n")
	fmt.Fprintf(&b, "- Stories Completed: %d/%d (%.1f%%)\n",
		summary.Stories.Completed, summary.Stories.Total, summary.Stories.CompletionPercentage)
	fmt.Fprintf(&b, "- Stories Failed: %d\n", summary.Stories.Failed)
	fmt.Fprintf(&b, "- Total Iterations: %d\n", summary.Iterations)

	if len(summary.CompletedStories) > 0 {
		b.WriteString("\n**Completed Stories:**\n")
		for _, s := range summary.CompletedStories {
			ref := s.CommitRef
			if len(ref) > 8 {
				ref = ref[:8]
			}
			if ref == "" {
				ref = "N/A"
			}
			fmt.Fprintf(&b, "- ✅ %s: %s (commit: `%s`)\n", s.ID, s.Title, ref)
		}
	}
	if len(summary.FailedStories) > 0 {
		b.WriteString("\n**Failed Stories:**\n")
		for _, s := range summary.FailedStories {
			lastErr := s.LastError
			if lastErr == "" {
				lastErr = "Unknown error"
			}
			fmt.Fprintf(&b, "- ❌ %s: %s - %s\n", s.ID, s.Title, lastErr)
		}
	}

	b.WriteString("\n### 🚀 Push\n")
	if pushErr == nil {
		b.WriteString("✅ **Successfully pushed to GitHub**\n")
		fmt.Fprintf(&b, "   - Branch: `%s`\n", plan.BranchName)
	} else {
		fmt.Fprintf(&b, "⚠️ **Push to GitHub failed**: %v\n", pushErr)
		b.WriteString("   - Changes are committed locally\n")
		fmt.Fprintf(&b, "   - You can manually push with: `git push origin %s`\n", plan.BranchName)
	}

	b.WriteString("\n### ✅ Workflow Complete\n")
	switch {
	case summary.Stories.Total > 0 && summary.Stories.Completed == summary.Stories.Total:
		b.WriteString("🎉 All user stories implemented successfully!\n")
	case summary.Stories.Completed > 0:
		fmt.Fprintf(&b, "📊 Partial success: %d/%d stories completed.\n",
			summary.Stories.Completed, summary.Stories.Total)
	default:
		b.WriteString("❌ No stories were completed. Check the errors above.\n")
	}

	return b.String()
}

// workflowReport renders the three-phase result for the workflow path.
func workflowReport(task, workflowID string, results map[string]agents.Result) string {
	shortTask := task
	if len(shortTask) > 100 {
		shortTask = shortTask[:100]
	}

	var b strings.Builder
	b.WriteString("## Workflow Execution Complete\n\n")
	fmt.Fprintf(&b, "I've executed the research-verify-synthesize workflow for: **%s**\n\n", shortTask)
	b.WriteString("### Results:\n\n")
	fmt.Fprintf(&b, "**Research Phase:**\n%s\n\n", formatResult(results["research"]))
	fmt.Fprintf(&b, "**Verification Phase:**\n%s\n\n", formatResult(results["verify"]))
	fmt.Fprintf(&b, "**Synthesis:**\n%s\n\n", formatResult(results["synthesis"]))
	fmt.Fprintf(&b, "Workflow ID: `%s`\n", workflowID)
	return b.String()
}
