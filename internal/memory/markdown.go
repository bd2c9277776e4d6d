package memory

import (
	"fmt"
	"strings"
)

const copilotHeader = `# Copilot Memory

This file contains learnings extracted from coding sessions.
The AI assistant uses this to improve future task implementations.

## Learnings

`

func (e *DiaryEntry) markdown() string {
	status := "❌ Failed"
	if e.Success {
		status = "✅ Success"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Diary Entry: %s\n", e.StoryTitle)
	fmt.Fprintf(&b, "**Date:** %s\n", e.Timestamp.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "**Story ID:** %s\n", e.StoryID)
	fmt.Fprintf(&b, "**Attempt:** #%d\n", e.AttemptNumber)
	fmt.Fprintf(&b, "**Status:** %s\n", status)
	fmt.Fprintf(&b, "**Changes Made:** %d files\n\n", e.ChangesMade)

	if e.Error != "" {
		fmt.Fprintf(&b, "### Error\n```\n%s\n```\n\n", e.Error)
	}
	if len(e.FilesModified) > 0 {
		b.WriteString("### Files Modified\n")
		for _, f := range e.FilesModified {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	if len(e.QualityChecks) > 0 {
		b.WriteString("### Quality Checks\n")
		for _, c := range e.QualityChecks {
			mark := "❌"
			if c.Passed {
				mark = "✅"
			}
			fmt.Fprintf(&b, "- %s %s\n", mark, c.Name)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (r *Reflection) markdown() string {
	status := "❌ Failed"
	if r.FinalSuccess {
		status = "✅ Completed"
	}
	commit := r.CommitRef
	if commit == "" {
		commit = "N/A"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Reflection: %s\n", r.StoryTitle)
	fmt.Fprintf(&b, "**Date:** %s\n", r.Timestamp.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "**Status:** %s\n", status)
	fmt.Fprintf(&b, "**Total Attempts:** %d\n", r.TotalAttempts)
	fmt.Fprintf(&b, "**Commit:** %s\n\n", commit)

	writeSection := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "### %s\n", title)
		for _, item := range items {
			fmt.Fprintf(&b, "- %s\n", item)
		}
		b.WriteString("\n")
	}
	writeSection("Key Insights", r.Insights)
	writeSection("What Worked", r.SuccessFactors)
	writeSection("Failure Patterns", r.FailurePatterns)
	writeSection("Recommendations", r.Recommendations)

	return b.String()
}

// copilotSection is the short summary appended to COPILOT.md.
func (r *Reflection) copilotSection() string {
	status := "❌ Failed"
	if r.FinalSuccess {
		status = "✅ Success"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n### %s\n", r.StoryTitle)
	fmt.Fprintf(&b, "*%s* | Attempts: %d | %s\n\n", r.Timestamp.Format("2006-01-02"), r.TotalAttempts, status)

	for i, insight := range r.Insights {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "- %s\n", insight)
	}
	if len(r.Recommendations) > 0 {
		b.WriteString("\n**Recommendations:**\n")
		for i, rec := range r.Recommendations {
			if i == 2 {
				break
			}
			fmt.Fprintf(&b, "- %s\n", rec)
		}
	}
	b.WriteString("\n---\n")
	return b.String()
}
