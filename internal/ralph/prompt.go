package ralph

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/conductor/internal/memory"
)

// buildImplementationPrompt composes the code-generation prompt for one
// story: title, description, numbered acceptance criteria, the standing
// implementation requirements, up to three past learnings, and the
// previous error when this is a retry.
func buildImplementationPrompt(s *Story, learnings []memory.Learning) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# User Story: %s\n\n", s.Title)
	b.WriteString("## Description\n")
	b.WriteString(s.Description)
	b.WriteString("\n\n## Acceptance Criteria\n")
	for i, criterion := range s.AcceptanceCriteria {
		fmt.Fprintf(&b, "%d. %s\n", i+1, criterion)
	}

	b.WriteString("\n## Implementation Requirements\n")
	b.WriteString("- Write clean, production-ready code\n")
	b.WriteString("- Follow existing code conventions in the project\n")
	b.WriteString("- Include appropriate error handling\n")
	b.WriteString("- Add docstrings and comments where needed\n")

	if len(learnings) > 0 {
		b.WriteString("\n## Learnings from Similar Past Tasks\n")
		for i, l := range learnings {
			if i == 3 {
				break
			}
			insight := l.Content
			if len(l.Insights) > 0 {
				insight = l.Insights[0]
			}
			fmt.Fprintf(&b, "- %s\n", insight)
		}
	}

	if s.Attempts > 1 {
		fmt.Fprintf(&b, "\n## Previous Attempt (#%d) Failed\n", s.Attempts-1)
		fmt.Fprintf(&b, "Error: %s\n", s.LastError)
		b.WriteString("Please address this issue in your implementation.\n")
	}

	return b.String()
}
