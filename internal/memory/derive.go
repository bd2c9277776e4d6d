package memory

import (
	"fmt"
	"sort"
	"strings"
)

// Failure buckets, checked in priority order against the error string.
var failureBuckets = []struct {
	bucket    string
	needles   []string
}{
	{"Test failures", []string{"test", "pytest"}},
	{"Syntax errors", []string{"syntax"}},
	{"Import errors", []string{"import"}},
	{"Type errors", []string{"type"}},
	{"Quality check failures", []string{"quality"}},
}

func classifyError(errText string) string {
	lower := strings.ToLower(errText)
	for _, b := range failureBuckets {
		for _, needle := range b.needles {
			if strings.Contains(lower, needle) {
				return b.bucket
			}
		}
	}
	return "Implementation errors"
}

// analyzeFailurePatterns buckets failed attempts by error class and
// emits one line per non-empty bucket, sorted by count descending.
// Ties break by bucket name so repeated runs are byte-identical.
func analyzeFailurePatterns(failures []Attempt) []string {
	if len(failures) == 0 {
		return nil
	}

	counts := make(map[string]int)
	for _, f := range failures {
		counts[classifyError(f.Error)]++
	}

	buckets := make([]string, 0, len(counts))
	for b := range counts {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool {
		if counts[buckets[i]] != counts[buckets[j]] {
			return counts[buckets[i]] > counts[buckets[j]]
		}
		return buckets[i] < buckets[j]
	})

	patterns := make([]string, 0, len(buckets))
	for _, b := range buckets {
		patterns = append(patterns, fmt.Sprintf("%s occurred in %d attempt(s)", b, counts[b]))
	}
	return patterns
}

// analyzeSuccessFactors identifies what made successful attempts work.
func analyzeSuccessFactors(successes, failures []Attempt) []string {
	if len(successes) == 0 {
		return nil
	}

	var factors []string

	total := 0
	for _, s := range successes {
		total += s.ChangesMade
	}
	avg := float64(total) / float64(len(successes))
	factors = append(factors, fmt.Sprintf("Successful attempts averaged %.1f file changes", avg))

	if len(failures) > 0 {
		factors = append(factors, "Persistence through failures led to success")
	}

	for _, s := range successes {
		var passed []string
		for _, c := range s.QualityChecks {
			if c.Passed {
				passed = append(passed, c.Name)
			}
		}
		if len(passed) > 0 {
			factors = append(factors, "Passed quality checks: "+strings.Join(passed, ", "))
			break
		}
	}

	return factors
}

// generateInsights produces the high-level summary lines for a story.
func generateInsights(title string, totalAttempts int, finalSuccess bool, failurePatterns, successFactors []string) []string {
	var insights []string

	if finalSuccess {
		switch {
		case totalAttempts == 1:
			insights = append(insights, fmt.Sprintf("'%s' completed on first attempt - similar tasks may be straightforward", title))
		case totalAttempts <= 3:
			insights = append(insights, fmt.Sprintf("'%s' required %d attempts - some iteration expected", title, totalAttempts))
		default:
			insights = append(insights, fmt.Sprintf("'%s' was complex, requiring %d attempts", title, totalAttempts))
		}
	} else {
		insights = append(insights, fmt.Sprintf("'%s' could not be completed after %d attempts", title, totalAttempts))
	}

	if len(failurePatterns) > 0 {
		primary, _, _ := strings.Cut(failurePatterns[0], " occurred")
		insights = append(insights, "Primary challenge: "+primary)
	}
	if len(successFactors) > 0 {
		insights = append(insights, "Key success factor: "+successFactors[0])
	}

	return insights
}

// generateRecommendations maps failure patterns to advice, capped at 5.
func generateRecommendations(failurePatterns, successFactors []string) []string {
	var recs []string

	for _, p := range failurePatterns {
		switch {
		case strings.Contains(p, "Test failures"):
			recs = append(recs, "Write tests incrementally alongside implementation")
		case strings.Contains(p, "Syntax errors"):
			recs = append(recs, "Run syntax validation before applying changes")
		case strings.Contains(p, "Import errors"):
			recs = append(recs, "Verify all imports exist before implementation")
		case strings.Contains(p, "Type errors"):
			recs = append(recs, "Add type hints and run type checking early")
		}
	}

	for _, f := range successFactors {
		if strings.Contains(f, "Persistence") {
			recs = append(recs, "Retry with refined approach when initial attempt fails")
			break
		}
	}

	if len(recs) == 0 {
		recs = append(recs,
			"Break complex tasks into smaller incremental changes",
			"Run quality checks after each significant change",
		)
	}

	if len(recs) > 5 {
		recs = recs[:5]
	}
	return recs
}
