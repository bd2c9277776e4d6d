package orchestrator

import "strings"

// Routing targets for one user message.
const (
	routeCode     = "code"
	routeWorkflow = "workflow"
	routeChat     = "chat"
)

var codeKeywords = []string{
	"write", "create", "generate", "build", "implement", "code", "program",
	"script", "application", "app", "tool", "software", "system", "module",
	"function", "class", "api", "service", "project",
}

var executionKeywords = []string{
	"execute", "begin", "start", "run", "do it", "go ahead", "proceed",
	"make", "develop", "design", "set up", "setup", "configure",
	"i want", "please", "can you", "could you", "let's", "lets",
}

var researchKeywords = []string{"research", "investigate", "analyze", "study", "look into"}

var workflowKeywords = []string{"workflow", "verify", "comprehensive", "full analysis"}

var instructionMarkers = []string{"1.", "step 1", "first,", "- ", "* ", "follow these"}

var buildVerbs = []string{"create", "build", "write", "make", "develop"}

// taskStopwords are stripped before judging whether an execution
// request carries its own topic.
var taskStopwords = []string{"please", "a", "on", "the", "topic", "of", "about", "regarding"}

func containsAny(lower string, words []string) bool {
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// signals are the keyword hits for one message.
type signals struct {
	code            bool
	execution       bool
	research        bool
	workflow        bool
	hasInstructions bool
}

func classifySignals(message string) signals {
	lower := strings.ToLower(message)
	return signals{
		code:            containsAny(lower, codeKeywords),
		execution:       containsAny(lower, executionKeywords),
		research:        containsAny(lower, researchKeywords),
		workflow:        containsAny(lower, workflowKeywords),
		hasInstructions: containsAny(lower, instructionMarkers),
	}
}

// wantsCode reports whether the message should take the code path:
// a code keyword plus either an execution signal, explicit
// instructions, or an imperative build verb.
func (s signals) wantsCode(message string) bool {
	if !s.code {
		return false
	}
	lower := strings.ToLower(message)
	return s.execution || s.hasInstructions || containsAny(lower, buildVerbs)
}

// hasTaskContent reports whether, once execution keywords and
// stopwords are removed, enough text remains for the message to be its
// own task.
func hasTaskContent(message string) bool {
	text := strings.ToLower(message)
	for _, w := range executionKeywords {
		text = strings.ReplaceAll(text, w, " ")
	}
	for _, w := range taskStopwords {
		text = strings.ReplaceAll(text, " "+w+" ", " ")
	}
	text = strings.Join(strings.Fields(text), " ")
	return len(text) > 3
}
