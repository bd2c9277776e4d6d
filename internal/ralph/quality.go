package ralph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/nextlevelbuilder/conductor/internal/memory"
)

// Quality gate modes.
const (
	GateModeSoft   = "soft"
	GateModeStrict = "strict"
)

// GateResult is the outcome of one quality-gate run.
type GateResult struct {
	Passed   bool
	Checks   []memory.QualityCheck
	Warnings []string
	Errors   []string
}

// QualityRunner gates an attempt on external checks.
type QualityRunner interface {
	Run(ctx context.Context) GateResult
}

type gateCheck struct {
	name    string
	args    []string
	timeout time.Duration
	// blocking checks fail the gate in strict mode.
	blocking bool
}

// QualityGate runs the test runner, linter, and type checker against
// the project tree. Missing tools are skipped; in soft mode failures
// are recorded as warnings and never block the attempt.
type QualityGate struct {
	dir    string
	mode   string
	checks []gateCheck
}

// NewQualityGate builds the default check sequence. mode defaults to soft.
func NewQualityGate(dir, mode string) *QualityGate {
	if mode != GateModeStrict {
		mode = GateModeSoft
	}
	return &QualityGate{
		dir:  dir,
		mode: mode,
		checks: []gateCheck{
			{name: "pytest", args: []string{"pytest", "-x", "--tb=short"}, timeout: 60 * time.Second, blocking: true},
			{name: "ruff", args: []string{"ruff", "check", "."}, timeout: 30 * time.Second},
			{name: "mypy", args: []string{"mypy", "--ignore-missing-imports", "."}, timeout: 60 * time.Second},
		},
	}
}

// Run executes every check in order. Only hard errors (a tool that is
// present but cannot be spawned) fail the gate in soft mode; strict
// mode additionally fails on a failed test run.
func (g *QualityGate) Run(ctx context.Context) GateResult {
	var result GateResult

	for _, check := range g.checks {
		cctx, cancel := context.WithTimeout(ctx, check.timeout)
		cmd := exec.CommandContext(cctx, check.args[0], check.args[1:]...)
		cmd.Dir = g.dir
		out, err := cmd.CombinedOutput()
		cancel()

		if err != nil {
			var exitErr *exec.ExitError
			switch {
			case errors.Is(err, exec.ErrNotFound):
				slog.Info("quality check skipped, tool not installed", "check", check.name)
				continue
			case errors.Is(cctx.Err(), context.DeadlineExceeded):
				result.Checks = append(result.Checks, memory.QualityCheck{
					Name:   check.name,
					Passed: false,
					Output: "timed out",
				})
				result.Warnings = append(result.Warnings, check.name+" timed out")
				continue
			case errors.As(err, &exitErr):
				// Tool ran and reported findings; fall through.
			default:
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", check.name, err))
				continue
			}
		}

		passed := err == nil
		result.Checks = append(result.Checks, memory.QualityCheck{
			Name:   check.name,
			Passed: passed,
			Output: excerpt(string(out), 500),
		})
		if !passed {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", check.name, excerpt(string(out), 200)))
			if g.mode == GateModeStrict && check.blocking {
				result.Errors = append(result.Errors, check.name+" failed")
			}
		}
	}

	result.Passed = len(result.Errors) == 0
	if len(result.Warnings) > 0 {
		slog.Info("quality warnings (non-blocking)", "count", len(result.Warnings))
	}
	return result
}

func excerpt(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
