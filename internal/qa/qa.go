// Package qa runs a WorkOrder's result through a declarative quality-gate
// spec (config.QASpec) and reports a pass/fail verdict per section.
package qa

import (
	"context"
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
)

// SectionResult is the outcome of one QASpec section.
type SectionResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Verdict is the composed outcome of every enabled QASpec section.
// Passed is false if any section failed; security failures are always
// terminal regardless of where Security appears in the spec.
//
// RetryRecommended is only meaningful when Passed is false. It is true
// for failures that look transient (truncated output, prose wrapped
// around otherwise-valid JSON) and false for hard violations (a
// security leak, a forbidden substring, a code_execution failure)
// that retrying the same tier won't fix.
type Verdict struct {
	Passed           bool            `json:"passed"`
	RetryRecommended bool            `json:"retry_recommended,omitempty"`
	Sections         []SectionResult `json:"sections"`
}

// hardViolation reports whether a failed section represents a violation
// that retrying at the same tier cannot fix.
func hardViolation(s SectionResult) bool {
	switch s.Name {
	case "security":
		return true
	case "code_execution":
		return true
	case "completeness":
		return strings.Contains(s.Detail, "forbidden substrings")
	default:
		return false
	}
}

func retryRecommended(sections []SectionResult) bool {
	for _, s := range sections {
		if !s.Passed && hardViolation(s) {
			return false
		}
	}
	return true
}

// Runner evaluates a QASpec against a result string.
type Runner struct {
	allowCommandExec bool
	sandbox          CodeSandbox
}

// NewRunner constructs a Runner. allowCommandExec gates the Command
// section regardless of what the spec itself says, matching the
// teacher's pattern of a config flag overriding a declarative toggle for
// anything that shells out.
func NewRunner(allowCommandExec bool, sandbox CodeSandbox) *Runner {
	return &Runner{allowCommandExec: allowCommandExec, sandbox: sandbox}
}

// Run evaluates spec against resultOutput, running Security first and
// treating any Security failure as immediately terminal.
func (r *Runner) Run(ctx context.Context, spec config.QASpec, resultOutput string) (Verdict, error) {
	v := Verdict{Passed: true}

	sec := evaluateSecurity(spec.Security, resultOutput)
	v.Sections = append(v.Sections, sec)
	if !sec.Passed {
		v.Passed = false
		v.RetryRecommended = retryRecommended(v.Sections)
		return v, nil
	}

	fmtResult := evaluateFormat(spec.Format, resultOutput)
	v.Sections = append(v.Sections, fmtResult)
	v.Passed = v.Passed && fmtResult.Passed

	comp := evaluateCompleteness(spec.Completeness, resultOutput)
	v.Sections = append(v.Sections, comp)
	v.Passed = v.Passed && comp.Passed

	if spec.CodeExecution.Enabled {
		if r.sandbox == nil {
			return v, fmt.Errorf("op=qa.run.code_execution: section enabled but no sandbox configured")
		}
		ce, err := runCodeExecution(ctx, r.sandbox, spec.CodeExecution, resultOutput)
		if err != nil {
			return v, fmt.Errorf("op=qa.run.code_execution: %w", err)
		}
		v.Sections = append(v.Sections, ce)
		v.Passed = v.Passed && ce.Passed
	}

	if spec.Command.Enabled {
		cmd := evaluateCommand(spec.Command, resultOutput, r.allowCommandExec)
		v.Sections = append(v.Sections, cmd)
		v.Passed = v.Passed && cmd.Passed
	}

	if !v.Passed {
		v.RetryRecommended = retryRecommended(v.Sections)
	}
	return v, nil
}
