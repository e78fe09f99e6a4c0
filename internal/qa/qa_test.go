package qa

import (
	"context"
	"testing"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
)

type fakeSandbox struct {
	exitCode int
	stdout   string
	err      error
}

func (f *fakeSandbox) Run(ctx context.Context, language, code string, syntaxOnly bool) (int, string, error) {
	return f.exitCode, f.stdout, f.err
}

func TestRunner_Run_SecurityFailureIsTerminal(t *testing.T) {
	r := NewRunner(false, nil)
	spec := config.QASpec{
		Security: config.QASpecSecurity{Enabled: true, ForbiddenPatterns: []string{"forbidden"}},
		Format:   config.QASpecFormat{Enabled: true, Type: "json"},
	}

	v, err := r.Run(context.Background(), spec, "this contains a forbidden word")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Passed {
		t.Fatalf("expected verdict to fail")
	}
	if v.RetryRecommended {
		t.Fatalf("expected security failure to not recommend retry")
	}
	if len(v.Sections) != 1 {
		t.Fatalf("expected security failure to short-circuit remaining sections, got %d sections", len(v.Sections))
	}
}

func TestRunner_Run_AllSectionsPass(t *testing.T) {
	r := NewRunner(false, nil)
	spec := config.QASpec{
		Security:     config.QASpecSecurity{Enabled: true},
		Format:       config.QASpecFormat{Enabled: true, Type: "json"},
		Completeness: config.QASpecCompleteness{Enabled: true, RequiredSubstrings: []string{"score"}},
	}

	v, err := r.Run(context.Background(), spec, `{"score": 10}`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !v.Passed {
		t.Fatalf("expected verdict to pass, got %+v", v)
	}
	if len(v.Sections) != 3 {
		t.Fatalf("expected 3 sections, got %d", len(v.Sections))
	}
}

func TestRunner_Run_CodeExecution_UsesSandbox(t *testing.T) {
	r := NewRunner(false, &fakeSandbox{exitCode: 0, stdout: "ok\n"})
	spec := config.QASpec{
		CodeExecution: config.QASpecCodeExecution{
			Enabled:        true,
			Language:       "python",
			ExpectExitCode: 0,
			ExpectOutput:   "ok",
		},
	}

	v, err := r.Run(context.Background(), spec, "print('ok')")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !v.Passed {
		t.Fatalf("expected verdict to pass, got %+v", v)
	}
}

func TestRunner_Run_CodeExecution_NoSandbox_Errors(t *testing.T) {
	r := NewRunner(false, nil)
	spec := config.QASpec{CodeExecution: config.QASpecCodeExecution{Enabled: true, Language: "python"}}

	if _, err := r.Run(context.Background(), spec, "print(1)"); err == nil {
		t.Fatalf("expected error when code_execution enabled with no sandbox")
	}
}

func TestRunner_Run_CodeExecution_Failure_DoesNotRecommendRetry(t *testing.T) {
	r := NewRunner(false, &fakeSandbox{exitCode: 1, stdout: ""})
	spec := config.QASpec{
		CodeExecution: config.QASpecCodeExecution{Enabled: true, Language: "python", ExpectExitCode: 0},
	}

	v, err := r.Run(context.Background(), spec, "raise SystemExit(1)")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Passed {
		t.Fatalf("expected verdict to fail")
	}
	if v.RetryRecommended {
		t.Fatalf("expected code_execution failure to not recommend retry")
	}
}

func TestRunner_Run_Command_DeniedWhenExecDisabled(t *testing.T) {
	r := NewRunner(false, nil)
	spec := config.QASpec{
		Command: config.QASpecCommand{Enabled: true, Allowlist: []string{"true"}},
	}

	v, err := r.Run(context.Background(), spec, "anything")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Passed {
		t.Fatalf("expected command section to fail when exec disabled")
	}
}
