package qa

import (
	"testing"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
)

func TestEvaluateCompleteness_Disabled_Passes(t *testing.T) {
	r := evaluateCompleteness(config.QASpecCompleteness{}, "")
	if !r.Passed {
		t.Fatalf("expected disabled completeness section to pass")
	}
}

func TestEvaluateCompleteness_BelowMinLength_Fails(t *testing.T) {
	r := evaluateCompleteness(config.QASpecCompleteness{Enabled: true, MinLength: 20}, "too short")
	if r.Passed {
		t.Fatalf("expected below-minimum result to fail")
	}
}

func TestEvaluateCompleteness_AboveMaxLength_Fails(t *testing.T) {
	r := evaluateCompleteness(config.QASpecCompleteness{Enabled: true, MaxLength: 5}, "this is way too long")
	if r.Passed {
		t.Fatalf("expected above-maximum result to fail")
	}
}

func TestEvaluateCompleteness_MissingRequiredSubstring_Fails(t *testing.T) {
	r := evaluateCompleteness(config.QASpecCompleteness{Enabled: true, RequiredSubstrings: []string{"conclusion"}}, "no ending here")
	if r.Passed {
		t.Fatalf("expected missing required substring to fail")
	}
}

func TestEvaluateCompleteness_ForbiddenSubstring_Fails(t *testing.T) {
	r := evaluateCompleteness(config.QASpecCompleteness{Enabled: true, ForbiddenSubstrings: []string{"TODO"}}, "still has a TODO in it")
	if r.Passed {
		t.Fatalf("expected forbidden substring to fail")
	}
}

func TestEvaluateCompleteness_AllChecksPass(t *testing.T) {
	r := evaluateCompleteness(config.QASpecCompleteness{
		Enabled:            true,
		RequiredSubstrings: []string{"summary"},
		MinLength:          5,
	}, "summary: all good")
	if !r.Passed {
		t.Fatalf("expected all checks to pass, got detail: %s", r.Detail)
	}
}
