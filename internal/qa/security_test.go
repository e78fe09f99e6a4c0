package qa

import (
	"testing"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
)

func TestEvaluateSecurity_Disabled_Passes(t *testing.T) {
	r := evaluateSecurity(config.QASpecSecurity{}, "anything sk-aaaaaaaaaaaaaaaaaaaaaaaa")
	if !r.Passed {
		t.Fatalf("expected disabled security section to pass")
	}
}

func TestEvaluateSecurity_DenySecretsLike_Fails(t *testing.T) {
	r := evaluateSecurity(config.QASpecSecurity{Enabled: true, DenySecretsLike: true}, "key=sk-abcdefghijklmnopqrstuvwx")
	if r.Passed {
		t.Fatalf("expected secret-like token to fail security section")
	}
}

func TestEvaluateSecurity_CleanResult_Passes(t *testing.T) {
	r := evaluateSecurity(config.QASpecSecurity{Enabled: true, DenySecretsLike: true, ForbiddenPatterns: []string{"malware"}}, "a perfectly normal result")
	if !r.Passed {
		t.Fatalf("expected clean result to pass, got detail: %s", r.Detail)
	}
}
