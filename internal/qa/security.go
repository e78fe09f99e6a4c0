package qa

import (
	"fmt"
	"regexp"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
)

// secretLikePattern flags strings that look like API keys/tokens: a long
// run of base62-ish characters, the shape most provider secrets share.
var secretLikePattern = regexp.MustCompile(`(?i)(sk-[a-z0-9]{16,}|[a-z0-9_\-]{32,})`)

// placeholderPattern catches unfilled templating left in a result, e.g.
// "{{name}}" or "{project_id}".
var placeholderPattern = regexp.MustCompile(`\{\{[^{}]+\}\}|\{[a-zA-Z_][a-zA-Z0-9_]*\}`)

func evaluateSecurity(spec config.QASpecSecurity, result string) SectionResult {
	if !spec.Enabled {
		return SectionResult{Name: "security", Passed: true}
	}

	for _, pattern := range spec.ForbiddenPatterns {
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return SectionResult{Name: "security", Passed: false, Detail: fmt.Sprintf("invalid forbidden pattern %q: %v", pattern, err)}
		}
		if re.MatchString(result) {
			return SectionResult{Name: "security", Passed: false, Detail: fmt.Sprintf("matched forbidden pattern %q", pattern)}
		}
	}

	if spec.DenySecretsLike && secretLikePattern.MatchString(result) {
		return SectionResult{Name: "security", Passed: false, Detail: "result contains a secret-like token"}
	}

	if spec.CheckPlaceholders && placeholderPattern.MatchString(result) {
		return SectionResult{Name: "security", Passed: false, Detail: "result contains unfilled templating"}
	}

	return SectionResult{Name: "security", Passed: true}
}
