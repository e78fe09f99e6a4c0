package qa

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
)

func evaluateCompleteness(spec config.QASpecCompleteness, result string) SectionResult {
	if !spec.Enabled {
		return SectionResult{Name: "completeness", Passed: true}
	}

	if spec.MinLength > 0 && len(result) < spec.MinLength {
		return SectionResult{
			Name:   "completeness",
			Passed: false,
			Detail: fmt.Sprintf("result length %d below minimum %d", len(result), spec.MinLength),
		}
	}
	if spec.MaxLength > 0 && len(result) > spec.MaxLength {
		return SectionResult{
			Name:   "completeness",
			Passed: false,
			Detail: fmt.Sprintf("result length %d above maximum %d", len(result), spec.MaxLength),
		}
	}

	var missing []string
	for _, s := range spec.RequiredSubstrings {
		if !strings.Contains(result, s) {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return SectionResult{
			Name:   "completeness",
			Passed: false,
			Detail: fmt.Sprintf("missing required substrings: %s", strings.Join(missing, ", ")),
		}
	}

	var found []string
	for _, s := range spec.ForbiddenSubstrings {
		if strings.Contains(result, s) {
			found = append(found, s)
		}
	}
	if len(found) > 0 {
		return SectionResult{
			Name:   "completeness",
			Passed: false,
			Detail: fmt.Sprintf("contains forbidden substrings: %s", strings.Join(found, ", ")),
		}
	}

	return SectionResult{Name: "completeness", Passed: true}
}
