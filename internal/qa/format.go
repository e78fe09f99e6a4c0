package qa

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
)

func evaluateFormat(spec config.QASpecFormat, result string) SectionResult {
	if !spec.Enabled {
		return SectionResult{Name: "format", Passed: true}
	}

	switch spec.Type {
	case "", "text":
		// no shape constraint beyond "is text", which every result satisfies.
	case "json":
		var doc map[string]any
		if err := json.Unmarshal([]byte(result), &doc); err != nil {
			return SectionResult{Name: "format", Passed: false, Detail: fmt.Sprintf("not valid JSON: %v", err)}
		}
		var missing []string
		for _, key := range spec.RequiredKeys {
			if _, ok := doc[key]; !ok {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			return SectionResult{Name: "format", Passed: false, Detail: fmt.Sprintf("missing required keys: %v", missing)}
		}
	case "regex":
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return SectionResult{Name: "format", Passed: false, Detail: fmt.Sprintf("invalid pattern %q: %v", spec.Pattern, err)}
		}
		if !re.MatchString(result) {
			return SectionResult{Name: "format", Passed: false, Detail: fmt.Sprintf("result does not match pattern %q", spec.Pattern)}
		}
	default:
		return SectionResult{Name: "format", Passed: false, Detail: fmt.Sprintf("unrecognized format type %q", spec.Type)}
	}

	if spec.SchemaPath != "" {
		if err := validateAgainstSchema(spec.SchemaPath, result); err != nil {
			return SectionResult{Name: "format", Passed: false, Detail: err.Error()}
		}
	}

	return SectionResult{Name: "format", Passed: true}
}
