package qa

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
)

// commandTimeout bounds how long an operator-supplied Command section may
// run before it's killed.
const commandTimeout = 30 * time.Second

// evaluateCommand runs the first allowlisted binary in spec.Allowlist
// against result on stdin, gated by allowCommandExec regardless of what
// the spec itself says — a config toggle always wins over the
// declarative spec for anything that shells out.
func evaluateCommand(spec config.QASpecCommand, result string, allowCommandExec bool) SectionResult {
	if !allowCommandExec {
		return SectionResult{Name: "command", Passed: false, Detail: "qa.allow_command_exec is disabled"}
	}
	if len(spec.Allowlist) == 0 {
		return SectionResult{Name: "command", Passed: false, Detail: "no allowlisted command configured"}
	}

	name := spec.Allowlist[0]
	if !slices.Contains(spec.Allowlist, name) {
		return SectionResult{Name: "command", Passed: false, Detail: fmt.Sprintf("command %q not in allowlist", name)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	// #nosec G204 -- name is restricted to spec.Allowlist, operator-controlled config
	cmd := exec.CommandContext(ctx, name)
	cmd.Stdin = strings.NewReader(result)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return SectionResult{
			Name:   "command",
			Passed: false,
			Detail: fmt.Sprintf("%s exited with error: %v: %s", name, err, stderr.String()),
		}
	}

	return SectionResult{Name: "command", Passed: true, Detail: strings.TrimSpace(stdout.String())}
}
