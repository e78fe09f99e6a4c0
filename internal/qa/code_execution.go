package qa

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/config"
)

const defaultCodeExecutionTimeout = 10 * time.Second

// languageImages maps a QASpecCodeExecution.Language to the image that
// runs it. Only languages with an entry here are supported.
var languageImages = map[string]string{
	"python": "python:3.12-slim",
	"node":   "node:22-slim",
	"bash":   "bash:5",
}

// languageExecScript runs the supplied code. The code is passed as $1 to
// sh -c, never interpolated into the script text, so it can't break out
// of the intended interpreter.
var languageExecScript = map[string]string{
	"python": `python3 -c "$1"`,
	"node":   `node -e "$1"`,
	"bash":   `bash -c "$1"`,
}

// languageSyntaxScript parses (but does not run) the supplied code.
var languageSyntaxScript = map[string]string{
	"python": `python3 -c "import ast, sys; ast.parse(sys.argv[1])" "$1"`,
	"node":   `node -e "new Function(process.argv[1])" "$1"`,
	"bash":   `bash -n -c "$1"`,
}

func buildCommand(scripts map[string]string, language, code string) ([]string, error) {
	script, ok := scripts[language]
	if !ok {
		return nil, fmt.Errorf("op=qa.sandbox.run: unsupported language %q", language)
	}
	return []string{"sh", "-c", script, "sh", code}, nil
}

// CodeSandbox runs a piece of code in a non-networked, non-privileged
// container and returns its exit code and combined stdout. When
// syntaxOnly is true the code is parsed but never executed.
type CodeSandbox interface {
	Run(ctx context.Context, language, code string, syntaxOnly bool) (exitCode int, stdout string, err error)
}

// DockerSandbox implements CodeSandbox over the Docker engine API.
type DockerSandbox struct {
	cli *client.Client
}

// NewDockerSandbox connects to the local Docker engine using the
// environment's DOCKER_HOST (or the default socket).
func NewDockerSandbox() (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("op=qa.new_docker_sandbox: %w", err)
	}
	return &DockerSandbox{cli: cli}, nil
}

// Run executes code inside a throwaway container with no network access,
// a read-only root filesystem, and a capped CPU/memory budget, then
// removes the container.
func (s *DockerSandbox) Run(ctx context.Context, language, code string, syntaxOnly bool) (int, string, error) {
	image, ok := languageImages[language]
	if !ok {
		return 0, "", fmt.Errorf("op=qa.sandbox.run: unsupported language %q", language)
	}
	scripts := languageExecScript
	if syntaxOnly {
		scripts = languageSyntaxScript
	}
	cmd, err := buildCommand(scripts, language, code)
	if err != nil {
		return 0, "", err
	}

	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:      image,
		Cmd:        cmd,
		Tty:        false,
		WorkingDir: "/tmp",
	}, &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Resources: container.Resources{
			Memory:   256 * 1024 * 1024,
			NanoCPUs: 1_000_000_000,
		},
		AutoRemove: true,
	}, nil, nil, "")
	if err != nil {
		return 0, "", fmt.Errorf("op=qa.sandbox.run.create: %w", err)
	}
	containerID := resp.ID

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.cli.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true})
	}()

	if err := s.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return 0, "", fmt.Errorf("op=qa.sandbox.run.start: %w", err)
	}

	statusCh, errCh := s.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return 0, "", fmt.Errorf("op=qa.sandbox.run.wait: %w", err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	}

	logs, err := s.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return exitCode, "", fmt.Errorf("op=qa.sandbox.run.logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil && err != io.EOF {
		return exitCode, "", fmt.Errorf("op=qa.sandbox.run.demux: %w", err)
	}

	return exitCode, stdout.String(), nil
}

func runCodeExecution(ctx context.Context, sandbox CodeSandbox, spec config.QASpecCodeExecution, result string) (SectionResult, error) {
	timeout := defaultCodeExecutionTimeout
	if spec.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode, stdout, err := sandbox.Run(runCtx, spec.Language, result, spec.SyntaxOnly)
	if err != nil {
		return SectionResult{}, err
	}

	if spec.SyntaxOnly {
		if exitCode != 0 {
			return SectionResult{Name: "code_execution", Passed: false, Detail: "code failed to parse"}, nil
		}
		return SectionResult{Name: "code_execution", Passed: true}, nil
	}

	if exitCode != spec.ExpectExitCode {
		return SectionResult{
			Name:   "code_execution",
			Passed: false,
			Detail: fmt.Sprintf("exit code %d, expected %d", exitCode, spec.ExpectExitCode),
		}, nil
	}
	if spec.ExpectOutput != "" && !strings.Contains(stdout, spec.ExpectOutput) {
		return SectionResult{
			Name:   "code_execution",
			Passed: false,
			Detail: fmt.Sprintf("stdout did not contain %q", spec.ExpectOutput),
		}, nil
	}

	return SectionResult{Name: "code_execution", Passed: true}, nil
}
