package toolregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"okcvm/pkg/tool"
)

const (
	defaultShellTimeout  = 2 * time.Minute
	maxShellOutputLength = 30000
)

// dangerousShellPatterns blocks destructive top-level filesystem commands
// regardless of workspace confinement.
var dangerousShellPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+(-[rRfF]+\s+)*(/|/\*|~|~/\*|\$HOME)`),
	regexp.MustCompile(`(?i)rm\s+(-[rRfF]+\s+)*\.\./`),
	regexp.MustCompile(`(?i)mkfs`),
	regexp.MustCompile(`(?i)dd\s+.*of=/dev/`),
	regexp.MustCompile(`(?i)chmod\s+(-R\s+)?[0-7]*777.*(/|~)`),
	regexp.MustCompile(`:\(\)\{\s*:\|:\s*&\s*\};:`),
	regexp.MustCompile(`(?i)cat\s+/etc/(passwd|shadow)`),
	regexp.MustCompile(`(?i)curl\s+.*\|\s*(ba)?sh`),
	regexp.MustCompile(`(?i)wget\s+.*\|\s*(ba)?sh`),
}

type shellInput struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

type shellOutput struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// ShellHandler returns the handler for the "shell" catalogue entry: it runs
// a command rooted at the calling client's workspace, applying the
// dangerous-pattern denylist and truncating output past
// maxShellOutputLength.
func ShellHandler() tool.Handler {
	return func(cc tool.CallContext, raw json.RawMessage) (json.RawMessage, error) {
		var in shellInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decode shell input: %w", err)
		}
		if strings.TrimSpace(in.Command) == "" {
			return nil, fmt.Errorf("command is required")
		}

		for _, pattern := range dangerousShellPatterns {
			if pattern.MatchString(in.Command) {
				out := shellOutput{
					Output:   fmt.Sprintf("command blocked: matches denied pattern %s", pattern.String()),
					ExitCode: 1,
				}
				return json.Marshal(out)
			}
		}

		timeout := defaultShellTimeout
		if in.Timeout > 0 {
			timeout = time.Duration(in.Timeout) * time.Millisecond
		}

		execCtx, cancel := context.WithTimeout(cc.Context, timeout)
		defer cancel()

		out := runShell(execCtx, in.Command, cc.WorkspaceRoot, timeout)
		return json.Marshal(out)
	}
}

func runShell(ctx context.Context, command, workdir string, timeout time.Duration) shellOutput {
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}

	timedOut := ctx.Err() == context.DeadlineExceeded

	if len(output) > maxShellOutputLength {
		output = output[:maxShellOutputLength]
		output += fmt.Sprintf("\n\n[shell tool truncated output at %d characters]", maxShellOutputLength)
	}
	if timedOut {
		output += fmt.Sprintf("\n\n[shell tool terminated command after exceeding timeout %v]", timeout)
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if !timedOut {
			exitCode = 1
			output += fmt.Sprintf("\n\n[shell tool execution error: %v]", err)
		}
	}

	return shellOutput{Output: output, ExitCode: exitCode, TimedOut: timedOut}
}
