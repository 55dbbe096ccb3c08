package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellTool runs shell commands via sh -c in the working directory.
type ShellTool struct {
	allowedCommands []string
	maxOutput       int
}

// NewShellTool creates the run_command tool.
func NewShellTool(cfg Config) *ShellTool {
	return &ShellTool{allowedCommands: cfg.AllowedCommands, maxOutput: cfg.MaxOutputBytes}
}

// Definition implements Tool.
func (t *ShellTool) Definition() Definition {
	return Definition{
		Name:        "run_command",
		Description: "Run a shell command in the project directory and return its output",
		Capability:  CapabilityExecute,
		Parameters: []Parameter{
			{Name: "command", Type: "string", Description: "The shell command to run", Required: true},
		},
	}
}

// Execute implements Tool.
func (t *ShellTool) Execute(ctx context.Context, inv Invocation) (ExecResult, error) {
	command, err := stringArg(inv.Args, "command", true)
	if err != nil {
		return ExecResult{}, err
	}
	if !t.isCommandAllowed(command) {
		return ExecResult{}, fmt.Errorf("command '%s' is not in the allowed list", command)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = inv.WorkingDirectory
	return runCommand(cmd, t.maxOutput)
}

func (t *ShellTool) isCommandAllowed(command string) bool {
	if len(t.allowedCommands) == 0 {
		return true
	}
	base := strings.Fields(command)
	if len(base) == 0 {
		return false
	}
	for _, allowed := range t.allowedCommands {
		if allowed == base[0] {
			return true
		}
	}
	return false
}

// runCommand runs cmd and captures both streams. A non-zero exit returns
// the captured output alongside an *ExitError.
func runCommand(cmd *exec.Cmd, maxOutput int) (ExecResult, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children that inherit the pipes must not hold Wait open past a kill.
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	res := ExecResult{
		Content: truncate(stdout.String(), maxOutput),
		Stderr:  truncate(stderr.String(), maxOutput),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Code: res.ExitCode}
		}
		res.ExitCode = -1
		return res, fmt.Errorf("failed to execute command: %w", err)
	}
	return res, nil
}
