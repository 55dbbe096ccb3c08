package tools

import (
	"context"
	"errors"
	"os/exec"
)

// GitTool runs git with an explicit argument list.
type GitTool struct {
	maxOutput int
}

// NewGitTool creates the git tool.
func NewGitTool(cfg Config) *GitTool {
	return &GitTool{maxOutput: cfg.MaxOutputBytes}
}

// Definition implements Tool.
func (t *GitTool) Definition() Definition {
	return Definition{
		Name:        "git",
		Description: "Run a git subcommand in the project directory, e.g. [\"status\", \"--short\"]",
		Capability:  CapabilityGit,
		Parameters: []Parameter{
			{Name: "args", Type: "array", Items: "string", Description: "Arguments passed to git", Required: true},
		},
	}
}

// Execute implements Tool.
func (t *GitTool) Execute(ctx context.Context, inv Invocation) (ExecResult, error) {
	args, err := stringsArg(inv.Args, "args")
	if err != nil {
		return ExecResult{}, err
	}
	if len(args) == 0 {
		return ExecResult{}, errors.New("git needs at least one argument")
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = inv.WorkingDirectory
	return runCommand(cmd, t.maxOutput)
}
