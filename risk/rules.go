package risk

import (
	"regexp"
	"strings"

	"github.com/richinex/theseus/model"
)

// Rule maps a tool call to a tier. Every condition that is set must hold
// for the rule to match; a rule with only Tools set matches on name alone.
type Rule struct {
	Name string
	Tier model.RiskTier
	Kind model.ApprovalKind

	// Tools restricts the rule to these tool names. Empty means any tool.
	Tools []string

	// Segment is matched against each normalized command segment.
	Segment *regexp.Regexp

	// Whole is matched against the full command text.
	Whole *regexp.Regexp

	// When inspects structured arguments.
	When func(args map[string]any) bool

	Reason string
}

func (r Rule) appliesTo(toolName string) bool {
	if len(r.Tools) == 0 {
		return true
	}
	for _, t := range r.Tools {
		if t == toolName {
			return true
		}
	}
	return false
}

func (r Rule) matches(toolName string, args map[string]any, cmd command) bool {
	if !r.appliesTo(toolName) {
		return false
	}
	if r.Segment == nil && r.Whole == nil && r.When == nil {
		return len(r.Tools) > 0
	}
	if r.Segment != nil && !cmd.anySegment(r.Segment) {
		return false
	}
	if r.Whole != nil && (cmd.text == "" || !r.Whole.MatchString(cmd.text)) {
		return false
	}
	if r.When != nil && !r.When(args) {
		return false
	}
	return true
}

func seg(pattern string) *regexp.Regexp {
	return regexp.MustCompile(pattern)
}

var (
	fileWriteTools = []string{"write_file", "edit_file"}
	sensitivePath  = regexp.MustCompile(`(^|/)(\.git|\.ssh|\.aws|\.gnupg)(/|$)|(^|/)\.env(\.|$)|^/(etc|usr|bin|sbin|boot)(/|$)`)
)

// DefaultRules is the built-in rule set, ordered from most to least severe.
func DefaultRules() []Rule {
	return []Rule{
		// Critical: destructive system-wide operations and history rewrites.
		{Name: "rm-root", Tier: model.RiskCritical, Kind: model.ApprovalFileDelete,
			Segment: seg(`^rm\s+(?:\S+\s+)*(?:/\*?|~/?\*?|\$HOME/?\*?)(?:\s|$)`),
			Reason:  "removes the filesystem root or home directory"},
		{Name: "find-root-delete", Tier: model.RiskCritical, Kind: model.ApprovalFileDelete,
			Segment: seg(`^find\s+(?:/|~/?|\$HOME/?)(?:\s.*)?\s(?:-delete|-exec(?:dir)?\s+(?:\S*/)?rm)(?:\s|$)`),
			Reason:  "deletes everything find matches under the root or home directory"},
		{Name: "mkfs", Tier: model.RiskCritical, Kind: model.ApprovalCommand,
			Segment: seg(`^mkfs(?:\.\w+)?\b`), Reason: "formats a filesystem"},
		{Name: "dd-device", Tier: model.RiskCritical, Kind: model.ApprovalCommand,
			Segment: seg(`^dd\b.*\bof=/dev/`), Reason: "writes raw bytes to a device"},
		{Name: "chmod-root", Tier: model.RiskCritical, Kind: model.ApprovalCommand,
			Segment: seg(`^chmod\s+(?:-\S+\s+)*-R\s+(?:\S+\s+)?0?777\s+/(?:\s|$)`), Reason: "opens permissions on the whole filesystem"},
		{Name: "fork-bomb", Tier: model.RiskCritical, Kind: model.ApprovalCommand,
			Whole: seg(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), Reason: "fork bomb"},
		{Name: "git-force-push", Tier: model.RiskCritical, Kind: model.ApprovalGitOperation,
			Segment: seg(`^git\s+push\b.*\s(?:--force(?:-with-lease)?|-f)(?:\s|=|$)`), Reason: "force-pushes over remote history"},

		// High: global installs, scaffolding, recursive deletes, hard resets.
		{Name: "sudo", Tier: model.RiskHigh, Kind: model.ApprovalCommand,
			Segment: seg(`^sudo\b`), Reason: "runs with elevated privileges"},
		{Name: "global-install", Tier: model.RiskHigh, Kind: model.ApprovalDependencyInstall,
			Segment: seg(`^(?:npm|pnpm)\s+(?:i|install|add)\b.*\s(?:-g|--global)(?:\s|$)`), Reason: "installs a package globally"},
		{Name: "yarn-global", Tier: model.RiskHigh, Kind: model.ApprovalDependencyInstall,
			Segment: seg(`^yarn\s+global\s+add\b`), Reason: "installs a package globally"},
		{Name: "toolchain-install", Tier: model.RiskHigh, Kind: model.ApprovalDependencyInstall,
			Segment: seg(`^(?:go|cargo)\s+install\b`), Reason: "installs a binary into the toolchain path"},
		{Name: "system-package", Tier: model.RiskHigh, Kind: model.ApprovalDependencyInstall,
			Segment: seg(`^(?:brew|apt|apt-get|yum|dnf|apk)\s+(?:install|add)\b`), Reason: "installs a system package"},
		{Name: "scaffold", Tier: model.RiskHigh, Kind: model.ApprovalCommand,
			Segment: seg(`^(?:npx\s+(?:-\S+\s+)*create-|(?:npm|pnpm|yarn)\s+(?:create|init)\b|rails\s+new\b|django-admin\s+startproject\b|cargo\s+(?:new|init)\b)`),
			Reason: "runs a project scaffolding generator"},
		{Name: "rm-recursive", Tier: model.RiskHigh, Kind: model.ApprovalFileDelete,
			Segment: seg(`^rm\s+(?:\S+\s+)*(?:-[a-zA-Z]*[rR][a-zA-Z]*|--recursive)(?:\s|$)`), Reason: "deletes recursively"},
		{Name: "find-delete", Tier: model.RiskHigh, Kind: model.ApprovalFileDelete,
			Segment: seg(`^find\b.*\s(?:-delete|-exec(?:dir)?\s+(?:\S*/)?rm)(?:\s|$)`), Reason: "deletes every file find matches"},
		{Name: "git-discard", Tier: model.RiskHigh, Kind: model.ApprovalGitOperation,
			Segment: seg(`^git\s+(?:reset\s+--hard|clean\s+-\S*f|branch\s+-D|checkout\s+--\s+\.)`), Reason: "discards uncommitted work"},
		{Name: "pipe-to-shell", Tier: model.RiskHigh, Kind: model.ApprovalCommand,
			Whole: seg(`\b(?:curl|wget)\b[^|]*\|\s*(?:sudo\s+)?(?:ba|z)?sh\b`), Reason: "pipes a download into a shell"},
		{Name: "delete-recursive", Tier: model.RiskHigh, Kind: model.ApprovalFileDelete,
			Tools: []string{"delete_file"}, When: argTrue("recursive"), Reason: "deletes a directory tree"},
		{Name: "write-sensitive", Tier: model.RiskHigh, Kind: model.ApprovalFileWrite,
			Tools: fileWriteTools, When: pathMatches(sensitivePath), Reason: "writes to a sensitive path"},

		// Medium: local installs, commits, pushes, deletes.
		{Name: "local-install", Tier: model.RiskMedium, Kind: model.ApprovalDependencyInstall,
			Segment: seg(`^(?:(?:npm|pnpm)\s+(?:i|install|add|ci)\b|yarn(?:\s+(?:add|install)\b|\s*$)|pip3?\s+install\b|go\s+get\b|go\s+mod\s+(?:tidy|download)\b|cargo\s+add\b|bundle\s+install\b|poetry\s+add\b)`),
			Reason: "installs project dependencies"},
		{Name: "git-write", Tier: model.RiskMedium, Kind: model.ApprovalGitOperation,
			Segment: seg(`^git\s+(?:commit|push|merge|rebase|pull|cherry-pick|revert|tag|am|stash\s+drop)\b`), Reason: "changes repository history"},
		{Name: "rm", Tier: model.RiskMedium, Kind: model.ApprovalFileDelete,
			Segment: seg(`^rm\b`), Reason: "deletes files"},
		{Name: "delete-file", Tier: model.RiskMedium, Kind: model.ApprovalFileDelete,
			Tools: []string{"delete_file"}, Reason: "deletes a file"},
		{Name: "write-outside", Tier: model.RiskMedium, Kind: model.ApprovalFileWrite,
			Tools: fileWriteTools, When: pathEscapes, Reason: "writes outside the working directory"},
	}
}

func argTrue(key string) func(map[string]any) bool {
	return func(args map[string]any) bool {
		switch v := args[key].(type) {
		case bool:
			return v
		case string:
			return strings.EqualFold(v, "true")
		}
		return false
	}
}

func pathMatches(re *regexp.Regexp) func(map[string]any) bool {
	return func(args map[string]any) bool {
		path, _ := args["path"].(string)
		return path != "" && re.MatchString(path)
	}
}

func pathEscapes(args map[string]any) bool {
	path, _ := args["path"].(string)
	if path == "" {
		return false
	}
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, "~") {
		return true
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
