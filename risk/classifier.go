// Package risk classifies proposed tool calls into risk tiers.
//
// Classification is pure and deterministic: the same tool name and
// arguments always yield the same tier. Shell command text is parsed and
// each simple command is matched from its command position, so
// `echo "rm -rf /"` is not mistaken for a delete. Wrappers such as sudo,
// env and xargs are looked through, and so is the script of sh -c. The
// highest tier among all matching rules wins.
package risk

import (
	"path"
	"regexp"
	"slices"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/richinex/theseus/model"
)

// Assessment is the full result of classifying a tool call.
type Assessment struct {
	Tier   model.RiskTier
	Kind   model.ApprovalKind
	Rule   string
	Reason string
}

// Classifier matches tool calls against an ordered rule set.
type Classifier struct {
	rules []Rule
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithRules adds rules ahead of the defaults. On equal tiers the earlier
// rule supplies the assessment's kind and reason.
func WithRules(rules ...Rule) Option {
	return func(c *Classifier) {
		c.rules = append(append([]Rule{}, rules...), c.rules...)
	}
}

// WithoutDefaults drops the built-in rule set.
func WithoutDefaults() Option {
	return func(c *Classifier) {
		c.rules = nil
	}
}

// New creates a classifier with the default rules plus any options.
func New(opts ...Option) *Classifier {
	c := &Classifier{rules: DefaultRules()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify returns the risk tier of a tool call.
func (c *Classifier) Classify(toolName string, args map[string]any) model.RiskTier {
	return c.Assess(toolName, args).Tier
}

// Assess classifies a tool call and reports which rule decided it.
func (c *Classifier) Assess(toolName string, args map[string]any) Assessment {
	cmd := parseCommand(toolName, args)

	best := Assessment{Tier: model.RiskLow, Kind: defaultKind(toolName)}
	matched := false
	for _, rule := range c.rules {
		if !rule.matches(toolName, args, cmd) {
			continue
		}
		if !matched || rule.Tier > best.Tier {
			best = Assessment{Tier: rule.Tier, Kind: rule.Kind, Rule: rule.Name, Reason: rule.Reason}
			matched = true
		}
	}
	if best.Kind == "" {
		best.Kind = defaultKind(toolName)
	}
	return best
}

func defaultKind(toolName string) model.ApprovalKind {
	switch {
	case strings.Contains(toolName, "delete"), strings.Contains(toolName, "remove"):
		return model.ApprovalFileDelete
	case strings.Contains(toolName, "write"), strings.Contains(toolName, "edit"):
		return model.ApprovalFileWrite
	case strings.HasPrefix(toolName, "git"):
		return model.ApprovalGitOperation
	default:
		return model.ApprovalCommand
	}
}

// command is the shell text of a tool call, split for matching.
type command struct {
	text     string
	segments []string
}

func (c command) anySegment(re *regexp.Regexp) bool {
	for _, s := range c.segments {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

var (
	splitOperators = regexp.MustCompile(`\s*(?:&&|\|\||;|\||\n)\s*`)
	subshell       = regexp.MustCompile("\\$\\(([^()]*)\\)|`([^`]*)`")
	envAssignment  = regexp.MustCompile(`^(?:[A-Za-z_][A-Za-z0-9_]*=\S*\s+)+`)
	envName        = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)
)

// maxShellDepth bounds recursion through sh -c and eval.
const maxShellDepth = 4

// wrappers run their arguments as a command. The listed flags consume the
// following word.
var wrappers = map[string][]string{
	"sudo":    {"-u", "-g", "-C", "-D", "-h", "-p", "-U", "--user", "--group"},
	"doas":    {"-u", "-C"},
	"env":     {"-u", "-C", "--unset", "--chdir"},
	"command": nil,
	"builtin": nil,
	"exec":    {"-a"},
	"nohup":   nil,
	"nice":    {"-n", "--adjustment"},
	"time":    {"-f", "-o", "--format", "--output"},
	"timeout": {"-s", "-k", "--signal", "--kill-after"},
	"xargs":   {"-I", "-n", "-P", "-L", "-d", "-E", "-s", "-a", "--arg-file", "--delimiter", "--max-args", "--max-procs", "--replace"},
}

var shells = map[string]bool{"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true}

// parseCommand extracts command text from the arguments. Tools that take
// a "command" string are treated as shell; the git tool's "args" are
// prefixed with "git".
func parseCommand(toolName string, args map[string]any) command {
	var text string
	if s, ok := args["command"].(string); ok {
		text = s
	} else if toolName == "git" {
		text = "git " + joinArgs(args["args"])
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return command{}
	}
	return command{text: text, segments: shellSegments(text, 0)}
}

// shellSegments parses text as shell and returns one segment per simple
// command, command substitutions included. Text the parser rejects is
// split on control operators instead.
func shellSegments(text string, depth int) []string {
	if depth > maxShellDepth || strings.TrimSpace(text) == "" {
		return nil
	}
	file, err := syntax.NewParser().Parse(strings.NewReader(text), "")
	if err != nil {
		return splitSegments(text, depth)
	}

	var segments []string
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok {
			return true
		}
		argv := make([]string, 0, len(call.Args))
		for _, w := range call.Args {
			argv = append(argv, wordText(w))
		}
		segments = append(segments, expandSegment(argv, depth)...)
		return true
	})
	return segments
}

func splitSegments(text string, depth int) []string {
	pieces := []string{text}
	for _, m := range subshell.FindAllStringSubmatch(text, -1) {
		pieces = append(pieces, m[1]+m[2])
	}

	var segments []string
	for _, piece := range pieces {
		for _, s := range splitOperators.Split(piece, -1) {
			s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "(){}"))
			s = envAssignment.ReplaceAllString(s, "")
			fields := strings.Fields(s)
			for i, f := range fields {
				fields[i] = strings.Trim(f, `"'`)
			}
			segments = append(segments, expandSegment(fields, depth)...)
		}
	}
	return segments
}

// wordText renders a word with its quoting removed. Expansions are kept
// in source form.
func wordText(w *syntax.Word) string {
	if lit := w.Lit(); lit != "" {
		return lit
	}
	var b strings.Builder
	for _, part := range w.Parts {
		writePart(&b, part)
	}
	return b.String()
}

func writePart(b *strings.Builder, part syntax.WordPart) {
	switch p := part.(type) {
	case *syntax.Lit:
		b.WriteString(p.Value)
	case *syntax.SglQuoted:
		b.WriteString(p.Value)
	case *syntax.DblQuoted:
		for _, inner := range p.Parts {
			writePart(b, inner)
		}
	default:
		_ = syntax.NewPrinter().Print(b, p)
	}
}

// expandSegment returns every form a command can be matched in: as
// written, with its program reduced to a base name, and with each
// wrapper (sudo, env, xargs and the like) peeled off. The script given to
// sh -c or eval is parsed as shell in turn.
func expandSegment(argv []string, depth int) []string {
	var out []string
	for len(argv) > 0 {
		out = append(out, strings.Join(argv, " "))
		name := path.Base(argv[0])
		if name != argv[0] {
			argv = append([]string{name}, argv[1:]...)
			out = append(out, strings.Join(argv, " "))
		}

		switch {
		case shells[name]:
			if script, ok := shellScript(argv[1:]); ok {
				out = append(out, shellSegments(script, depth+1)...)
			}
			return out
		case name == "eval":
			return append(out, shellSegments(strings.Join(argv[1:], " "), depth+1)...)
		}

		flags, ok := wrappers[name]
		if !ok {
			return out
		}
		argv = unwrap(name, argv[1:], flags)
	}
	return out
}

// unwrap drops a wrapper's options and leading operands, leaving the
// wrapped command.
func unwrap(name string, args, valueFlags []string) []string {
	for len(args) > 0 {
		a := args[0]
		switch {
		case a == "--":
			args = args[1:]
			return skipOperands(name, args)
		case strings.HasPrefix(a, "-") && len(a) > 1:
			args = args[1:]
			if slices.Contains(valueFlags, a) && len(args) > 0 {
				args = args[1:]
			}
		default:
			return skipOperands(name, args)
		}
	}
	return nil
}

func skipOperands(name string, args []string) []string {
	switch name {
	case "env":
		for len(args) > 0 && envName.MatchString(args[0]) {
			args = args[1:]
		}
	case "timeout":
		if len(args) > 0 {
			args = args[1:]
		}
	}
	return args
}

// shellScript finds the script argument of a shell invoked with -c.
func shellScript(args []string) (string, bool) {
	seenC := false
	for _, a := range args {
		if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") {
			if strings.ContainsRune(a[1:], 'c') {
				seenC = true
			}
			continue
		}
		if seenC {
			return a, true
		}
		return "", false
	}
	return "", false
}

func joinArgs(v any) string {
	switch a := v.(type) {
	case string:
		return a
	case []string:
		return strings.Join(a, " ")
	case []any:
		parts := make([]string, 0, len(a))
		for _, p := range a {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}
