package security

import (
	"fmt"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

const DefaultMaxCommandLength = 1000

// DefaultAllowedCommands is the first-token allow-list for jailed commands.
var DefaultAllowedCommands = []string{
	// file and text tools
	"ls", "cat", "head", "tail", "grep", "find", "wc", "sort", "uniq",
	"mkdir", "rmdir", "touch", "cp", "mv", "rm", "chmod", "chown",
	"echo", "printf", "sed", "awk", "tr", "cut", "diff", "tar", "gzip", "gunzip",
	"pwd", "cd", "true", "false", "test", "[", "env", "which", "date",
	// editors
	"vim", "vi", "nano",
	// interpreters and build tools
	"python3", "python", "pip3", "pip", "node", "npm", "go", "sh", "bash",
	"git", "gcc", "make", "cmake",
	// network clients, subject to the network policy
	"curl", "wget",
	// system information
	"whoami", "id", "ps", "top", "htop", "df", "du", "free", "uname",
	// package managers
	"apk", "apt", "yum", "dnf",
	// interactive services
	"code-server", "jupyter", "ipython",
}

// CommandRule names a blocked shape of command.
type CommandRule struct {
	Name  string
	Regex *regexp.Regexp
}

// DefaultBlockedCommands rejects commands regardless of the allow-list.
var DefaultBlockedCommands = []CommandRule{
	{"recursive_root_delete", regexp.MustCompile(`rm\s+-[a-zA-Z]*r[a-zA-Z]*f?[a-zA-Z]*\s+/\s*($|[;&|])`)},
	{"raw_disk_copy", regexp.MustCompile(`\bdd\s+if=`)},
	{"fork_bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},
	{"world_writable", regexp.MustCompile(`chmod\s+(-R\s+)?777`)},
	{"switch_user", regexp.MustCompile(`\bsu\s+-`)},
	{"sudo_su", regexp.MustCompile(`\bsudo\s+su\b`)},
	{"make_filesystem", regexp.MustCompile(`\bmkfs\.`)},
	{"partition_table", regexp.MustCompile(`\bfdisk\b`)},
	{"format_volume", regexp.MustCompile(`(^|[;&|(]|\bsudo)\s*format\s`)},
}

// CommandRejection explains why a command was refused.
type CommandRejection struct {
	Command string
	Rule    string
	Reason  string
}

func (e *CommandRejection) Error() string {
	return fmt.Sprintf("command rejected by %s: %s", e.Rule, e.Reason)
}

// CommandPolicy decides which shell commands may run in a container.
type CommandPolicy struct {
	allowed   map[string]bool
	blocked   []CommandRule
	maxLength int
}

func DefaultCommandPolicy() *CommandPolicy {
	return NewCommandPolicy(DefaultAllowedCommands, DefaultBlockedCommands, DefaultMaxCommandLength)
}

func NewCommandPolicy(allowed []string, blocked []CommandRule, maxLength int) *CommandPolicy {
	p := &CommandPolicy{
		allowed:   make(map[string]bool, len(allowed)),
		blocked:   blocked,
		maxLength: maxLength,
	}
	for _, name := range allowed {
		p.allowed[name] = true
	}
	return p
}

// Check returns nil when cmd is acceptable, otherwise a *CommandRejection.
func (p *CommandPolicy) Check(cmd string) error {
	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return &CommandRejection{Command: cmd, Rule: "empty_command", Reason: "Command is empty"}
	}
	if p.maxLength > 0 && len(cmd) > p.maxLength {
		return &CommandRejection{Command: cmd, Rule: "length_limit", Reason: "Command too long"}
	}

	for _, rule := range p.blocked {
		if rule.Regex.MatchString(trimmed) {
			return &CommandRejection{
				Command: cmd,
				Rule:    rule.Name,
				Reason:  "Command contains blocked pattern: " + rule.Regex.String(),
			}
		}
	}

	if strings.Contains(trimmed, "..") && strings.Contains(trimmed, "/") {
		return &CommandRejection{Command: cmd, Rule: "path_traversal", Reason: "Path traversal is not allowed"}
	}

	names, err := commandNames(trimmed)
	if err != nil {
		return &CommandRejection{Command: cmd, Rule: "syntax", Reason: "Command could not be parsed: " + err.Error()}
	}
	for _, name := range names {
		if name == "" {
			return &CommandRejection{Command: cmd, Rule: "allow_list", Reason: "Command names must be literal"}
		}
		if !p.allowed[name] {
			return &CommandRejection{
				Command: cmd,
				Rule:    "allow_list",
				Reason:  fmt.Sprintf("Command '%s' is not allowed", name),
			}
		}
	}
	return nil
}

// commandNames parses cmd as a shell program and returns the program name of
// every simple command in it, including those in pipelines, lists,
// subshells and command substitutions. Quoted separators are arguments, not
// command boundaries. A name that is not a literal comes back empty.
func commandNames(cmd string) ([]string, error) {
	file, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(cmd), "")
	if err != nil {
		return nil, err
	}
	var names []string
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CallExpr:
			if len(n.Args) > 0 {
				names = append(names, programName(n.Args[0]))
			}
		case *syntax.DeclClause:
			names = append(names, n.Variant.Value)
		}
		return true
	})
	return names, nil
}

// programName returns the base name of a literal command word, or "" when
// the word expands parameters or commands.
func programName(w *syntax.Word) string {
	var b strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(p.Value)
		case *syntax.SglQuoted:
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return ""
				}
				b.WriteString(lit.Value)
			}
		default:
			return ""
		}
	}
	name := b.String()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
