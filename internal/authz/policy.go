package authz

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/openclaw/support-bridge/internal/errors"
	"github.com/openclaw/support-bridge/internal/model"
)

// defaultDeny blocks irreversible operations for every role. Patterns are
// compiled case-insensitively.
var defaultDeny = []string{
	// recursive deletion of /, /*, ~ or *
	`\brm\s+(?:-\S+\s+)*(?:-\w*r\w*|--recursive)\s+(?:-\S+\s+)*(?:/|/\*|~/?|\*|\$HOME)(?:\s|$)`,
	`\brm\s.*--no-preserve-root`,
	`\bmkfs(?:\.\w+)?\b`,
	`\bformat\s+[a-z]:`,
	`\bdiskpart\b`,
	`\bwipefs\b`,
	`\bdd\b.*\bof=/dev/`,
	`>\s*/dev/(?:sd|hd|vd|xvd|nvme|disk|mmcblk)`,
	// power-state words as whole tokens anywhere, including /sbin/reboot and sh -c 'halt'
	`(?:^|[\s;&|(/'"])(?:shutdown|reboot|halt|poweroff)(?:$|[\s;&|)'"])`,
	`(?:^|[\s;&|(/'"])(?:tel)?init\s+[06](?:$|[\s;&|)'"])`,
	`\bsystemctl\s+(?:-\S+\s+)*(?:reboot|poweroff|halt|kexec|emergency|rescue)\b`,
	`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
	`\bchmod\s+(?:-\S+\s+)*-\w*r\w*\s+777\s+/(?:\s|$)`,
}

// gitBranchWriteFlags turn git's listing subcommands into mutations.
var gitBranchWriteFlags = []string{
	"-d", "-D", "-m", "-M", "-c", "-C", "-f", "-u", "--delete", "--move", "--copy",
	"--force", "--set-upstream-to", "--unset-upstream", "--edit-description", "--track",
}

// defaultRequesterAllow lists read-only commands a requester may run.
var defaultRequesterAllow = []AllowRule{
	{Prefix: "ls"}, {Prefix: "dir"}, {Prefix: "pwd", Exact: true}, {Prefix: "whoami", Exact: true},
	{Prefix: "id"}, {Prefix: "hostname", Exact: true}, {Prefix: "uname"}, {Prefix: "uptime"},
	{Prefix: "date", Exact: true}, {Prefix: "df"}, {Prefix: "du"}, {Prefix: "free"},
	{Prefix: "ps"}, {Prefix: "top -b"}, {Prefix: "tasklist"}, {Prefix: "ver", Exact: true},
	{Prefix: "which"},
	{Prefix: "node --version", Exact: true}, {Prefix: "node -v", Exact: true},
	{Prefix: "npm --version", Exact: true}, {Prefix: "npm -v", Exact: true},
	{Prefix: "python --version", Exact: true}, {Prefix: "python3 --version", Exact: true},
	{Prefix: "go version", Exact: true}, {Prefix: "java -version", Exact: true},
	{Prefix: "git status"},
	{Prefix: "git log", Forbid: []string{"--output"}},
	{Prefix: "git diff", Forbid: []string{"--output"}},
	{Prefix: "git show", Forbid: []string{"--output"}},
	{Prefix: "git branch", Forbid: gitBranchWriteFlags},
	{Prefix: "git remote -v", Exact: true},
	{Prefix: "docker ps"}, {Prefix: "systemctl status"},
}

// AllowRule admits a command equal to Prefix or, unless Exact, starting with
// Prefix followed by arguments. Arguments listed in Forbid reject the command;
// "--flag" also matches "--flag=value" and "-x" also matches bundles like "-ax".
type AllowRule struct {
	Prefix string
	Exact  bool
	Forbid []string
}

// ParseAllowRule reads a policy-file entry. A trailing "$" marks an exact match.
func ParseAllowRule(entry string) AllowRule {
	entry = strings.TrimSpace(entry)
	exact := strings.HasSuffix(entry, "$")
	return AllowRule{Prefix: normalize(strings.TrimSuffix(entry, "$")), Exact: exact}
}

func (r AllowRule) matches(normalized string) bool {
	if normalized == r.Prefix {
		return true
	}
	if r.Exact || !strings.HasPrefix(normalized, r.Prefix+" ") {
		return false
	}
	for _, arg := range strings.Fields(normalized[len(r.Prefix):]) {
		if r.forbids(arg) {
			return false
		}
	}
	return true
}

// shellQuotes are removed by the shell before the program sees an argument.
var shellQuotes = strings.NewReplacer(`'`, "", `"`, "", `\`, "")

func (r AllowRule) forbids(arg string) bool {
	arg = shellQuotes.Replace(arg)
	for _, f := range r.Forbid {
		if arg == f || strings.HasPrefix(arg, f+"=") {
			return true
		}
		// short flag inside a bundle such as -vD
		if len(f) == 2 && f[0] == '-' && len(arg) > 2 && arg[0] == '-' && arg[1] != '-' &&
			strings.IndexByte(arg[1:], f[1]) >= 0 {
			return true
		}
	}
	return false
}

// shellOperators may chain or redirect, so a requester command containing
// them could escape its allow-listed prefix.
var shellOperators = []string{";", "&", "|", ">", "<", "`", "$(", "\n"}

// Policy is a role-based command policy. Deny patterns apply to every role
// and are checked first. Roles in Unrestricted pass once deny clears; other
// roles must match an Allow prefix.
type Policy struct {
	Deny         []*regexp.Regexp
	Allow        map[model.Role][]AllowRule
	Unrestricted map[model.Role]bool
}

func DefaultPolicy() *Policy {
	p := &Policy{
		Allow: map[model.Role][]AllowRule{
			model.RoleRequester: append([]AllowRule(nil), defaultRequesterAllow...),
		},
		Unrestricted: map[model.Role]bool{
			model.RoleAgent: true,
			model.RoleAdmin: true,
		},
	}
	for _, pattern := range defaultDeny {
		p.Deny = append(p.Deny, regexp.MustCompile(`(?i)`+pattern))
	}
	return p
}

type policyFile struct {
	Deny  []string            `yaml:"deny"`
	Allow map[string][]string `yaml:"allow"`
}

// LoadPolicyFile extends the default policy with a YAML file. Deny patterns
// are appended to the built-in list; an allow entry replaces the rules for
// its role. An empty path returns the default policy.
func LoadPolicyFile(path string) (*Policy, error) {
	p := DefaultPolicy()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("policy file %s not found", path)
	}
	if err != nil {
		return nil, err
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}

	for _, pattern := range file.Deny {
		re, err := regexp.Compile(`(?i)` + pattern)
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", pattern, err)
		}
		p.Deny = append(p.Deny, re)
	}

	for name, prefixes := range file.Allow {
		role := model.Role(name)
		if !role.Valid() {
			return nil, fmt.Errorf("unknown role %q in allow list", name)
		}
		if p.Unrestricted[role] {
			return nil, fmt.Errorf("role %q is unrestricted and takes no allow list", name)
		}
		rules := make([]AllowRule, 0, len(prefixes))
		for _, prefix := range prefixes {
			if rule := ParseAllowRule(prefix); rule.Prefix != "" {
				rules = append(rules, rule)
			}
		}
		p.Allow[role] = rules
	}

	return p, nil
}

// Authorize returns nil when role may run command, otherwise an
// UNAUTHORIZED AppError naming the reason.
func (p *Policy) Authorize(role model.Role, command string) error {
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return apperrors.MissingRequired("command")
	}
	if !role.Valid() {
		return apperrors.CommandNotPermitted("unknown role")
	}

	for _, re := range p.Deny {
		if re.MatchString(cmd) {
			return apperrors.CommandNotPermitted("command matches a blocked pattern")
		}
	}

	if p.Unrestricted[role] {
		return nil
	}

	for _, op := range shellOperators {
		if strings.Contains(cmd, op) {
			return apperrors.CommandNotPermitted("shell operators are not allowed")
		}
	}

	normalized := normalize(cmd)
	for _, rule := range p.Allow[role] {
		if rule.matches(normalized) {
			return nil
		}
	}
	return apperrors.CommandNotPermitted("command is not on the allow list")
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
