package isolation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_CheckDir(t *testing.T) {
	root := t.TempDir()
	work := filepath.Join(root, "work")
	secret := filepath.Join(work, "secret")
	require.NoError(t, os.MkdirAll(secret, 0o755))

	tests := []struct {
		name    string
		policy  Policy
		dir     string
		allowed bool
	}{
		{"empty dir", Policy{AllowedDirs: []string{work}}, "", true},
		{"no rules", Policy{}, root, true},
		{"allowed root", Policy{AllowedDirs: []string{work}}, work, true},
		{"allowed child", Policy{AllowedDirs: []string{work}}, filepath.Join(work, "a", "b"), true},
		{"outside allowed", Policy{AllowedDirs: []string{work}}, root, false},
		{"sibling prefix", Policy{AllowedDirs: []string{work}}, work + "evil", false},
		{"dot-dot escape", Policy{AllowedDirs: []string{work}}, filepath.Join(work, "..", "other"), false},
		{"denied wins", Policy{AllowedDirs: []string{work}, DeniedDirs: []string{secret}}, filepath.Join(secret, "x"), false},
		{"denied only", Policy{DeniedDirs: []string{secret}}, secret, false},
		{"null byte", Policy{}, "a\x00b", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.CheckDir(tc.dir)
			if tc.allowed {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrDirDenied)
		})
	}
}

func TestPolicy_CheckDirFollowsSymlinks(t *testing.T) {
	root := t.TempDir()
	work := filepath.Join(root, "work")
	outside := filepath.Join(root, "outside")
	require.NoError(t, os.MkdirAll(work, 0o755))
	require.NoError(t, os.MkdirAll(outside, 0o755))
	link := filepath.Join(work, "escape")
	require.NoError(t, os.Symlink(outside, link))

	p := Policy{AllowedDirs: []string{work}}
	assert.ErrorIs(t, p.CheckDir(link), ErrDirDenied)
	assert.ErrorIs(t, p.CheckDir(filepath.Join(link, "missing")), ErrDirDenied)
}
