//go:build linux

package autoinst

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withLockdownFile(t *testing.T, content *string) {
	old := lockdownPath
	t.Cleanup(func() { lockdownPath = old })
	lockdownPath = filepath.Join(t.TempDir(), "lockdown")
	if content != nil {
		require.NoError(t, os.WriteFile(lockdownPath, []byte(*content), 0o644))
	}
}

func TestKernelLockdownMode(t *testing.T) {
	for name, tc := range map[string]struct {
		content  *string
		expected KernelLockdown
	}{
		"missing file":    {expected: KernelLockdownNone},
		"empty file":      {content: ptr(""), expected: KernelLockdownIntegrity},
		"none":            {content: ptr("[none] integrity confidentiality\n"), expected: KernelLockdownNone},
		"integrity":       {content: ptr("none [integrity] confidentiality\n"), expected: KernelLockdownIntegrity},
		"confidentiality": {content: ptr("none integrity [confidentiality]\n"), expected: KernelLockdownConfidentiality},
	} {
		t.Run(name, func(t *testing.T) {
			withLockdownFile(t, tc.content)
			assert.Equal(t, tc.expected, KernelLockdownMode())
		})
	}
}

func ptr(s string) *string { return &s }
