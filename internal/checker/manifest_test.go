package checker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadManifestFromString(t *testing.T, content string) (Checker, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return loadManifest(path)
}

func TestLoadManifest_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			yaml:    "name: [unclosed\n",
			wantErr: "parsing manifest",
		},
		{
			name:    "missing name",
			yaml:    "rules:\n  - id: a\n    kind: file_exists\n    path: README.md\n",
			wantErr: "missing name",
		},
		{
			name:    "whitespace in name",
			yaml:    "name: bad name\nrules:\n  - id: a\n    kind: file_exists\n    path: README.md\n",
			wantErr: "whitespace",
		},
		{
			name:    "no rules",
			yaml:    "name: hollow\nrules: []\n",
			wantErr: "declares no rules",
		},
		{
			name:    "missing rule id",
			yaml:    "name: c\nrules:\n  - kind: file_exists\n    path: README.md\n",
			wantErr: "missing id",
		},
		{
			name:    "duplicate rule id",
			yaml:    "name: c\nrules:\n  - id: a\n    kind: file_exists\n    path: x\n  - id: a\n    kind: file_exists\n    path: y\n",
			wantErr: "duplicate rule id",
		},
		{
			name:    "invalid severity",
			yaml:    "name: c\nrules:\n  - id: a\n    kind: file_exists\n    path: x\n    severity: fatal\n",
			wantErr: "invalid severity",
		},
		{
			name:    "unknown kind",
			yaml:    "name: c\nrules:\n  - id: a\n    kind: regex_forbidden\n    glob: \"*.go\"\n",
			wantErr: "unknown kind",
		},
		{
			name:    "file_exists without path",
			yaml:    "name: c\nrules:\n  - id: a\n    kind: file_exists\n",
			wantErr: "missing path",
		},
		{
			name:    "glob_forbidden without glob",
			yaml:    "name: c\nrules:\n  - id: a\n    kind: glob_forbidden\n",
			wantErr: "missing glob",
		},
		{
			name:    "file_max_kb without limit",
			yaml:    "name: c\nrules:\n  - id: a\n    kind: file_max_kb\n    glob: \"*.md\"\n",
			wantErr: "max_kb",
		},
		{
			name:    "content_forbidden without pattern",
			yaml:    "name: c\nrules:\n  - id: a\n    kind: content_forbidden\n    glob: \"*.go\"\n",
			wantErr: "missing pattern",
		},
		{
			name:    "fixable on non-glob rule",
			yaml:    "name: c\nrules:\n  - id: a\n    kind: file_exists\n    path: x\n    fixable: true\n",
			wantErr: "only glob_forbidden",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadManifestFromString(t, tt.yaml)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadManifest_FixableDetection(t *testing.T) {
	fixable, err := loadManifestFromString(t, `name: a
rules:
  - id: junk
    kind: glob_forbidden
    glob: "*.bak"
    fixable: true
`)
	require.NoError(t, err)
	_, isFixer := fixable.(Fixer)
	assert.True(t, isFixer, "manifest with fixable rule should implement Fixer")

	plain, err := loadManifestFromString(t, `name: b
rules:
  - id: junk
    kind: glob_forbidden
    glob: "*.bak"
`)
	require.NoError(t, err)
	_, isFixer = plain.(Fixer)
	assert.False(t, isFixer, "manifest without fixable rules should not implement Fixer")
}

func TestManifestChecker_FileExists(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# hi\n"), 0644))

	c, err := loadManifestFromString(t, `name: docs
rules:
  - id: readme
    kind: file_exists
    path: README.md
  - id: license
    kind: file_exists
    path: LICENSE
    severity: warn
    message: "add a license"
`)
	require.NoError(t, err)

	report, err := c.Run(context.Background(), Target{Root: root})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)

	assert.Equal(t, StatusPass, report.Results[0].Status)
	assert.Equal(t, StatusWarn, report.Results[1].Status)
	assert.Equal(t, "add a license", report.Results[1].Message)
}

func TestManifestChecker_GlobForbidden(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.env"), []byte("SECRET=1\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.env"), []byte("SECRET=2\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0644))

	c, err := loadManifestFromString(t, `name: sec
rules:
  - id: env_files
    kind: glob_forbidden
    glob: "*.env"
    fixable: true
`)
	require.NoError(t, err)

	report, err := c.Run(context.Background(), Target{Root: root})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	assert.Equal(t, StatusFail, res.Status, "severity defaults to fail")
	assert.True(t, res.Fixable)
	assert.Equal(t, 2, res.Details["count"])
}

func TestManifestChecker_FileMaxKB(t *testing.T) {
	root := t.TempDir()
	big := strings.Repeat("x", 2048)
	require.NoError(t, os.WriteFile(filepath.Join(root, "dump.dat"), []byte(big), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "small.dat"), []byte("ok"), 0644))

	c, err := loadManifestFromString(t, `name: size
rules:
  - id: data_files
    kind: file_max_kb
    glob: "*.dat"
    max_kb: 1
    severity: warn
`)
	require.NoError(t, err)

	report, err := c.Run(context.Background(), Target{Root: root})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	assert.Equal(t, StatusWarn, res.Status)
	assert.Equal(t, 1, res.Details["count"])
	files, ok := res.Details["files"].([]string)
	require.True(t, ok)
	assert.Contains(t, files, "dump.dat")
}

func TestManifestChecker_ContentForbidden(t *testing.T) {
	root := t.TempDir()
	content := "timeout = 5\nretries = 3\npassword = hunter2\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.cfg"), []byte(content), 0644))

	c, err := loadManifestFromString(t, `name: secrets
rules:
  - id: plaintext_password
    kind: content_forbidden
    glob: "*.cfg"
    pattern: "password ="
`)
	require.NoError(t, err)

	report, err := c.Run(context.Background(), Target{Root: root})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)

	res := report.Results[0]
	assert.Equal(t, StatusFail, res.Status)

	ev, ok := res.Details["evidence"].(Evidence)
	require.True(t, ok, "expected evidence in details")
	assert.Equal(t, "app.cfg", ev.File)
	assert.Equal(t, 3, ev.LineStart)
	assert.Contains(t, ev.Snippet, "password =")
}

func TestManifestChecker_FixDeletesMatches(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.env"), []byte("SECRET=1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.go"), []byte("package keep\n"), 0644))

	c, err := loadManifestFromString(t, `name: sec
rules:
  - id: env_files
    kind: glob_forbidden
    glob: "*.env"
    fixable: true
`)
	require.NoError(t, err)

	fixer, ok := c.(Fixer)
	require.True(t, ok)

	outcome := fixer.Fix(context.Background(), "env_files", Target{Root: root})
	assert.True(t, outcome.Success)
	assert.Contains(t, outcome.Message, "deleted 1")

	_, err = os.Stat(filepath.Join(root, "a.env"))
	assert.True(t, os.IsNotExist(err), "matched file should be deleted")
	_, err = os.Stat(filepath.Join(root, "keep.go"))
	assert.NoError(t, err, "unmatched file should survive")

	// The check passes once the matches are gone
	report, err := c.Run(context.Background(), Target{Root: root})
	require.NoError(t, err)
	assert.Equal(t, StatusPass, report.Results[0].Status)

	// Fixing again is a no-op, not an error
	outcome = fixer.Fix(context.Background(), "env_files", Target{Root: root})
	assert.True(t, outcome.Success)
	assert.Equal(t, "nothing to fix", outcome.Message)
}

func TestManifestChecker_FixUnknownCheck(t *testing.T) {
	c, err := loadManifestFromString(t, `name: sec
rules:
  - id: env_files
    kind: glob_forbidden
    glob: "*.env"
    fixable: true
`)
	require.NoError(t, err)

	fixer, ok := c.(Fixer)
	require.True(t, ok)

	outcome := fixer.Fix(context.Background(), "nope", Target{Root: t.TempDir()})
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Message, "unknown check")
}

func TestManifestChecker_RunHonorsCancellation(t *testing.T) {
	c, err := loadManifestFromString(t, `name: sec
rules:
  - id: env_files
    kind: glob_forbidden
    glob: "*.env"
`)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Run(ctx, Target{Root: t.TempDir()})
	assert.ErrorIs(t, err, context.Canceled)
}
