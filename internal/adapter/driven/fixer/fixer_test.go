package fixer_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashmere/renovateagent/internal/adapter/driven/fixer"
	"github.com/ashmere/renovateagent/internal/domain/port/driven"
)

// fakeBin writes an executable script named name into dir that appends its
// invocation to a log file and, for "git status --porcelain", prints
// porcelainOutput so hasChanges/run can be exercised without a real git
// remote.
func fakeBin(t *testing.T, dir, name, porcelainOutput string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake shell scripts require a POSIX shell")
	}
	script := "#!/bin/sh\necho \"$@\" >> " + filepath.Join(dir, name+".log") + "\n" +
		"if [ \"$1\" = \"status\" ] && [ \"$2\" = \"--porcelain\" ]; then\n  printf '" + porcelainOutput + "'\nfi\nexit 0\n"
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
}

func withFakeGit(t *testing.T, porcelainOutput string) (binDir string) {
	t.Helper()
	binDir = t.TempDir()
	fakeBin(t, binDir, "git", porcelainOutput)
	fakeBin(t, binDir, "go", "")
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return binDir
}

func TestFix_NoChanges_ReturnsZeroCommits(t *testing.T) {
	withFakeGit(t, "")

	f := fixer.New("test-token", t.TempDir())
	result, err := f.Fix(context.Background(), "acme/web", "renovate/go-mod", "go")

	require.NoError(t, err)
	assert.Equal(t, 0, result.CommitsPushed)
}

func TestFix_WithChanges_PushesOneCommit(t *testing.T) {
	withFakeGit(t, " M go.sum\n")

	f := fixer.New("test-token", t.TempDir())
	result, err := f.Fix(context.Background(), "acme/web", "renovate/go-mod", "go")

	require.NoError(t, err)
	assert.Equal(t, 1, result.CommitsPushed)
}

func TestFix_UnsupportedLanguage_ReturnsFixError(t *testing.T) {
	f := fixer.New("test-token", t.TempDir())
	_, err := f.Fix(context.Background(), "acme/web", "renovate/rust", "rust")

	require.Error(t, err)
	var fixErr *driven.FixError
	assert.ErrorAs(t, err, &fixErr)
}

func TestSupportedLanguages_IncludesCommonEcosystems(t *testing.T) {
	langs := fixer.SupportedLanguages()
	assert.Contains(t, langs, "go")
	assert.Contains(t, langs, "npm")
}
