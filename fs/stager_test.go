package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
}

func TestStageOrdinaryDirFilters(t *testing.T) {
	src := filepath.Join(t.TempDir(), "proj")
	root := t.TempDir()

	writeFile(t, filepath.Join(src, "main.nf"), "workflow {}\n", 0o644)
	writeFile(t, filepath.Join(src, "bin", "tool.sh"), "#!/bin/sh\necho hi\n", 0o755)
	writeFile(t, filepath.Join(src, "lib", "nested", "data.bin"), "\x00\x01\x02", 0o644)
	writeFile(t, filepath.Join(src, ".hidden"), "x", 0o644)
	writeFile(t, filepath.Join(src, "lib", ".cache", "blob"), "x", 0o644)
	writeFile(t, filepath.Join(src, ".git", "HEAD"), "ref", 0o644)
	writeFile(t, filepath.Join(src, "work", "ab", "cdef", ".command.sh"), "x", 0o644)
	writeFile(t, filepath.Join(src, ".nextflow", "history"), "x", 0o644)
	writeFile(t, filepath.Join(src, "results", "out.txt"), "x", 0o644)
	// Only top-level work dirs are excluded.
	writeFile(t, filepath.Join(src, "lib", "work", "keep.txt"), "keep", 0o644)

	stager := NewStager(root, nil)
	rec, err := stager.Stage(src)
	require.NoError(t, err)
	require.Equal(t, src, rec.Original)
	require.Equal(t, filepath.Join(root, ".staged-proj"), rec.Staged)

	for _, rel := range []string{"main.nf", "bin/tool.sh", "lib/nested/data.bin", "lib/work/keep.txt"} {
		want, err := os.ReadFile(filepath.Join(src, rel))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(rec.Staged, rel))
		require.NoError(t, err, rel)
		require.Equal(t, want, got, rel)
	}

	srcInfo, err := os.Stat(filepath.Join(src, "bin", "tool.sh"))
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(rec.Staged, "bin", "tool.sh"))
	require.NoError(t, err)
	require.Equal(t, srcInfo.Mode().Perm(), info.Mode().Perm())

	for _, rel := range []string{".hidden", "lib/.cache", ".git", "work", ".nextflow", "results"} {
		_, err := os.Stat(filepath.Join(rec.Staged, rel))
		require.True(t, os.IsNotExist(err), "%s should not be staged", rel)
	}
}

func TestStageSecretsDir(t *testing.T) {
	src := filepath.Join(t.TempDir(), ".nextflow", "secrets")
	root := t.TempDir()

	writeFile(t, filepath.Join(src, ".nf-TOKEN.secrets"), "s3cr3t", 0o644)
	writeFile(t, filepath.Join(src, ".nf-API_KEY.secrets"), "k", 0o644)
	writeFile(t, filepath.Join(src, "store.json"), "{}", 0o600)
	writeFile(t, filepath.Join(src, "notes.txt"), "x", 0o644)
	writeFile(t, filepath.Join(src, "sub", ".nf-NESTED.secrets"), "x", 0o644)

	require.True(t, IsSecretsDir(src))
	rec, err := NewStager(root, nil).Stage(src)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, ".staged-secrets"), rec.Staged)

	entries, err := os.ReadDir(rec.Staged)
	require.NoError(t, err)
	names := make([]string, 0)
	for _, e := range entries {
		names = append(names, e.Name())
		info, err := e.Info()
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
	require.ElementsMatch(t, []string{".nf-TOKEN.secrets", ".nf-API_KEY.secrets"}, names)

	got, err := os.ReadFile(filepath.Join(rec.Staged, ".nf-TOKEN.secrets"))
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", string(got))
}

func TestIsSecretsDir(t *testing.T) {
	require.True(t, IsSecretsDir("/home/u/.nextflow/secrets"))
	require.True(t, IsSecretsDir("/home/u/.nextflow/secrets/"))
	require.False(t, IsSecretsDir("/home/u/secrets"))
	require.False(t, IsSecretsDir("/home/u/.nextflow/other"))
}

func TestStageReplacesPreviousCopy(t *testing.T) {
	src := filepath.Join(t.TempDir(), "proj")
	root := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "a", 0o644)
	writeFile(t, filepath.Join(root, ".staged-proj", "stale.txt"), "old", 0o644)

	rec, err := NewStager(root, nil).Stage(src)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(rec.Staged, "stale.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestStageMissingDirErrorNamesSource(t *testing.T) {
	src := filepath.Join(t.TempDir(), "missing")
	_, err := NewStager(t.TempDir(), nil).Stage(src)
	require.Error(t, err)
	require.Contains(t, err.Error(), src)
	require.Contains(t, err.Error(), "accessible location")
	require.True(t, os.IsNotExist(errors.Cause(err)))
}

func TestStagedDirsDedupes(t *testing.T) {
	dirs := NewStagedDirs([]StagingRecord{
		{Original: "/b", Staged: "/s/.staged-b"},
		{Original: "/a", Staged: "/s/.staged-a"},
		{Original: "/b", Staged: "/s/other"},
	})
	require.Equal(t, 2, dirs.Len())
	require.Equal(t, "/a", dirs.Records()[0].Original)
	require.Equal(t, "/s/.staged-b/x", Normalize("/b/x", dirs.Table(), nil))
}
