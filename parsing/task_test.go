package parsing

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestClusterOptionsFragments(t *testing.T) {
	require.Equal(t,
		[]string{"a = 1", "b = 2", "c = 3"},
		LiteralOptions("a = 1; b = 2\n  c = 3 ;;").Fragments(),
	)
	require.Empty(t, LiteralOptions("").Fragments())
	require.Equal(t, []string{" x ;y"}, ListOptions(" x ;y").Fragments())
	require.True(t, ListOptions().IsList())
	require.False(t, LiteralOptions("x").IsList())
}

func TestClusterOptionsDecoding(t *testing.T) {
	var task TaskRun
	require.NoError(t, json.Unmarshal([]byte(`{"work_dir": "/w", "cluster_options": ["a = 1", "b = 2"]}`), &task))
	require.True(t, task.ClusterOptions.IsList())
	require.Equal(t, []string{"a = 1", "b = 2"}, task.ClusterOptions.Fragments())

	task = TaskRun{}
	require.NoError(t, json.Unmarshal([]byte(`{"work_dir": "/w", "cluster_options": "a = 1; b = 2"}`), &task))
	require.False(t, task.ClusterOptions.IsList())
	require.Equal(t, []string{"a = 1", "b = 2"}, task.ClusterOptions.Fragments())

	task = TaskRun{}
	require.NoError(t, yaml.Unmarshal([]byte("work_dir: /w\ncluster_options:\n  - a = 1\n"), &task))
	require.True(t, task.ClusterOptions.IsList())

	require.Error(t, json.Unmarshal([]byte(`{"cluster_options": 4}`), &task))
	require.Error(t, yaml.Unmarshal([]byte("cluster_options:\n  a: 1\n"), &task))
}

func TestParseTaskFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	body := `
name: align (1)
hash: ab/cdef12
work_dir: /ospool/ap20/data/u/work/ab/cdef12
resources:
  cpus: 2
  memory: 2 GB
input_files:
  reads.fq: /home/u/data/reads.fq
secrets: [TOKEN]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	task, err := ParseTaskFile(path)
	require.NoError(t, err)
	require.Equal(t, "align (1)", task.Name)
	require.Equal(t, 2*GB, task.Resources.Memory)
	require.Equal(t, "/ospool/ap20/data/u/work/ab/cdef12/.command.run", task.ScriptPath())
	require.Equal(t, []string{"TOKEN"}, task.Secrets)

	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`{"name": "x"}`), 0644))
	_, err = ParseTaskFile(badPath)
	require.True(t, errors.Is(err, ErrConfig))
}
