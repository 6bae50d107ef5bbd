package workflow

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ospool-executor/fs"
	"ospool-executor/parsing"
)

type recordingRunner struct {
	mtx  sync.Mutex
	cmds []string
	outs map[string]fs.CmdOut
}

func (r *recordingRunner) run(cmd string) (fs.CmdOut, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.cmds = append(r.cmds, cmd)
	for prefix, out := range r.outs {
		if strings.HasPrefix(cmd, prefix) {
			if out.ExitCode != 0 {
				return out, errors.New("exit status 1")
			}
			return out, nil
		}
	}
	return fs.CmdOut{}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, body string, perm os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), perm))
}

type testLayout struct {
	root    string
	session StaticSession
	config  parsing.ExecutorConfig
}

func newTestLayout(t *testing.T) testLayout {
	root := t.TempDir()
	session := StaticSession{
		Base:       filepath.Join(root, "work"),
		Project:    filepath.Join(root, "project"),
		Launch:     filepath.Join(root, "launch"),
		Bin:        filepath.Join(root, "project", "bin"),
		SecretsDir: filepath.Join(root, "home", ".nextflow", "secrets"),
	}
	writeFile(t, filepath.Join(session.Project, "main.nf"), "workflow {}", 0o644)
	writeFile(t, filepath.Join(session.Project, "assets", "ref.fa"), ">chr1\nACGT\n", 0o644)
	writeFile(t, filepath.Join(session.Project, ".git", "HEAD"), "ref: main", 0o644)
	writeFile(t, filepath.Join(session.Project, "bin", "tool.sh"), "#!/bin/sh\necho hi\n", 0o755)
	writeFile(t, filepath.Join(session.SecretsDir, ".nf-TOKEN.secrets"), "s3cr3t", 0o644)
	writeFile(t, filepath.Join(session.SecretsDir, "store.json"), "{}", 0o644)
	require.NoError(t, os.MkdirAll(session.Base, 0o755))

	config := parsing.DefaultExecutorConfig()
	config.SubmitFileBase = filepath.Join(root, "submit")
	return testLayout{root: root, session: session, config: config}
}

func (l testLayout) executor(run CmdRunner) *CondorExecutor {
	return NewCondorExecutor(l.config, l.session, l.session, run, quietLogger())
}

func TestInitStagesProjectAndSecrets(t *testing.T) {
	layout := newTestLayout(t)
	executor := layout.executor(nil)
	require.NoError(t, executor.Init())

	staged := executor.StagedDirs()
	require.Equal(t, 2, staged.Len())

	stagedProject := filepath.Join(layout.session.Base, ".staged-project")
	stagedSecrets := filepath.Join(layout.session.Base, ".staged-secrets")
	require.FileExists(t, filepath.Join(stagedProject, "assets", "ref.fa"))
	require.NoDirExists(t, filepath.Join(stagedProject, ".git"))
	require.NoFileExists(t, filepath.Join(stagedSecrets, "store.json"))

	info, err := os.Stat(filepath.Join(stagedSecrets, ".nf-TOKEN.secrets"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.Equal(t,
		filepath.Join(stagedSecrets, ".nf-TOKEN.secrets"),
		executor.SecretsPath("TOKEN"),
	)
}

func TestInitMissingSubmitFileBase(t *testing.T) {
	layout := newTestLayout(t)
	layout.config.SubmitFileBase = ""
	runner := &recordingRunner{}
	executor := layout.executor(runner.run)

	err := executor.Init()
	require.True(t, errors.Is(err, parsing.ErrConfig))
	require.Contains(t, err.Error(), "submit_file_base: /home/<user>/condor-submit")
	require.Equal(t, err, executor.Init())

	_, err = executor.SubmitTask(parsing.TaskRun{WorkDir: filepath.Join(layout.session.Base, "ab", "cdef")})
	require.Error(t, err)
	require.Empty(t, runner.cmds)
	require.NoDirExists(t, filepath.Join(layout.session.Base, ".staged-project"))
}

func TestInitResolvesAndSkipsConfiguredDirs(t *testing.T) {
	layout := newTestLayout(t)
	layout.session.Launch = ""
	layout.config.StageDirs = []string{
		"${launchDir}",
		"${projectDir}/assets",
		"${projectDir}/missing",
		"/cvmfs/oasis.opensciencegrid.org",
	}
	executor := layout.executor(nil)
	require.NoError(t, executor.Init())

	records := executor.StagedDirs().Records()
	require.Equal(t, []fs.StagingRecord{{
		Original: filepath.Join(layout.session.Project, "assets"),
		Staged:   filepath.Join(layout.session.Base, ".staged-assets"),
	}}, records)
}

func TestSharedFsSkipsStaging(t *testing.T) {
	layout := newTestLayout(t)
	layout.config.SharedFS = true
	executor := layout.executor(nil)
	require.NoError(t, executor.Init())
	require.Equal(t, 0, executor.StagedDirs().Len())
	require.NoDirExists(t, filepath.Join(layout.session.Base, ".staged-project"))
	require.Equal(t,
		filepath.Join(layout.session.SecretsDir, ".nf-TOKEN.secrets"),
		executor.SecretsPath("TOKEN"),
	)
}

// Every concurrent caller must see the complete staging table.
func TestInitBarrier(t *testing.T) {
	layout := newTestLayout(t)
	executor := layout.executor(nil)

	var wg sync.WaitGroup
	lens := make([]int, 16)
	errs := make([]error, 16)
	for i := range lens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = executor.Init()
			lens[i] = executor.StagedDirs().Len()
		}(i)
	}
	wg.Wait()

	for i := range lens {
		require.NoError(t, errs[i])
		require.Equal(t, 2, lens[i])
	}
}

func TestStagedBinDirOnce(t *testing.T) {
	layout := newTestLayout(t)
	executor := layout.executor(nil)
	require.NoError(t, executor.Init())

	var wg sync.WaitGroup
	paths := make([]string, 8)
	errs := make([]error, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = executor.StagedBinDir()
		}(i)
	}
	wg.Wait()

	exp := filepath.Join(layout.session.Base, ".staged-bin")
	for i, path := range paths {
		require.NoError(t, errs[i])
		require.Equal(t, exp, path)
	}
	info, err := os.Stat(filepath.Join(exp, "tool.sh"))
	require.NoError(t, err)
	require.NotZero(t, info.Mode().Perm()&0o100)
}

func TestStagedBinDirDisabled(t *testing.T) {
	layout := newTestLayout(t)
	layout.config.StageBinDir = parsing.TriFalse
	layout.config.PathAliases = map[string]string{layout.root: "/ospool/ap20/data/u"}
	executor := layout.executor(nil)
	require.NoError(t, executor.Init())

	path, err := executor.StagedBinDir()
	require.NoError(t, err)
	// The bin dir sits inside the staged project dir.
	require.Equal(t, filepath.Join(layout.session.Base, ".staged-project", "bin"), path)
	require.NoDirExists(t, filepath.Join(layout.session.Base, ".staged-bin"))
}

func TestSubmitTask(t *testing.T) {
	layout := newTestLayout(t)
	runner := &recordingRunner{outs: map[string]fs.CmdOut{
		"condor_submit": {StdOut: "1234.0 - 1234.0\n"},
	}}
	executor := layout.executor(runner.run)

	workDir := filepath.Join(layout.session.Base, "ab", "cdef0123")
	task := parsing.TaskRun{
		Name:    "align (1)",
		WorkDir: workDir,
		Script:  "echo hello > out.txt\n",
		Resources: parsing.ResourceReqs{
			Cpus:   2,
			Memory: 4 * parsing.GB,
		},
		InputFiles: map[string]string{
			"ref.fa": filepath.Join(layout.session.Project, "assets", "ref.fa"),
		},
		OutputFiles: []string{"out.txt"},
		Secrets:     []string{"TOKEN"},
	}
	job, err := executor.SubmitTask(task)
	require.NoError(t, err)
	require.Equal(t, "1234.0", job.JobId)

	submitPath := filepath.Join(layout.config.SubmitFileBase, "ab", "cdef0123", ".command.condor")
	require.Equal(t, submitPath, job.SubmitPath)
	require.Equal(t, []string{"condor_submit --terse " + submitPath}, runner.cmds)

	submitFile, err := os.ReadFile(submitPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(submitFile)), "\n")
	require.Equal(t, "universe = vanilla", lines[0])
	require.Contains(t, lines, "machine_count = 1")
	require.Contains(t, lines, "request_memory = 4 GB")
	require.NotContains(t, lines, "getenv = true")
	require.Equal(t, "queue", lines[len(lines)-1])

	script, err := os.ReadFile(filepath.Join(workDir, parsing.CmdScript))
	require.NoError(t, err)
	require.Equal(t, task.Script, string(script))

	info, err := os.Stat(filepath.Join(workDir, parsing.CmdRun))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	wrapper, err := os.ReadFile(filepath.Join(workDir, parsing.CmdRun))
	require.NoError(t, err)
	stagedRef := filepath.Join(layout.session.Base, ".staged-project", "assets", "ref.fa")
	require.Contains(t, string(wrapper), "ln -s "+stagedRef+" ref.fa")
	require.Contains(t, string(wrapper), filepath.Join(layout.session.Base, ".staged-secrets", ".nf-TOKEN.secrets"))
	require.Contains(t, string(wrapper), filepath.Join(layout.session.Base, ".staged-bin"))
	require.Contains(t, string(wrapper), "cp -fRL out.txt")
}

func TestSubmitTaskBadOutput(t *testing.T) {
	layout := newTestLayout(t)
	runner := &recordingRunner{outs: map[string]fs.CmdOut{
		"condor_submit": {ExitCode: 1, StdErr: "ERROR: Failed to connect to local queue manager"},
	}}
	executor := layout.executor(runner.run)

	_, err := executor.SubmitTask(parsing.TaskRun{WorkDir: filepath.Join(layout.session.Base, "ab", "cd")})
	require.Error(t, err)
	require.Contains(t, err.Error(), "local queue manager")
}

func TestQueueStatusAndKill(t *testing.T) {
	layout := newTestLayout(t)
	runner := &recordingRunner{outs: map[string]fs.CmdOut{
		"condor_q": {StdOut: " ID OWNER SUBMITTED RUN_TIME ST PRI SIZE CMD\n" +
			" 7.0 u 3/14 10:00 0+00:00:05 R 0 0.0 .command.run\n\n"},
	}}
	executor := layout.executor(runner.run)

	states, err := executor.QueueStatus()
	require.NoError(t, err)
	require.Equal(t, map[string]parsing.QueueState{"7.0": parsing.StateRunning}, states)

	require.NoError(t, executor.KillTask("7.0"))
	require.Equal(t, []string{"condor_q -nobatch", "condor_rm 7.0"}, runner.cmds)
}

func TestResolveDirTokens(t *testing.T) {
	session := StaticSession{Project: "/home/u/proj", Launch: "/home/u/run"}
	require.Equal(t, "/home/u/proj/assets", ResolveDirTokens("${projectDir}/assets", session))
	require.Equal(t, "/home/u/run", ResolveDirTokens("${launchDir}", session))
	require.Equal(t, "$HOME/x", ResolveDirTokens("$HOME/x", session))
}

func TestInitRejectsStagedNameCollision(t *testing.T) {
	layout := newTestLayout(t)
	first := filepath.Join(layout.root, "home", "proj")
	second := filepath.Join(layout.root, "data", "proj")
	writeFile(t, filepath.Join(first, "a.txt"), "a", 0o644)
	writeFile(t, filepath.Join(second, "b.txt"), "b", 0o644)
	layout.config.StageDirs = []string{first, second, first}
	runner := &recordingRunner{}
	executor := layout.executor(runner.run)

	err := executor.Init()
	require.True(t, errors.Is(err, parsing.ErrConfig))
	require.Contains(t, err.Error(), first)
	require.Contains(t, err.Error(), second)

	// The first copy is left intact rather than overwritten.
	stagedProj := filepath.Join(layout.session.Base, ".staged-proj")
	require.FileExists(t, filepath.Join(stagedProj, "a.txt"))
	require.NoFileExists(t, filepath.Join(stagedProj, "b.txt"))

	_, err = executor.SubmitTask(parsing.TaskRun{WorkDir: filepath.Join(layout.session.Base, "ab", "cd")})
	require.Error(t, err)
	require.Empty(t, runner.cmds)
}

func TestInitStagesRepeatedDirOnce(t *testing.T) {
	layout := newTestLayout(t)
	assets := filepath.Join(layout.session.Project, "assets")
	layout.config.StageDirs = []string{assets, assets + "/"}
	executor := layout.executor(nil)
	require.NoError(t, executor.Init())
	require.Equal(t, 1, executor.StagedDirs().Len())
}

func TestStagedBinDirCollision(t *testing.T) {
	layout := newTestLayout(t)
	otherBin := filepath.Join(layout.root, "tools", "bin")
	writeFile(t, filepath.Join(otherBin, "other.sh"), "#!/bin/sh\n", 0o755)
	layout.config.StageDirs = []string{otherBin}
	executor := layout.executor(nil)
	require.NoError(t, executor.Init())

	_, err := executor.StagedBinDir()
	require.True(t, errors.Is(err, parsing.ErrConfig))
	require.Contains(t, err.Error(), otherBin)
	require.FileExists(t, filepath.Join(layout.session.Base, ".staged-bin", "other.sh"))
}

func TestInitStagingFailureIsFatal(t *testing.T) {
	cases := map[string]func(t *testing.T, layout *testLayout){
		"dangling symlink": func(t *testing.T, layout *testLayout) {
			require.NoError(t, os.Symlink(
				filepath.Join(layout.root, "nowhere"),
				filepath.Join(layout.session.Project, "assets", "broken.fa"),
			))
		},
		"unreadable file": func(t *testing.T, layout *testLayout) {
			if os.Geteuid() == 0 {
				t.Skip("root can read any file")
			}
			writeFile(t, filepath.Join(layout.session.Project, "assets", "locked.fa"), "x", 0o000)
		},
		"staging root is a file": func(t *testing.T, layout *testLayout) {
			layout.session.Base = filepath.Join(layout.root, "work-file")
			writeFile(t, layout.session.Base, "", 0o644)
		},
	}
	for name, breakLayout := range cases {
		t.Run(name, func(t *testing.T) {
			layout := newTestLayout(t)
			breakLayout(t, &layout)
			runner := &recordingRunner{}
			executor := layout.executor(runner.run)

			err := executor.Init()
			require.Error(t, err)
			require.Contains(t, err.Error(), "failed to stage directory "+layout.session.Project)

			_, err = executor.SubmitTask(parsing.TaskRun{WorkDir: filepath.Join(layout.root, "w", "ab", "cd")})
			require.Error(t, err)
			require.Empty(t, runner.cmds)
			require.NoDirExists(t, filepath.Join(layout.root, "w", "ab", "cd"))
		})
	}
}

func TestQueueStatusWithoutHeader(t *testing.T) {
	layout := newTestLayout(t)
	runner := &recordingRunner{outs: map[string]fs.CmdOut{
		"condor_q": {StdOut: "-- Failed to fetch ads from: <192.170.227.1:9618> : ap20.uc.osg-htc.org\n"},
	}}
	a := &CondorActivity{Executor: layout.executor(runner.run)}

	states, err := a.PollCondorQueueActivity([]string{"1001.0", "1002.0"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Failed to fetch ads")
	require.Nil(t, states)
}
