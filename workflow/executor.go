package workflow

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"ospool-executor/fs"
	"ospool-executor/parsing"
)

// CondorJob is a task submitted to the HTCondor schedd.
type CondorJob struct {
	RequestId  string
	TaskName   string
	WorkDir    string
	JobId      string
	SubmitPath string
}

// CondorExecutor submits workflow tasks to an OSPool access point. Dirs
// the execution sandbox cannot reach are staged once, in Init, before
// any task is submitted; afterward the staging table is read-only and
// shared by every submission.
type CondorExecutor struct {
	Config  parsing.ExecutorConfig
	Session Session
	Secrets SecretsProvider
	Run     CmdRunner
	Logger  *slog.Logger

	access  fs.AccessPolicy
	aliases *fs.PathTable
	stager  fs.Stager

	initMtx  sync.Mutex
	initDone bool
	initErr  error
	staged   *fs.StagedDirs

	binMtx  sync.Mutex
	binDone bool
	binDir  string
	binErr  error
}

func NewCondorExecutor(
	config parsing.ExecutorConfig, session Session, secrets SecretsProvider,
	run CmdRunner, logger *slog.Logger,
) *CondorExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if run == nil {
		run = fs.LocalRunCmd
	}
	return &CondorExecutor{
		Config:  config,
		Session: session,
		Secrets: secrets,
		Run:     run,
		Logger:  logger,
		access:  fs.NewAccessPolicy(config.AccessiblePrefixes...),
		aliases: fs.NewPathTable(config.PathAliases),
		stager:  fs.NewStager(session.BaseDir(), logger),
	}
}

// Init validates the config and stages every dir the execution sandbox
// cannot reach. It runs once; later and concurrent callers block until
// the first call finishes and then see its result.
func (e *CondorExecutor) Init() error {
	e.initMtx.Lock()
	defer e.initMtx.Unlock()
	if e.initDone {
		return e.initErr
	}
	e.initDone = true
	e.staged, e.initErr = e.stageDirs()
	return e.initErr
}

func (e *CondorExecutor) stageDirs() (*fs.StagedDirs, error) {
	if err := e.Config.Validate(); err != nil {
		return nil, err
	}
	if e.Config.SharedFS {
		return fs.NewStagedDirs(nil), nil
	}

	records := make([]fs.StagingRecord, 0)
	// Staged path to the dir staged there.
	claimed := make(map[string]string)
	for _, raw := range e.candidateDirs() {
		dir := strings.TrimSpace(ResolveDirTokens(raw, e.Session))
		if dir == "" {
			e.Logger.Warn("Staging dir resolved to an empty path; skipping", "dir", raw)
			continue
		}
		if absDir, err := filepath.Abs(dir); err == nil {
			dir = absDir
		}
		if e.access.IsAccessible(dir) {
			e.Logger.Debug("Dir is reachable from execute nodes; not staging", "dir", dir)
			continue
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			e.Logger.Warn("Staging dir does not exist; skipping", "dir", dir)
			continue
		}

		stagedPath := e.stager.StagedPath(dir)
		if owner, taken := claimed[stagedPath]; taken {
			if owner == dir {
				continue
			}
			return nil, fmt.Errorf(
				"%w: staging dirs %s and %s would both be copied to %s; "+
					"rename one or list only one in stage_dirs",
				parsing.ErrConfig, owner, dir, stagedPath,
			)
		}
		claimed[stagedPath] = dir

		rec, err := e.stager.Stage(dir)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return fs.NewStagedDirs(records), nil
}

// candidateDirs is the configured stage_dirs list, or when that is unset
// the project dir and the secrets dir, each only if unreachable.
func (e *CondorExecutor) candidateDirs() []string {
	if e.Config.StageDirs != nil {
		return e.Config.StageDirs
	}

	dirs := make([]string, 0, 2)
	if project := e.Session.ProjectDir(); project != "" && !e.access.IsAccessible(project) {
		dirs = append(dirs, project)
	}
	if e.Secrets != nil && e.Secrets.Enabled() {
		if secrets := e.Secrets.Dir(); secrets != "" && !e.access.IsAccessible(secrets) {
			dirs = append(dirs, secrets)
		}
	}
	return dirs
}

// StagedDirs is nil until Init has run.
func (e *CondorExecutor) StagedDirs() *fs.StagedDirs {
	e.initMtx.Lock()
	defer e.initMtx.Unlock()
	return e.staged
}

// StagedBinDir gives the bin dir path tasks should put on PATH, staging
// the project bin dir on first use when it is unreachable. Empty means
// there is no bin dir.
func (e *CondorExecutor) StagedBinDir() (string, error) {
	e.binMtx.Lock()
	defer e.binMtx.Unlock()
	if e.binDone {
		return e.binDir, e.binErr
	}
	e.binDone = true

	binDir := e.Session.BinDir()
	if binDir == "" {
		return "", nil
	}
	if info, err := os.Stat(binDir); err != nil || !info.IsDir() {
		e.Logger.Debug("No project bin dir", "dir", binDir)
		return "", nil
	}

	if !e.Config.ShouldStageBinDir() || e.access.IsAccessible(binDir) {
		e.binDir = e.normalize(binDir)
		return e.binDir, nil
	}

	absBin, err := filepath.Abs(binDir)
	if err != nil {
		absBin = filepath.Clean(binDir)
	}
	stagedPath := e.stager.StagedPath(absBin)
	for _, rec := range e.StagedDirs().Records() {
		if rec.Staged != stagedPath {
			continue
		}
		if rec.Original == absBin {
			e.binDir = rec.Staged
			return e.binDir, nil
		}
		e.binErr = fmt.Errorf(
			"%w: bin dir %s and staging dir %s would both be copied to %s",
			parsing.ErrConfig, binDir, rec.Original, stagedPath,
		)
		return "", e.binErr
	}

	rec, err := e.stager.Stage(binDir)
	if err != nil {
		e.binErr = err
		return "", err
	}
	e.binDir = rec.Staged
	return e.binDir, nil
}

func (e *CondorExecutor) normalize(path string) string {
	if e.Config.SharedFS {
		return path
	}
	return fs.Normalize(path, e.StagedDirs().Table(), e.aliases)
}

func (e *CondorExecutor) copyStrategy() parsing.CopyStrategy {
	return parsing.CopyStrategy{
		Staged:   e.StagedDirs(),
		Aliases:  e.aliases,
		SharedFS: e.Config.SharedFS,
	}
}

func (e *CondorExecutor) StageInputs(task parsing.TaskRun) []string {
	return e.copyStrategy().StageInputs(task.InputFiles)
}

func (e *CondorExecutor) ContainerMounts(task parsing.TaskRun) []parsing.BindMount {
	mounts := parsing.PlanMounts(
		task.InputFiles, e.StagedDirs(), e.aliases, e.Config.SharedFS,
	)
	e.binMtx.Lock()
	binDir := e.binDir
	e.binMtx.Unlock()
	if binDir != "" {
		mounts = append(mounts, parsing.BindMount{Host: binDir, Cnt: binDir})
	}
	return mounts
}

// SecretsPath points at the secret file the way the execute node sees
// it, which is inside the staged secrets dir when secrets were staged.
func (e *CondorExecutor) SecretsPath(name string) string {
	dir := ""
	if e.Secrets != nil {
		dir = e.Secrets.Dir()
	}
	return e.normalize(filepath.Join(dir, fmt.Sprintf(".nf-%s.secrets", name)))
}

func (e *CondorExecutor) UnstageOutputs() bool {
	return e.Config.ShouldUnstageOutputs()
}

func (e *CondorExecutor) directiveOptions() parsing.DirectiveOptions {
	return parsing.DirectiveOptions{
		SubmitFileBase: e.Config.SubmitFileBase,
		InheritEnv:     e.Config.InheritEnv(),
	}
}

// Directives gives the submit description for task.
func (e *CondorExecutor) Directives(task parsing.TaskRun) []string {
	return parsing.BuildDirectives(task, e.directiveOptions())
}

// WriteTaskFiles writes the task script, its wrapper, and the submit
// description, returning the path condor_submit should be given.
func (e *CondorExecutor) WriteTaskFiles(task parsing.TaskRun) (string, error) {
	if err := e.Init(); err != nil {
		return "", err
	}
	if err := task.Validate(); err != nil {
		return "", err
	}

	binDir, err := e.StagedBinDir()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(task.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("unable to make work dir %s: %w", task.WorkDir, err)
	}
	if task.Script != "" {
		scriptPath := filepath.Join(task.WorkDir, parsing.CmdScript)
		if err := os.WriteFile(scriptPath, []byte(task.Script), 0o644); err != nil {
			return "", fmt.Errorf("unable to write task script %s: %w", scriptPath, err)
		}
	}

	builder := parsing.WrapperBuilder{
		ContainerEngine: e.Config.ContainerEngine,
		BinDir:          binDir,
	}
	wrapper := builder.Build(task, e)
	if err := os.WriteFile(task.ScriptPath(), []byte(wrapper), 0o755); err != nil {
		return "", fmt.Errorf("unable to write wrapper %s: %w", task.ScriptPath(), err)
	}
	// WriteFile leaves an existing file's mode alone.
	if err := os.Chmod(task.ScriptPath(), 0o755); err != nil {
		return "", fmt.Errorf("unable to make %s executable: %w", task.ScriptPath(), err)
	}

	submitPath := parsing.SubmitFilePath(e.Config.SubmitFileBase, task.WorkDir)
	if err := e.writeSubmitFile(submitPath, e.Directives(task)); err != nil {
		return "", err
	}
	return submitPath, nil
}

// Without a submit host the description is written in place; with one
// it is written to a local temp file and pushed to the access point.
func (e *CondorExecutor) writeSubmitFile(submitPath string, directives []string) error {
	localPath := submitPath
	if e.Config.SubmitHost != nil {
		tmpFile, err := os.CreateTemp("", "condor-*.submit")
		if err != nil {
			return fmt.Errorf("unable to make local tmp submit file: %w", err)
		}
		localPath = tmpFile.Name()
		tmpFile.Close()
		defer os.Remove(localPath)
	} else if err := os.MkdirAll(filepath.Dir(submitPath), 0o755); err != nil {
		return fmt.Errorf("unable to make submit dir %s: %w", filepath.Dir(submitPath), err)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("unable to create submit file %s: %w", localPath, err)
	}
	if err := parsing.WriteSubmitFile(f, directives); err != nil {
		f.Close()
		return fmt.Errorf("error writing submit file %s: %w", localPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing submit file %s: %w", localPath, err)
	}

	if e.Config.SubmitHost == nil {
		return nil
	}
	host := e.Config.SubmitHost
	endpt := host.TransferAddr
	if endpt == "" {
		endpt = strings.Split(host.IpAddr, ":")[0]
	}
	return fs.NewSshFS(host.User, endpt).Upload(localPath, submitPath)
}

// SubmitTask writes the task's files and hands them to condor_submit.
func (e *CondorExecutor) SubmitTask(task parsing.TaskRun) (CondorJob, error) {
	submitPath, err := e.WriteTaskFiles(task)
	if err != nil {
		return CondorJob{}, err
	}

	submitCmd := JoinCommand(parsing.SubmitCommand(submitPath))
	out, err := e.Run(submitCmd)
	if err != nil {
		return CondorJob{}, cmdError(submitCmd, out, err)
	}
	jobId, err := parsing.ParseJobId(out.StdOut)
	if err != nil {
		return CondorJob{}, err
	}

	e.Logger.Info("Submitted task", "task", task.Name, "job", jobId, "submit_file", submitPath)
	return CondorJob{
		TaskName:   task.Name,
		WorkDir:    task.WorkDir,
		JobId:      jobId,
		SubmitPath: submitPath,
	}, nil
}

func (e *CondorExecutor) KillTask(jobId string) error {
	killCmd := JoinCommand(append(parsing.KillCommand(), jobId))
	out, err := e.Run(killCmd)
	if err != nil {
		return cmdError(killCmd, out, err)
	}
	return nil
}

// QueueStatus takes one condor_q snapshot.
func (e *CondorExecutor) QueueStatus() (map[string]parsing.QueueState, error) {
	statusCmd := JoinCommand(parsing.QueueStatusCommand())
	out, err := e.Run(statusCmd)
	if err != nil {
		return nil, cmdError(statusCmd, out, err)
	}
	states, sawHeader := parsing.ParseQueueSnapshot(out.StdOut)
	if !sawHeader {
		return nil, fmt.Errorf(
			"%s printed no job table: %s", statusCmd, strings.TrimSpace(out.StdOut),
		)
	}
	return states, nil
}
