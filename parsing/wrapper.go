package parsing

import (
	"fmt"
	"strings"
)

// WrapperStrategy is the executor-specific behavior a WrapperBuilder
// delegates to.
type WrapperStrategy interface {
	// StageInputs gives the shell lines which make inputs available.
	StageInputs(task TaskRun) []string
	// ContainerMounts gives the binds for a containerized task.
	ContainerMounts(task TaskRun) []BindMount
	// SecretsPath is the file a secret is read from at run time.
	SecretsPath(name string) string
	// UnstageOutputs reports whether the task runs in a scratch dir and
	// its outputs must be copied back to the work dir.
	UnstageOutputs() bool
}

// WrapperBuilder renders the .command.run script submitted as the job
// executable.
type WrapperBuilder struct {
	ContainerEngine string
	// Prepended to PATH when set.
	BinDir string
}

func (b WrapperBuilder) Build(task TaskRun, strategy WrapperStrategy) string {
	var sb strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&sb, format, args...)
		sb.WriteByte('\n')
	}
	workDir := ShellQuote(task.WorkDir)

	line("#!/bin/bash")
	line("# task: %s", task.Name)
	line("set -u")
	line("task_workdir=%s", workDir)
	if strategy.UnstageOutputs() {
		line(`run_dir="${_CONDOR_SCRATCH_DIR:-$task_workdir}"`)
	} else {
		line(`run_dir="$task_workdir"`)
	}
	line(`cd "$run_dir" || exit 1`)

	for _, name := range task.Secrets {
		line(`export %s="$(cat %s)"`, name, ShellQuote(strategy.SecretsPath(name)))
	}
	if b.BinDir != "" {
		line(`export PATH=%s:"$PATH"`, ShellQuote(b.BinDir))
	}
	for _, k := range sortedKeys(task.Envs) {
		line("export %s=%s", k, ShellQuote(task.Envs[k]))
	}

	for _, stageLine := range strategy.StageInputs(task) {
		line("%s", stageLine)
	}

	runCmd := `/bin/bash -ue "$task_workdir/` + CmdScript + `"`
	if task.Container != "" {
		mounts := append(
			[]BindMount{{Host: task.WorkDir, Cnt: task.WorkDir}},
			strategy.ContainerMounts(task)...,
		)
		prefix := FormContainerCmdPrefix(
			b.ContainerEngine, task.Container, mounts, b.containerEnvs(task),
		)
		runCmd = prefix + " " + runCmd
	}
	line(`%s > "$task_workdir/%s" 2> "$task_workdir/%s"`, runCmd, CmdOut, CmdErr)
	line("ret=$?")

	if strategy.UnstageOutputs() && len(task.OutputFiles) > 0 {
		line(`if [ "$run_dir" != "$task_workdir" ]; then`)
		for _, out := range task.OutputFiles {
			line(`  cp -fRL %s "$task_workdir"/ || ret=$?`, out)
		}
		line("fi")
	}

	line(`echo $ret > "$task_workdir/%s"`, CmdExitCode)
	line("exit $ret")
	return sb.String()
}

// containerEnvs passes the exported task environment through to the
// container, which starts with a clean environment. Values are shell
// fragments expanded by the wrapper.
func (b WrapperBuilder) containerEnvs(task TaskRun) map[string]string {
	envs := make(map[string]string, len(task.Envs)+len(task.Secrets)+1)
	for k := range task.Envs {
		envs[k] = fmt.Sprintf(`"$%s"`, k)
	}
	for _, name := range task.Secrets {
		envs[name] = fmt.Sprintf(`"$%s"`, name)
	}
	if b.BinDir != "" {
		envs["PATH"] = `"$PATH"`
	}
	return envs
}
