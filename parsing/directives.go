package parsing

import (
	"fmt"
	"io"
	"path/filepath"
	"time"
)

// DirectiveOptions are the executor-wide inputs to BuildDirectives.
type DirectiveOptions struct {
	// Base dir for submit files and condor logs; empty means the task
	// work dir is used.
	SubmitFileBase string
	InheritEnv     bool
}

// bucketDir mirrors the last two levels of a task work dir (the
// "ab/abcdef123..." hash bucket) under base.
func bucketDir(base, workDir string) string {
	if base == "" {
		return workDir
	}
	clean := filepath.Clean(workDir)
	hash := filepath.Base(clean)
	prefix := filepath.Base(filepath.Dir(clean))
	return filepath.Join(base, prefix, hash)
}

// SubmitFilePath is where the submit description for a task is written.
func SubmitFilePath(base, workDir string) string {
	return filepath.Join(bucketDir(base, workDir), CmdCondor)
}

// CondorLogPath is the job event log condor writes for a task.
func CondorLogPath(base, workDir string) string {
	return filepath.Join(bucketDir(base, workDir), CondorLog)
}

func periodicRemove(limit time.Duration) string {
	return fmt.Sprintf(
		"periodic_remove = (RemoteWallClockTime - CumulativeSuspensionTime) > %d",
		int64(limit/time.Second),
	)
}

// BuildDirectives gives the submit description lines for a task. The
// order of the lines is stable; tooling reading generated descriptors
// relies on it.
func BuildDirectives(task TaskRun, opts DirectiveOptions) []string {
	result := make([]string, 0, 12)
	result = append(result, "universe = vanilla")
	result = append(result, fmt.Sprintf("executable = %s", task.ScriptPath()))
	result = append(result, fmt.Sprintf("log = %s", CondorLogPath(opts.SubmitFileBase, task.WorkDir)))

	if opts.InheritEnv {
		result = append(result, "getenv = true")
	}

	if task.Resources.Cpus > 1 {
		result = append(result, fmt.Sprintf("request_cpus = %d", task.Resources.Cpus))
		result = append(result, "machine_count = 1")
	}

	if task.Resources.Memory > 0 {
		result = append(result, fmt.Sprintf("request_memory = %s", task.Resources.Memory))
	}

	if task.Resources.Disk > 0 {
		result = append(result, fmt.Sprintf("request_disk = %s", task.Resources.Disk))
	}

	if limit := task.Resources.Time.Std(); limit > 0 {
		result = append(result, periodicRemove(limit))
	}

	result = append(result, task.ClusterOptions.Fragments()...)
	result = append(result, "queue")
	return result
}

func WriteSubmitFile(outStream io.Writer, directives []string) error {
	for _, line := range directives {
		if _, err := fmt.Fprintln(outStream, line); err != nil {
			return err
		}
	}
	return nil
}
