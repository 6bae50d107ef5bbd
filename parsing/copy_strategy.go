package parsing

import (
	"fmt"
	"sort"
	"strings"

	"ospool-executor/fs"
)

// CopyStrategy renders the shell lines which stage a task's inputs into
// its working dir, using the paths the execution sandbox can see.
type CopyStrategy struct {
	Staged   *fs.StagedDirs
	Aliases  *fs.PathTable
	SharedFS bool
}

// SourcePath is the path a remote job should read src from.
func (c CopyStrategy) SourcePath(src string) string {
	if c.SharedFS {
		return src
	}
	return fs.Normalize(src, c.Staged.Table(), c.Aliases)
}

func (c CopyStrategy) StageInputFile(src, stageName string) string {
	return fmt.Sprintf(
		"rm -f %s\nln -s %s %s",
		ShellQuote(stageName), ShellQuote(c.SourcePath(src)), ShellQuote(stageName),
	)
}

// StageInputs renders every input, ordered by stage name.
func (c CopyStrategy) StageInputs(inputs map[string]string) []string {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, c.StageInputFile(inputs[name], name))
	}
	return lines
}

func ShellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '_' || r == '-' || r == '+' ||
			r == ':' || r == '=' || (r >= '0' && r <= '9') ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
