package parsing

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"ospool-executor/fs"
)

// BindMount exposes Host inside the container at Cnt.
type BindMount struct {
	Host string
	Cnt  string
}

func (b BindMount) String() string {
	if b.Host == b.Cnt {
		return b.Host
	}
	return fmt.Sprintf("%s:%s", b.Host, b.Cnt)
}

// PlanMounts gives the bind mounts for a containerized task. Outside of
// shared-fs mode every input is rewritten the way the remote sandbox sees
// it, and each staged dir is also bound at its original path so the task
// can keep using the name it was written against.
func PlanMounts(
	inputs map[string]string, staged *fs.StagedDirs, aliases *fs.PathTable,
	sharedFS bool,
) []BindMount {
	inputDirs := make([]string, 0, len(inputs))
	for _, src := range inputs {
		if src == "" {
			continue
		}
		path := src
		if !sharedFS {
			path = fs.Normalize(src, staged.Table(), aliases)
		}
		inputDirs = append(inputDirs, filepath.Dir(path))
	}

	mounts := make([]BindMount, 0, len(inputDirs)+staged.Len())
	for _, dir := range collapseDirs(inputDirs) {
		mounts = append(mounts, BindMount{Host: dir, Cnt: dir})
	}
	if sharedFS {
		return mounts
	}
	for _, rec := range staged.Records() {
		mounts = append(mounts, BindMount{Host: rec.Staged, Cnt: rec.Original})
	}
	return mounts
}

// collapseDirs dedupes dirs and drops any dir nested under another one.
func collapseDirs(dirs []string) []string {
	sorted := make([]string, len(dirs))
	copy(sorted, dirs)
	sort.Strings(sorted)

	out := make([]string, 0, len(sorted))
	for _, dir := range sorted {
		if len(out) > 0 {
			last := out[len(out)-1]
			if dir == last || strings.HasPrefix(dir, last+"/") || last == "/" {
				continue
			}
		}
		out = append(out, dir)
	}
	return out
}

// FormContainerCmdPrefix renders the container invocation a task script
// is run under.
func FormContainerCmdPrefix(
	engine, image string, mounts []BindMount, envs map[string]string,
) string {
	var sb strings.Builder
	switch engine {
	case "docker":
		sb.WriteString("docker run -i --rm")
		for _, m := range mounts {
			fmt.Fprintf(&sb, " -v %s:%s", m.Host, m.Cnt)
		}
		for _, k := range sortedKeys(envs) {
			fmt.Fprintf(&sb, " -e %s=%s", k, envs[k])
		}
		// The run dir may be the condor scratch dir rather than a bound one.
		sb.WriteString(` -v "$PWD":"$PWD" -w "$PWD"`)
	default:
		if engine == "" {
			engine = "apptainer"
		}
		fmt.Fprintf(&sb, "%s exec --no-home --pid --cleanenv", engine)
		for _, m := range mounts {
			fmt.Fprintf(&sb, " -B %s", m)
		}
		for _, k := range sortedKeys(envs) {
			fmt.Fprintf(&sb, " --env %s=%s", k, envs[k])
		}
	}
	fmt.Fprintf(&sb, " %s", image)
	return sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
