package parsing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File names inside a task work dir.
const (
	CmdRun      = ".command.run"
	CmdScript   = ".command.sh"
	CmdOut      = ".command.out"
	CmdErr      = ".command.err"
	CmdExitCode = ".exitcode"
	CmdCondor   = ".command.condor"
	CondorLog   = ".condor.log"
)

type ResourceReqs struct {
	Cpus   int        `json:"cpus,omitempty" yaml:"cpus,omitempty"`
	Memory MemoryUnit `json:"memory,omitempty" yaml:"memory,omitempty"`
	Disk   MemoryUnit `json:"disk,omitempty" yaml:"disk,omitempty"`
	Time   Duration   `json:"time,omitempty" yaml:"time,omitempty"`
}

// ClusterOptions holds free-form submit directives. Exactly one of
// Literal or List is meaningful, depending on how the options arrived.
type ClusterOptions struct {
	Literal string
	List    []string
	isList  bool
}

func LiteralOptions(s string) ClusterOptions {
	return ClusterOptions{Literal: s}
}

func ListOptions(opts ...string) ClusterOptions {
	return ClusterOptions{List: opts, isList: true}
}

func (c ClusterOptions) IsList() bool { return c.isList }

// Fragments returns the options as individual directives. A literal is
// split on ';' and newlines with each fragment trimmed; a list is used
// as given.
func (c ClusterOptions) Fragments() []string {
	if c.isList {
		out := make([]string, len(c.List))
		copy(out, c.List)
		return out
	}
	out := make([]string, 0)
	for _, frag := range strings.FieldsFunc(c.Literal, func(r rune) bool {
		return r == ';' || r == '\n'
	}) {
		if trimmed := strings.TrimSpace(frag); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c *ClusterOptions) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*c = ListOptions(list...)
		return nil
	}
	var literal string
	if err := json.Unmarshal(data, &literal); err != nil {
		return fmt.Errorf("cluster options must be a string or list of strings, got %s", data)
	}
	*c = LiteralOptions(literal)
	return nil
}

func (c ClusterOptions) MarshalJSON() ([]byte, error) {
	if c.isList {
		return json.Marshal(c.List)
	}
	return json.Marshal(c.Literal)
}

func (c *ClusterOptions) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*c = ListOptions(list...)
	case yaml.ScalarNode:
		*c = LiteralOptions(node.Value)
	default:
		return fmt.Errorf("cluster options must be a string or list of strings (line %d)", node.Line)
	}
	return nil
}

// TaskRun is the part of a workflow task this executor needs. It is owned
// by the calling engine and treated as read-only here.
type TaskRun struct {
	Name           string            `json:"name" yaml:"name"`
	Hash           string            `json:"hash" yaml:"hash"`
	WorkDir        string            `json:"work_dir" yaml:"work_dir"`
	Script         string            `json:"script,omitempty" yaml:"script,omitempty"`
	Container      string            `json:"container,omitempty" yaml:"container,omitempty"`
	Resources      ResourceReqs      `json:"resources" yaml:"resources"`
	ClusterOptions ClusterOptions    `json:"cluster_options" yaml:"cluster_options"`
	InputFiles     map[string]string `json:"input_files,omitempty" yaml:"input_files,omitempty"`
	OutputFiles    []string          `json:"output_files,omitempty" yaml:"output_files,omitempty"`
	Secrets        []string          `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	Envs           map[string]string `json:"envs,omitempty" yaml:"envs,omitempty"`
}

func (t TaskRun) Validate() error {
	var errs []string
	if t.WorkDir == "" {
		errs = append(errs, "task is missing required field 'work_dir'")
	}
	if t.Resources.Cpus < 0 {
		errs = append(errs, fmt.Sprintf("task %s requests negative cpus", t.Name))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfig, strings.Join(errs, "; "))
	}
	return nil
}

func (t TaskRun) ScriptPath() string {
	return filepath.Join(t.WorkDir, CmdRun)
}

func ParseTaskFile(path string) (TaskRun, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TaskRun{}, err
	}
	var task TaskRun
	if isYamlFile(path) {
		err = yaml.Unmarshal(data, &task)
	} else {
		err = json.Unmarshal(data, &task)
	}
	if err != nil {
		return TaskRun{}, fmt.Errorf("failed to parse task %s: %w", path, err)
	}
	return task, task.Validate()
}
