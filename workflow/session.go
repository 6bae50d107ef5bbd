package workflow

import "strings"

// Session is the part of the workflow engine's run session the executor
// reads.
type Session interface {
	// Root under which task work dirs and staged copies live.
	BaseDir() string
	ProjectDir() string
	LaunchDir() string
	// Empty when the project has no bin dir.
	BinDir() string
}

type SecretsProvider interface {
	Enabled() bool
	Dir() string
}

// StaticSession is a fixed Session and SecretsProvider, filled in from
// command line flags.
type StaticSession struct {
	Base       string `json:"base_dir" yaml:"base_dir"`
	Project    string `json:"project_dir" yaml:"project_dir"`
	Launch     string `json:"launch_dir" yaml:"launch_dir"`
	Bin        string `json:"bin_dir,omitempty" yaml:"bin_dir,omitempty"`
	SecretsDir string `json:"secrets_dir,omitempty" yaml:"secrets_dir,omitempty"`
}

func (s StaticSession) BaseDir() string    { return s.Base }
func (s StaticSession) ProjectDir() string { return s.Project }
func (s StaticSession) LaunchDir() string  { return s.Launch }
func (s StaticSession) BinDir() string     { return s.Bin }

func (s StaticSession) Enabled() bool { return s.SecretsDir != "" }
func (s StaticSession) Dir() string   { return s.SecretsDir }

// ResolveDirTokens substitutes ${projectDir} and ${launchDir} in raw.
// Nothing else is expanded.
func ResolveDirTokens(raw string, session Session) string {
	return strings.NewReplacer(
		"${projectDir}", session.ProjectDir(),
		"${launchDir}", session.LaunchDir(),
	).Replace(raw)
}
