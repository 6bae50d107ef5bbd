package parsing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrConfig = errors.New("invalid executor config")

type TriState int

const (
	TriAuto TriState = iota
	TriTrue
	TriFalse
)

// Resolve returns the explicit value, or auto when unset.
func (t TriState) Resolve(auto bool) bool {
	switch t {
	case TriTrue:
		return true
	case TriFalse:
		return false
	default:
		return auto
	}
}

func (t TriState) String() string {
	switch t {
	case TriTrue:
		return "true"
	case TriFalse:
		return "false"
	default:
		return "auto"
	}
}

func parseTriState(raw string) (TriState, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto":
		return TriAuto, nil
	case "true", "yes", "on":
		return TriTrue, nil
	case "false", "no", "off":
		return TriFalse, nil
	}
	return TriAuto, fmt.Errorf("invalid value %q: expected 'auto', true or false", raw)
}

func (t *TriState) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*t = TriTrue
		} else {
			*t = TriFalse
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid value %s: expected 'auto', true or false", data)
	}
	parsed, err := parseTriState(s)
	*t = parsed
	return err
}

func (t TriState) MarshalJSON() ([]byte, error) {
	switch t {
	case TriTrue:
		return []byte("true"), nil
	case TriFalse:
		return []byte("false"), nil
	}
	return []byte(`"auto"`), nil
}

func (t *TriState) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := parseTriState(node.Value)
	*t = parsed
	return err
}

// SshConfig describes an access point reached over ssh, used when
// condor commands are not run on the local host.
type SshConfig struct {
	IpAddr       string  `json:"ip_addr" yaml:"ip_addr"`
	User         string  `json:"user" yaml:"user"`
	TransferAddr string  `json:"transfer_addr" yaml:"transfer_addr"`
	CmdPrefix    *string `json:"cmd_prefix,omitempty" yaml:"cmd_prefix,omitempty"`
}

type ExecutorConfig struct {
	SharedFS       bool              `json:"shared_fs" yaml:"shared_fs"`
	SubmitFileBase string            `json:"submit_file_base" yaml:"submit_file_base"`
	PathAliases    map[string]string `json:"path_aliases,omitempty" yaml:"path_aliases,omitempty"`
	// Nil means auto-detect.
	StageDirs          []string   `json:"stage_dirs,omitempty" yaml:"stage_dirs,omitempty"`
	AccessiblePrefixes []string   `json:"accessible_prefixes,omitempty" yaml:"accessible_prefixes,omitempty"`
	StageBinDir        TriState   `json:"stage_bin_dir" yaml:"stage_bin_dir"`
	UnstageOutputs     TriState   `json:"unstage_outputs" yaml:"unstage_outputs"`
	GetEnv             *bool      `json:"getenv,omitempty" yaml:"getenv,omitempty"`
	MaxRetries         int        `json:"max_retries" yaml:"max_retries"`
	PollInterval       Duration   `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	ContainerEngine    string     `json:"container_engine,omitempty" yaml:"container_engine,omitempty"`
	SubmitHost         *SshConfig `json:"submit_host,omitempty" yaml:"submit_host,omitempty"`
}

const DefaultPollInterval = 15 * time.Second

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		PollInterval:    Duration(DefaultPollInterval),
		ContainerEngine: "apptainer",
	}
}

// InheritEnv reports whether submitted jobs get the submitter's env.
func (c ExecutorConfig) InheritEnv() bool {
	if c.GetEnv != nil {
		return *c.GetEnv
	}
	return c.SharedFS
}

func (c ExecutorConfig) ShouldStageBinDir() bool {
	return c.StageBinDir.Resolve(!c.SharedFS)
}

func (c ExecutorConfig) ShouldUnstageOutputs() bool {
	return c.UnstageOutputs.Resolve(!c.SharedFS)
}

func (c ExecutorConfig) Validate() error {
	var errorMessages []string

	if !c.SharedFS && strings.TrimSpace(c.SubmitFileBase) == "" {
		errorMessages = append(errorMessages,
			"'submit_file_base' is required when 'shared_fs' is false, since "+
				"condor_submit may not be run from the work dir; set it to a "+
				"directory outside restricted storage, e.g. "+
				"submit_file_base: /home/<user>/condor-submit",
		)
	}
	if c.SubmitFileBase != "" && !filepath.IsAbs(c.SubmitFileBase) {
		errorMessages = append(errorMessages, fmt.Sprintf(
			"'submit_file_base' must be an absolute path, got %q", c.SubmitFileBase,
		))
	}
	for src, dst := range c.PathAliases {
		if !filepath.IsAbs(src) || !filepath.IsAbs(dst) {
			errorMessages = append(errorMessages, fmt.Sprintf(
				"path alias %q -> %q must map absolute paths", src, dst,
			))
		}
	}
	if c.MaxRetries < 0 {
		errorMessages = append(errorMessages, fmt.Sprintf(
			"'max_retries' must be non-negative, got %d", c.MaxRetries,
		))
	}
	switch c.ContainerEngine {
	case "", "apptainer", "singularity", "docker":
	default:
		errorMessages = append(errorMessages, fmt.Sprintf(
			"invalid container engine '%s': must be one of 'apptainer', "+
				"'singularity', or 'docker'", c.ContainerEngine,
		))
	}
	if c.SubmitHost != nil {
		if c.SubmitHost.IpAddr == "" {
			errorMessages = append(errorMessages, "submit host missing required field 'ip_addr'")
		}
		if c.SubmitHost.User == "" {
			errorMessages = append(errorMessages, "submit host missing required field 'user'")
		}
	}

	if len(errorMessages) > 0 {
		return fmt.Errorf("%w:\n%s", ErrConfig, strings.Join(errorMessages, "\n"))
	}
	return nil
}

func isYamlFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ParseExecutorConfig decodes JSON, or YAML when isYaml is set, on top
// of the defaults and validates the result.
func ParseExecutorConfig(data []byte, isYaml bool) (ExecutorConfig, error) {
	config := DefaultExecutorConfig()
	var err error
	if isYaml {
		err = yaml.Unmarshal(data, &config)
	} else {
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return ExecutorConfig{}, fmt.Errorf("failed to parse executor config: %w", err)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = Duration(DefaultPollInterval)
	}
	if err := config.Validate(); err != nil {
		return ExecutorConfig{}, err
	}
	return config, nil
}

func ParseExecutorConfigFile(file string) (ExecutorConfig, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return ExecutorConfig{}, err
	}
	return ParseExecutorConfig(data, isYamlFile(file))
}
