package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flow-pin3d/runexp/pkg/api"
)

var (
	DefaultTechs = []string{"asap7_3D", "nangate45_3D", "asap7_nangate45_3D"}
	DefaultCases = []string{"gcd", "aes", "jpeg", "ibex"}
)

const (
	DefaultJobs  = 10
	DefaultGrace = 5 * time.Second
)

// RemoteConfig holds the ORD eval host settings.
type RemoteConfig struct {
	User           string `yaml:"user"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ProjectDir     string `yaml:"project_dir"`
	EvalMode       string `yaml:"eval_mode"`
	SSHOptions     string `yaml:"ssh_opts"`
	Transport      string `yaml:"transport"`
	IdentityFile   string `yaml:"identity_file"`
	KnownHosts     string `yaml:"known_hosts"`
	Preflight      bool   `yaml:"preflight"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Retries        int    `yaml:"retries"`
}

// Config is the resolved run configuration.
type Config struct {
	RepoRoot     string       `yaml:"repo_root"`
	Flow         string       `yaml:"flow"`
	Techs        []string     `yaml:"techs"`
	Cases        []string     `yaml:"cases"`
	Jobs         int          `yaml:"jobs"`
	LogDir       string       `yaml:"log_dir"`
	EnvScript    string       `yaml:"env_script"`
	GraceSeconds int          `yaml:"grace_seconds"`
	HistoryDB    string       `yaml:"history_db"`
	Remote       RemoteConfig `yaml:"remote"`

	RunOnly  bool `yaml:"-"`
	EvalOnly bool `yaml:"-"`
	// PartitionMode mirrors CDS_PARTITION_MODE; it is only reported.
	PartitionMode string `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		Flow:         "all",
		Techs:        append([]string(nil), DefaultTechs...),
		Cases:        append([]string(nil), DefaultCases...),
		Jobs:         DefaultJobs,
		LogDir:       DefaultLogRoot,
		GraceSeconds: int(DefaultGrace / time.Second),
		Remote: RemoteConfig{
			EvalMode:       string(api.EvalLocal),
			Transport:      string(api.TransportExec),
			TimeoutSeconds: 30,
			Retries:        2,
		},
		PartitionMode: "docker",
	}
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/runexp/config.yaml or ~/.config/runexp/config.yaml.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "runexp", "config.yaml")
}

// LoadConfig overlays YAML from path onto cfg. An empty path tries the
// default location and ignores its absence; an explicit path must exist.
func LoadConfig(path string, cfg *Config) error {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overlays the recognised environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("FLOW_HOME"); ok && v != "" {
		c.RepoRoot = v
	}
	if v, ok := lookup("ORD_EVAL_REMOTE_USER"); ok && v != "" {
		c.Remote.User = v
	}
	if v, ok := lookup("ORD_EVAL_REMOTE_HOST"); ok && v != "" {
		c.Remote.Host = v
	}
	if v, ok := lookup("ORD_EVAL_REMOTE_PROJECT_DIR"); ok && v != "" {
		c.Remote.ProjectDir = v
	}
	if v, ok := lookup("ORD_EVAL_MODE"); ok {
		// An unrecognised value falls back to local instead of failing.
		switch mode := api.EvalMode(strings.ToLower(strings.TrimSpace(v))); mode {
		case api.EvalLocal, api.EvalRemote:
			c.Remote.EvalMode = string(mode)
		default:
			c.Remote.EvalMode = string(api.EvalLocal)
		}
	}
	if v, ok := lookup("ORD_EVAL_SSH_OPTS"); ok {
		c.Remote.SSHOptions = v
	}
	if v, ok := lookup("ORD_EVAL_TRANSPORT"); ok && v != "" {
		c.Remote.Transport = strings.ToLower(v)
	}
	if v, ok := lookup("CDS_PARTITION_MODE"); ok && v != "" {
		c.PartitionMode = v
	}
	if v, ok := lookup("RUNEXP_HISTORY_DB"); ok {
		c.HistoryDB = v
	}
}

// Finalize fills values derived from other settings: an absolute repo root,
// the env script, and the remote host/user/project dir.
func (c *Config) Finalize() error {
	if c.RepoRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("working directory: %w", err)
		}
		c.RepoRoot = wd
	}
	abs, err := filepath.Abs(c.RepoRoot)
	if err != nil {
		return fmt.Errorf("repo root: %w", err)
	}
	c.RepoRoot = abs
	if c.EnvScript == "" {
		c.EnvScript = filepath.Join(c.RepoRoot, "env.sh")
	}
	if c.Remote.Host == "" {
		if h, err := os.Hostname(); err == nil {
			c.Remote.Host = h
		}
	}
	if c.Remote.User == "" {
		if u, err := user.Current(); err == nil {
			c.Remote.User = u.Username
		}
	}
	if c.Remote.ProjectDir == "" {
		c.Remote.ProjectDir = c.RepoRoot
	}
	c.Techs = Dedup(c.Techs)
	c.Cases = Dedup(c.Cases)
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if _, err := c.Flows(); err != nil {
		errs = append(errs, err)
	}
	if c.Jobs < 1 {
		errs = append(errs, fmt.Errorf("%w: jobs must be at least 1, got %d", ErrInvalidConfig, c.Jobs))
	}
	if c.RunOnly && c.EvalOnly {
		errs = append(errs, fmt.Errorf("%w: run-only and eval-only are mutually exclusive", ErrInvalidConfig))
	}
	switch api.EvalMode(c.Remote.EvalMode) {
	case api.EvalLocal, api.EvalRemote:
	default:
		errs = append(errs, fmt.Errorf("%w: eval mode must be local or remote, got %q", ErrInvalidConfig, c.Remote.EvalMode))
	}
	switch api.Transport(c.Remote.Transport) {
	case api.TransportExec, api.TransportNative:
	default:
		errs = append(errs, fmt.Errorf("%w: transport must be exec or native, got %q", ErrInvalidConfig, c.Remote.Transport))
	}
	for _, t := range c.Techs {
		if err := ValidateName("technology", t); err != nil {
			errs = append(errs, err)
		}
	}
	for _, cs := range c.Cases {
		if err := ValidateName("case", cs); err != nil {
			errs = append(errs, err)
		}
	}
	if api.EvalMode(c.Remote.EvalMode) == api.EvalRemote && c.Remote.Host == "" {
		errs = append(errs, fmt.Errorf("%w: remote eval requires a host", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// Flows expands the flow selector.
func (c Config) Flows() ([]api.Flow, error) {
	switch c.Flow {
	case "all", "":
		return append([]api.Flow(nil), api.AllFlows...), nil
	case string(api.FlowORD), string(api.FlowCDS):
		return []api.Flow{api.Flow(c.Flow)}, nil
	default:
		return nil, fmt.Errorf("%w: flow must be ord, cds or all, got %q", ErrInvalidConfig, c.Flow)
	}
}

// Stages reports which stages run; both default to true.
func (c Config) Stages() (doRun, doEval bool) {
	return !c.EvalOnly, !c.RunOnly
}

func (c Config) Grace() time.Duration {
	if c.GraceSeconds <= 0 {
		return DefaultGrace
	}
	return time.Duration(c.GraceSeconds) * time.Second
}

func (c Config) LogLayout() LogLayout { return LogLayout{Root: c.LogDir} }

// Tasks builds the dispatch list.
func (c Config) Tasks() ([]RunConfig, error) {
	flows, err := c.Flows()
	if err != nil {
		return nil, err
	}
	doRun, doEval := c.Stages()
	base := RunConfig{
		RepoRoot: c.RepoRoot,
		Remote: RemoteSettings{
			User:       c.Remote.User,
			Host:       c.Remote.Host,
			ProjectDir: c.Remote.ProjectDir,
			EvalMode:   api.EvalMode(c.Remote.EvalMode),
			SSHOptions: c.Remote.SSHOptions,
		},
		DoRun:  doRun,
		DoEval: doEval,
	}
	return BuildTasks(BuildMatrix(flows, c.Techs, c.Cases), base), nil
}
