package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/flow-pin3d/runexp/internal/core"
	"github.com/flow-pin3d/runexp/internal/history"
	"github.com/flow-pin3d/runexp/internal/process"
	"github.com/flow-pin3d/runexp/internal/remote"
	gssh "github.com/flow-pin3d/runexp/internal/ssh"
	"github.com/flow-pin3d/runexp/internal/telemetry"
	"github.com/flow-pin3d/runexp/pkg/api"
)

// runFlags holds the flag values shared by run and plan. Only flags the user
// set override the config file and environment.
type runFlags struct {
	flow        string
	techs       []string
	cases       []string
	jobs        int
	runOnly     bool
	evalOnly    bool
	remoteUser  string
	remoteHost  string
	remoteDir   string
	evalMode    string
	sshOpts     string
	transport   string
	repoRoot    string
	logDir      string
	envScript   string
	historyDB   string
	graceSecond int
	metrics     bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.flow, "flow", "all", "flow to run: ord, cds or all")
	fl.StringArrayVar(&f.techs, "tech", nil, "technology (repeatable; default: preset list)")
	fl.StringArrayVar(&f.cases, "case", nil, "test case (repeatable; default: preset list)")
	fl.IntVarP(&f.jobs, "jobs", "j", core.DefaultJobs, "number of parallel workers")
	fl.BoolVar(&f.runOnly, "run-only", false, "only run the run stage")
	fl.BoolVar(&f.evalOnly, "eval-only", false, "only run the eval stage")
	cmd.MarkFlagsMutuallyExclusive("run-only", "eval-only")
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if err := cmd.ValidateFlagGroups(); err != nil {
			return fmt.Errorf("%w: %w", core.ErrInvalidConfig, err)
		}
		return nil
	}
	fl.StringVar(&f.remoteUser, "remote-user", "", "remote user for ORD eval")
	fl.StringVar(&f.remoteHost, "remote-host", "", "remote host for ORD eval")
	fl.StringVar(&f.remoteDir, "remote-project-dir", "", "project directory on the remote host")
	fl.StringVar(&f.evalMode, "ord-eval-mode", "", "where ORD eval runs: local or remote")
	fl.StringVar(&f.sshOpts, "ord-eval-ssh-opts", "", "extra ssh options for remote eval")
	fl.StringVar(&f.transport, "transport", "", "remote transport: exec (ssh binary) or native")
	fl.StringVar(&f.repoRoot, "repo-root", "", "repository root (default $FLOW_HOME or the working directory)")
	fl.StringVar(&f.logDir, "log-dir", core.DefaultLogRoot, "log root directory")
	fl.StringVar(&f.envScript, "env-script", "", "environment script sourced before the run (default <repo-root>/env.sh)")
	fl.StringVar(&f.historyDB, "history-db", "", "SQLite file recording run summaries")
	fl.IntVar(&f.graceSecond, "grace", int(core.DefaultGrace/time.Second), "seconds between SIGTERM and SIGKILL on interrupt")
	fl.BoolVar(&f.metrics, "metrics", false, "log stage timing metrics at debug level after the run")
}

func (f *runFlags) apply(cmd *cobra.Command, cfg *core.Config) {
	changed := cmd.Flags().Changed
	if changed("flow") {
		cfg.Flow = f.flow
	}
	if changed("tech") {
		cfg.Techs = f.techs
	}
	if changed("case") {
		cfg.Cases = f.cases
	}
	if changed("jobs") {
		cfg.Jobs = f.jobs
	}
	cfg.RunOnly = f.runOnly
	cfg.EvalOnly = f.evalOnly
	if changed("remote-user") {
		cfg.Remote.User = f.remoteUser
	}
	if changed("remote-host") {
		cfg.Remote.Host = f.remoteHost
	}
	if changed("remote-project-dir") {
		cfg.Remote.ProjectDir = f.remoteDir
	}
	if changed("ord-eval-mode") {
		cfg.Remote.EvalMode = f.evalMode
	}
	if changed("ord-eval-ssh-opts") {
		cfg.Remote.SSHOptions = f.sshOpts
	}
	if changed("transport") {
		cfg.Remote.Transport = f.transport
	}
	if changed("repo-root") {
		cfg.RepoRoot = f.repoRoot
	}
	if changed("log-dir") {
		cfg.LogDir = f.logDir
	}
	if changed("env-script") {
		cfg.EnvScript = f.envScript
	}
	if changed("history-db") {
		cfg.HistoryDB = f.historyDB
	}
	if changed("grace") {
		cfg.GraceSeconds = f.graceSecond
	}
}

// resolveConfig layers defaults, the config file, the environment (process
// environment overlaid with the bootstrap script) and flags. It returns the
// bootstrap variables so children see the same environment.
func resolveConfig(ctx context.Context, cmd *cobra.Command, f *runFlags) (core.Config, map[string]string, error) {
	cfg := core.DefaultConfig()
	cfgPath, _ := cmd.Flags().GetString("config")
	if err := core.LoadConfig(cfgPath, &cfg); err != nil {
		return cfg, nil, fmt.Errorf("%w: %w", core.ErrInvalidConfig, err)
	}

	// The bootstrap script location depends on the repo root, which may
	// itself come from the environment or a flag.
	boot := cfg
	boot.ApplyEnv(os.LookupEnv)
	f.apply(cmd, &boot)
	if err := boot.Finalize(); err != nil {
		return cfg, nil, err
	}
	vars, err := core.LoadBootstrapEnv(ctx, boot.EnvScript)
	if err != nil {
		return cfg, nil, fmt.Errorf("environment bootstrap: %w", err)
	}

	cfg.ApplyEnv(core.Lookup(vars, os.LookupEnv))
	f.apply(cmd, &cfg)
	cfg.EnvScript = boot.EnvScript
	if err := cfg.Finalize(); err != nil {
		return cfg, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	return cfg, vars, nil
}

// nativeClient builds the connection template for the native transport.
func nativeClient(rc core.RemoteConfig) (*gssh.Client, error) {
	home, _ := os.UserHomeDir()
	identities := gssh.DefaultIdentityFiles(home)
	if rc.IdentityFile != "" {
		identities = []string{rc.IdentityFile}
	}
	signer, err := gssh.LoadFirstSigner(identities)
	if err != nil {
		return nil, err
	}
	khPath := rc.KnownHosts
	if khPath == "" {
		khPath = gssh.DefaultKnownHostsFile(home)
	}
	hostKeys, err := gssh.LoadKnownHostsCallback(khPath)
	if err != nil {
		return nil, err
	}
	return &gssh.Client{
		Signer:     signer,
		KnownHosts: hostKeys,
		Timeout:    time.Duration(rc.TimeoutSeconds) * time.Second,
		Retries:    rc.Retries,
		Backoff:    time.Second,
	}, nil
}

func newExecutor(cfg core.Config, env []string, metrics *telemetry.Collector) (*core.Executor, error) {
	runner := &process.Runner{Grace: cfg.Grace(), Logger: &log.Logger}
	exec := &core.Executor{
		Runner:  runner,
		Env:     env,
		Logs:    cfg.LogLayout(),
		Logger:  &log.Logger,
		Metrics: metrics,
	}
	if api.EvalMode(cfg.Remote.EvalMode) != api.EvalRemote {
		return exec, nil
	}
	var client *gssh.Client
	if api.Transport(cfg.Remote.Transport) == api.TransportNative {
		c, err := nativeClient(cfg.Remote)
		if err != nil {
			return nil, fmt.Errorf("%w: native transport: %w", core.ErrInvalidConfig, err)
		}
		client = c
	}
	exec.NewRemote = func(s core.RemoteSettings) core.RemoteEval {
		return &remote.Bridge{
			Target: remote.Target{
				User:       s.User,
				Host:       s.Host,
				Port:       cfg.Remote.Port,
				ProjectDir: s.ProjectDir,
				SSHOptions: s.SSHOptions,
			},
			Transport: api.Transport(cfg.Remote.Transport),
			Runner:    runner,
			Dir:       cfg.RepoRoot,
			Env:       env,
			Client:    client,
			Preflight: cfg.Remote.Preflight,
			Logger:    &log.Logger,
		}
	}
	return exec, nil
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the experiment matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := &core.SignalCoordinator{Logger: &log.Logger}
			ctx, stop := sc.Watch(cmd.Context())
			defer stop()

			err := runMatrix(ctx, cmd, f)
			if err != nil && sc.Interrupted() && !errors.Is(err, core.ErrInterrupted) {
				return fmt.Errorf("%w: %w", core.ErrInterrupted, err)
			}
			return err
		},
	}
	f.register(cmd)
	return cmd
}

func runMatrix(ctx context.Context, cmd *cobra.Command, f *runFlags) error {
	cfg, vars, err := resolveConfig(ctx, cmd, f)
	if err != nil {
		return err
	}
	metrics := telemetry.NewCollector(f.metrics)
	exec, err := newExecutor(cfg, core.MergeEnv(os.Environ(), vars), metrics)
	if err != nil {
		return err
	}
	o := core.NewOrchestrator(cfg, exec)
	o.Logger = &log.Logger
	o.Metrics = metrics

	if cfg.HistoryDB != "" {
		if store, err := openHistory(ctx, cfg.HistoryDB); err != nil {
			log.Warn().Err(err).Str("db", cfg.HistoryDB).Msg("history disabled")
		} else {
			defer store.Close()
			o.History = store
		}
	}

	_, err = o.Run(ctx)
	return err
}

func openHistory(ctx context.Context, path string) (*history.Store, error) {
	store, err := history.NewStore(path)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
