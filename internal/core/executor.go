package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/flow-pin3d/runexp/internal/process"
	"github.com/flow-pin3d/runexp/internal/remote"
	"github.com/flow-pin3d/runexp/internal/telemetry"
	"github.com/flow-pin3d/runexp/pkg/api"
)

// StageRunner runs one local stage command.
type StageRunner interface {
	Run(ctx context.Context, c process.Command) error
}

// RemoteEval runs an eval script on another host. script is relative to the
// remote project directory.
type RemoteEval interface {
	Run(ctx context.Context, script, logPath string) error
}

// Executor runs the stages of a single task and never returns an error:
// every failure becomes an Outcome.
type Executor struct {
	Runner StageRunner
	// NewRemote builds the bridge for a task's remote settings. Required
	// only when some task evaluates remotely.
	NewRemote func(RemoteSettings) RemoteEval
	// Env is the complete child environment, already merged with the
	// bootstrap script.
	Env     []string
	Logs    LogLayout
	Host    string
	Logger  *zerolog.Logger
	Metrics *telemetry.Collector
}

func (e *Executor) logger() *zerolog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return &log.Logger
}

// taskLogger prefers the logger attached to ctx, which carries the
// task's position in the run.
func (e *Executor) taskLogger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return e.logger()
}

func (e *Executor) host() string {
	if e.Host != "" {
		return e.Host
	}
	h, _ := os.Hostname()
	return h
}

// Execute sequences the run and eval stages of cfg.
func (e *Executor) Execute(ctx context.Context, cfg RunConfig) Outcome {
	start := time.Now()
	out := e.execute(ctx, cfg)
	out.Task = cfg.TaskIdentity
	out.Duration = time.Since(start)
	e.Metrics.Counter("tasks_total", 1, map[string]string{"flow": string(cfg.Flow), "kind": string(out.Kind)})
	return out
}

func (e *Executor) execute(ctx context.Context, cfg RunConfig) Outcome {
	lg := e.taskLogger(ctx).With().
		Str("flow", string(cfg.Flow)).
		Str("tech", cfg.Tech).
		Str("case", cfg.Case).
		Logger()
	lg.Info().Str("mode", cfg.Mode()).Str("host", e.host()).Msg("Start")

	switch cfg.Flow {
	case api.FlowORD, api.FlowCDS:
	default:
		return Outcome{Kind: KindUnknownFlow, Err: fmt.Errorf("%w: %q", ErrUnknownFlow, cfg.Flow)}
	}

	e.removeStaleLogs(cfg)

	if cfg.DoRun {
		if out, ok := e.runLocal(ctx, cfg, api.StageRun); !ok {
			return out
		}
	}
	if !cfg.DoEval {
		return Outcome{Kind: KindOK}
	}

	if cfg.Flow == api.FlowCDS {
		out, _ := e.runLocal(ctx, cfg, api.StageEval)
		return out
	}

	// ord: the local eval script must exist even when it runs remotely.
	script := ScriptPath(cfg.RepoRoot, cfg.TaskIdentity, api.StageEval)
	logPath := e.Logs.Path(cfg.TaskIdentity, api.StageEval)
	if cfg.Remote.EvalMode != api.EvalRemote {
		out, _ := e.runLocal(ctx, cfg, api.StageEval)
		return out
	}
	if err := truncate(logPath); err != nil {
		return Outcome{Kind: KindInternal, Stage: api.StageEval, LogPath: logPath, Err: err}
	}
	if !exists(script) {
		return Outcome{Kind: KindScriptNotFound, Stage: api.StageEval, Script: script, LogPath: logPath, Err: ErrScriptNotFound}
	}
	if e.NewRemote == nil {
		return Outcome{Kind: KindInternal, Stage: api.StageEval, Remote: true, LogPath: logPath, Err: errors.New("remote eval requested but no bridge configured")}
	}
	lg.Debug().Str("target", cfg.Remote.User+"@"+cfg.Remote.Host).Msg("remote eval")
	started := time.Now()
	err := e.NewRemote(cfg.Remote).Run(ctx, RemoteScriptPath(cfg.TaskIdentity), logPath)
	e.Metrics.Timer("stage_duration", time.Since(started), map[string]string{"stage": "eval", "where": "remote"})
	return classify(ctx, err, Outcome{Stage: api.StageEval, Remote: true, Script: RemoteScriptPath(cfg.TaskIdentity), LogPath: logPath})
}

// runLocal truncates the stage log, checks the script and runs it with bash
// from the repository root. ok reports whether the next stage may start.
func (e *Executor) runLocal(ctx context.Context, cfg RunConfig, stage api.Stage) (Outcome, bool) {
	script := ScriptPath(cfg.RepoRoot, cfg.TaskIdentity, stage)
	logPath := e.Logs.Path(cfg.TaskIdentity, stage)
	base := Outcome{Stage: stage, Script: script, LogPath: logPath}

	if err := truncate(logPath); err != nil {
		base.Kind, base.Err = KindInternal, err
		return base, false
	}
	if !exists(script) {
		base.Kind, base.Err = KindScriptNotFound, ErrScriptNotFound
		return base, false
	}
	started := time.Now()
	err := e.Runner.Run(ctx, process.Command{
		Args:    []string{"bash", script},
		Dir:     cfg.RepoRoot,
		Env:     e.Env,
		LogPath: logPath,
	})
	e.Metrics.Timer("stage_duration", time.Since(started), map[string]string{"stage": string(stage), "where": "local"})
	out := classify(ctx, err, base)
	return out, out.OK()
}

func classify(ctx context.Context, err error, out Outcome) Outcome {
	out.Err = err
	var remoteErr *remote.ExecutionError
	switch {
	case err == nil:
		out.Kind = KindOK
	case errors.Is(err, process.ErrTerminated) || ctx.Err() != nil:
		out.Kind = KindInterrupted
		out.Err = fmt.Errorf("%w: %w", ErrInterrupted, err)
	case errors.Is(err, remote.ErrScriptNotFound):
		out.Kind = KindScriptNotFound
	case errors.As(err, &remoteErr):
		out.Kind = KindRemoteExecutionFailed
	default:
		out.Kind = KindCommandFailed
	}
	return out
}

// removeStaleLogs deletes the logs of the requested stages so a previous
// run's eval log never survives a failing run stage.
func (e *Executor) removeStaleLogs(cfg RunConfig) {
	var stages []api.Stage
	if cfg.DoRun {
		stages = append(stages, api.StageRun)
	}
	if cfg.DoEval {
		stages = append(stages, api.StageEval)
	}
	for _, s := range stages {
		p := e.Logs.Path(cfg.TaskIdentity, s)
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.logger().Warn().Err(err).Str("path", p).Msg("remove stale log")
		}
	}
}

func truncate(path string) error {
	f, err := process.OpenLog(path)
	if err != nil {
		return err
	}
	return f.Close()
}

func exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
