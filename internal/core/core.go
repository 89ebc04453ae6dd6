package core

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/flow-pin3d/runexp/internal/history"
	"github.com/flow-pin3d/runexp/internal/telemetry"
	"github.com/flow-pin3d/runexp/pkg/api"
)

// History records run-level summaries.
type History interface {
	Begin(ctx context.Context, r history.Run) error
	Finish(ctx context.Context, r history.Run) error
}

// Orchestrator expands the task matrix from Config and runs it on a Pool.
type Orchestrator struct {
	Config   Config
	Executor *Executor
	History  History
	Metrics  *telemetry.Collector
	Logger   *zerolog.Logger
}

func NewOrchestrator(cfg Config, exec *Executor) *Orchestrator {
	return &Orchestrator{Config: cfg, Executor: exec}
}

func (o *Orchestrator) logger() *zerolog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return &log.Logger
}

// Run executes every task and logs a summary. Task failures are reported
// but never returned; the only error besides a bad configuration is
// ErrInterrupted.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	cfg := o.Config
	tasks, err := cfg.Tasks()
	if err != nil {
		return Summary{}, err
	}
	flows, _ := cfg.Flows()
	doRun, doEval := cfg.Stages()

	runID := uuid.NewString()
	lg := o.logger().With().Str("run_id", runID).Logger()
	lg.Info().
		Str("repo_root", cfg.RepoRoot).
		Strs("techs", cfg.Techs).
		Strs("cases", cfg.Cases).
		Str("flow", cfg.Flow).
		Int("jobs", cfg.Jobs).
		Str("stages", RunConfig{DoRun: doRun, DoEval: doEval}.Mode()).
		Int("tasks", len(tasks)).
		Str("cds_partition_mode", cfg.PartitionMode).
		Str("ord_eval_mode", cfg.Remote.EvalMode).
		Msg("runexp starting")

	rec := history.Run{
		ID:        runID,
		StartedAt: time.Now(),
		RepoRoot:  cfg.RepoRoot,
		Flows:     flowNames(flows),
		Techs:     cfg.Techs,
		Cases:     cfg.Cases,
		Jobs:      cfg.Jobs,
		Total:     len(tasks),
	}
	if o.History != nil {
		if err := o.History.Begin(ctx, rec); err != nil {
			lg.Warn().Err(err).Msg("history: record run start")
		}
	}

	exec := o.Executor
	if exec.Metrics == nil {
		exec.Metrics = o.Metrics
	}
	pool := &Pool{Workers: cfg.Jobs, Logger: &lg}
	sum := pool.Run(ctx, tasks, exec.Execute, func(out Outcome) {
		reportOutcome(&lg, out)
	})

	failed := sum.Failed()
	ev := lg.Info()
	if sum.Interrupted {
		ev = lg.Warn()
	}
	ev.Int("ok", sum.Succeeded()).
		Int("failed", len(failed)).
		Int("interrupted", sum.InterruptedTasks()).
		Int("cancelled", len(sum.Cancelled)).
		Int("total", sum.Total).
		Dur("elapsed", time.Since(rec.StartedAt)).
		Msg("Summary")
	for _, f := range failed {
		lg.Warn().Str("log", f.LogPath).Msg(f.String())
	}

	if o.History != nil {
		rec.FinishedAt = time.Now()
		rec.Succeeded = sum.Succeeded()
		rec.Failed = len(failed)
		rec.Cancelled = len(sum.Cancelled) + sum.InterruptedTasks()
		rec.Status = runStatus(sum)
		if err := o.History.Finish(context.WithoutCancel(ctx), rec); err != nil {
			lg.Warn().Err(err).Msg("history: record run end")
		}
	}
	o.Metrics.Counter("runs_total", 1, map[string]string{"status": string(runStatus(sum))})
	o.Metrics.Flush(lg)

	if sum.Interrupted {
		return sum, ErrInterrupted
	}
	return sum, nil
}

func reportOutcome(lg *zerolog.Logger, out Outcome) {
	ev := lg.Info()
	if !out.OK() {
		ev = lg.Error()
		if out.Err != nil {
			ev = ev.AnErr("cause", out.Err)
		}
	}
	ev.Str("flow", string(out.Task.Flow)).
		Str("tech", out.Task.Tech).
		Str("case", out.Task.Case).
		Dur("elapsed", out.Duration).
		Msg(out.String())
}

func runStatus(sum Summary) api.RunStatus {
	switch {
	case sum.Interrupted:
		return api.RunInterrupted
	case len(sum.Failed()) > 0:
		return api.RunFailed
	default:
		return api.RunCompleted
	}
}

func flowNames(flows []api.Flow) []string {
	out := make([]string, len(flows))
	for i, f := range flows {
		out[i] = string(f)
	}
	return out
}
