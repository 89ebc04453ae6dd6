//go:build !windows

package core

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flow-pin3d/runexp/internal/process"
	"github.com/flow-pin3d/runexp/internal/remote"
	"github.com/flow-pin3d/runexp/internal/telemetry"
	"github.com/flow-pin3d/runexp/pkg/api"
)

type fixture struct {
	repo string
	logs LogLayout
	exec *Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	nop := zerolog.Nop()
	f := &fixture{repo: t.TempDir(), logs: LogLayout{Root: filepath.Join(t.TempDir(), "run_logs")}}
	f.exec = &Executor{
		Runner:  &process.Runner{Grace: 500 * time.Millisecond, Logger: &nop},
		Env:     os.Environ(),
		Logs:    f.logs,
		Host:    "testhost",
		Logger:  &nop,
		Metrics: telemetry.NewCollector(true),
	}
	return f
}

// script writes test/{tech}/{case}/{flow}/{stage}.sh under the repo.
func (f *fixture) script(t *testing.T, id TaskIdentity, stage api.Stage, body string) string {
	t.Helper()
	p := ScriptPath(f.repo, id, stage)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("#!/usr/bin/env bash\n"+body), 0o755))
	return p
}

func (f *fixture) task(id TaskIdentity) RunConfig {
	return RunConfig{TaskIdentity: id, RepoRoot: f.repo, Remote: RemoteSettings{EvalMode: api.EvalLocal}, DoRun: true, DoEval: true}
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func alive(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return true
	}
	fields := strings.Fields(string(stat))
	return len(fields) < 3 || fields[2] != "Z"
}

type fakeRemote struct {
	mu     sync.Mutex
	calls  []string
	logs   []string
	target []RemoteSettings
	err    error
}

func (r *fakeRemote) factory(s RemoteSettings) RemoteEval {
	r.mu.Lock()
	r.target = append(r.target, s)
	r.mu.Unlock()
	return r
}

func (r *fakeRemote) Run(_ context.Context, script, logPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, script)
	r.logs = append(r.logs, logPath)
	return r.err
}

func TestExecuteRunAndLocalEval(t *testing.T) {
	f := newFixture(t)
	id := TaskIdentity{Flow: api.FlowORD, Tech: "asap7_3D", Case: "gcd"}
	f.script(t, id, api.StageRun, "echo building in $PWD\n")
	f.script(t, id, api.StageEval, "echo scoring\n")

	out := f.exec.Execute(context.Background(), f.task(id))
	require.True(t, out.OK(), out.String())
	assert.Equal(t, "OK: ord/asap7_3D/gcd", out.String())
	assert.Equal(t, id, out.Task)

	assert.Contains(t, readLog(t, f.logs.Path(id, api.StageRun)), "building in "+f.repo)
	assert.Contains(t, readLog(t, f.logs.Path(id, api.StageEval)), "scoring")
}

func TestExecuteMissingRunScriptSkipsEval(t *testing.T) {
	f := newFixture(t)
	id := TaskIdentity{Flow: api.FlowCDS, Tech: "nangate45_3D", Case: "aes"}
	marker := filepath.Join(t.TempDir(), "eval-ran")
	f.script(t, id, api.StageEval, "touch "+marker+"\n")

	out := f.exec.Execute(context.Background(), f.task(id))
	assert.Equal(t, KindScriptNotFound, out.Kind)
	assert.Equal(t, api.StageRun, out.Stage)
	assert.ErrorIs(t, out.Err, ErrScriptNotFound)
	assert.Equal(t, ScriptPath(f.repo, id, api.StageRun), out.Script)
	assert.NoFileExists(t, marker)
}

func TestExecuteRunOnlyNeverEvaluates(t *testing.T) {
	f := newFixture(t)
	id := TaskIdentity{Flow: api.FlowORD, Tech: "t1", Case: "c1"}
	marker := filepath.Join(t.TempDir(), "eval-ran")
	f.script(t, id, api.StageRun, "true\n")
	f.script(t, id, api.StageEval, "touch "+marker+"\n")

	cfg := f.task(id)
	cfg.DoEval = false
	out := f.exec.Execute(context.Background(), cfg)
	require.True(t, out.OK(), out.String())
	assert.NoFileExists(t, marker)
	assert.NoFileExists(t, f.logs.Path(id, api.StageEval))
}

func TestExecuteEvalOnlyNeverRuns(t *testing.T) {
	f := newFixture(t)
	id := TaskIdentity{Flow: api.FlowCDS, Tech: "t1", Case: "c1"}
	marker := filepath.Join(t.TempDir(), "run-ran")
	f.script(t, id, api.StageRun, "touch "+marker+"\n")
	f.script(t, id, api.StageEval, "echo eval\n")

	cfg := f.task(id)
	cfg.DoRun = false
	out := f.exec.Execute(context.Background(), cfg)
	require.True(t, out.OK(), out.String())
	assert.NoFileExists(t, marker)
	assert.NoFileExists(t, f.logs.Path(id, api.StageRun))
}

func TestExecuteExitCodeIsCommandFailedWithLogPath(t *testing.T) {
	f := newFixture(t)
	id := TaskIdentity{Flow: api.FlowORD, Tech: "t1", Case: "c1"}
	f.script(t, id, api.StageRun, "echo fresh\nexit 3\n")

	logPath := f.logs.Path(id, api.StageRun)
	require.NoError(t, os.MkdirAll(filepath.Dir(logPath), 0o755))
	require.NoError(t, os.WriteFile(logPath, []byte("previous run output\n"), 0o644))

	out := f.exec.Execute(context.Background(), f.task(id))
	assert.Equal(t, KindCommandFailed, out.Kind)
	assert.Equal(t, logPath, out.LogPath)
	assert.Equal(t, "ERROR: run.sh failed (ord/t1/c1). See "+logPath, out.String())

	var cf *process.CommandFailedError
	require.ErrorAs(t, out.Err, &cf)
	assert.Equal(t, 3, cf.ExitCode)
	assert.Equal(t, "fresh\n", readLog(t, logPath))
}

func TestExecuteFailingRunRemovesStaleEvalLog(t *testing.T) {
	f := newFixture(t)
	id := TaskIdentity{Flow: api.FlowCDS, Tech: "t1", Case: "c1"}
	f.script(t, id, api.StageRun, "exit 1\n")
	f.script(t, id, api.StageEval, "echo never\n")

	evalLog := f.logs.Path(id, api.StageEval)
	require.NoError(t, os.MkdirAll(filepath.Dir(evalLog), 0o755))
	require.NoError(t, os.WriteFile(evalLog, []byte("old score\n"), 0o644))

	out := f.exec.Execute(context.Background(), f.task(id))
	assert.Equal(t, KindCommandFailed, out.Kind)
	assert.NoFileExists(t, evalLog)
}

func TestExecuteCDSMissingEvalScript(t *testing.T) {
	f := newFixture(t)
	id := TaskIdentity{Flow: api.FlowCDS, Tech: "t1", Case: "c1"}
	f.script(t, id, api.StageRun, "true\n")

	out := f.exec.Execute(context.Background(), f.task(id))
	assert.Equal(t, KindScriptNotFound, out.Kind)
	assert.Equal(t, api.StageEval, out.Stage)
	assert.Equal(t, "ERROR: eval.sh not found: "+ScriptPath(f.repo, id, api.StageEval), out.String())
}

func TestExecuteRemoteEvalUsesDerivedPath(t *testing.T) {
	f := newFixture(t)
	rem := &fakeRemote{}
	f.exec.NewRemote = rem.factory
	id := TaskIdentity{Flow: api.FlowORD, Tech: "asap7_3D", Case: "ibex"}
	f.script(t, id, api.StageRun, "true\n")
	f.script(t, id, api.StageEval, "echo must not run locally\nexit 9\n")

	cfg := f.task(id)
	cfg.Remote = RemoteSettings{User: "alice", Host: "eval01", ProjectDir: "/srv/flow", EvalMode: api.EvalRemote}
	out := f.exec.Execute(context.Background(), cfg)
	require.True(t, out.OK(), out.String())

	require.Equal(t, []string{"test/asap7_3D/ibex/ord/eval.sh"}, rem.calls)
	assert.Equal(t, []string{f.logs.Path(id, api.StageEval)}, rem.logs)
	assert.Equal(t, "eval01", rem.target[0].Host)
}

func TestExecuteRemoteEvalRequiresLocalScript(t *testing.T) {
	f := newFixture(t)
	rem := &fakeRemote{}
	f.exec.NewRemote = rem.factory
	id := TaskIdentity{Flow: api.FlowORD, Tech: "t1", Case: "c1"}
	f.script(t, id, api.StageRun, "true\n")

	cfg := f.task(id)
	cfg.Remote.EvalMode = api.EvalRemote
	out := f.exec.Execute(context.Background(), cfg)
	assert.Equal(t, KindScriptNotFound, out.Kind)
	assert.Contains(t, out.String(), "not found locally (for naming sanity)")
	assert.Empty(t, rem.calls)
}

func TestExecuteRemoteFailure(t *testing.T) {
	f := newFixture(t)
	rem := &fakeRemote{err: &remote.ExecutionError{
		Target: "alice@eval01",
		Err:    &process.CommandFailedError{Args: []string{"ssh"}, ExitCode: 2},
	}}
	f.exec.NewRemote = rem.factory
	id := TaskIdentity{Flow: api.FlowORD, Tech: "t1", Case: "c1"}
	f.script(t, id, api.StageRun, "true\n")
	f.script(t, id, api.StageEval, "true\n")

	cfg := f.task(id)
	cfg.Remote.EvalMode = api.EvalRemote
	out := f.exec.Execute(context.Background(), cfg)
	assert.Equal(t, KindRemoteExecutionFailed, out.Kind)
	assert.True(t, out.Remote)
	assert.Equal(t, "ERROR: remote eval.sh failed (ord/t1/c1). See "+f.logs.Path(id, api.StageEval), out.String())

	var cf *process.CommandFailedError
	assert.ErrorAs(t, out.Err, &cf)
}

func TestExecuteUnknownFlow(t *testing.T) {
	f := newFixture(t)
	var logs bytes.Buffer
	lg := zerolog.New(&logs)
	f.exec.Logger = &lg
	id := TaskIdentity{Flow: api.Flow("xyz"), Tech: "t1", Case: "c1"}
	out := f.exec.Execute(context.Background(), f.task(id))
	assert.Contains(t, logs.String(), `"message":"Start"`)
	assert.Contains(t, logs.String(), `"flow":"xyz"`)
	assert.Equal(t, KindUnknownFlow, out.Kind)
	assert.ErrorIs(t, out.Err, ErrUnknownFlow)
	assert.Equal(t, "ERROR: unknown flow=xyz", out.String())
	assert.NoDirExists(t, f.logs.Root)
}

func TestExecutePassesEnvironment(t *testing.T) {
	f := newFixture(t)
	f.exec.Env = MergeEnv(os.Environ(), map[string]string{"FLOW_TOKEN": "from-env-sh"})
	id := TaskIdentity{Flow: api.FlowCDS, Tech: "t1", Case: "c1"}
	f.script(t, id, api.StageRun, "echo token=$FLOW_TOKEN\n")

	cfg := f.task(id)
	cfg.DoEval = false
	out := f.exec.Execute(context.Background(), cfg)
	require.True(t, out.OK(), out.String())
	assert.Contains(t, readLog(t, f.logs.Path(id, api.StageRun)), "token=from-env-sh")
}

func TestExecuteCancelledIsInterrupted(t *testing.T) {
	f := newFixture(t)
	id := TaskIdentity{Flow: api.FlowORD, Tech: "t1", Case: "c1"}
	pidFile := filepath.Join(t.TempDir(), "pid")
	f.script(t, id, api.StageRun, "sleep 30 &\necho $! > "+pidFile+"\nwait\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan Outcome, 1)
	go func() { done <- f.exec.Execute(ctx, f.task(id)) }()

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(pidFile)
		return err == nil && strings.TrimSpace(string(data)) != ""
	}, 5*time.Second, 20*time.Millisecond)
	data, _ := os.ReadFile(pidFile)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)

	cancel()
	select {
	case out := <-done:
		assert.Equal(t, KindInterrupted, out.Kind)
		assert.True(t, errors.Is(out.Err, ErrInterrupted))
		assert.True(t, errors.Is(out.Err, process.ErrTerminated))
	case <-time.After(10 * time.Second):
		t.Fatal("executor did not return after cancel")
	}
	assert.Eventually(t, func() bool { return !alive(pid) }, 5*time.Second, 20*time.Millisecond)
}

func TestExecuteRecordsStageTimers(t *testing.T) {
	f := newFixture(t)
	id := TaskIdentity{Flow: api.FlowCDS, Tech: "t1", Case: "c1"}
	f.script(t, id, api.StageRun, "true\n")
	f.script(t, id, api.StageEval, "true\n")

	require.True(t, f.exec.Execute(context.Background(), f.task(id)).OK())
	names := map[string]int{}
	for _, m := range f.exec.Metrics.GetMetrics() {
		names[m.Name]++
	}
	assert.Equal(t, 2, names["stage_duration"])
	assert.Equal(t, 1, names["tasks_total"])
}
