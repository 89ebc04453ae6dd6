package core

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/flow-pin3d/runexp/pkg/api"
)

// TaskIdentity names one (flow, technology, case) combination.
type TaskIdentity struct {
	Flow api.Flow
	Tech string
	Case string
}

func (t TaskIdentity) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Flow, t.Tech, t.Case)
}

// RemoteSettings describes where the ORD eval stage may run.
type RemoteSettings struct {
	User       string
	Host       string
	ProjectDir string
	EvalMode   api.EvalMode
	SSHOptions string
}

// RunConfig is the per-task execution context. It is built once by
// BuildTasks and passed by value; nothing mutates it afterwards.
type RunConfig struct {
	TaskIdentity
	RepoRoot string
	Remote   RemoteSettings
	DoRun    bool
	DoEval   bool
}

// Mode is the human label of the requested stages.
func (c RunConfig) Mode() string {
	switch {
	case c.DoRun && !c.DoEval:
		return "run-only"
	case c.DoEval && !c.DoRun:
		return "eval-only"
	default:
		return "run+eval"
	}
}

// DefaultLogRoot is relative to the orchestrator's working directory.
const DefaultLogRoot = "run_logs"

// LogLayout derives log file paths: {root}/{tech}/{flow}/{stage}/{case}_{stage}.log
type LogLayout struct {
	Root string
}

func (l LogLayout) Path(id TaskIdentity, stage api.Stage) string {
	root := l.Root
	if root == "" {
		root = DefaultLogRoot
	}
	return filepath.Join(root, id.Tech, string(id.Flow), string(stage), fmt.Sprintf("%s_%s.log", id.Case, stage))
}

// ScriptPath is {repoRoot}/test/{tech}/{case}/{flow}/{stage}.sh on the local host.
func ScriptPath(repoRoot string, id TaskIdentity, stage api.Stage) string {
	return filepath.Join(repoRoot, "test", id.Tech, id.Case, string(id.Flow), string(stage)+".sh")
}

// RemoteScriptPath is the eval script relative to the remote project dir.
// It is built from the identity only, never from a local path.
func RemoteScriptPath(id TaskIdentity) string {
	return path.Join("test", id.Tech, id.Case, string(id.Flow), "eval.sh")
}
