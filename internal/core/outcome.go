package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/flow-pin3d/runexp/pkg/api"
)

var (
	ErrScriptNotFound = errors.New("script not found")
	ErrUnknownFlow    = errors.New("unknown flow")
	ErrInterrupted    = errors.New("interrupted")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Kind classifies a task outcome.
type Kind string

const (
	KindOK                    Kind = "ok"
	KindScriptNotFound        Kind = "script-not-found"
	KindCommandFailed         Kind = "command-failed"
	KindRemoteExecutionFailed Kind = "remote-execution-failed"
	KindUnknownFlow           Kind = "unknown-flow"
	KindInterrupted           Kind = "interrupted"
	KindInternal              Kind = "internal-error"
)

// Outcome is the result of one task. Failures point at the log or script
// the user should inspect.
type Outcome struct {
	Task     TaskIdentity
	Kind     Kind
	Stage    api.Stage
	Remote   bool
	Script   string
	LogPath  string
	Err      error
	Duration time.Duration
}

func (o Outcome) OK() bool { return o.Kind == KindOK }

func (o Outcome) String() string {
	switch o.Kind {
	case KindOK:
		return fmt.Sprintf("OK: %s", o.Task)
	case KindScriptNotFound:
		if o.Remote {
			return fmt.Sprintf("ERROR: eval.sh not found on remote host: %s", o.Script)
		}
		if o.Task.Flow == api.FlowORD && o.Stage == api.StageEval {
			return fmt.Sprintf("ERROR: eval.sh not found locally (for naming sanity): %s", o.Script)
		}
		return fmt.Sprintf("ERROR: %s.sh not found: %s", o.Stage, o.Script)
	case KindCommandFailed:
		return fmt.Sprintf("ERROR: %s.sh failed (%s). See %s", o.Stage, o.Task, o.LogPath)
	case KindRemoteExecutionFailed:
		return fmt.Sprintf("ERROR: remote eval.sh failed (%s). See %s", o.Task, o.LogPath)
	case KindUnknownFlow:
		return fmt.Sprintf("ERROR: unknown flow=%s", o.Task.Flow)
	case KindInterrupted:
		return fmt.Sprintf("INTERRUPTED: %s during %s stage", o.Task, o.Stage)
	default:
		return fmt.Sprintf("ERROR: %s: %v", o.Task, o.Err)
	}
}
