package api

// v0 contains the public enums shared by the CLI and the orchestration core.

// Flow names one of the experiment pipelines.
type Flow string

const (
	FlowORD Flow = "ord"
	FlowCDS Flow = "cds"
)

// AllFlows is the expansion of --flow=all, in dispatch order.
var AllFlows = []Flow{FlowORD, FlowCDS}

type Stage string

const (
	StageRun  Stage = "run"
	StageEval Stage = "eval"
)

// EvalMode selects where the ORD eval stage executes.
type EvalMode string

const (
	EvalLocal  EvalMode = "local"
	EvalRemote EvalMode = "remote"
)

// Transport selects how remote eval reaches the host.
type Transport string

const (
	TransportExec   Transport = "exec"
	TransportNative Transport = "native"
)

type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunInterrupted RunStatus = "interrupted"
	RunFailed      RunStatus = "failed"
)
