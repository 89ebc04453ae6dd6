// Package remote runs an eval script on another host, writing the session's
// combined output to a local log file exactly like a local stage.
package remote

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/flow-pin3d/runexp/internal/process"
	gssh "github.com/flow-pin3d/runexp/internal/ssh"
	"github.com/flow-pin3d/runexp/pkg/api"
)

// ErrScriptNotFound is returned by the native preflight when the eval
// script is absent on the remote host.
var ErrScriptNotFound = errors.New("remote script not found")

// ExecutionError wraps any failure of the remote stage.
type ExecutionError struct {
	Target string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("remote execution on %s: %v", e.Target, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

type Target struct {
	User       string
	Host       string
	Port       int
	ProjectDir string
	// SSHOptions are extra ssh(1) arguments, only honored by the exec transport.
	SSHOptions string
}

func (t Target) String() string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

// Bridge executes remote commands over one of two transports.
type Bridge struct {
	Target    Target
	Transport api.Transport

	// Runner, Dir and Env drive the local ssh binary for the exec transport.
	Runner *process.Runner
	Dir    string
	Env    []string

	// Client is the native transport's connection template; Addr and User
	// are filled from Target when empty.
	Client    *gssh.Client
	Preflight bool

	Logger *zerolog.Logger
}

func (b *Bridge) logger() *zerolog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return &log.Logger
}

// BuildCommand returns the strict-mode shell snippet run on the remote host.
// script is relative to projectDir. A leading "~" or "~/" in projectDir
// expands to the remote user's home; the rest is always quoted.
func BuildCommand(projectDir, script string) string {
	return strings.Join([]string{
		"set -euo pipefail",
		"cd " + quoteDir(projectDir),
		`echo "[remote] CWD=$PWD"`,
		shellquote.Join("bash", script),
	}, "; ")
}

func quoteDir(dir string) string {
	switch {
	case dir == "~":
		return "~"
	case strings.HasPrefix(dir, "~/"):
		rest := strings.TrimPrefix(dir, "~/")
		if rest == "" {
			return "~/"
		}
		return "~/" + shellquote.Join(rest)
	default:
		return shellquote.Join(dir)
	}
}

// sftpPath resolves script for the SFTP preflight, whose relative paths
// start at the remote user's home.
func sftpPath(projectDir, script string) string {
	switch {
	case projectDir == "~":
		return script
	case strings.HasPrefix(projectDir, "~/"):
		return path.Join(strings.TrimPrefix(projectDir, "~/"), script)
	default:
		return path.Join(projectDir, script)
	}
}

// SSHArgs builds the argv for the exec transport.
func (b *Bridge) SSHArgs(remoteCmd string) ([]string, error) {
	args := []string{"ssh"}
	if b.Target.SSHOptions != "" {
		opts, err := shellquote.Split(b.Target.SSHOptions)
		if err != nil {
			return nil, fmt.Errorf("parse ssh options %q: %w", b.Target.SSHOptions, err)
		}
		args = append(args, opts...)
	}
	if b.Target.Port > 0 {
		args = append(args, "-p", fmt.Sprint(b.Target.Port))
	}
	args = append(args, "-t", b.Target.String(), shellquote.Join("bash", "-lc", remoteCmd))
	return args, nil
}

// Run executes script (relative to the remote project dir) and writes the
// combined output to logPath. A nonzero remote exit is reported as an
// *ExecutionError wrapping *process.CommandFailedError.
func (b *Bridge) Run(ctx context.Context, script, logPath string) error {
	remoteCmd := BuildCommand(b.Target.ProjectDir, script)
	b.logger().Debug().Str("target", b.Target.String()).Str("transport", string(b.Transport)).Str("cmd", remoteCmd).Msg("remote eval")

	var err error
	switch b.Transport {
	case api.TransportNative:
		err = b.runNative(ctx, script, remoteCmd, logPath)
	case api.TransportExec, "":
		err = b.runExec(ctx, remoteCmd, logPath)
	default:
		err = fmt.Errorf("unknown transport %q", b.Transport)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, process.ErrTerminated) || errors.Is(err, context.Canceled) {
		return err
	}
	return &ExecutionError{Target: b.Target.String(), Err: err}
}

func (b *Bridge) runExec(ctx context.Context, remoteCmd, logPath string) error {
	args, err := b.SSHArgs(remoteCmd)
	if err != nil {
		return err
	}
	runner := b.Runner
	if runner == nil {
		runner = &process.Runner{Logger: b.Logger}
	}
	return runner.Run(ctx, process.Command{Args: args, Dir: b.Dir, Env: b.Env, LogPath: logPath})
}

func (b *Bridge) runNative(ctx context.Context, script, remoteCmd, logPath string) error {
	if b.Client == nil {
		return errors.New("native transport requires an ssh client")
	}
	logFile, err := process.OpenLog(logPath)
	if err != nil {
		return err
	}
	defer logFile.Close()

	c := *b.Client
	if c.Addr == "" {
		port := b.Target.Port
		if port == 0 {
			port = 22
		}
		c.Addr = fmt.Sprintf("%s:%d", b.Target.Host, port)
	}
	if c.User == "" {
		c.User = b.Target.User
	}

	cli, err := gssh.Dial(ctx, &c)
	if err != nil {
		fmt.Fprintf(logFile, "[runexp] ssh connect to %s failed: %v\n", b.Target, err)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", process.ErrTerminated, ctx.Err())
		}
		return err
	}
	defer cli.Close()

	if b.Preflight {
		full := sftpPath(b.Target.ProjectDir, script)
		ok, err := gssh.RemoteFileExists(ctx, cli, full)
		if err != nil {
			fmt.Fprintf(logFile, "[runexp] preflight stat %s failed: %v\n", full, err)
			return err
		}
		if !ok {
			fmt.Fprintf(logFile, "[runexp] %s not found on %s\n", full, b.Target)
			return fmt.Errorf("%w: %s", ErrScriptNotFound, full)
		}
	}

	command := shellquote.Join("bash", "-lc", remoteCmd)
	err = gssh.RunSession(ctx, cli, command, logFile, c.RequestPTY)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", process.ErrTerminated, ctx.Err())
	}
	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		return &process.CommandFailedError{
			Args:     []string{"ssh", b.Target.String(), command},
			ExitCode: exitErr.ExitStatus(),
			LogPath:  logPath,
		}
	}
	return err
}
