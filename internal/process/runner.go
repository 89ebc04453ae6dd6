package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultGrace is how long a process group gets between SIGTERM and SIGKILL.
const DefaultGrace = 5 * time.Second

// Command describes one external invocation whose combined output goes to LogPath.
type Command struct {
	Args    []string
	Dir     string
	Env     []string
	LogPath string
}

func (c Command) String() string { return strings.Join(c.Args, " ") }

// CommandFailedError reports a nonzero exit status.
type CommandFailedError struct {
	Args     []string
	ExitCode int
	LogPath  string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command %q exited with code %d (log: %s)", strings.Join(e.Args, " "), e.ExitCode, e.LogPath)
}

// ErrTerminated is returned when a command was stopped because its context ended.
var ErrTerminated = errors.New("process terminated")

// Runner executes commands in their own process group.
type Runner struct {
	Grace  time.Duration
	Logger *zerolog.Logger
}

func (r *Runner) logger() *zerolog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return &log.Logger
}

func (r *Runner) grace() time.Duration {
	if r.Grace <= 0 {
		return DefaultGrace
	}
	return r.Grace
}

// OpenLog creates or truncates a log file, creating parent directories.
func OpenLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return f, nil
}

// Run executes c and returns nil only on a zero exit status. When ctx ends
// first, the whole process tree is terminated and the returned error wraps
// both ErrTerminated and ctx.Err().
func (r *Runner) Run(ctx context.Context, c Command) error {
	if len(c.Args) == 0 {
		return errors.New("process: empty command")
	}
	logFile, err := OpenLog(c.LogPath)
	if err != nil {
		return err
	}
	defer logFile.Close()
	return r.run(ctx, c, logFile, logFile)
}

// Output executes c with the same process-group handling as Run and returns
// its stdout. LogPath is ignored; stderr is appended to a failure's message.
func (r *Runner) Output(ctx context.Context, c Command) ([]byte, error) {
	if len(c.Args) == 0 {
		return nil, errors.New("process: empty command")
	}
	var stdout, stderr bytes.Buffer
	err := r.run(ctx, c, &stdout, &stderr)
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

func (r *Runner) run(ctx context.Context, c Command, stdout, stderr io.Writer) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w before start: %w", ErrTerminated, err)
	}

	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Pipes held open by a descendant that left the group must not block Wait.
	cmd.WaitDelay = r.grace()
	configureProcessTree(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.Args[0], err)
	}
	r.logger().Debug().Int("pid", cmd.Process.Pid).Str("cmd", c.String()).Str("log", c.LogPath).Msg("process started")

	waitErr := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		waitErr <- cmd.Wait()
		close(exited)
	}()

	select {
	case <-ctx.Done():
		r.logger().Warn().Int("pid", cmd.Process.Pid).Str("cmd", c.String()).Bool("group", SupportsProcessGroups).Msg("terminating process tree")
		TerminateProcessTree(cmd, r.grace(), exited)
		<-exited
		return fmt.Errorf("%s: %w: %w", filepath.Base(c.Args[0]), ErrTerminated, ctx.Err())
	case err := <-waitErr:
		if err == nil {
			return nil
		}
		if errors.Is(err, exec.ErrWaitDelay) {
			r.logger().Debug().Str("cmd", c.String()).Msg("output still held by a detached process")
			return nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &CommandFailedError{Args: c.Args, ExitCode: exitErr.ExitCode(), LogPath: c.LogPath}
		}
		return fmt.Errorf("wait %s: %w", c.Args[0], err)
	}
}
