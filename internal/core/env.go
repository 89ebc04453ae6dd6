package core

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/flow-pin3d/runexp/internal/process"
)

// envMarker separates anything the login profile or the script prints from
// the `env -0` dump.
const envMarker = "\x00__RUNEXP_ENV__\x00"

// LoadEnvScript sources a bash script in a login shell and returns the
// environment it leaves behind. A missing script yields an empty map. The
// calling process's environment is not modified. The script runs in its own
// process group, so cancelling ctx stops everything it started and the error
// wraps ErrInterrupted.
func LoadEnvScript(ctx context.Context, path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("stat env script: %w", err)
	}
	runner := &process.Runner{Grace: DefaultGrace, Logger: &log.Logger}
	out, err := runner.Output(ctx, process.Command{
		Args: []string{"bash", "-lc", `export FLOW_ENV_QUIET=1; source "$1"; printf '\0__RUNEXP_ENV__\0'; env -0`, "_", path},
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, process.ErrTerminated) {
			return nil, fmt.Errorf("%w: source %s: %w", ErrInterrupted, path, err)
		}
		return nil, fmt.Errorf("source %s: %w", path, err)
	}
	if i := bytes.LastIndex(out, []byte(envMarker)); i >= 0 {
		out = out[i+len(envMarker):]
	}
	return ParseEnvZ(out), nil
}

// ParseEnvZ parses NUL-separated KEY=VALUE records as printed by `env -0`.
func ParseEnvZ(data []byte) map[string]string {
	out := map[string]string{}
	for _, entry := range bytes.Split(data, []byte{0}) {
		if len(entry) == 0 {
			continue
		}
		k, v, _ := bytes.Cut(entry, []byte("="))
		if len(k) == 0 {
			continue
		}
		out[string(k)] = string(v)
	}
	return out
}

// LoadEnvFile reads a plain KEY=VALUE file. Lines starting with # are ignored.
func LoadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if k, v, ok := strings.Cut(line, "="); ok {
			out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read env file: %w", err)
	}
	return out, nil
}

// LoadBootstrapEnv picks the loader by extension: .env files are parsed,
// anything else is sourced with bash.
func LoadBootstrapEnv(ctx context.Context, path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	if strings.HasSuffix(path, ".env") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return LoadEnvFile(path)
	}
	return LoadEnvScript(ctx, path)
}

// MergeEnv overlays vars on base (KEY=VALUE entries) and returns a sorted
// environment slice suitable for exec.Cmd.Env.
func MergeEnv(base []string, vars map[string]string) []string {
	merged := make(map[string]string, len(base)+len(vars))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range vars {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Lookup returns a lookup function that consults vars before fallback.
func Lookup(vars map[string]string, fallback func(string) (string, bool)) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := vars[key]; ok {
			return v, true
		}
		if fallback != nil {
			return fallback(key)
		}
		return "", false
	}
}
