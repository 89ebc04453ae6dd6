package core

import (
	"fmt"
	"regexp"

	"github.com/flow-pin3d/runexp/pkg/api"
)

// Dedup drops repeated values, keeping the first occurrence of each.
func Dedup(xs []string) []string {
	seen := make(map[string]struct{}, len(xs))
	out := make([]string, 0, len(xs))
	for _, x := range xs {
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		out = append(out, x)
	}
	return out
}

// BuildMatrix expands flows × techs × cases, flow outermost and case
// innermost. techs and cases are deduplicated first.
func BuildMatrix(flows []api.Flow, techs, cases []string) []TaskIdentity {
	techs = Dedup(techs)
	cases = Dedup(cases)
	out := make([]TaskIdentity, 0, len(flows)*len(techs)*len(cases))
	for _, flow := range flows {
		for _, tech := range techs {
			for _, c := range cases {
				out = append(out, TaskIdentity{Flow: flow, Tech: tech, Case: c})
			}
		}
	}
	return out
}

// BuildTasks attaches the shared execution context to every identity.
func BuildTasks(ids []TaskIdentity, base RunConfig) []RunConfig {
	out := make([]RunConfig, len(ids))
	for i, id := range ids {
		cfg := base
		cfg.TaskIdentity = id
		out[i] = cfg
	}
	return out
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)

// ValidateName accepts plain directory names only. Technology and case names
// end up in local paths and in the remote shell command.
func ValidateName(kind, name string) error {
	if name == "." || name == ".." || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid %s name %q", ErrInvalidConfig, kind, name)
	}
	return nil
}
