package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flow-pin3d/runexp/internal/core"
	"github.com/flow-pin3d/runexp/pkg/api"
)

func newPlanCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the task matrix and log paths without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := resolveConfig(cmd.Context(), cmd, f)
			if err != nil {
				return err
			}
			tasks, err := cfg.Tasks()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			logs := cfg.LogLayout()
			for i, t := range tasks {
				fmt.Fprintf(out, "%3d  %-40s %s\n", i+1, t.TaskIdentity, t.Mode())
				for _, stage := range stagesOf(t) {
					where := "local"
					if stage == api.StageEval && t.Flow == api.FlowORD && t.Remote.EvalMode == api.EvalRemote {
						where = "remote " + t.Remote.User + "@" + t.Remote.Host
					}
					script := core.ScriptPath(cfg.RepoRoot, t.TaskIdentity, stage)
					mark := ""
					if _, err := os.Stat(script); err != nil {
						mark = " (missing)"
					}
					fmt.Fprintf(out, "     %-4s %-6s %s%s -> %s\n", stage, where, script, mark, logs.Path(t.TaskIdentity, stage))
				}
			}
			fmt.Fprintf(out, "%d tasks, %d workers\n", len(tasks), cfg.Jobs)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func stagesOf(t core.RunConfig) []api.Stage {
	var out []api.Stage
	if t.DoRun {
		out = append(out, api.StageRun)
	}
	if t.DoEval {
		out = append(out, api.StageEval)
	}
	return out
}
