package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/flow-pin3d/runexp/internal/core"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs recorded with --history-db",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _ := cmd.Flags().GetString("db")
			limit, _ := cmd.Flags().GetInt("limit")
			if db == "" {
				cfg := core.DefaultConfig()
				cfgPath, _ := cmd.Flags().GetString("config")
				if err := core.LoadConfig(cfgPath, &cfg); err != nil {
					return fmt.Errorf("%w: %w", core.ErrInvalidConfig, err)
				}
				cfg.ApplyEnv(os.LookupEnv)
				db = cfg.HistoryDB
			}
			if db == "" {
				return fmt.Errorf("%w: no history database (use --db or RUNEXP_HISTORY_DB)", core.ErrInvalidConfig)
			}
			if _, err := os.Stat(db); errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("history database %s does not exist", db)
			}
			store, err := openHistory(cmd.Context(), db)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range runs {
				finished := "-"
				if !r.FinishedAt.IsZero() {
					finished = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
				}
				fmt.Fprintf(out, "%s  %s  %-11s ok=%d failed=%d cancelled=%d total=%d  %s  flows=%s jobs=%d\n",
					r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Status,
					r.Succeeded, r.Failed, r.Cancelled, r.Total, finished, strings.Join(r.Flows, ","), r.Jobs)
			}
			return nil
		},
	}
	cmd.Flags().String("db", "", "history database (default from config or RUNEXP_HISTORY_DB)")
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}
