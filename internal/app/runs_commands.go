package app

import (
	"strings"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/lpmint/internal/errors"
)

func (s *runtimeState) newRunsCommand() *cobra.Command {
	root := &cobra.Command{Use: "runs", Short: "Execution journal commands"}

	var listStatus string
	var listLimit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled execution runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := s.ensureRunStore(); err != nil {
				return err
			}
			runs, err := s.runStore.List(strings.ToLower(strings.TrimSpace(listStatus)), listLimit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list runs", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), runs, nil, cacheMetaBypass(), "")
		},
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (running|completed|plan_refreshed|failed)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum runs to return")

	var showRunID string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show one execution run with its steps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runID := strings.TrimSpace(showRunID)
			if runID == "" {
				return clierr.New(clierr.CodeUsage, "--run-id is required")
			}
			if err := s.ensureRunStore(); err != nil {
				return err
			}
			run, err := s.runStore.Get(runID)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load run", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), run, nil, cacheMetaBypass(), run.RunID)
		},
	}
	showCmd.Flags().StringVar(&showRunID, "run-id", "", "Run identifier")

	root.AddCommand(listCmd)
	root.AddCommand(showCmd)
	return root
}
