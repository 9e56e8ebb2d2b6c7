package app

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/lpmint/internal/errors"
	"github.com/ggonzalez94/lpmint/internal/execution"
	execsigner "github.com/ggonzalez94/lpmint/internal/execution/signer"
	"github.com/ggonzalez94/lpmint/internal/model"
	"github.com/ggonzalez94/lpmint/internal/plan"
	"github.com/ggonzalez94/lpmint/internal/planner"
	"github.com/ggonzalez94/lpmint/internal/poolcache"
)

func (s *runtimeState) newPoolCommand() *cobra.Command {
	root := &cobra.Command{Use: "pool", Short: "Pool commands"}

	var poolArg string
	var refresh bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Load pool state and the reference position to copy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entry, cacheStatus, err := s.loadPool(poolArg, refresh)
			if err != nil {
				return err
			}
			data := model.PoolInfo{Pool: entry.Pool, FetchedAt: entry.FetchedAt, Context: entry.Context}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheStatus, "")
		},
	}
	initCmd.Flags().StringVar(&poolArg, "pool", "", "Pool address")
	initCmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the pool cache")
	_ = initCmd.MarkFlagRequired("pool")

	root.AddCommand(initCmd)
	return root
}

// loadPool serves the pool context from the cache while fresh.
func (s *runtimeState) loadPool(pool string, refresh bool) (poolcache.Entry, model.CacheStatus, error) {
	pool = strings.TrimSpace(pool)
	if pool == "" {
		return poolcache.Entry{}, model.CacheStatus{}, clierr.New(clierr.CodeUsage, "--pool is required")
	}
	if err := s.ensurePoolCache(); err != nil {
		return poolcache.Entry{}, model.CacheStatus{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	entry, hit, err := s.poolCache.Load(ctx, pool, s.settings.PoolCacheTTL, refresh, func(ctx context.Context, pool string) (json.RawMessage, error) {
		return s.planner.InitPool(ctx, pool)
	})
	if err != nil {
		return poolcache.Entry{}, model.CacheStatus{}, err
	}
	status := model.CacheStatus{Status: "miss"}
	if hit {
		status = model.CacheStatus{Status: "hit", AgeMS: entry.Age.Milliseconds()}
	}
	s.logger.Debug("pool context loaded", zap.String("pool", pool), zap.String("cache", status.Status))
	return entry, status, nil
}

type planArgs struct {
	pool        string
	multiplier  float64
	slippageBps int
	refreshPool bool
}

func (a *planArgs) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&a.pool, "pool", "", "Pool address")
	cmd.Flags().Float64Var(&a.multiplier, "multiplier", 1, "Size relative to the reference position")
	cmd.Flags().IntVar(&a.slippageBps, "slippage-bps", 0, "Swap slippage tolerance in basis points (default from config)")
	cmd.Flags().BoolVar(&a.refreshPool, "refresh-pool", false, "Bypass the pool cache")
}

func (s *runtimeState) fetchPlan(args planArgs, wallet string) (execution.Session, plan.Plan, model.CacheStatus, error) {
	if args.multiplier <= 0 {
		return execution.Session{}, plan.Plan{}, model.CacheStatus{}, clierr.New(clierr.CodeUsage, "--multiplier must be positive")
	}
	slippage := args.slippageBps
	if slippage <= 0 {
		slippage = s.settings.SlippageBps
	}
	if slippage > s.settings.MaxSlippageBps {
		return execution.Session{}, plan.Plan{}, model.CacheStatus{}, clierr.New(clierr.CodeUsage, "--slippage-bps exceeds the configured maximum")
	}
	entry, cacheStatus, err := s.loadPool(args.pool, args.refreshPool)
	if err != nil {
		return execution.Session{}, plan.Plan{}, model.CacheStatus{}, err
	}
	sess := execution.Session{
		Wallet:      wallet,
		PoolContext: planner.PoolContext(entry.Context),
		Multiplier:  args.multiplier,
		SlippageBps: slippage,
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	p, err := s.planner.Replan(ctx, planner.Request{
		Wallet:      sess.Wallet,
		Multiplier:  sess.Multiplier,
		SlippageBps: sess.SlippageBps,
		Context:     sess.PoolContext,
	})
	if err != nil {
		return execution.Session{}, plan.Plan{}, model.CacheStatus{}, err
	}
	return sess, p, cacheStatus, nil
}

func (s *runtimeState) newPlanCommand() *cobra.Command {
	var args planArgs
	var walletArg, keySource, outPath string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Fetch a mint plan without signing anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wallet := strings.TrimSpace(walletArg)
			if wallet == "" {
				local, err := execsigner.NewLocalSignerFromEnv(keySource)
				if err != nil {
					return clierr.Wrap(clierr.CodeUsage, "--wallet is required when no local key is configured", err)
				}
				wallet = local.PublicKey()
			}
			sess, p, cacheStatus, err := s.fetchPlan(args, wallet)
			if err != nil {
				return err
			}
			warnings := p.Warnings()
			if msg := p.ErrorMessage(); msg != "" {
				warnings = append(warnings, "plan cannot be executed: "+msg)
			}
			if outPath != "" {
				file, err := newPlanFile(args.pool, sess, p)
				if err != nil {
					return err
				}
				if err := writePlanFile(outPath, file); err != nil {
					return err
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), planView(p), warnings, cacheStatus, "")
		},
	}
	args.register(cmd)
	cmd.Flags().StringVar(&walletArg, "wallet", "", "Wallet public key (defaults to the local signer)")
	cmd.Flags().StringVar(&keySource, "key-source", execsigner.KeySourceAuto, "Key source used to infer --wallet (auto|env|file)")
	cmd.Flags().StringVar(&outPath, "out", "", "Write the plan to this file for a later execute")
	_ = cmd.MarkFlagRequired("pool")
	return cmd
}

type planOutput struct {
	plan.Plan
	RequiresSwap bool   `json:"requires_swap"`
	HasError     bool   `json:"has_error"`
	Error        string `json:"error,omitempty"`
}

func planView(p plan.Plan) planOutput {
	return planOutput{Plan: p, RequiresSwap: p.RequiresSwap(), HasError: p.HasError(), Error: p.ErrorMessage()}
}

func (s *runtimeState) newRunCommand() *cobra.Command {
	var args planArgs
	var keySource string
	var yes bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Fetch a plan for the local signer and execute it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			txSigner, err := s.newExecutionSigner(keySource, yes)
			if err != nil {
				return err
			}
			sess, p, _, err := s.fetchPlan(args, txSigner.PublicKey())
			if err != nil {
				return err
			}
			output, warnings, err := s.execute(sess, p, txSigner)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), output, warnings, cacheMetaBypass(), output.RunID)
		},
	}
	args.register(cmd)
	cmd.Flags().StringVar(&keySource, "key-source", execsigner.KeySourceAuto, "Key source (auto|env|file)")
	cmd.Flags().BoolVar(&yes, "yes", false, "Sign without asking for each transaction")
	_ = cmd.MarkFlagRequired("pool")
	return cmd
}

func (s *runtimeState) newExecuteCommand() *cobra.Command {
	var planPath, keySource string
	var yes, keepPlan bool
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Execute a plan saved by plan --out",
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, p, err := readPlanFile(planPath)
			if err != nil {
				return err
			}
			txSigner, err := s.newExecutionSigner(keySource, yes)
			if err != nil {
				return err
			}
			sess := execution.Session{
				Wallet:      file.Wallet,
				PoolContext: planner.PoolContext(file.PoolContext),
				Multiplier:  file.Multiplier,
				SlippageBps: p.SlippageBps,
			}
			var warnings []string
			if age, known := p.Age(s.runner.now()); known && age > s.settings.BlockhashMaxAge {
				warnings = append(warnings, "plan is "+age.Truncate(time.Second).String()+" old; the mint will be refreshed before signing")
			}
			output, execWarnings, err := s.execute(sess, p, txSigner)
			warnings = append(warnings, execWarnings...)
			if err != nil {
				s.lastWarnings = warnings
				return err
			}
			if output.Status == string(execution.StatusPlanRefreshed) && !keepPlan {
				if refreshed, ok := output.RefreshedPlan.(*plan.Plan); ok && refreshed != nil {
					sess.SlippageBps = output.SlippageBps
					next, err := newPlanFile(file.Pool, sess, *refreshed)
					if err != nil {
						return err
					}
					if err := writePlanFile(planPath, next); err != nil {
						return err
					}
					warnings = append(warnings, "refreshed plan written to "+planPath)
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), output, warnings, cacheMetaBypass(), output.RunID)
		},
	}
	cmd.Flags().StringVar(&planPath, "plan-file", "", "Plan file written by plan --out")
	cmd.Flags().StringVar(&keySource, "key-source", execsigner.KeySourceAuto, "Key source (auto|env|file)")
	cmd.Flags().BoolVar(&yes, "yes", false, "Sign without asking for each transaction")
	cmd.Flags().BoolVar(&keepPlan, "keep-plan", false, "Do not overwrite the plan file with a refreshed plan")
	_ = cmd.MarkFlagRequired("plan-file")
	return cmd
}
