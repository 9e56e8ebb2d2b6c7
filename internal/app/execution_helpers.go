package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ggonzalez94/lpmint/internal/config"
	clierr "github.com/ggonzalez94/lpmint/internal/errors"
	"github.com/ggonzalez94/lpmint/internal/execution"
	execsigner "github.com/ggonzalez94/lpmint/internal/execution/signer"
	"github.com/ggonzalez94/lpmint/internal/model"
	"github.com/ggonzalez94/lpmint/internal/plan"
	"github.com/ggonzalez94/lpmint/internal/solana"
)

func dialSolana(ctx context.Context, settings config.Settings) (execution.Transport, func(), error) {
	client, err := solana.Dial(ctx, settings.RPCURL, settings.RPCRequestsPerSec)
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "connect to solana rpc", err)
	}
	return client, client.Close, nil
}

// newExecutionSigner loads the local key and, unless yes is set, asks on the
// terminal before each signature.
func (s *runtimeState) newExecutionSigner(keySource string, yes bool) (execsigner.Signer, error) {
	local, err := execsigner.NewLocalSignerFromEnv(keySource)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "load signer", err)
	}
	if yes {
		return local, nil
	}
	return execsigner.NewPromptSigner(local, s.runner.stdin, s.runner.stderr), nil
}

func (s *runtimeState) newEngine() (*execution.Engine, error) {
	if err := s.ensureRunStore(); err != nil {
		return nil, err
	}
	opts := execution.DefaultOptions()
	opts.MaxSlippageBps = s.settings.MaxSlippageBps
	opts.PollInterval = s.settings.PollInterval
	opts.ConfirmTimeout = s.settings.ConfirmTimeout
	opts.BlockhashMaxAge = s.settings.BlockhashMaxAge
	opts.SessionLockDir = s.settings.SessionLockDir
	return execution.NewEngine(s.planner, s.runStore, s.logger, s.metrics, opts), nil
}

// execute runs p and turns the result into command output. Execution is
// bounded by the engine's own confirmation timeouts, not by --timeout; an
// interrupt cancels it.
func (s *runtimeState) execute(sess execution.Session, p plan.Plan, txSigner execsigner.Signer) (model.ExecutionOutput, []string, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	engine, err := s.newEngine()
	if err != nil {
		return model.ExecutionOutput{}, nil, err
	}
	transport, release, err := s.runner.dial(ctx, s.settings)
	if err != nil {
		return model.ExecutionOutput{}, nil, err
	}
	defer release()

	res, err := engine.Execute(ctx, sess, p, txSigner, transport)
	output := executionOutput(res, txSigner.PublicKey())
	var warnings []string
	if res.Status == execution.StatusPlanRefreshed && res.Plan != nil {
		warnings = append(warnings, fmt.Sprintf("plan refreshed at %d bps; review it and execute again", res.SlippageBps))
		warnings = append(warnings, res.Plan.Warnings()...)
	}
	if err != nil {
		if res.RunID != "" {
			s.lastData = output
		}
		if clierr.Is(err, clierr.CodeActionTimeout) {
			warnings = append(warnings, "check the signature on an explorer before retrying; re-executing the same plan will not resend a landed transaction")
		}
		s.lastWarnings = warnings
		return output, warnings, err
	}
	s.logger.Info("execution result",
		zap.String("run_id", res.RunID),
		zap.String("status", string(res.Status)),
		zap.String("tx_id", res.TxID()),
	)
	return output, warnings, nil
}

func executionOutput(res execution.Result, wallet string) model.ExecutionOutput {
	output := model.ExecutionOutput{
		RunID:        res.RunID,
		Status:       string(res.Status),
		State:        string(res.State),
		Wallet:       wallet,
		TxID:         res.TxID(),
		MintTxID:     res.MintTxID,
		SwapTxIDs:    res.SwapTxIDs,
		SlippageBps:  res.SlippageBps,
		FailureClass: string(res.FailureClass),
		Error:        res.Error,
	}
	if res.Plan != nil {
		output.RefreshedPlan = res.Plan
	}
	return output
}

func writePlanFile(path string, file model.PlanFile) error {
	buf, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode plan file", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return clierr.Wrap(clierr.CodeInternal, "create plan file directory", err)
		}
	}
	if err := os.WriteFile(path, append(buf, '\n'), 0o600); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "write plan file", err)
	}
	return nil
}

func readPlanFile(path string) (model.PlanFile, plan.Plan, error) {
	if strings.TrimSpace(path) == "" {
		return model.PlanFile{}, plan.Plan{}, clierr.New(clierr.CodeUsage, "--plan-file is required")
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return model.PlanFile{}, plan.Plan{}, clierr.Wrap(clierr.CodeUsage, "read plan file", err)
	}
	var file model.PlanFile
	if err := json.Unmarshal(buf, &file); err != nil {
		return model.PlanFile{}, plan.Plan{}, clierr.Wrap(clierr.CodeUsage, "decode plan file", err)
	}
	if len(file.Plan) == 0 {
		return model.PlanFile{}, plan.Plan{}, clierr.New(clierr.CodeUsage, "plan file carries no plan")
	}
	var p plan.Plan
	if err := json.Unmarshal(file.Plan, &p); err != nil {
		return model.PlanFile{}, plan.Plan{}, clierr.Wrap(clierr.CodeUsage, "decode plan", err)
	}
	if len(file.PoolContext) == 0 {
		return model.PlanFile{}, plan.Plan{}, clierr.New(clierr.CodeUsage, "plan file carries no pool context; replanning would be impossible")
	}
	return file, p, nil
}

func newPlanFile(pool string, sess execution.Session, p plan.Plan) (model.PlanFile, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return model.PlanFile{}, clierr.Wrap(clierr.CodeInternal, "encode plan", err)
	}
	return model.PlanFile{
		Pool:        pool,
		Wallet:      sess.Wallet,
		Multiplier:  sess.Multiplier,
		PoolContext: json.RawMessage(sess.PoolContext),
		Plan:        raw,
	}, nil
}
