package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/lpmint/internal/errors"
	"github.com/ggonzalez94/lpmint/internal/execution/signer"
	"github.com/ggonzalez94/lpmint/internal/metrics"
	"github.com/ggonzalez94/lpmint/internal/plan"
	"github.com/ggonzalez94/lpmint/internal/planner"
	"github.com/ggonzalez94/lpmint/internal/solana"
)

// JupiterSlippageErrorCode is SlippageToleranceExceeded in the Jupiter
// aggregator program.
const JupiterSlippageErrorCode uint32 = 0x1771

type Options struct {
	MaxSlippageBps  int
	PollInterval    time.Duration
	ConfirmTimeout  time.Duration
	BlockhashMaxAge time.Duration
	// SlippageErrorCodes are custom program errors read as a slippage rejection.
	SlippageErrorCodes []uint32
	SessionLockDir     string
}

func DefaultOptions() Options {
	return Options{
		MaxSlippageBps:     500,
		PollInterval:       2 * time.Second,
		ConfirmTimeout:     90 * time.Second,
		BlockhashMaxAge:    60 * time.Second,
		SlippageErrorCodes: []uint32{JupiterSlippageErrorCode},
	}
}

type Engine struct {
	replanner Replanner
	store     *Store
	logger    *zap.Logger
	metrics   *metrics.Recorder
	opts      Options
	now       func() time.Time
	locks     *sessionLocks
}

// NewEngine wires an engine. store, logger and rec may be nil.
func NewEngine(replanner Replanner, store *Store, logger *zap.Logger, rec *metrics.Recorder, opts Options) *Engine {
	defaults := DefaultOptions()
	if opts.MaxSlippageBps <= 0 {
		opts.MaxSlippageBps = defaults.MaxSlippageBps
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaults.ConfirmTimeout
	}
	if opts.BlockhashMaxAge <= 0 {
		opts.BlockhashMaxAge = defaults.BlockhashMaxAge
	}
	if len(opts.SlippageErrorCodes) == 0 {
		opts.SlippageErrorCodes = defaults.SlippageErrorCodes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		replanner: replanner,
		store:     store,
		logger:    logger.Named("execution"),
		metrics:   rec,
		opts:      opts,
		now:       time.Now,
		locks:     newSessionLocks(opts.SessionLockDir),
	}
}

// attempt is the per-call bookkeeping. It lives for one Execute call.
type attempt struct {
	run         RunRecord
	session     Session
	slippageBps int
	nextSwap    int
	replanned   bool
	swapped     bool
	lastFailure FailureClass
	swapTxIDs   []string
	mintTxID    string
}

// Execute drives p to completion: swaps in order, then the mint. It never
// resubmits after a replan; a plan_refreshed result hands the new plan back
// to the caller for a fresh confirmation.
func (e *Engine) Execute(ctx context.Context, sess Session, p plan.Plan, txSigner signer.Signer, transport Transport) (Result, error) {
	if txSigner == nil {
		return rejected(clierr.New(clierr.CodeSigner, "missing signer"))
	}
	wallet := strings.TrimSpace(txSigner.PublicKey())
	if wallet == "" {
		return rejected(clierr.New(clierr.CodeSigner, "signer is not connected"))
	}
	if strings.TrimSpace(sess.Wallet) == "" {
		sess.Wallet = wallet
	}
	if sess.Wallet != wallet {
		return rejected(clierr.New(clierr.CodeSigner, fmt.Sprintf("signer %s does not match session wallet %s", wallet, sess.Wallet)))
	}
	if transport == nil {
		return rejected(clierr.New(clierr.CodeInternal, "missing transport"))
	}
	if p.HasError() {
		return rejected(clierr.New(clierr.CodeActionPlan, p.ErrorMessage()))
	}
	if err := p.Validate(); err != nil {
		return rejected(clierr.Wrap(clierr.CodeActionPlan, "invalid plan", err))
	}

	release, err := e.locks.acquire(wallet)
	if err != nil {
		return rejected(err)
	}
	defer release()

	a := e.newAttempt(sess, p)
	e.logger.Info("execution started",
		zap.String("run_id", a.run.RunID),
		zap.String("wallet", wallet),
		zap.Int("swaps", len(p.Swaps)),
		zap.Bool("can_mint", p.CanMint),
		zap.Int("slippage_bps", a.slippageBps),
	)
	e.save(a)

	result, err := e.run(ctx, a, p, txSigner, transport)
	return e.finish(a, result, err)
}

func rejected(err error) (Result, error) {
	return Result{
		Status:       StatusFailed,
		State:        StateIdle,
		FailureClass: Classify(err),
		Error:        err.Error(),
	}, err
}

func (e *Engine) newAttempt(sess Session, p plan.Plan) *attempt {
	slippage := p.SlippageBps
	if slippage <= 0 {
		slippage = sess.SlippageBps
	}
	if slippage <= 0 {
		slippage = plan.DefaultSlippageBps
	}
	sess.SlippageBps = slippage
	a := &attempt{
		run:         NewRunRecord(NewRunID(), sess.Wallet, slippage, e.now()),
		session:     sess,
		slippageBps: slippage,
	}
	if buf, err := json.Marshal(p.Summary); err == nil {
		a.run.Summary = buf
	}
	return a
}

func (e *Engine) run(ctx context.Context, a *attempt, p plan.Plan, txSigner signer.Signer, transport Transport) (Result, error) {
	swaps := append([]plan.SwapStep(nil), p.Swaps...)
	for a.nextSwap < len(swaps) {
		i := a.nextSwap
		swap := swaps[i]
		e.transition(a, StateSigningSwap)

		payload, err := swap.Payload()
		if err != nil {
			return Result{}, clierr.Wrap(clierr.CodeActionPlan, fmt.Sprintf("decode swap %d", i+1), err)
		}
		step := a.addStep(StepKindSwap, i, swap.Description)
		label := fmt.Sprintf("swap %d/%d", i+1, len(swaps))
		if swap.Description != "" {
			label += ": " + swap.Description
		}
		sig, err := e.submit(ctx, a, step, label, payload, txSigner, transport)
		if err != nil {
			if clierr.Is(err, clierr.CodeSlippage) {
				return e.bumpSlippage(ctx, a, err)
			}
			return Result{}, err
		}
		a.swapTxIDs = append(a.swapTxIDs, sig)
		a.swapped = true
		a.nextSwap++
	}

	if !p.CanMint || p.Mint == nil {
		e.transition(a, StateDone)
		return e.result(a, StatusCompleted, nil), nil
	}

	payload, refreshed, err := e.prepareMint(ctx, a, p, transport)
	if err != nil {
		return Result{}, err
	}
	if refreshed != nil {
		return e.result(a, StatusPlanRefreshed, refreshed), nil
	}

	e.transition(a, StateSigningMint)
	step := a.addStep(StepKindMint, 0, "mint position")
	sig, err := e.submit(ctx, a, step, "mint position", payload, txSigner, transport)
	a.mintTxID = sig
	if err != nil {
		return Result{}, err
	}
	e.transition(a, StateDone)
	return e.result(a, StatusCompleted, nil), nil
}

// bumpSlippage doubles the tolerance after a slippage rejection and fetches a
// plan built with it. The remaining steps of the current plan are dropped.
func (e *Engine) bumpSlippage(ctx context.Context, a *attempt, cause error) (Result, error) {
	next := a.slippageBps * 2
	if next > e.opts.MaxSlippageBps {
		return Result{}, clierr.Wrap(clierr.CodeSlippage,
			fmt.Sprintf("slippage tolerance exhausted: %d bps would exceed the %d bps cap", next, e.opts.MaxSlippageBps), cause)
	}
	e.logger.Warn("swap rejected for slippage, replanning",
		zap.String("run_id", a.run.RunID),
		zap.Int("from_bps", a.slippageBps),
		zap.Int("to_bps", next),
	)
	fresh, err := e.replan(ctx, a, next, "slippage")
	if err != nil {
		return Result{}, err
	}
	a.slippageBps = next
	a.session.SlippageBps = next
	return e.result(a, StatusPlanRefreshed, &fresh), nil
}

// prepareMint returns the mint bytes to sign. A non-nil plan means a refresh
// produced a plan that needs new swaps and the caller must confirm it.
func (e *Engine) prepareMint(ctx context.Context, a *attempt, p plan.Plan, transport Transport) ([]byte, *plan.Plan, error) {
	if a.swapped {
		fresh, err := e.replan(ctx, a, a.slippageBps, "post_swap")
		if err != nil {
			return nil, nil, err
		}
		return mintFromFresh(fresh)
	}

	payload, err := p.Mint.Payload()
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeActionPlan, "decode mint transaction", err)
	}
	if age, known := p.Age(e.now()); known && age <= e.opts.BlockhashMaxAge {
		return payload, nil, nil
	}

	tx, err := solana.ParseTransaction(payload)
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeStale, "mint transaction is stale and cannot be decoded for refresh", err)
	}
	if foreign := tx.ForeignSignatures(a.session.Wallet); len(foreign) > 0 {
		e.logger.Info("stale mint carries a co-signature, replanning",
			zap.String("run_id", a.run.RunID),
			zap.Strings("cosigners", foreign),
		)
		fresh, err := e.replan(ctx, a, a.slippageBps, "stale_cosigned")
		if err != nil {
			return nil, nil, err
		}
		return mintFromFresh(fresh)
	}

	hash, err := transport.LatestBlockhash(ctx)
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "fetch latest blockhash", err)
	}
	refreshed, err := tx.WithRecentBlockhash(hash)
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "rpc returned an unusable blockhash", err)
	}
	e.logger.Info("refreshed mint blockhash in place",
		zap.String("run_id", a.run.RunID),
		zap.String("old", tx.RecentBlockhash()),
		zap.String("new", hash),
	)
	return refreshed.Serialize(), nil, nil
}

func mintFromFresh(fresh plan.Plan) ([]byte, *plan.Plan, error) {
	if fresh.HasError() {
		return nil, nil, clierr.New(clierr.CodeActionPlan, "refreshed plan cannot mint: "+fresh.ErrorMessage())
	}
	if fresh.RequiresSwap() {
		return nil, &fresh, nil
	}
	if !fresh.CanMint || fresh.Mint == nil {
		return nil, nil, clierr.New(clierr.CodeStale, "refreshed plan carries no mint transaction")
	}
	payload, err := fresh.Mint.Payload()
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "planner returned malformed mint transaction", err)
	}
	return payload, nil, nil
}

func (e *Engine) replan(ctx context.Context, a *attempt, slippageBps int, reason string) (plan.Plan, error) {
	e.transition(a, StateReplanning)
	a.replanned = true
	e.metrics.Replan(reason)
	if e.replanner == nil {
		return plan.Plan{}, clierr.New(clierr.CodeInternal, "replanning is not configured")
	}
	fresh, err := e.replanner.Replan(ctx, planner.Request{
		Wallet:      a.session.Wallet,
		Multiplier:  a.session.Multiplier,
		SlippageBps: slippageBps,
		Context:     a.session.PoolContext,
	})
	if err != nil {
		return plan.Plan{}, err
	}
	if err := fresh.Validate(); err != nil {
		return plan.Plan{}, clierr.Wrap(clierr.CodeUnavailable, "planner returned malformed plan", err)
	}
	if fresh.SlippageBps <= 0 {
		fresh.SlippageBps = slippageBps
	}
	return fresh, nil
}

func (e *Engine) finish(a *attempt, result Result, err error) (Result, error) {
	if err != nil {
		a.lastFailure = Classify(err)
		a.run.State = StateFailed
		a.run.Status = StatusFailed
		a.run.FailureClass = a.lastFailure
		a.run.Error = err.Error()
		result = e.result(a, StatusFailed, nil)
		result.FailureClass = a.lastFailure
		result.Error = err.Error()
		e.logger.Warn("execution failed",
			zap.String("run_id", a.run.RunID),
			zap.String("failure", string(a.lastFailure)),
			zap.Error(err),
		)
	} else {
		a.run.Status = result.Status
		e.logger.Info("execution finished",
			zap.String("run_id", a.run.RunID),
			zap.String("status", string(result.Status)),
			zap.Strings("swap_tx_ids", result.SwapTxIDs),
			zap.String("mint_tx_id", result.MintTxID),
			zap.Bool("replanned", a.replanned),
		)
	}
	a.run.SlippageBps = a.slippageBps
	a.run.Touch(e.now())
	e.save(a)
	e.metrics.Run(string(a.run.Status), string(a.lastFailure))
	return result, err
}

func (e *Engine) result(a *attempt, status Status, refreshed *plan.Plan) Result {
	return Result{
		RunID:       a.run.RunID,
		Status:      status,
		State:       a.run.State,
		MintTxID:    a.mintTxID,
		SwapTxIDs:   append([]string(nil), a.swapTxIDs...),
		SlippageBps: a.slippageBps,
		Plan:        refreshed,
		Session:     a.session,
	}
}

func (e *Engine) transition(a *attempt, next State) {
	if a.run.State == next {
		return
	}
	e.logger.Debug("state transition",
		zap.String("run_id", a.run.RunID),
		zap.String("from", string(a.run.State)),
		zap.String("to", string(next)),
	)
	a.run.State = next
	a.run.Touch(e.now())
}

func (a *attempt) addStep(kind StepKind, index int, description string) *StepRecord {
	a.run.Steps = append(a.run.Steps, StepRecord{
		Index:       index,
		Kind:        kind,
		Description: description,
		Status:      StepStatusPending,
	})
	return &a.run.Steps[len(a.run.Steps)-1]
}

func (e *Engine) save(a *attempt) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(a.run); err != nil {
		e.logger.Warn("journal write failed", zap.String("run_id", a.run.RunID), zap.Error(err))
	}
}
