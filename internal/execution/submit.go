package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/lpmint/internal/errors"
	"github.com/ggonzalez94/lpmint/internal/execution/signer"
	"github.com/ggonzalez94/lpmint/internal/solana"
)

// submit runs one signing round trip: sign, simulate, broadcast, confirm.
// The returned signature is set whenever signing succeeded, even on error.
func (e *Engine) submit(ctx context.Context, a *attempt, step *StepRecord, label string, payload []byte, txSigner signer.Signer, transport Transport) (string, error) {
	signed, err := txSigner.SignTransaction(ctx, label, payload)
	if err != nil {
		return "", e.failStep(a, step, signError(err))
	}
	tx, err := solana.ParseTransaction(signed)
	if err != nil {
		return "", e.failStep(a, step, clierr.Wrap(clierr.CodeSigner, "signer returned an undecodable transaction", err))
	}
	sig := tx.ID()
	if sig == "" {
		return "", e.failStep(a, step, clierr.New(clierr.CodeSigner, "signer returned an unsigned transaction"))
	}
	step.Signature = sig
	step.Status = StepStatusSigned
	e.save(a)

	if e.alreadyLanded(ctx, sig, transport) {
		e.logger.Info("transaction already submitted, skipping broadcast",
			zap.String("run_id", a.run.RunID),
			zap.String("signature", sig),
		)
	} else {
		sim, err := transport.Simulate(ctx, signed)
		if err != nil {
			return sig, e.failStep(a, step, clierr.Wrap(clierr.CodeUnavailable, "simulate transaction", err))
		}
		if sim.Err != "" {
			return sig, e.failStep(a, step, clierr.New(clierr.CodeActionSim, simulationMessage(sim)))
		}
		step.Status = StepStatusSimulated

		// journaled before sending: a lost reply must not hide a landed tx
		e.recordSubmission(a, step, StepStatusSubmitted)
		broadcastSig, err := transport.Broadcast(ctx, signed)
		if err != nil {
			if solana.IsRejected(err) {
				e.recordSubmission(a, step, StepStatusFailed)
			}
			return sig, e.failStep(a, step, e.classifyBroadcastError(err))
		}
		if broadcastSig != "" && broadcastSig != sig {
			e.logger.Warn("rpc returned a different signature than signed",
				zap.String("signed", sig),
				zap.String("returned", broadcastSig),
			)
		}
	}

	step.Status = StepStatusSubmitted
	e.recordSubmission(a, step, StepStatusSubmitted)
	e.save(a)
	if step.Kind == StepKindMint {
		e.transition(a, StateConfirming)
	}

	if err := e.awaitConfirmation(ctx, sig, transport); err != nil {
		return sig, e.failStep(a, step, err)
	}
	step.Status = StepStatusConfirmed
	e.recordSubmission(a, step, StepStatusConfirmed)
	e.save(a)
	e.metrics.Step(string(step.Kind), string(StepStatusConfirmed))
	e.logger.Info("transaction confirmed",
		zap.String("run_id", a.run.RunID),
		zap.String("kind", string(step.Kind)),
		zap.Int("index", step.Index),
		zap.String("signature", sig),
	)
	return sig, nil
}

// alreadyLanded reports whether sig was journaled by an earlier run and the
// network already knows it. Signatures the node refused are never looked up.
func (e *Engine) alreadyLanded(ctx context.Context, sig string, transport Transport) bool {
	if e.store == nil {
		return false
	}
	sub, ok, err := e.store.Submission(sig)
	if err != nil || !ok {
		return false
	}
	switch sub.Status {
	case StepStatusConfirmed:
		return true
	case StepStatusFailed:
		return false
	}
	status, err := transport.Confirm(ctx, sig)
	return err == nil && status.Found
}

func (e *Engine) awaitConfirmation(ctx context.Context, sig string, transport Transport) error {
	started := e.now()
	waitCtx, cancel := context.WithTimeout(ctx, e.opts.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		status, err := transport.Confirm(waitCtx, sig)
		switch {
		case err != nil:
			e.logger.Debug("confirmation poll failed", zap.String("signature", sig), zap.Error(err))
		case status.Found && status.Err != "":
			return e.classifyOnChainError(sig, status.Err)
		case status.Confirmed():
			e.metrics.Confirmed(e.now().Sub(started))
			return nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return clierr.Wrap(clierr.CodeActionTimeout,
					fmt.Sprintf("interrupted while waiting for confirmation of %s; the transaction may still land", sig), ctx.Err())
			}
			return clierr.Wrap(clierr.CodeActionTimeout,
				fmt.Sprintf("timed out waiting for confirmation of %s; the transaction may still land", sig), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (e *Engine) classifyBroadcastError(err error) error {
	texts := solana.ErrorTexts(err)
	if e.isSlippage(texts) {
		return clierr.Wrap(clierr.CodeSlippage, "transaction rejected: slippage tolerance exceeded", err)
	}
	if solana.IsBlockhashExpired(texts...) {
		return clierr.Wrap(clierr.CodeStale, "transaction blockhash expired", err)
	}
	if txErr := solana.PreflightErr(err); txErr != "" {
		return clierr.Wrap(clierr.CodeActionSim, "transaction rejected by preflight simulation: "+txErr, err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "broadcast transaction", err)
}

func (e *Engine) classifyOnChainError(sig, txErr string) error {
	if e.isSlippage([]string{txErr}) {
		return clierr.New(clierr.CodeSlippage, fmt.Sprintf("transaction %s failed on-chain: slippage tolerance exceeded (%s)", sig, txErr))
	}
	return clierr.New(clierr.CodeTxFailed, fmt.Sprintf("transaction %s failed on-chain: %s", sig, txErr))
}

func (e *Engine) isSlippage(texts []string) bool {
	for _, code := range solana.CustomErrorCodes(texts...) {
		for _, want := range e.opts.SlippageErrorCodes {
			if code == want {
				return true
			}
		}
	}
	for _, text := range texts {
		if strings.Contains(strings.ToLower(text), "slippage") {
			return true
		}
	}
	return false
}

func (e *Engine) failStep(a *attempt, step *StepRecord, err error) error {
	step.Status = StepStatusFailed
	step.Error = err.Error()
	a.run.Touch(e.now())
	e.metrics.Step(string(step.Kind), string(Classify(err)))
	e.save(a)
	return err
}

func (e *Engine) recordSubmission(a *attempt, step *StepRecord, status StepStatus) {
	if e.store == nil || step.Signature == "" {
		return
	}
	err := e.store.RecordSubmission(Submission{
		Signature: step.Signature,
		RunID:     a.run.RunID,
		StepKind:  step.Kind,
		StepIndex: step.Index,
		Status:    status,
		UpdatedAt: e.now().UTC().Unix(),
	})
	if err != nil {
		e.logger.Warn("journal submission write failed", zap.String("signature", step.Signature), zap.Error(err))
	}
}

func signError(err error) error {
	if clierr.Is(err, clierr.CodeUserRejected) {
		return err
	}
	return clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
}

func simulationMessage(sim solana.SimulationResult) string {
	msg := "simulation failed: " + sim.Err
	logs := sim.Logs
	if len(logs) > 3 {
		logs = logs[len(logs)-3:]
	}
	if len(logs) > 0 {
		msg += " (" + strings.Join(logs, "; ") + ")"
	}
	return msg
}
