package execution

import (
	"context"
	"encoding/json"
	"time"

	clierr "github.com/ggonzalez94/lpmint/internal/errors"
	"github.com/ggonzalez94/lpmint/internal/plan"
	"github.com/ggonzalez94/lpmint/internal/planner"
	"github.com/ggonzalez94/lpmint/internal/solana"
)

// State is a position in the run state machine.
type State string

const (
	StateIdle        State = "idle"
	StateSigningSwap State = "signing_swap"
	StateReplanning  State = "replanning"
	StateSigningMint State = "signing_mint"
	StateConfirming  State = "confirming"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

type Status string

const (
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusPlanRefreshed Status = "plan_refreshed"
	StatusFailed        Status = "failed"
)

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusSigned    StepStatus = "signed"
	StepStatusSimulated StepStatus = "simulated"
	StepStatusSubmitted StepStatus = "submitted"
	StepStatusConfirmed StepStatus = "confirmed"
	StepStatusFailed    StepStatus = "failed"
)

type StepKind string

const (
	StepKindSwap StepKind = "swap"
	StepKindMint StepKind = "mint"
)

// FailureClass names why a run stopped.
type FailureClass string

const (
	FailureNone                FailureClass = ""
	FailureUserRejected        FailureClass = "user_rejected"
	FailureSimulationFailed    FailureClass = "simulation_failed"
	FailureSlippageExceeded    FailureClass = "slippage_exceeded"
	FailureStaleTransaction    FailureClass = "stale_transaction"
	FailureNetworkFailure      FailureClass = "network_failure"
	FailureConfirmationTimeout FailureClass = "confirmation_timeout"
	FailureTransactionFailed   FailureClass = "transaction_failed"
	FailureInvalidPlan         FailureClass = "invalid_plan"
	FailureSigner              FailureClass = "signer"
	FailureBusy                FailureClass = "busy"
	FailureInternal            FailureClass = "internal"
)

// Classify maps an execution error onto its failure class.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureNone
	}
	cliErr, ok := clierr.As(err)
	if !ok {
		return FailureInternal
	}
	switch cliErr.Code {
	case clierr.CodeUserRejected:
		return FailureUserRejected
	case clierr.CodeActionSim:
		return FailureSimulationFailed
	case clierr.CodeSlippage:
		return FailureSlippageExceeded
	case clierr.CodeStale:
		return FailureStaleTransaction
	case clierr.CodeUnavailable, clierr.CodeRateLimited:
		return FailureNetworkFailure
	case clierr.CodeActionTimeout:
		return FailureConfirmationTimeout
	case clierr.CodeTxFailed:
		return FailureTransactionFailed
	case clierr.CodeActionPlan, clierr.CodeUsage:
		return FailureInvalidPlan
	case clierr.CodeSigner:
		return FailureSigner
	case clierr.CodeBusy:
		return FailureBusy
	default:
		return FailureInternal
	}
}

// Session is everything a replan needs besides the slippage tolerance. It is
// passed into every Execute call and returned, possibly updated, in Result.
type Session struct {
	Wallet      string              `json:"wallet"`
	PoolContext planner.PoolContext `json:"pool_context,omitempty"`
	Multiplier  float64             `json:"multiplier"`
	SlippageBps int                 `json:"slippage_bps"`
}

// Result is the typed outcome of one Execute call.
type Result struct {
	RunID        string       `json:"run_id"`
	Status       Status       `json:"status"`
	State        State        `json:"state"`
	MintTxID     string       `json:"mint_tx_id,omitempty"`
	SwapTxIDs    []string     `json:"swap_tx_ids,omitempty"`
	SlippageBps  int          `json:"slippage_bps"`
	FailureClass FailureClass `json:"failure_class,omitempty"`
	Error        string       `json:"error,omitempty"`
	// Plan is the freshly fetched plan when Status is plan_refreshed.
	Plan    *plan.Plan `json:"plan,omitempty"`
	Session Session    `json:"-"`
}

// TxID is the signature of the last transaction the run submitted.
func (r Result) TxID() string {
	if r.MintTxID != "" {
		return r.MintTxID
	}
	if n := len(r.SwapTxIDs); n > 0 {
		return r.SwapTxIDs[n-1]
	}
	return ""
}

// Transport is the network capability the engine submits through.
type Transport interface {
	Simulate(ctx context.Context, tx []byte) (solana.SimulationResult, error)
	Broadcast(ctx context.Context, tx []byte) (string, error)
	Confirm(ctx context.Context, signature string) (solana.SignatureStatus, error)
	LatestBlockhash(ctx context.Context) (string, error)
}

type Replanner interface {
	Replan(ctx context.Context, req planner.Request) (plan.Plan, error)
}

type StepRecord struct {
	Index       int        `json:"index"`
	Kind        StepKind   `json:"kind"`
	Description string     `json:"description,omitempty"`
	Status      StepStatus `json:"status"`
	Signature   string     `json:"signature,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// RunRecord is the journal entry for one Execute call.
type RunRecord struct {
	RunID        string          `json:"run_id"`
	Wallet       string          `json:"wallet"`
	Status       Status          `json:"status"`
	State        State           `json:"state"`
	SlippageBps  int             `json:"slippage_bps"`
	FailureClass FailureClass    `json:"failure_class,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	Steps        []StepRecord    `json:"steps"`
	Summary      json.RawMessage `json:"summary,omitempty"`
}

func NewRunRecord(runID, wallet string, slippageBps int, now time.Time) RunRecord {
	ts := now.UTC().Format(time.RFC3339)
	return RunRecord{
		RunID:       runID,
		Wallet:      wallet,
		Status:      StatusRunning,
		State:       StateIdle,
		SlippageBps: slippageBps,
		CreatedAt:   ts,
		UpdatedAt:   ts,
		Steps:       []StepRecord{},
	}
}

func (r *RunRecord) Touch(now time.Time) {
	r.UpdatedAt = now.UTC().Format(time.RFC3339)
}
