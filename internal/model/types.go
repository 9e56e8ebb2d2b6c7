package model

import (
	"encoding/json"
	"time"
)

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string      `json:"request_id"`
	Timestamp time.Time   `json:"timestamp"`
	Command   string      `json:"command"`
	RunID     string      `json:"run_id,omitempty"`
	Cache     CacheStatus `json:"cache"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

// PoolInfo is the data payload of `pool init`.
type PoolInfo struct {
	Pool      string          `json:"pool"`
	FetchedAt time.Time       `json:"fetched_at"`
	Context   json.RawMessage `json:"context"`
}

// PlanFile is what `plan --out` writes and `execute --plan-file` reads. It
// carries everything needed to replan besides the signer.
type PlanFile struct {
	Pool        string          `json:"pool"`
	Wallet      string          `json:"wallet"`
	Multiplier  float64         `json:"multiplier"`
	PoolContext json.RawMessage `json:"pool_context"`
	Plan        json.RawMessage `json:"plan"`
}

// ExecutionOutput is the data payload of `run` and `execute`.
type ExecutionOutput struct {
	RunID        string   `json:"run_id"`
	Status       string   `json:"status"`
	State        string   `json:"state"`
	Wallet       string   `json:"wallet"`
	TxID         string   `json:"tx_id,omitempty"`
	MintTxID     string   `json:"mint_tx_id,omitempty"`
	SwapTxIDs    []string `json:"swap_tx_ids,omitempty"`
	SlippageBps  int      `json:"slippage_bps"`
	FailureClass string   `json:"failure_class,omitempty"`
	Error        string   `json:"error,omitempty"`
	// RefreshedPlan is set for plan_refreshed; re-run with SlippageBps.
	RefreshedPlan any `json:"refreshed_plan,omitempty"`
}
