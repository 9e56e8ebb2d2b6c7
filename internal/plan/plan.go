// Package plan models the work returned by the mint planner: an ordered list
// of swap transactions and an optional position-mint transaction.
//
// A Plan is a value. Nothing in this package mutates a Plan after it has been
// built; a change of intent always means fetching a new one.
package plan

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// DefaultSlippageBps is the tolerance used when neither the plan nor the
// session names one.
const DefaultSlippageBps = 50

type StepKind string

const (
	KindSwap  StepKind = "SWAP"
	KindError StepKind = "ERROR"
)

type SwapStep struct {
	Kind        StepKind `json:"kind"`
	Direction   string   `json:"direction,omitempty"`
	Description string   `json:"description"`
	TxPayload   string   `json:"tx_payload,omitempty"`
}

// Payload decodes the base64 transaction bytes.
func (s SwapStep) Payload() ([]byte, error) {
	return decodePayload(s.TxPayload)
}

type MintStep struct {
	TxPayload       string `json:"tx_payload"`
	NFTMint         string `json:"nft_mint,omitempty"`
	PositionAddress string `json:"position_address,omitempty"`
	LiquidityMinted string `json:"liquidity_minted,omitempty"`
}

func (m MintStep) Payload() ([]byte, error) {
	return decodePayload(m.TxPayload)
}

type RangeSafety struct {
	IsSafe  bool   `json:"is_safe"`
	Message string `json:"message,omitempty"`
}

type Summary struct {
	Multiplier           float64      `json:"multiplier,omitempty"`
	EstimatedRewardShare string       `json:"estimated_reward_share,omitempty"`
	LiquidityMinted      string       `json:"liquidity_minted,omitempty"`
	PriceImpactPct       float64      `json:"price_impact_pct,omitempty"`
	Error                string       `json:"error,omitempty"`
	RangeSafety          *RangeSafety `json:"range_safety,omitempty"`
	// OwnPositionWarning is set when the copied position belongs to the wallet.
	OwnPositionWarning string `json:"own_position_warning,omitempty"`
}

type TokenRequirement struct {
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
	Mint   string `json:"mint"`
}

type Requirements struct {
	Token0 TokenRequirement `json:"token0"`
	Token1 TokenRequirement `json:"token1"`
}

type Plan struct {
	Swaps        []SwapStep    `json:"swaps"`
	Mint         *MintStep     `json:"mint,omitempty"`
	CanMint      bool          `json:"can_mint"`
	SlippageBps  int           `json:"slippage_bps"`
	Summary      Summary       `json:"summary"`
	Requirements *Requirements `json:"requirements,omitempty"`
	FetchedAt    time.Time     `json:"fetched_at"`
}

func (p Plan) RequiresSwap() bool {
	return len(p.Swaps) > 0
}

// HasError reports whether the plan cannot be executed at all.
func (p Plan) HasError() bool {
	return p.ErrorMessage() != ""
}

// ErrorMessage returns the first reason the plan is unusable, or "".
func (p Plan) ErrorMessage() string {
	for _, swap := range p.Swaps {
		if swap.Kind == KindError {
			if msg := strings.TrimSpace(swap.Description); msg != "" {
				return msg
			}
			return "planner reported a swap error"
		}
	}
	if msg := strings.TrimSpace(p.Summary.Error); msg != "" {
		return msg
	}
	if !p.CanMint && len(p.Swaps) == 0 {
		return "position cannot be minted and no swap can fix the ratio"
	}
	return ""
}

// Warnings lists non-fatal planner notes worth showing before signing.
func (p Plan) Warnings() []string {
	var out []string
	if rs := p.Summary.RangeSafety; rs != nil && !rs.IsSafe {
		msg := strings.TrimSpace(rs.Message)
		if msg == "" {
			msg = "position range is unsafe"
		}
		out = append(out, msg)
	}
	if msg := strings.TrimSpace(p.Summary.OwnPositionWarning); msg != "" {
		out = append(out, msg)
	}
	if p.RequiresSwap() && p.CanMint {
		out = append(out, "mint transaction will be rebuilt after swaps confirm")
	}
	return out
}

// Validate checks that every executable step carries a decodable payload.
func (p Plan) Validate() error {
	for i, swap := range p.Swaps {
		switch swap.Kind {
		case KindError:
			continue
		case KindSwap:
		default:
			return fmt.Errorf("swap %d: unknown kind %q", i, swap.Kind)
		}
		if _, err := swap.Payload(); err != nil {
			return fmt.Errorf("swap %d: %w", i, err)
		}
	}
	if p.CanMint && p.Mint == nil {
		return fmt.Errorf("plan can mint but carries no mint transaction")
	}
	if p.Mint != nil {
		if _, err := p.Mint.Payload(); err != nil {
			return fmt.Errorf("mint: %w", err)
		}
	}
	if p.SlippageBps < 0 {
		return fmt.Errorf("negative slippage %d", p.SlippageBps)
	}
	return nil
}

// Age is the time elapsed since the plan was received. ok is false when the
// receive time is unknown.
func (p Plan) Age(now time.Time) (age time.Duration, ok bool) {
	if p.FetchedAt.IsZero() {
		return 0, false
	}
	return now.Sub(p.FetchedAt), true
}

func decodePayload(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("missing transaction payload")
	}
	buf, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 transaction payload: %w", err)
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty transaction payload")
	}
	return buf, nil
}
