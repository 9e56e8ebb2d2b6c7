// Package planner talks to the mint planning service, which owns all pool
// math and hands back unsigned swap and mint transactions.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/lpmint/internal/errors"
	"github.com/ggonzalez94/lpmint/internal/httpx"
	"github.com/ggonzalez94/lpmint/internal/plan"
)

const DefaultBaseURL = "http://127.0.0.1:5000"

// PoolContext is the planner's opaque description of a pool and the
// position being copied. It is passed back unchanged on every replan.
type PoolContext = json.RawMessage

type Request struct {
	Wallet      string
	Multiplier  float64
	SlippageBps int
	Context     PoolContext
}

type Client struct {
	http    *httpx.Client
	baseURL string
	now     func() time.Time
}

func New(httpClient *httpx.Client, baseURL string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: httpClient, baseURL: baseURL, now: time.Now}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// InitPool loads the pool state and best reference position for address.
func (c *Client) InitPool(ctx context.Context, poolAddress string) (PoolContext, error) {
	poolAddress = strings.TrimSpace(poolAddress)
	if poolAddress == "" {
		return nil, clierr.New(clierr.CodeUsage, "pool address is required")
	}
	var resp envelope
	if _, err := c.http.PostJSON(ctx, c.baseURL+"/api/mint/init", map[string]string{"pool_address": poolAddress}, &resp); err != nil {
		return nil, err
	}
	data, err := unwrap(resp)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "planner returned malformed pool context", err)
	}
	if _, ok := fields["pool_info"]; !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "planner pool context is missing pool_info")
	}
	return PoolContext(data), nil
}

// Replan asks for a plan built against current chain state. It makes a
// single attempt; callers decide what a failure means.
func (c *Client) Replan(ctx context.Context, req Request) (plan.Plan, error) {
	if strings.TrimSpace(req.Wallet) == "" {
		return plan.Plan{}, clierr.New(clierr.CodeUsage, "wallet address is required")
	}
	if len(req.Context) == 0 {
		return plan.Plan{}, clierr.New(clierr.CodeUsage, "pool context is required")
	}
	if req.Multiplier <= 0 {
		req.Multiplier = 1
	}
	if req.SlippageBps <= 0 {
		req.SlippageBps = plan.DefaultSlippageBps
	}
	body := calculateRequest{
		WalletAddress: req.Wallet,
		Multiplier:    req.Multiplier,
		SlippageBps:   req.SlippageBps,
		Context:       req.Context,
	}
	var resp envelope
	if _, err := c.http.Once().PostJSON(ctx, c.baseURL+"/api/mint/calculate", body, &resp); err != nil {
		return plan.Plan{}, err
	}
	data, err := unwrap(resp)
	if err != nil {
		return plan.Plan{}, err
	}
	var wire planData
	if err := json.Unmarshal(data, &wire); err != nil {
		return plan.Plan{}, clierr.Wrap(clierr.CodeUnavailable, "planner returned malformed plan", err)
	}
	p, err := wire.toPlan(req.SlippageBps, c.now().UTC())
	if err != nil {
		return plan.Plan{}, clierr.Wrap(clierr.CodeUnavailable, "planner returned malformed plan", err)
	}
	return p, nil
}

func unwrap(resp envelope) (json.RawMessage, error) {
	switch resp.Status {
	case "success":
	case "error":
		msg := strings.TrimSpace(resp.Message)
		if msg == "" {
			msg = "unknown error"
		}
		return nil, clierr.New(clierr.CodeUnavailable, "planner error: "+msg)
	default:
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("planner returned unknown status %q", resp.Status))
	}
	trimmed := strings.TrimSpace(string(resp.Data))
	if trimmed == "" || trimmed == "null" {
		return nil, clierr.New(clierr.CodeUnavailable, "planner response is missing data")
	}
	return resp.Data, nil
}

type calculateRequest struct {
	WalletAddress string          `json:"wallet_address"`
	Multiplier    float64         `json:"multiplier"`
	SlippageBps   int             `json:"slippage_bps"`
	Context       json.RawMessage `json:"context"`
}

type planData struct {
	Summary struct {
		Multiplier           float64     `json:"multiplier"`
		EstimatedRewardShare json.Number `json:"estimated_reward_share"`
		LiquidityMinted      json.Number `json:"liquidity_minted"`
		Error                string      `json:"error"`
		RangeSafety          *struct {
			IsSafe  *bool  `json:"is_safe"`
			Message string `json:"message"`
		} `json:"range_safety"`
		SelfCopyWarning *struct {
			IsOwn   bool   `json:"is_own"`
			Message string `json:"message"`
		} `json:"self_copy_warning"`
	} `json:"summary"`
	Requirements *struct {
		Token0 tokenRequirement `json:"token0"`
		Token1 tokenRequirement `json:"token1"`
	} `json:"requirements"`
	Actions *struct {
		Swaps []struct {
			Type        string `json:"type"`
			Description string `json:"description"`
			TxBase64    string `json:"tx_base64"`
		} `json:"swaps"`
		MintTx *struct {
			TxBase64                string      `json:"tx_base64"`
			NFTMintAddress          string      `json:"nft_mint_address"`
			PersonalPositionAddress string      `json:"personal_position_address"`
			LiquidityMinted         json.Number `json:"liquidity_minted"`
			Error                   string      `json:"error"`
		} `json:"mint_tx"`
		CanMint     *bool       `json:"can_mint"`
		PriceImpact json.Number `json:"price_impact"`
	} `json:"actions"`
}

type tokenRequirement struct {
	Symbol string      `json:"symbol"`
	Amount json.Number `json:"amount"`
	Mint   string      `json:"mint"`
}

func (d planData) toPlan(slippageBps int, fetchedAt time.Time) (plan.Plan, error) {
	if d.Actions == nil {
		return plan.Plan{}, fmt.Errorf("missing actions")
	}
	if d.Actions.CanMint == nil {
		return plan.Plan{}, fmt.Errorf("missing can_mint")
	}
	out := plan.Plan{
		Swaps:       make([]plan.SwapStep, 0, len(d.Actions.Swaps)),
		CanMint:     *d.Actions.CanMint,
		SlippageBps: slippageBps,
		FetchedAt:   fetchedAt,
		Summary: plan.Summary{
			Multiplier:           d.Summary.Multiplier,
			EstimatedRewardShare: d.Summary.EstimatedRewardShare.String(),
			LiquidityMinted:      d.Summary.LiquidityMinted.String(),
			Error:                strings.TrimSpace(d.Summary.Error),
		},
	}
	if d.Actions.PriceImpact != "" {
		v, err := strconv.ParseFloat(d.Actions.PriceImpact.String(), 64)
		if err != nil {
			return plan.Plan{}, fmt.Errorf("price_impact: %w", err)
		}
		out.Summary.PriceImpactPct = v
	}
	if rs := d.Summary.RangeSafety; rs != nil && rs.IsSafe != nil {
		out.Summary.RangeSafety = &plan.RangeSafety{IsSafe: *rs.IsSafe, Message: rs.Message}
	}
	if w := d.Summary.SelfCopyWarning; w != nil && w.IsOwn {
		out.Summary.OwnPositionWarning = strings.TrimSpace(w.Message)
		if out.Summary.OwnPositionWarning == "" {
			out.Summary.OwnPositionWarning = "reference position is owned by this wallet"
		}
	}
	if r := d.Requirements; r != nil {
		out.Requirements = &plan.Requirements{
			Token0: plan.TokenRequirement{Symbol: r.Token0.Symbol, Amount: r.Token0.Amount.String(), Mint: r.Token0.Mint},
			Token1: plan.TokenRequirement{Symbol: r.Token1.Symbol, Amount: r.Token1.Amount.String(), Mint: r.Token1.Mint},
		}
	}
	for i, swap := range d.Actions.Swaps {
		step := plan.SwapStep{Direction: swap.Type, Description: swap.Description, TxPayload: swap.TxBase64}
		switch {
		case swap.Type == "ERROR":
			step.Kind = plan.KindError
		case strings.HasPrefix(swap.Type, "SWAP"):
			step.Kind = plan.KindSwap
		default:
			return plan.Plan{}, fmt.Errorf("swap %d: unknown type %q", i, swap.Type)
		}
		out.Swaps = append(out.Swaps, step)
	}
	if mint := d.Actions.MintTx; mint != nil && strings.TrimSpace(mint.TxBase64) != "" {
		out.Mint = &plan.MintStep{
			TxPayload:       mint.TxBase64,
			NFTMint:         mint.NFTMintAddress,
			PositionAddress: mint.PersonalPositionAddress,
			LiquidityMinted: mint.LiquidityMinted.String(),
		}
	} else if mint != nil && len(out.Swaps) == 0 && out.Summary.Error == "" && strings.TrimSpace(mint.Error) != "" {
		out.Summary.Error = "mint transaction could not be built: " + strings.TrimSpace(mint.Error)
	}
	if out.CanMint && out.Mint == nil {
		return plan.Plan{}, fmt.Errorf("can_mint is true but mint_tx carries no transaction")
	}
	if err := out.Validate(); err != nil {
		return plan.Plan{}, err
	}
	return out, nil
}
