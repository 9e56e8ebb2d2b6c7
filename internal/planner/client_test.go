package planner

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/lpmint/internal/errors"
	"github.com/ggonzalez94/lpmint/internal/httpx"
	"github.com/ggonzalez94/lpmint/internal/plan"
	"github.com/ggonzalez94/lpmint/internal/solana/solanatest"
)

func txB64(name string) string {
	key := solanatest.Key(name)
	return solanatest.Base64(solanatest.Transaction(solanatest.Blockhash(name), key.Public().(ed25519.PublicKey)))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(httpx.New(2*time.Second, 2), srv.URL)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	return c
}

func TestReplanParsesPlannerResponse(t *testing.T) {
	swapTx := txB64("swap")
	mintTx := txB64("mint")
	var got calculateRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/mint/calculate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprintf(w, `{"status":"success","data":{
			"summary":{"multiplier":1.5,"estimated_reward_share":0.0123,"liquidity_minted":987654,"range_safety":{"is_safe":false,"message":"range too narrow"}},
			"requirements":{"token0":{"symbol":"SOL","amount":1.25,"mint":"So11111111111111111111111111111111111111112"},"token1":{"symbol":"USDC","amount":210.5,"mint":"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"}},
			"actions":{"swaps":[{"type":"SWAP_0_TO_1","description":"Swap 0.1 SOL to USDC","tx_base64":%q}],
				"mint_tx":{"tx_base64":%q,"nft_mint_address":"NftMint111","personal_position_address":"Position111"},
				"can_mint":true,"price_impact":0.42}}}`, swapTx, mintTx)
	})

	p, err := c.Replan(context.Background(), Request{
		Wallet:      "Wallet111",
		Multiplier:  1.5,
		SlippageBps: 100,
		Context:     PoolContext(`{"pool_info":{"pool_id":"Pool111"}}`),
	})
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if got.WalletAddress != "Wallet111" || got.SlippageBps != 100 || got.Multiplier != 1.5 {
		t.Fatalf("unexpected request %+v", got)
	}
	if !strings.Contains(string(got.Context), "Pool111") {
		t.Fatalf("pool context not forwarded: %s", got.Context)
	}
	if len(p.Swaps) != 1 || p.Swaps[0].Kind != plan.KindSwap || p.Swaps[0].Direction != "SWAP_0_TO_1" {
		t.Fatalf("unexpected swaps %+v", p.Swaps)
	}
	if p.Mint == nil || p.Mint.TxPayload != mintTx || p.Mint.PositionAddress != "Position111" {
		t.Fatalf("unexpected mint %+v", p.Mint)
	}
	if !p.CanMint || p.SlippageBps != 100 || p.Summary.PriceImpactPct != 0.42 {
		t.Fatalf("unexpected plan %+v", p)
	}
	if p.Requirements == nil || p.Requirements.Token0.Amount != "1.25" {
		t.Fatalf("unexpected requirements %+v", p.Requirements)
	}
	if p.FetchedAt.IsZero() {
		t.Fatal("expected fetch time to be stamped")
	}
	if len(p.Warnings()) == 0 {
		t.Fatal("expected range safety warning")
	}
}

func TestReplanErrorStepBecomesPlanError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"summary":{"error":"Not enough SOL"},
			"actions":{"swaps":[{"type":"ERROR","description":"Not enough SOL"}],"can_mint":false,"price_impact":0}}}`))
	})
	p, err := c.Replan(context.Background(), Request{Wallet: "W", Context: PoolContext(`{}`)})
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if !p.HasError() || p.ErrorMessage() != "Not enough SOL" {
		t.Fatalf("expected plan error, got %q", p.ErrorMessage())
	}
	if p.SlippageBps != plan.DefaultSlippageBps {
		t.Fatalf("expected default slippage, got %d", p.SlippageBps)
	}
}

func TestReplanRejectsMalformedPlans(t *testing.T) {
	cases := map[string]string{
		"missing actions":  `{"status":"success","data":{"summary":{}}}`,
		"missing can_mint": `{"status":"success","data":{"actions":{"swaps":[]}}}`,
		"unknown swap":     `{"status":"success","data":{"actions":{"swaps":[{"type":"BRIDGE","tx_base64":"AQ=="}],"can_mint":false}}}`,
		"mint without tx":  `{"status":"success","data":{"actions":{"swaps":[],"mint_tx":{"error":"boom"},"can_mint":true}}}`,
		"bad base64":       `{"status":"success","data":{"actions":{"swaps":[{"type":"SWAP_1_TO_0","tx_base64":"%%%"}],"can_mint":false}}}`,
		"missing data":     `{"status":"success"}`,
		"unknown status":   `{"status":"pending","data":{}}`,
		"planner error":    `{"status":"error","message":"Pool not found"}`,
		"not an object":    `{"status":"success","data":[1,2,3]}`,
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			_, err := c.Replan(context.Background(), Request{Wallet: "W", Context: PoolContext(`{}`)})
			if !clierr.Is(err, clierr.CodeUnavailable) {
				t.Fatalf("expected network failure, got %v", err)
			}
		})
	}
}

func TestReplanDoesNotRetry(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	if _, err := c.Replan(context.Background(), Request{Wallet: "W", Context: PoolContext(`{}`)}); err == nil {
		t.Fatal("expected error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected exactly one request, got %d", n)
	}
}

func TestReplanRequiresWalletAndContext(t *testing.T) {
	c := New(httpx.New(time.Second, 0), "http://unused")
	if _, err := c.Replan(context.Background(), Request{Context: PoolContext(`{}`)}); !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if _, err := c.Replan(context.Background(), Request{Wallet: "W"}); !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestInitPool(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.URL.Path != "/api/mint/init" || body["pool_address"] != "Pool111" {
			t.Errorf("unexpected request %s %v", r.URL.Path, body)
		}
		_, _ = w.Write([]byte(`{"status":"success","data":{"pool_info":{"pool_id":"Pool111","tick_spacing":60},"best_position":{"tick_low":-120,"tick_up":120},"token_metadata":{}}}`))
	})
	ctx, err := c.InitPool(context.Background(), "Pool111")
	if err != nil {
		t.Fatalf("init pool: %v", err)
	}
	if !strings.Contains(string(ctx), "tick_spacing") {
		t.Fatalf("unexpected pool context %s", ctx)
	}
}

func TestInitPoolRejectsContextWithoutPoolInfo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"best_position":{}}}`))
	})
	if _, err := c.InitPool(context.Background(), "Pool111"); !clierr.Is(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
