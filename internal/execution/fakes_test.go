package execution

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"

	clierr "github.com/ggonzalez94/lpmint/internal/errors"
	"github.com/ggonzalez94/lpmint/internal/execution/signer"
	"github.com/ggonzalez94/lpmint/internal/plan"
	"github.com/ggonzalez94/lpmint/internal/planner"
	"github.com/ggonzalez94/lpmint/internal/solana"
	"github.com/ggonzalez94/lpmint/internal/solana/solanatest"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

var (
	walletKey   = solanatest.Key("wallet")
	positionKey = solanatest.Key("position-nft")
)

func walletPub() ed25519.PublicKey   { return walletKey.Public().(ed25519.PublicKey) }
func positionPub() ed25519.PublicKey { return positionKey.Public().(ed25519.PublicKey) }
func walletAddress() string          { return base58.Encode(walletPub()) }

func swapPayload(name string) string {
	return solanatest.Base64(solanatest.Transaction(solanatest.Blockhash(name), walletPub()))
}

func walletOnlyMint(name string) string {
	return solanatest.Base64(solanatest.Transaction(solanatest.Blockhash(name), walletPub()))
}

func cosignedMint(name string) string {
	raw := solanatest.Transaction(solanatest.Blockhash(name), walletPub(), positionPub())
	return solanatest.Base64(solanatest.Cosign(raw, 1, positionKey))
}

func swapStep(name string) plan.SwapStep {
	return plan.SwapStep{Kind: plan.KindSwap, Direction: "SWAP_0_TO_1", Description: name, TxPayload: swapPayload(name)}
}

type fakeSigner struct {
	inner  *signer.LocalSigner
	log    *eventLog
	mu     sync.Mutex
	labels []string
	inputs [][]byte
	reject func(label string) bool
}

func newFakeSigner(t *testing.T, log *eventLog) *fakeSigner {
	t.Helper()
	inner, err := signer.NewLocalSigner(signer.LocalSignerConfig{Secret: base58.Encode(walletKey)})
	if err != nil {
		t.Fatalf("new local signer: %v", err)
	}
	return &fakeSigner{inner: inner, log: log}
}

func (s *fakeSigner) PublicKey() string { return s.inner.PublicKey() }

func (s *fakeSigner) SignTransaction(ctx context.Context, label string, tx []byte) ([]byte, error) {
	s.mu.Lock()
	s.labels = append(s.labels, label)
	s.inputs = append(s.inputs, append([]byte(nil), tx...))
	s.mu.Unlock()
	s.log.add("sign %s", label)
	if s.reject != nil && s.reject(label) {
		return nil, clierr.New(clierr.CodeUserRejected, "signature request rejected by user")
	}
	return s.inner.SignTransaction(ctx, label, tx)
}

func (s *fakeSigner) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.labels)
}

type fakeTransport struct {
	log *eventLog

	mu         sync.Mutex
	simulated  int
	broadcasts [][]byte
	confirmed  map[string]bool

	simulate     func(tx []byte) solana.SimulationResult
	broadcastErr func(n int) error
	status       func(sig string) solana.SignatureStatus
	blockhash    string
	// broadcastHook runs after a successful broadcast.
	broadcastHook func()
	// lostReply fails broadcast n after the tx was accepted.
	lostReply func(n int) error
}

func newFakeTransport(log *eventLog) *fakeTransport {
	return &fakeTransport{log: log, confirmed: map[string]bool{}}
}

func (f *fakeTransport) Simulate(_ context.Context, tx []byte) (solana.SimulationResult, error) {
	f.mu.Lock()
	f.simulated++
	f.mu.Unlock()
	f.log.add("simulate")
	if f.simulate != nil {
		return f.simulate(tx), nil
	}
	return solana.SimulationResult{}, nil
}

func (f *fakeTransport) Broadcast(_ context.Context, tx []byte) (string, error) {
	f.mu.Lock()
	n := len(f.broadcasts)
	f.mu.Unlock()
	if f.broadcastErr != nil {
		if err := f.broadcastErr(n); err != nil {
			f.log.add("broadcast-rejected")
			return "", err
		}
	}
	parsed, err := solana.ParseTransaction(tx)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.broadcasts = append(f.broadcasts, append([]byte(nil), tx...))
	f.confirmed[parsed.ID()] = true
	f.mu.Unlock()
	f.log.add("broadcast")
	if f.lostReply != nil {
		if err := f.lostReply(n); err != nil {
			return "", err
		}
	}
	if f.broadcastHook != nil {
		f.broadcastHook()
	}
	return parsed.ID(), nil
}

func (f *fakeTransport) Confirm(_ context.Context, sig string) (solana.SignatureStatus, error) {
	if f.status != nil {
		return f.status(sig), nil
	}
	f.mu.Lock()
	known := f.confirmed[sig]
	f.mu.Unlock()
	if !known {
		return solana.SignatureStatus{}, nil
	}
	f.log.add("confirm")
	return solana.SignatureStatus{Found: true, ConfirmationStatus: solana.CommitmentConfirmed}, nil
}

func (f *fakeTransport) LatestBlockhash(context.Context) (string, error) {
	if f.blockhash == "" {
		return "", errors.New("no blockhash configured")
	}
	f.log.add("latest-blockhash")
	return f.blockhash, nil
}

func (f *fakeTransport) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func (f *fakeTransport) simulateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.simulated
}

type fakeReplanner struct {
	log      *eventLog
	mu       sync.Mutex
	requests []planner.Request
	plans    []plan.Plan
	err      error
}

func (r *fakeReplanner) Replan(_ context.Context, req planner.Request) (plan.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if r.log != nil {
		r.log.add("replan %d", req.SlippageBps)
	}
	if r.err != nil {
		return plan.Plan{}, r.err
	}
	if len(r.plans) == 0 {
		return plan.Plan{}, clierr.New(clierr.CodeUnavailable, "no plan queued")
	}
	next := r.plans[0]
	r.plans = r.plans[1:]
	return next, nil
}

func (r *fakeReplanner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func newTestEngine(replanner Replanner, store *Store, opts Options) *Engine {
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.ConfirmTimeout == 0 {
		opts.ConfirmTimeout = time.Second
	}
	e := NewEngine(replanner, store, nil, nil, opts)
	e.now = func() time.Time { return testNow }
	return e
}

func testSession() Session {
	return Session{
		Wallet:      walletAddress(),
		PoolContext: planner.PoolContext(`{"pool_info":{"pool_id":"Pool111"}}`),
		Multiplier:  1,
	}
}

func messageOf(t *testing.T, raw []byte) []byte {
	t.Helper()
	tx, err := solana.ParseTransaction(raw)
	if err != nil {
		t.Fatalf("parse transaction: %v", err)
	}
	return tx.Message
}

func decode(t *testing.T, payload string) []byte {
	t.Helper()
	tx, err := solana.DecodeBase64(payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return tx.Serialize()
}
