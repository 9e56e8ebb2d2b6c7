package execution

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/lpmint/internal/errors"
	"github.com/ggonzalez94/lpmint/internal/plan"
	"github.com/ggonzalez94/lpmint/internal/solana"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "runs.db"), filepath.Join(dir, "runs.lock"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreSaveGetList(t *testing.T) {
	store := openTestStore(t)

	older := NewRunRecord("run_a", "Wallet1", 50, testNow.Add(-time.Minute))
	older.Status = StatusCompleted
	newer := NewRunRecord("run_b", "Wallet1", 100, testNow)
	newer.Status = StatusFailed
	newer.FailureClass = FailureSimulationFailed
	newer.Steps = append(newer.Steps, StepRecord{Index: 0, Kind: StepKindSwap, Status: StepStatusFailed, Error: "boom"})

	for _, run := range []RunRecord{older, newer} {
		if err := store.Save(run); err != nil {
			t.Fatalf("save %s: %v", run.RunID, err)
		}
	}

	got, err := store.Get("run_b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FailureClass != FailureSimulationFailed || len(got.Steps) != 1 || got.Steps[0].Error != "boom" {
		t.Fatalf("unexpected run %+v", got)
	}

	all, err := store.List("", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].RunID != "run_b" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	completed, err := store.List(string(StatusCompleted), 10)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(completed) != 1 || completed[0].RunID != "run_a" {
		t.Fatalf("unexpected filtered list %+v", completed)
	}

	if _, err := store.Get("run_missing"); err == nil {
		t.Fatal("expected missing run error")
	}
}

func TestStoreSaveUpdatesExistingRun(t *testing.T) {
	store := openTestStore(t)
	run := NewRunRecord("run_x", "Wallet1", 50, testNow)
	if err := store.Save(run); err != nil {
		t.Fatal(err)
	}
	run.Status = StatusPlanRefreshed
	run.State = StateReplanning
	run.Touch(testNow.Add(time.Second))
	if err := store.Save(run); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get("run_x")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPlanRefreshed || got.State != StateReplanning {
		t.Fatalf("expected updated run, got %+v", got)
	}
}

func TestStoreSubmissions(t *testing.T) {
	store := openTestStore(t)

	if _, ok, err := store.Submission("sigA"); err != nil || ok {
		t.Fatalf("expected unknown signature, got ok=%v err=%v", ok, err)
	}
	if err := store.RecordSubmission(Submission{Signature: "sigA", RunID: "run_1", StepKind: StepKindMint, Status: StepStatusSubmitted}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordSubmission(Submission{Signature: "sigA", RunID: "run_1", StepKind: StepKindMint, Status: StepStatusConfirmed}); err != nil {
		t.Fatalf("record update: %v", err)
	}
	sub, ok, err := store.Submission("sigA")
	if err != nil || !ok {
		t.Fatalf("expected signature, got ok=%v err=%v", ok, err)
	}
	if sub.Status != StepStatusConfirmed || sub.StepKind != StepKindMint || sub.RunID != "run_1" || sub.UpdatedAt == 0 {
		t.Fatalf("unexpected submission %+v", sub)
	}
	if err := store.RecordSubmission(Submission{}); err == nil {
		t.Fatal("expected missing signature error")
	}
}

func TestEngineJournalsRunsAndSkipsLandedSignatures(t *testing.T) {
	store := openTestStore(t)
	log := &eventLog{}
	tr := newFakeTransport(log)
	engine := newTestEngine(&fakeReplanner{}, store, Options{})
	p := plan.Plan{CanMint: true, Mint: &plan.MintStep{TxPayload: cosignedMint("m")}, FetchedAt: testNow}

	first, err := engine.Execute(context.Background(), testSession(), p, newFakeSigner(t, log), tr)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	run, err := store.Get(first.RunID)
	if err != nil {
		t.Fatalf("journal missing run: %v", err)
	}
	if run.Status != StatusCompleted || run.State != StateDone || len(run.Steps) != 1 || run.Steps[0].Signature != first.MintTxID {
		t.Fatalf("unexpected journal entry %+v", run)
	}

	// same bytes, same deterministic signature
	second, err := engine.Execute(context.Background(), testSession(), p, newFakeSigner(t, log), tr)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if second.MintTxID != first.MintTxID {
		t.Fatalf("expected identical signature, got %s vs %s", second.MintTxID, first.MintTxID)
	}
	if tr.broadcastCount() != 1 || tr.simulateCount() != 1 {
		t.Fatalf("landed signature must not be resent, got %d broadcasts", tr.broadcastCount())
	}
}

func TestEngineJournalsBroadcastWhoseReplyWasLost(t *testing.T) {
	store := openTestStore(t)
	log := &eventLog{}
	tr := newFakeTransport(log)
	tr.lostReply = func(n int) error {
		if n == 0 {
			return errors.New("connection reset by peer")
		}
		return nil
	}
	engine := newTestEngine(&fakeReplanner{}, store, Options{})
	p := plan.Plan{Swaps: []plan.SwapStep{swapStep("s")}, FetchedAt: testNow}

	first, err := engine.Execute(context.Background(), testSession(), p, newFakeSigner(t, log), tr)
	if !clierr.Is(err, clierr.CodeUnavailable) || first.FailureClass != FailureNetworkFailure {
		t.Fatalf("expected network failure, got %v (%s)", err, first.FailureClass)
	}
	run, err := store.Get(first.RunID)
	if err != nil || len(run.Steps) != 1 {
		t.Fatalf("journal missing run: %+v %v", run, err)
	}
	sig := run.Steps[0].Signature
	sub, ok, err := store.Submission(sig)
	if err != nil || !ok || sub.Status != StepStatusSubmitted {
		t.Fatalf("expected %s journaled as submitted, got %+v ok=%v err=%v", sig, sub, ok, err)
	}

	second, err := engine.Execute(context.Background(), testSession(), p, newFakeSigner(t, log), tr)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if tr.simulateCount() != 1 || tr.broadcastCount() != 1 {
		t.Fatalf("landed swap was resent: simulate=%d broadcast=%d", tr.simulateCount(), tr.broadcastCount())
	}
	if len(second.SwapTxIDs) != 1 || second.SwapTxIDs[0] != sig {
		t.Fatalf("expected the landed signature to be reported, got %v", second.SwapTxIDs)
	}
	if sub, _, _ := store.Submission(sig); sub.Status != StepStatusConfirmed {
		t.Fatalf("expected confirmed journal entry, got %+v", sub)
	}
}

func TestEngineResendsSignatureTheNodeRefused(t *testing.T) {
	store := openTestStore(t)
	log := &eventLog{}
	tr := newFakeTransport(log)
	tr.broadcastErr = func(n int) error {
		if n == 0 {
			return &solana.RPCError{Method: "sendTransaction", Code: -32002, Message: "Transaction simulation failed", Err: `{"InstructionError":[0,{"Custom":1}]}`}
		}
		return nil
	}
	engine := newTestEngine(&fakeReplanner{}, store, Options{})
	p := plan.Plan{Swaps: []plan.SwapStep{swapStep("s")}, FetchedAt: testNow}

	first, err := engine.Execute(context.Background(), testSession(), p, newFakeSigner(t, log), tr)
	if !clierr.Is(err, clierr.CodeActionSim) {
		t.Fatalf("expected preflight rejection, got %v", err)
	}
	run, err := store.Get(first.RunID)
	if err != nil || len(run.Steps) != 1 {
		t.Fatalf("journal missing run: %+v %v", run, err)
	}
	sub, ok, _ := store.Submission(run.Steps[0].Signature)
	if !ok || sub.Status != StepStatusFailed {
		t.Fatalf("expected refused signature journaled as failed, got %+v ok=%v", sub, ok)
	}

	if _, err := engine.Execute(context.Background(), testSession(), p, newFakeSigner(t, log), tr); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if tr.simulateCount() != 2 || tr.broadcastCount() != 1 {
		t.Fatalf("expected a fresh simulate and broadcast, got simulate=%d broadcast=%d", tr.simulateCount(), tr.broadcastCount())
	}
}

func TestEngineJournalsFailedRuns(t *testing.T) {
	store := openTestStore(t)
	log := &eventLog{}
	sgn := newFakeSigner(t, log)
	sgn.reject = func(string) bool { return true }
	engine := newTestEngine(&fakeReplanner{}, store, Options{})
	p := plan.Plan{Swaps: []plan.SwapStep{swapStep("s")}, FetchedAt: testNow}

	res, err := engine.Execute(context.Background(), testSession(), p, sgn, newFakeTransport(log))
	if !clierr.Is(err, clierr.CodeUserRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	runs, err := store.List(string(StatusFailed), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].RunID != res.RunID || runs[0].FailureClass != FailureUserRejected {
		t.Fatalf("unexpected journal %+v", runs)
	}
	if runs[0].Steps[0].Status != StepStatusFailed {
		t.Fatalf("expected failed step, got %+v", runs[0].Steps[0])
	}
}

func TestSessionLocksAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	a := newSessionLocks(dir)
	b := newSessionLocks(dir)

	release, err := a.acquire("Wallet1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := a.acquire("Wallet1"); !clierr.Is(err, clierr.CodeBusy) {
		t.Fatalf("expected in-process busy, got %v", err)
	}
	if _, err := b.acquire("Wallet1"); !clierr.Is(err, clierr.CodeBusy) {
		t.Fatalf("expected file lock busy, got %v", err)
	}
	other, err := b.acquire("Wallet2")
	if err != nil {
		t.Fatalf("other wallet should not be blocked: %v", err)
	}
	other()
	release()
	again, err := b.acquire("Wallet1")
	if err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
	again()
}
