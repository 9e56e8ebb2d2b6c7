package solana

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newRPCServer(t *testing.T, handle func(req rpcRequest) (any, map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, rpcErr := handle(req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialTest(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, 0)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestSimulateReportsErrorAndLogs(t *testing.T) {
	var opts map[string]any
	srv := newRPCServer(t, func(req rpcRequest) (any, map[string]any) {
		if req.Method != "simulateTransaction" {
			t.Errorf("unexpected method %s", req.Method)
		}
		_ = json.Unmarshal(req.Params[1], &opts)
		return map[string]any{
			"context": map[string]any{"slot": 10},
			"value": map[string]any{
				"err":           map[string]any{"InstructionError": []any{0, "InsufficientFunds"}},
				"logs":          []string{"Program log: insufficient lamports"},
				"unitsConsumed": 1200,
			},
		}, nil
	})
	c := dialTest(t, srv.URL)

	res, err := c.Simulate(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if res.Err == "" || len(res.Logs) != 1 || res.UnitsConsumed != 1200 {
		t.Fatalf("unexpected simulation result %+v", res)
	}
	if opts["sigVerify"] != true || opts["encoding"] != "base64" {
		t.Fatalf("unexpected simulate options %+v", opts)
	}
}

func TestSimulateSuccessHasEmptyErr(t *testing.T) {
	srv := newRPCServer(t, func(req rpcRequest) (any, map[string]any) {
		return map[string]any{"value": map[string]any{"err": nil, "logs": []string{}}}, nil
	})
	c := dialTest(t, srv.URL)
	res, err := c.Simulate(context.Background(), []byte{1})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if res.Err != "" {
		t.Fatalf("expected empty error, got %q", res.Err)
	}
}

func TestBroadcastPreflightErrorCarriesData(t *testing.T) {
	srv := newRPCServer(t, func(req rpcRequest) (any, map[string]any) {
		return nil, map[string]any{
			"code":    -32002,
			"message": "Transaction simulation failed: Error processing Instruction 2: custom program error: 0x1771",
			"data": map[string]any{
				"err":  map[string]any{"InstructionError": []any{2, map[string]any{"Custom": 6001}}},
				"logs": []string{"Program log: Error: SlippageToleranceExceeded"},
			},
		}
	})
	c := dialTest(t, srv.URL)

	_, err := c.Broadcast(context.Background(), []byte{1})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %T %v", err, err)
	}
	if rpcErr.Code != -32002 || rpcErr.Method != "sendTransaction" {
		t.Fatalf("unexpected rpc error %+v", rpcErr)
	}
	if len(rpcErr.Logs) != 1 {
		t.Fatalf("expected preflight logs, got %v", rpcErr.Logs)
	}
	codes := CustomErrorCodes(ErrorTexts(err)...)
	if len(codes) != 1 || codes[0] != 0x1771 {
		t.Fatalf("expected custom code 0x1771, got %v", codes)
	}
	if !IsRejected(err) || PreflightErr(err) == "" {
		t.Fatalf("preflight error should count as a rejection with a tx error, got %v", err)
	}
}

func TestTransportFailureIsNotARejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer cannot hijack")
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	t.Cleanup(srv.Close)
	c := dialTest(t, srv.URL)

	_, err := c.Broadcast(context.Background(), []byte{1})
	if err == nil {
		t.Fatal("expected broadcast error")
	}
	if IsRejected(err) {
		t.Fatalf("dropped connection must not count as a rejection: %v", err)
	}
	if IsRejected(errors.New("connection reset by peer")) || PreflightErr(errors.New("x")) != "" {
		t.Fatal("plain errors carry no rejection")
	}
}

func TestConfirmStatuses(t *testing.T) {
	statuses := map[string]any{
		"pending":   nil,
		"confirmed": map[string]any{"slot": 42, "err": nil, "confirmationStatus": "confirmed"},
		"failed":    map[string]any{"slot": 43, "err": map[string]any{"InstructionError": []any{1, map[string]any{"Custom": 6001}}}, "confirmationStatus": "confirmed"},
	}
	srv := newRPCServer(t, func(req rpcRequest) (any, map[string]any) {
		var sigs []string
		_ = json.Unmarshal(req.Params[0], &sigs)
		return map[string]any{"value": []any{statuses[sigs[0]]}}, nil
	})
	c := dialTest(t, srv.URL)

	pending, err := c.Confirm(context.Background(), "pending")
	if err != nil || pending.Found {
		t.Fatalf("expected not found, got %+v err=%v", pending, err)
	}
	confirmed, err := c.Confirm(context.Background(), "confirmed")
	if err != nil || !confirmed.Confirmed() || confirmed.Slot != 42 {
		t.Fatalf("expected confirmed, got %+v err=%v", confirmed, err)
	}
	failed, err := c.Confirm(context.Background(), "failed")
	if err != nil || failed.Err == "" {
		t.Fatalf("expected on-chain error, got %+v err=%v", failed, err)
	}
}

func TestLatestBlockhash(t *testing.T) {
	srv := newRPCServer(t, func(req rpcRequest) (any, map[string]any) {
		return map[string]any{"value": map[string]any{"blockhash": "4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn", "lastValidBlockHeight": 100}}, nil
	})
	c := dialTest(t, srv.URL)
	hash, err := c.LatestBlockhash(context.Background())
	if err != nil || hash != "4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn" {
		t.Fatalf("unexpected blockhash %q err=%v", hash, err)
	}
}

func TestCustomErrorCodesAndExpiry(t *testing.T) {
	codes := CustomErrorCodes(`custom program error: 0x1771`, `{"InstructionError":[3,{"Custom":6001}]}`, `{"Custom": 1}`)
	if len(codes) != 2 || codes[0] != 6001 || codes[1] != 1 {
		t.Fatalf("unexpected codes %v", codes)
	}
	if !IsBlockhashExpired("Transaction simulation failed: Blockhash not found") {
		t.Fatal("expected blockhash expiry match")
	}
	if IsBlockhashExpired("insufficient funds") {
		t.Fatal("unexpected expiry match")
	}
}
