package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

const DefaultRPCURL = "https://api.mainnet-beta.solana.com"

// Commitment levels used by the client.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

type SimulationResult struct {
	// Err is the JSON text of the simulation error, empty on success.
	Err           string   `json:"err,omitempty"`
	Logs          []string `json:"logs,omitempty"`
	UnitsConsumed uint64   `json:"units_consumed,omitempty"`
}

type SignatureStatus struct {
	Found              bool   `json:"found"`
	Slot               uint64 `json:"slot,omitempty"`
	ConfirmationStatus string `json:"confirmation_status,omitempty"`
	// Err is the JSON text of the on-chain failure, empty on success.
	Err string `json:"err,omitempty"`
}

// Confirmed reports whether the transaction reached at least confirmed
// commitment.
func (s SignatureStatus) Confirmed() bool {
	return s.Found && (s.ConfirmationStatus == CommitmentConfirmed || s.ConfirmationStatus == CommitmentFinalized)
}

// Client speaks Solana JSON-RPC over the go-ethereum rpc transport.
type Client struct {
	rpc     *gethrpc.Client
	limiter *rate.Limiter
}

// Dial connects to endpoint. requestsPerSecond <= 0 disables pacing.
func Dial(ctx context.Context, endpoint string, requestsPerSecond float64) (*Client, error) {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultRPCURL
	}
	c, err := gethrpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial solana rpc: %w", err)
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &Client{rpc: c, limiter: rate.NewLimiter(limit, 1)}, nil
}

func (c *Client) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

func (c *Client) Simulate(ctx context.Context, tx []byte) (SimulationResult, error) {
	var resp struct {
		Value struct {
			Err           json.RawMessage `json:"err"`
			Logs          []string        `json:"logs"`
			UnitsConsumed uint64          `json:"unitsConsumed"`
		} `json:"value"`
	}
	opts := map[string]any{
		"encoding":   "base64",
		"sigVerify":  true,
		"commitment": CommitmentProcessed,
	}
	if err := c.call(ctx, &resp, "simulateTransaction", base64.StdEncoding.EncodeToString(tx), opts); err != nil {
		return SimulationResult{}, err
	}
	return SimulationResult{
		Err:           rawErrString(resp.Value.Err),
		Logs:          resp.Value.Logs,
		UnitsConsumed: resp.Value.UnitsConsumed,
	}, nil
}

// Broadcast submits tx with preflight enabled and returns its signature.
func (c *Client) Broadcast(ctx context.Context, tx []byte) (string, error) {
	var sig string
	opts := map[string]any{
		"encoding":            "base64",
		"skipPreflight":       false,
		"preflightCommitment": CommitmentProcessed,
	}
	if err := c.call(ctx, &sig, "sendTransaction", base64.StdEncoding.EncodeToString(tx), opts); err != nil {
		return "", err
	}
	return sig, nil
}

// Confirm returns the current status of signature without waiting.
func (c *Client) Confirm(ctx context.Context, signature string) (SignatureStatus, error) {
	var resp struct {
		Value []*struct {
			Slot               uint64          `json:"slot"`
			Err                json.RawMessage `json:"err"`
			ConfirmationStatus string          `json:"confirmationStatus"`
		} `json:"value"`
	}
	opts := map[string]any{"searchTransactionHistory": true}
	if err := c.call(ctx, &resp, "getSignatureStatuses", []string{signature}, opts); err != nil {
		return SignatureStatus{}, err
	}
	if len(resp.Value) == 0 || resp.Value[0] == nil {
		return SignatureStatus{}, nil
	}
	v := resp.Value[0]
	return SignatureStatus{
		Found:              true,
		Slot:               v.Slot,
		ConfirmationStatus: v.ConfirmationStatus,
		Err:                rawErrString(v.Err),
	}, nil
}

func (c *Client) LatestBlockhash(ctx context.Context) (string, error) {
	var resp struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	opts := map[string]any{"commitment": CommitmentConfirmed}
	if err := c.call(ctx, &resp, "getLatestBlockhash", opts); err != nil {
		return "", err
	}
	if resp.Value.Blockhash == "" {
		return "", fmt.Errorf("getLatestBlockhash returned empty blockhash")
	}
	return resp.Value.Blockhash, nil
}

func (c *Client) call(ctx context.Context, out any, method string, args ...any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if err := c.rpc.CallContext(ctx, out, method, args...); err != nil {
		return newRPCError(method, err)
	}
	return nil
}

func rawErrString(raw json.RawMessage) string {
	v := strings.TrimSpace(string(raw))
	if v == "" || v == "null" {
		return ""
	}
	return v
}

// RPCError is a JSON-RPC failure with the preflight details Solana attaches.
type RPCError struct {
	Method  string
	Code    int
	Message string
	// Err is the JSON text of the transaction error from the error data.
	Err   string
	Logs  []string
	cause error
}

func (e *RPCError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: rpc error %d: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

func (e *RPCError) Unwrap() error { return e.cause }

func newRPCError(method string, err error) *RPCError {
	out := &RPCError{Method: method, Message: err.Error(), cause: err}
	var coded gethrpc.Error
	if errors.As(err, &coded) {
		out.Code = coded.ErrorCode()
	}
	var withData gethrpc.DataError
	if errors.As(err, &withData) {
		if data, ok := withData.ErrorData().(map[string]any); ok {
			if txErr, ok := data["err"]; ok && txErr != nil {
				if buf, err := json.Marshal(txErr); err == nil {
					out.Err = string(buf)
				}
			}
			if logs, ok := data["logs"].([]any); ok {
				for _, line := range logs {
					if s, ok := line.(string); ok {
						out.Logs = append(out.Logs, s)
					}
				}
			}
		}
	}
	return out
}
