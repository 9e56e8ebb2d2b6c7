package solana

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var (
	hexCustomPattern  = regexp.MustCompile(`custom program error: 0x([0-9a-fA-F]+)`)
	jsonCustomPattern = regexp.MustCompile(`"Custom"\s*:\s*(\d+)`)
)

// CustomErrorCodes extracts program error codes from a transaction error,
// whether reported as text, as preflight logs or as a JSON error value.
func CustomErrorCodes(texts ...string) []uint32 {
	seen := map[uint32]bool{}
	var out []uint32
	add := func(v uint64) {
		code := uint32(v)
		if !seen[code] {
			seen[code] = true
			out = append(out, code)
		}
	}
	for _, text := range texts {
		for _, m := range hexCustomPattern.FindAllStringSubmatch(text, -1) {
			if v, err := strconv.ParseUint(m[1], 16, 32); err == nil {
				add(v)
			}
		}
		for _, m := range jsonCustomPattern.FindAllStringSubmatch(text, -1) {
			if v, err := strconv.ParseUint(m[1], 10, 32); err == nil {
				add(v)
			}
		}
	}
	return out
}

// ErrorTexts flattens err into the strings worth scanning for program
// errors: the message, the structured transaction error and the logs.
func ErrorTexts(err error) []string {
	if err == nil {
		return nil
	}
	texts := []string{err.Error()}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Err != "" {
			texts = append(texts, rpcErr.Err)
		}
		texts = append(texts, rpcErr.Logs...)
	}
	return texts
}

// IsBlockhashExpired reports whether the cluster rejected the transaction
// because its recent blockhash is unknown or too old.
func IsBlockhashExpired(texts ...string) bool {
	for _, text := range texts {
		lower := strings.ToLower(text)
		if strings.Contains(lower, "blockhash not found") || strings.Contains(lower, "blockhashnotfound") || strings.Contains(lower, "block height exceeded") {
			return true
		}
	}
	return false
}

// IsRejected reports whether the node answered a call with a JSON-RPC error,
// which for sendTransaction means the transaction was not forwarded. Transport
// failures return false: the request may have reached the cluster.
func IsRejected(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code != 0
}

// PreflightErr returns the transaction error attached to a rejected
// sendTransaction, or "" when the rejection carried none.
func PreflightErr(err error) string {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return ""
	}
	return rpcErr.Err
}
