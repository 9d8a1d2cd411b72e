package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies ledger failures for retry decisions.
type ErrorKind string

// Error taxonomy.
const (
	KindInsufficientTokens ErrorKind = "INSUFFICIENT_TOKENS"
	KindInsufficientFunds  ErrorKind = "INSUFFICIENT_FUNDS"
	KindRateLimit          ErrorKind = "RATE_LIMIT"
	KindTimeout            ErrorKind = "TIMEOUT"
	KindBlockhashExpired   ErrorKind = "BLOCKHASH_EXPIRED"
	KindNetwork            ErrorKind = "NETWORK_ERROR"
	KindTokenAccount       ErrorKind = "TOKEN_ACCOUNT_ERROR"
	KindMaxRetries         ErrorKind = "MAX_RETRIES_EXCEEDED"
	KindProcessing         ErrorKind = "PROCESSING_ERROR"
	KindUnknown            ErrorKind = "UNKNOWN"
)

// Retryable reports whether a failure of this kind may be retried.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindBlockhashExpired, KindNetwork:
		return true
	}
	return false
}

// RequiresRefresh reports whether the submission context must be regenerated
// before the next attempt.
func (k ErrorKind) RequiresRefresh() bool {
	return k == KindBlockhashExpired
}

func (k ErrorKind) String() string {
	return string(k)
}

// Error is a classified ledger failure.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

// NewError builds a classified error.
func NewError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Wrap attaches a kind to an existing error.
func Wrap(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

var messageKinds = []struct {
	kind    ErrorKind
	needles []string
}{
	{KindInsufficientFunds, []string{"insufficient funds", "insufficient balance for transfer", "fee payer"}},
	{KindInsufficientTokens, []string{"transfer amount exceeds balance", "burn amount exceeds balance", "insufficient token"}},
	{KindBlockhashExpired, []string{"nonce too low", "replacement transaction underpriced", "blockhash not found", "block height exceeded", "submission context expired"}},
	{KindRateLimit, []string{"429", "too many requests", "rate limit", "request limit"}},
	{KindTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{KindTokenAccount, []string{"no contract code", "account not found", "invalid account owner", "token account"}},
	{KindNetwork, []string{"connection refused", "connection reset", "no such host", "eof", "broken pipe", "network is unreachable", "503", "502"}},
	{KindProcessing, []string{"execution reverted", "transaction failed", "reverted"}},
}

// Classify maps an arbitrary gateway error onto the taxonomy. Unrecognised
// errors are UNKNOWN, which is not retryable.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) && typed.Kind != "" {
		return typed.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	msg := strings.ToLower(err.Error())
	for _, entry := range messageKinds {
		for _, needle := range entry.needles {
			if strings.Contains(msg, needle) {
				return entry.kind
			}
		}
	}
	return KindUnknown
}
