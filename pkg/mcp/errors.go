package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Kind classifies a tool invocation failure for the dispatch layer.
type Kind int

const (
	// KindNotFound — unknown tool, or a tool disabled by config.
	KindNotFound Kind = iota
	// KindInvalidArgs — arguments rejected before dispatch.
	KindInvalidArgs
	// KindTransport — network or subprocess failure; safe to retry on a
	// fresh session.
	KindTransport
	// KindRemote — the server executed the tool and reported isError. Never
	// retried: the call may have had side effects.
	KindRemote
	// KindTimeout — per-call deadline exceeded.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidArgs:
		return "invalid_args"
	case KindTransport:
		return "transport"
	case KindRemote:
		return "remote"
	case KindTimeout:
		return "timeout"
	}
	return "unknown"
}

// Retryable reports whether a fresh-session retry is safe for this kind.
// Only failures that happened before the tool ran qualify.
func (k Kind) Retryable() bool {
	return k == KindTransport || k == KindTimeout
}

// CallError wraps a tool invocation failure with its classification.
type CallError struct {
	Kind   Kind
	Server string
	Tool   string
	Cause  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s.%s: %s: %v", e.Server, e.Tool, e.Kind, e.Cause)
}

func (e *CallError) Unwrap() error { return e.Cause }

// Timing constants for session setup, calls, and retry backoff.
const (
	// InitTimeout is the per-server deadline for transport setup plus the
	// MCP handshake.
	InitTimeout = 30 * time.Second

	// OperationTimeout is the per-call deadline for CallTool and ListTools.
	// Set conservatively: some tools are legitimately slow.
	OperationTimeout = 90 * time.Second

	// RetryBackoffMin is the minimum jittered backoff between retries.
	RetryBackoffMin = 250 * time.Millisecond

	// RetryBackoffMax is the maximum jittered backoff between retries.
	RetryBackoffMax = 750 * time.Millisecond

	// maxInvokeAttempts is the initial attempt plus up to two retries for
	// retryable failures.
	maxInvokeAttempts = 3
)

// classifyError maps an SDK or transport error onto a Kind.
func classifyError(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransport
	}

	if isConnectionError(err) {
		return KindTransport
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "method not found") || strings.Contains(msg, "tool not found") {
		return KindNotFound
	}
	if strings.Contains(msg, "invalid params") || strings.Contains(msg, "invalid request") {
		return KindInvalidArgs
	}

	// Unknown errors are not safe to retry: the tool may have run.
	return KindRemote
}

// isConnectionError detects connection-level transport failures.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	connectionErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	}
	for _, e := range connectionErrors {
		if strings.Contains(msg, e) {
			return true
		}
	}
	return false
}
