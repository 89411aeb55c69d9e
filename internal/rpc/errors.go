package rpc

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/btcsuite/btcd/btcjson"
)

// ErrorKind classifies RPC failures so call sites can decide retry-vs-fatal.
type ErrorKind int

const (
	// KindUnknown covers errors that fit no other bucket.
	KindUnknown ErrorKind = iota
	// KindNotFound means the requested block/transaction does not exist on the node.
	KindNotFound
	// KindBadRequest means the node rejected the request as malformed.
	KindBadRequest
	// KindUnavailable means the node could not be reached or is not ready.
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindBadRequest:
		return "bad_request"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error wraps a bitcoind RPC failure with its classification and method name.
type Error struct {
	Kind   ErrorKind
	Method string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc %s: %s: %v", e.Method, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is an RPC not-found error.
func IsNotFound(err error) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.Kind == KindNotFound
}

// IsUnavailable reports whether err is an RPC unavailability error.
func IsUnavailable(err error) bool {
	var rpcErr *Error
	return errors.As(err, &rpcErr) && rpcErr.Kind == KindUnavailable
}

// classifyError wraps err in *Error with the kind derived from the
// underlying btcjson RPC error code or transport failure.
func classifyError(method string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{
		Kind:   kindOf(err),
		Method: method,
		Err:    err,
	}
}

func kindOf(err error) ErrorKind {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		// -5 covers block-not-found, no-tx-info and invalid-address-or-key.
		case btcjson.ErrRPCInvalidAddressOrKey:
			return KindNotFound
		case btcjson.ErrRPCOutOfRange,
			btcjson.ErrRPCInvalidParameter,
			btcjson.ErrRPCDeserialization,
			btcjson.ErrRPCParse.Code,
			btcjson.ErrRPCInvalidParams.Code:
			return KindBadRequest
		case btcjson.ErrRPCInWarmup,
			btcjson.ErrRPCClientInInitialDownload:
			return KindUnavailable
		default:
			return KindBadRequest
		}
	}

	if isTransportError(err) {
		return KindUnavailable
	}

	return KindUnknown
}

// isTransportError detects connection-level failures that warrant a retry.
func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return true
	}

	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "rate limit") {
		return true
	}

	if strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "gateway timeout") {
		return true
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no such host") {
		return true
	}

	return false
}
