package errormsg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Class is the delivery-level category of an error. The pool, monitor and retry
// queue branch on the class, never on the concrete error.
type Class int

const (
	ClassNone Class = iota
	ClassTransport
	ClassEndpointUnavailable
	ClassAllEndpointsUnavailable
	ClassApplicationRejected
	ClassExpired
	ClassPermanentFailure
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransport:
		return "transport"
	case ClassEndpointUnavailable:
		return "endpoint_unavailable"
	case ClassAllEndpointsUnavailable:
		return "all_endpoints_unavailable"
	case ClassApplicationRejected:
		return "application_rejected"
	case ClassExpired:
		return "expired"
	case ClassPermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

func ParseClass(s string) (Class, error) {
	for c := ClassNone; c <= ClassPermanentFailure; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return ClassNone, fmt.Errorf("unknown error class %q", s)
}

// Retryable reports whether a job that failed with this class may be attempted again.
func (c Class) Retryable() bool {
	return c != ClassPermanentFailure
}

var (
	ErrTransport               = errors.New("transport error")
	ErrEndpointUnavailable     = errors.New("endpoint unavailable")
	ErrAllEndpointsUnavailable = errors.New("all endpoints unavailable")
	ErrApplicationRejected     = errors.New("rejected by ledger")
	ErrExpired                 = errors.New("validity window expired")
	ErrPermanentFailure        = errors.New("permanent failure")
)

func (c Class) sentinel() error {
	switch c {
	case ClassTransport:
		return ErrTransport
	case ClassEndpointUnavailable:
		return ErrEndpointUnavailable
	case ClassAllEndpointsUnavailable:
		return ErrAllEndpointsUnavailable
	case ClassApplicationRejected:
		return ErrApplicationRejected
	case ClassExpired:
		return ErrExpired
	case ClassPermanentFailure:
		return ErrPermanentFailure
	default:
		return nil
	}
}

// Error carries a Class next to the underlying cause.
type Error struct {
	Class Class
	Err   error
}

func Wrap(class Class, err error) error {
	if err == nil {
		err = class.sentinel()
	}
	return &Error{Class: class, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Class.String()
	}
	return fmt.Sprintf("%s: %s", e.Class.String(), e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	s := e.Class.sentinel()
	return s != nil && target == s
}

// JSON-RPC codes with which a node rejects the request itself.  Every other code, the
// generic -32000/-32001, node unhealthy (-32005) and internal (-32603) included, may come
// from an overloaded node or proxy and is blamed on the endpoint.
var rejectionCodes = map[int]bool{
	-32002: true, // send transaction preflight failure
	-32003: true, // signature verification failure
	-32004: true, // block not available
	-32007: true, // slot skipped
	-32009: true, // slot missing in long-term storage
	-32010: true, // key excluded from secondary index
	-32013: true, // transaction signature length mismatch
	-32015: true, // unsupported transaction version
	-32016: true, // minimum context slot not reached
	-32600: true, // invalid request
	-32602: true, // invalid params
}

// Classify maps an arbitrary error returned by an endpoint call onto a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	for _, c := range []Class{
		ClassTransport,
		ClassEndpointUnavailable,
		ClassAllEndpointsUnavailable,
		ClassApplicationRejected,
		ClassExpired,
		ClassPermanentFailure,
	} {
		if errors.Is(err, c.sentinel()) {
			return c
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransport
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if rejectionCodes[rpcErr.Code] {
			return ClassApplicationRejected
		}
		return ClassTransport
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Code >= http.StatusInternalServerError || httpErr.Code == http.StatusTooManyRequests {
			return ClassTransport
		}
		return ClassApplicationRejected
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransport
	}
	// everything else (closed connections, EOF, malformed bodies) is blamed on the endpoint
	return ClassTransport
}

// IsStaleBlockhash recognises the ledger rejecting a transaction whose recent blockhash
// is unknown to it.  Such a transaction will never land and needs a new anchor.
func IsStaleBlockhash(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blockhash not found") || strings.Contains(msg, "blockhashnotfound")
}
