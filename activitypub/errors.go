package activitypub

import (
	"errors"
	"fmt"
)

// Class groups error codes by how the caller must react to them
type Class string

const (
	// ClassProtocol is a fault in the request itself; reject, never retry
	ClassProtocol Class = "protocol"
	// ClassDataIntegrity references state we do not have; report and drop
	ClassDataIntegrity Class = "data_integrity"
	// ClassTransient is a network or remote capacity failure; retry with backoff
	ClassTransient Class = "transient"
	// ClassPolicy is an instance policy decision; reject and log
	ClassPolicy Class = "policy"
)

// Code is a stable identifier for a failure mode, recorded in logs, metrics and dead letters
type Code string

// Error is the structured error used across the federation boundary
type Error struct {
	Code  Code
	Class Class
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code so wrapped instances compare equal to their sentinel
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of the sentinel carrying extra detail and an optional cause
func (e *Error) With(cause error, format string, args ...any) *Error {
	msg := e.Msg
	if format != "" {
		msg = fmt.Sprintf("%s: %s", e.Msg, fmt.Sprintf(format, args...))
	}
	return &Error{Code: e.Code, Class: e.Class, Msg: msg, Err: cause}
}

// Signature errors
var (
	ErrMissingSignature       = &Error{Code: "missing_signature", Class: ClassProtocol, Msg: "missing signature header"}
	ErrMalformedSignature     = &Error{Code: "malformed_signature", Class: ClassProtocol, Msg: "malformed signature header"}
	ErrMissingSignedHeaders   = &Error{Code: "missing_signed_headers", Class: ClassProtocol, Msg: "missing signed headers list"}
	ErrRequiredHeaderUnsigned = &Error{Code: "required_header_unsigned", Class: ClassProtocol, Msg: "required header not covered by signature"}
	ErrMissingHeaderValue     = &Error{Code: "missing_header_value", Class: ClassProtocol, Msg: "signed header has no value"}
	ErrInvalidDate            = &Error{Code: "invalid_date", Class: ClassProtocol, Msg: "unparseable date header"}
	ErrDateOutOfWindow        = &Error{Code: "date_out_of_window", Class: ClassProtocol, Msg: "date outside acceptance window"}
	ErrBadDigest              = &Error{Code: "bad_digest", Class: ClassProtocol, Msg: "digest does not match body"}
	ErrUnsupportedAlgorithm   = &Error{Code: "unsupported_algorithm", Class: ClassPolicy, Msg: "unsupported signature algorithm"}
	ErrSignatureMismatch      = &Error{Code: "signature_mismatch", Class: ClassProtocol, Msg: "signature verification failed"}
	ErrActorMismatch          = &Error{Code: "actor_mismatch", Class: ClassProtocol, Msg: "activity actor does not match signer"}
)

// Key resolution errors
var (
	ErrInvalidKeyID      = &Error{Code: "invalid_key_id", Class: ClassProtocol, Msg: "invalid key id"}
	ErrKeyOwnerMismatch  = &Error{Code: "key_owner_mismatch", Class: ClassProtocol, Msg: "actor document does not own key"}
	ErrInvalidKey        = &Error{Code: "invalid_key", Class: ClassDataIntegrity, Msg: "unusable key material"}
	ErrSigningKeyMissing = &Error{Code: "signing_key_missing", Class: ClassDataIntegrity, Msg: "local actor has no signing key"}
	ErrActorNotFound     = &Error{Code: "actor_not_found", Class: ClassDataIntegrity, Msg: "actor not found"}
	ErrActorUnreachable  = &Error{Code: "actor_unreachable", Class: ClassTransient, Msg: "actor document unreachable"}
)

// Handshake errors
var (
	ErrMissingFollow     = &Error{Code: "missing_follow", Class: ClassDataIntegrity, Msg: "follow relationship not found"}
	ErrInvalidTransition = &Error{Code: "invalid_transition", Class: ClassDataIntegrity, Msg: "follow state does not allow transition"}
	ErrMalformedActivity = &Error{Code: "malformed_activity", Class: ClassProtocol, Msg: "malformed activity"}
	ErrUnsupported       = &Error{Code: "unsupported_activity", Class: ClassPolicy, Msg: "unsupported activity type"}
	ErrStore             = &Error{Code: "store_unavailable", Class: ClassTransient, Msg: "store operation failed"}
)

// Delivery errors
var (
	ErrDomainBlocked     = &Error{Code: "domain_blocked", Class: ClassPolicy, Msg: "domain is blocked"}
	ErrRemoteRejected    = &Error{Code: "remote_rejected", Class: ClassDataIntegrity, Msg: "remote rejected delivery"}
	ErrRemoteUnavailable = &Error{Code: "remote_unavailable", Class: ClassTransient, Msg: "remote temporarily unavailable"}
	ErrRateLimited       = &Error{Code: "rate_limited", Class: ClassTransient, Msg: "remote rate limited delivery"}
	ErrTimeout           = &Error{Code: "timeout", Class: ClassTransient, Msg: "request timed out"}
	ErrRetriesExhausted  = &Error{Code: "retries_exhausted", Class: ClassTransient, Msg: "retry budget exhausted"}
	ErrCancelled         = &Error{Code: "cancelled", Class: ClassPolicy, Msg: "delivery cancelled"}
)

// CodeOf returns the code of the first *Error in err's chain, or "internal"
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// ClassOf returns the class of the first *Error in err's chain.
// Uncoded errors are treated as transient so they are retried rather than lost.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassTransient
}

// Retryable reports whether resending the identical message may succeed later
func Retryable(err error) bool {
	return err != nil && ClassOf(err) == ClassTransient
}
