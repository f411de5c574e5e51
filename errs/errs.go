// Package errs holds the failure taxonomy shared by every step of the
// issuance flow. Errors are matched by code, so a wrapped error still
// satisfies errors.Is against the sentinel of its code.
package errs

import (
	"errors"
)

// Code classifies a failure independently of the component that raised it.
type Code string

const (
	CodeMalformedIdentifier         Code = "malformed_identifier"
	CodeNotAnEthereumBackedIdentity Code = "not_an_ethereum_backed_identity"
	CodeUserRejected                Code = "user_rejected"
	CodeNoAccountsAvailable         Code = "no_accounts_available"
	CodeUnsupportedIssuer           Code = "unsupported_issuer"
	CodeTransactionRejectedByUser   Code = "transaction_rejected_by_user"
	CodeTransactionReverted         Code = "transaction_reverted"
	CodeSessionCheckFailed          Code = "session_check_failed"
	CodeSessionExpired              Code = "session_expired"
	CodeConversionFailed            Code = "conversion_failed"
	CodeNetworkUnavailable          Code = "network_unavailable"
	CodeIssuanceInProgress          Code = "issuance_in_progress"
)

// Sentinels for errors.Is.
var (
	ErrMalformedIdentifier         = &Error{Code: CodeMalformedIdentifier}
	ErrNotAnEthereumBackedIdentity = &Error{Code: CodeNotAnEthereumBackedIdentity}
	ErrUserRejected                = &Error{Code: CodeUserRejected}
	ErrNoAccountsAvailable         = &Error{Code: CodeNoAccountsAvailable}
	ErrUnsupportedIssuer           = &Error{Code: CodeUnsupportedIssuer}
	ErrTransactionRejectedByUser   = &Error{Code: CodeTransactionRejectedByUser}
	ErrTransactionReverted         = &Error{Code: CodeTransactionReverted}
	ErrSessionCheckFailed          = &Error{Code: CodeSessionCheckFailed}
	ErrSessionExpired              = &Error{Code: CodeSessionExpired}
	ErrConversionFailed            = &Error{Code: CodeConversionFailed}
	ErrNetworkUnavailable          = &Error{Code: CodeNetworkUnavailable}
	ErrIssuanceInProgress          = &Error{Code: CodeIssuanceInProgress}
)

// Error is a classified failure. Err keeps the underlying cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates an error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap classifies err with code. If err is already classified its original
// code is kept, so the innermost classification wins.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Code: existing.Code, Message: msg, Err: err}
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code of the outermost classified error in the chain,
// or an empty code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err is classified with code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsVoluntary reports whether err stems from the user declining a wallet
// prompt. Such failures should not be presented as alarms.
func IsVoluntary(err error) bool {
	switch CodeOf(err) {
	case CodeUserRejected, CodeTransactionRejectedByUser:
		return true
	default:
		return false
	}
}
