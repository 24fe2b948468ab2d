package models

import (
	"errors"
	"fmt"
)

var (
	// Registry
	ErrAlreadySubmitted = errors.New("already chosen")
	ErrNoPriorChoice    = errors.New("no previous choice found")
	ErrInvalidProof     = errors.New("invalid input proof")
	ErrStaleNonce       = errors.New("stale call nonce")
	ErrUnauthorized     = errors.New("call signer does not match identity")
	ErrInvalidIdentity  = errors.New("invalid identity")

	// Capabilities
	ErrEncryptionFailed      = errors.New("encryption failed")
	ErrDecryptionDenied      = errors.New("decryption denied")
	ErrDecryptionUnavailable = errors.New("decryption unavailable")

	// Orchestrator
	ErrOperationInProgress = errors.New("operation already in progress")
	ErrNoStoredChoice      = errors.New("no stored choice to reveal")
	ErrInvalidChoice       = errors.New("choice outside catalog range")

	ErrNotFound = errors.New("not found")
)

// JSON-RPC application error codes, one per error kind.
const (
	CodeAlreadySubmitted      = -32010
	CodeNoPriorChoice         = -32011
	CodeInvalidProof          = -32012
	CodeStaleNonce            = -32013
	CodeUnauthorized          = -32014
	CodeInvalidIdentity       = -32015
	CodeEncryptionFailed      = -32020
	CodeDecryptionDenied      = -32021
	CodeDecryptionUnavailable = -32022
	CodeInternal              = -32603
)

var errorCodes = []struct {
	err  error
	code int
}{
	{ErrAlreadySubmitted, CodeAlreadySubmitted},
	{ErrNoPriorChoice, CodeNoPriorChoice},
	{ErrInvalidProof, CodeInvalidProof},
	{ErrStaleNonce, CodeStaleNonce},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrInvalidIdentity, CodeInvalidIdentity},
	{ErrEncryptionFailed, CodeEncryptionFailed},
	{ErrDecryptionDenied, CodeDecryptionDenied},
	{ErrDecryptionUnavailable, CodeDecryptionUnavailable},
}

// ErrorCode returns the wire code for err's kind, or CodeInternal.
func ErrorCode(err error) int {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}

// ErrorForCode returns the sentinel error registered for code, or nil.
func ErrorForCode(code int) error {
	for _, ec := range errorCodes {
		if ec.code == code {
			return ec.err
		}
	}
	return nil
}

// Retryable reports whether the caller may retry the failed call unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrDecryptionUnavailable) || errors.Is(err, ErrOperationInProgress)
}

// Phase names the orchestrator step that failed.
type Phase string

const (
	PhaseValidate  Phase = "validate"
	PhaseResolve   Phase = "resolve"
	PhaseEncrypt   Phase = "encrypt"
	PhaseSubmit    Phase = "submit"
	PhaseUpdate    Phase = "update"
	PhaseRefresh   Phase = "refresh"
	PhaseAuthorize Phase = "authorize"
	PhaseDecrypt   Phase = "decrypt"
)

// StepError attaches the failing phase to an error.
type StepError struct {
	Phase Phase
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// PhaseOf returns the phase recorded in err, if any.
func PhaseOf(err error) (Phase, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Phase, true
	}
	return "", false
}
