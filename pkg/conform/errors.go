package conform

import (
	"errors"
	"fmt"
)

// Error is a terminal failure carrying a stable reason code.
// Every error produced by the custody pipeline is, or wraps, an *Error.
type Error struct {
	Code        string
	Message     string
	Remediation string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	if msg == e.Code {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by reason code, so
// errors.Is(err, ErrCanonicalMismatch) holds for any canonical mismatch.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Code == e.Code
}

// Sentinels for errors.Is. They carry only a code.
var (
	ErrMalformedInput               = &Error{Code: ReasonMalformedInput}
	ErrStructuralIntegrityViolation = &Error{Code: ReasonStructuralIntegrityViolation}
	ErrEmptyScope                   = &Error{Code: ReasonEmptyScope}
	ErrMissingFile                  = &Error{Code: ReasonMissingFile}
	ErrChainDivergence              = &Error{Code: ReasonChainDivergence}
	ErrMerkleRootMismatch           = &Error{Code: ReasonMerkleRootMismatch}
	ErrCanonicalMismatch            = &Error{Code: ReasonCanonicalMismatch}
	ErrNonConvergence               = &Error{Code: ReasonNonConvergence}
	ErrPriorEpochInvalid            = &Error{Code: ReasonPriorEpochInvalid}
	ErrReadOnlyViolation            = &Error{Code: ReasonReadOnlyViolation}
	ErrUpdateForbiddenInCI          = &Error{Code: ReasonUpdateForbiddenCI}
	ErrEpochLocked                  = &Error{Code: ReasonEpochLocked}
	ErrLedgerLinkBroken             = &Error{Code: ReasonLedgerLinkBroken}
	ErrDocumentFormatDrift          = &Error{Code: ReasonDocumentFormatDrift}
	ErrExecutionFailure             = &Error{Code: ReasonExecutionFailure}
	ErrDeterminismMismatch          = &Error{Code: ReasonDeterminismMismatch}
	ErrTimeoutFailure               = &Error{Code: ReasonTimeoutFailure}
	ErrKillLockActive               = &Error{Code: ReasonKillLockActive}
	ErrPolicyRejected               = &Error{Code: ReasonPolicyRejected}
	ErrConfigInvalid                = &Error{Code: ReasonConfigInvalid}
)

// Newf builds an *Error with the default remediation for code.
func Newf(code, format string, args ...any) *Error {
	return &Error{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Remediation: Remediation(code),
	}
}

// Wrap attaches a reason code to an underlying error.
func Wrap(code string, err error, format string, args ...any) *Error {
	e := Newf(code, format, args...)
	e.Err = err
	return e
}

// CodeOf extracts the reason code from err, or ReasonInternal when err
// carries none.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ReasonInternal
}
