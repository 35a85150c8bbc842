// Package conform defines the status vocabulary shared by every custody
// stage: status tags, stable reason codes, the error taxonomy, the
// machine-readable status record, and the explicit RunContext.
//
// Degenerate-but-expected outcomes (empty scope, partial anchor scope) are
// expressed as statuses so callers can apply policy; hard failures are
// errors carrying a reason code.
package conform

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/custody/pkg/util/atomicfile"
)

// Status tags a stage outcome.
type Status string

const (
	StatusPass    Status = "PASS"
	StatusPartial Status = "PARTIAL"
	StatusBlocked Status = "BLOCKED"
	StatusFail    Status = "FAIL"
)

// StatusRecord is the structured record emitted alongside every exit code.
type StatusRecord struct {
	Stage       string         `json:"stage"`
	Status      Status         `json:"status"`
	ReasonCode  string         `json:"reason_code,omitempty"`
	Message     string         `json:"message"`
	Remediation string         `json:"remediation,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// blockingCodes are failures caused by an external precondition rather
// than by the evidence itself.
var blockingCodes = map[string]bool{
	ReasonKillLockActive:    true,
	ReasonUpdateForbiddenCI: true,
	ReasonEpochLocked:       true,
	ReasonPriorEpochInvalid: true,
}

// StatusFor maps a reason code of a hard failure to its status tag.
func StatusFor(code string) Status {
	if blockingCodes[code] {
		return StatusBlocked
	}
	return StatusFail
}

// Pass builds a PASS record.
func Pass(stage, message string) StatusRecord {
	return StatusRecord{Stage: stage, Status: StatusPass, Message: message}
}

// Partial builds a PARTIAL record for a non-fatal degenerate state.
func Partial(stage, code, message string) StatusRecord {
	return StatusRecord{
		Stage:       stage,
		Status:      StatusPartial,
		ReasonCode:  code,
		Message:     message,
		Remediation: Remediation(code),
	}
}

// RecordFor converts a stage error into its status record. A nil error
// yields PASS.
func RecordFor(stage string, err error) StatusRecord {
	if err == nil {
		return Pass(stage, "ok")
	}
	var ce *Error
	if !errors.As(err, &ce) {
		return StatusRecord{
			Stage:       stage,
			Status:      StatusFail,
			ReasonCode:  ReasonInternal,
			Message:     err.Error(),
			Remediation: Remediation(ReasonInternal),
		}
	}
	rem := ce.Remediation
	if rem == "" {
		rem = Remediation(ce.Code)
	}
	return StatusRecord{
		Stage:       stage,
		Status:      StatusFor(ce.Code),
		ReasonCode:  ce.Code,
		Message:     err.Error(),
		Remediation: rem,
	}
}

// WithDetail returns a copy of r with key set in Details.
func (r StatusRecord) WithDetail(key string, value any) StatusRecord {
	details := make(map[string]any, len(r.Details)+1)
	for k, v := range r.Details {
		details[k] = v
	}
	details[key] = value
	r.Details = details
	return r
}

// ExitCode returns the process exit code for the record: 0 for PASS,
// 1 for everything else.
func (r StatusRecord) ExitCode() int {
	if r.Status == StatusPass {
		return 0
	}
	return 1
}

// WriteStatusRecord writes the record as indented JSON, atomically.
func WriteStatusRecord(path string, r StatusRecord) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status record: %w", err)
	}
	return atomicfile.WriteFile(path, append(data, '\n'), 0o644)
}
