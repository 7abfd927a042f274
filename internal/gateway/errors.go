package gateway

import "fmt"

// Code is a stable, caller-visible error code.
type Code string

const (
	CodeNotFound             Code = "NOT_FOUND"
	CodeOwnerUnavailable     Code = "OWNER_UNAVAILABLE"
	CodeUnsupportedNetwork   Code = "UNSUPPORTED_NETWORK"
	CodeMalformedPayment     Code = "MALFORMED_PAYMENT"
	CodeRequirementMismatch  Code = "REQUIREMENT_MISMATCH"
	CodeVerificationFailed   Code = "VERIFICATION_FAILED"
	CodeSimulationFailed     Code = "SIMULATION_FAILED"
	CodeTargetTimeout        Code = "TARGET_TIMEOUT"
	CodeTargetUnreachable    Code = "TARGET_UNREACHABLE"
	CodeTargetError          Code = "TARGET_ERROR"
	CodeOwnershipChanged     Code = "OWNERSHIP_CHANGED"
	CodeOwnershipUnconfirmed Code = "OWNERSHIP_UNCONFIRMED"
	CodeSettlementFailed     Code = "SETTLEMENT_FAILED"
	CodePayloadTooLarge      Code = "PAYLOAD_TOO_LARGE"
	CodeMethodNotAllowed     Code = "METHOD_NOT_ALLOWED"
	CodeInternal             Code = "INTERNAL"
)

// CallError is a terminal failure of one gateway call. Status is the HTTP
// status returned to the caller; Reason is a machine-readable sub-kind
// (e.g. the simulation failure class).
type CallError struct {
	Code    Code
	Status  int
	Message string
	Reason  string
	Err     error
}

func (e *CallError) Error() string {
	msg := string(e.Code)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CallError) Unwrap() error { return e.Err }

// Challenge reports whether the caller gets a fresh 402 challenge with
// this error. Only payment rejections qualify; a backend that answers 402
// itself is mirrored as TARGET_ERROR.
func (e *CallError) Challenge() bool {
	switch e.Code {
	case CodeRequirementMismatch, CodeVerificationFailed, CodeSimulationFailed:
		return true
	}
	return false
}

func newError(code Code, status int, err error, format string, args ...any) *CallError {
	return &CallError{Code: code, Status: status, Message: fmt.Sprintf(format, args...), Err: err}
}
