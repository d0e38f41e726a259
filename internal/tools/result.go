package tools

import (
	"encoding/json"
)

// FailureOutput is the literal the model receives for any failed action.
const FailureOutput = "failure"

// Reason classifies why an action failed. Reasons are logged and
// traced; the model only ever sees FailureOutput.
type Reason string

const (
	ReasonInvalidArguments Reason = "invalid_arguments"
	ReasonPolicyBlocked    Reason = "policy_blocked"
	ReasonNotFound         Reason = "not_found"
	ReasonUnavailable      Reason = "unavailable"
	ReasonInternal         Reason = "internal"
)

// Result is the outcome of one action. A successful result carries a
// payload; a failed one carries a reason and, optionally, the error
// that caused it.
type Result struct {
	OK      bool
	Payload any
	Reason  Reason
	Err     error
}

// Success returns a successful result carrying payload.
func Success(payload any) Result {
	return Result{OK: true, Payload: payload}
}

// Failure returns a failed result.
func Failure(reason Reason, err error) Result {
	return Result{Reason: reason, Err: err}
}

// Output serializes the result for the completion service. String
// payloads are sent as-is; anything else is JSON encoded. Failures and
// unencodable payloads become FailureOutput.
func (r Result) Output() string {
	if !r.OK {
		return FailureOutput
	}
	switch p := r.Payload.(type) {
	case string:
		return p
	case nil:
		return "success"
	}
	b, err := json.Marshal(r.Payload)
	if err != nil {
		return FailureOutput
	}
	return string(b)
}
