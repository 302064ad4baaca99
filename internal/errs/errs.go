// Package errs implements the tagged error taxonomy of the orchestrator:
// a small set of error kinds that every component boundary maps into so
// the Orchestrator can pick an exit code and a human-readable message
// without inspecting concrete error types.
package errs

import "fmt"

// Kind is one of the error categories every component boundary reports.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuth               Kind = "auth"
	KindQuota              Kind = "quota"
	KindTransientCloud     Kind = "transient_cloud"
	KindPropagation        Kind = "propagation"
	KindConnectivity       Kind = "connectivity"
	KindHardeningInvariant Kind = "hardening_invariant"
	KindRemoteCommand      Kind = "remote_command"
	KindRecoveryRequired   Kind = "recovery_required"
	KindUserCancelled      Kind = "user_cancelled"
)

// Error is the single structured error type used across component
// boundaries. Everything else keeps wrapping with fmt.Errorf("...: %w", err)
// as usual; Error satisfies Unwrap so those wraps still work.
type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Cause   error
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	for k, v := range e.Fields {
		msg += fmt.Sprintf(" %s=%q", k, v)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, msg string, cause error, fields map[string]string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause, Fields: fields}
}

func Validation(field, rule string) *Error {
	return newErr(KindValidation, "invalid configuration", nil, map[string]string{"field": field, "rule": rule})
}

func Auth(provider, action string, cause error) *Error {
	return newErr(KindAuth, fmt.Sprintf("%s rejected credentials for %s", provider, action), cause, nil)
}

func Quota(provider, quota, suggestion string) *Error {
	return newErr(KindQuota, fmt.Sprintf("%s quota exceeded: %s (%s)", provider, quota, suggestion), nil, nil)
}

func Transient(provider, action string, cause error) *Error {
	return newErr(KindTransientCloud, fmt.Sprintf("%s: %s failed after retries", provider, action), cause, nil)
}

func Propagation(what string, cause error) *Error {
	return newErr(KindPropagation, fmt.Sprintf("%s did not converge within deadline", what), cause, nil)
}

func Connectivity(host string, cause error) *Error {
	return newErr(KindConnectivity, fmt.Sprintf("cannot reach %s over ssh", host), cause, nil)
}

func HardeningInvariant(invariant, detail string) *Error {
	return newErr(KindHardeningInvariant, fmt.Sprintf("invariant %s violated: %s", invariant, detail), nil, nil)
}

func RemoteCommand(command string, exitCode int, stderrTail string) *Error {
	return newErr(KindRemoteCommand, fmt.Sprintf("command %q exited %d", command, exitCode), nil,
		map[string]string{"stderr": stderrTail})
}

// RecoveryRequired signals that the Broker could not reach the host under
// any known identity and the Recovery Channel must be used instead.
func RecoveryRequired(host string, cause error) *Error {
	return newErr(KindRecoveryRequired, fmt.Sprintf("host %s unreachable under any known identity; recovery channel required", host), cause, nil)
}

// UserCancelled wraps ctx.Err() when an interrupt reached the orchestrator
// before a phase finished.
func UserCancelled(cause error) *Error {
	return newErr(KindUserCancelled, "operation cancelled", cause, nil)
}

// ExitCode maps a Kind to the process's exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if As(err, &e) {
		switch e.Kind {
		case KindValidation:
			return 1
		case KindAuth, KindQuota, KindTransientCloud:
			return 2
		case KindConnectivity:
			return 3
		case KindUserCancelled:
			return 4
		case KindRecoveryRequired:
			return 5
		case KindHardeningInvariant, KindRemoteCommand, KindPropagation:
			return 2
		}
	}
	return 2
}

// As is a thin wrapper so callers don't need to import "errors" just for
// this one call site pattern used throughout the orchestrator.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
