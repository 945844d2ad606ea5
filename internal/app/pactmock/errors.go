package pactmock

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrRegistrationClosed = errors.New("interactions can only be registered while the mock provider is stopped")
	ErrNotRunning         = errors.New("mock provider is not running")
	ErrInteractionUnknown = errors.New("interaction not found")
	ErrWaitTimeout        = errors.New("timeout waiting for interactions to be met")
)

// InvalidInteractionError is returned when an interaction cannot be registered.
type InvalidInteractionError struct {
	Description string
	Err         error
}

func (e *InvalidInteractionError) Error() string {
	return fmt.Sprintf("invalid interaction %q: %s", e.Description, e.Err)
}

func (e *InvalidInteractionError) Unwrap() error { return e.Err }

// BindError is returned when the mock provider cannot listen on its address.
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("unable to bind mock provider to %s: %s", e.Address, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// DrainTimeoutError reports requests still in flight when Stop gave up
// waiting. It is not fatal; completed records remain available to Verify.
type DrainTimeoutError struct {
	Timeout  time.Duration
	InFlight int64
}

func (e *DrainTimeoutError) Error() string {
	return fmt.Sprintf("%d request(s) still in flight after %s, connections were closed", e.InFlight, e.Timeout)
}

// UnmatchedRequestError describes a request no interaction matched. It is
// never returned while serving; it only appears in a Verdict report.
type UnmatchedRequestError struct {
	Request Request
}

func (e *UnmatchedRequestError) Error() string {
	msg := fmt.Sprintf("unexpected request %s %s", e.Request.Method, e.Request.Path)
	if e.Request.RawBody != "" {
		msg += " with body " + e.Request.RawBody
	}
	return msg
}

// VerificationError aggregates everything wrong with a Verdict.
type VerificationError struct {
	Verdict Verdict
}

func (e *VerificationError) Error() string {
	var b strings.Builder
	b.WriteString("pact verification failed")
	if len(e.Verdict.UnmatchedInteractions) > 0 {
		b.WriteString("\n  missing requests:")
		for _, i := range e.Verdict.UnmatchedInteractions {
			b.WriteString("\n    - " + i.String())
		}
	}
	if len(e.Verdict.UnexpectedRequests) > 0 {
		b.WriteString("\n  unexpected requests:")
		for _, r := range e.Verdict.UnexpectedRequests {
			b.WriteString("\n    - " + (&UnmatchedRequestError{Request: r}).Error())
		}
	}
	if e.Verdict.DrainError != nil {
		b.WriteString("\n  " + e.Verdict.DrainError.Error())
	}
	return b.String()
}
