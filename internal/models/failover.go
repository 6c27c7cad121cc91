package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Failure reasons recognized by the failover loop.
const (
	ReasonRateLimit   = "rate_limit"
	ReasonBilling     = "billing"
	ReasonTimeout     = "timeout"
	ReasonServerError = "server_error"
	ReasonAuth        = "auth"
	ReasonOther       = "other"
)

// FailoverError is a recoverable model-layer failure that permits candidate
// rotation. Errors that do not coerce to FailoverError rethrow immediately.
type FailoverError struct {
	Reason  string // rate_limit|billing|timeout|server_error|auth|other
	Status  int    // HTTP status when known
	Code    string // provider error code when known
	Message string
}

func (e *FailoverError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Reason
}

// Coerce classifies err as failover-worthy. Context cancellation is an
// abort and never coerces.
func Coerce(err error) (*FailoverError, bool) {
	if err == nil {
		return nil, false
	}
	if errors.Is(err, context.Canceled) {
		return nil, false
	}
	var fe *FailoverError
	if errors.As(err, &fe) {
		return fe, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &FailoverError{Reason: ReasonTimeout, Message: err.Error()}, true
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return &FailoverError{Reason: ReasonRateLimit, Status: 429, Message: err.Error()}, true
	case strings.Contains(msg, "billing") || strings.Contains(msg, "quota") || strings.Contains(msg, "credit"):
		return &FailoverError{Reason: ReasonBilling, Message: err.Error()}, true
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return &FailoverError{Reason: ReasonTimeout, Message: err.Error()}, true
	case strings.Contains(msg, "overloaded") || strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503"):
		return &FailoverError{Reason: ReasonServerError, Message: err.Error()}, true
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return &FailoverError{Reason: ReasonAuth, Message: err.Error()}, true
	}
	return nil, false
}

// Attempt records one failed candidate.
type Attempt struct {
	Candidate Candidate
	Reason    string
	Message   string
}

// Result carries the winning candidate alongside the operation result.
type Result[T any] struct {
	Value    T
	Provider string
	Model    string
	Attempts []Attempt
}

// RunOptions configures RunWithFailover.
type RunOptions struct {
	// OnError is invoked after each classified failure.
	OnError func(c Candidate, fe *FailoverError)
	// IsCLI marks providers whose failures record a cool-down.
	IsCLI func(provider string) bool
	// Cooldowns receives cool-downs for failed CLI candidates.
	Cooldowns *Cooldowns
}

// RunWithFailover executes run against candidates in order until one succeeds.
//
// Aborts (context cancellation) rethrow immediately. Non-failover errors
// rethrow. When only one attempt was made the original error is rethrown
// instead of a summary.
func RunWithFailover[T any](ctx context.Context, candidates []Candidate, run func(context.Context, Candidate) (T, error), opts RunOptions) (*Result[T], error) {
	if len(candidates) == 0 {
		return nil, errors.New("no model candidates available")
	}

	var attempts []Attempt
	var firstErr error

	for _, c := range candidates {
		v, err := run(ctx, c)
		if err == nil {
			return &Result[T]{Value: v, Provider: c.Provider, Model: c.Model, Attempts: attempts}, nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, err
		}
		fe, ok := Coerce(err)
		if !ok {
			return nil, err
		}
		if firstErr == nil {
			firstErr = err
		}
		attempts = append(attempts, Attempt{Candidate: c, Reason: fe.Reason, Message: fe.Message})
		if opts.OnError != nil {
			opts.OnError(c, fe)
		}
		if opts.Cooldowns != nil && opts.IsCLI != nil && opts.IsCLI(c.Provider) {
			opts.Cooldowns.Mark(c, fe.Reason, fe.Message)
		}
	}

	if len(attempts) == 1 && firstErr != nil {
		return nil, firstErr
	}
	return nil, fmt.Errorf("All models failed (%d): %s", len(attempts), FormatAttempts(attempts))
}
