package domain

import (
	"fmt"
	"strings"
)

// FailurePolicy decides what a guardrail stage does when its own machinery
// fails, as opposed to reaching a genuine policy verdict.
type FailurePolicy int

const (
	// FailOpen admits the request and degrades the failed stage.
	FailOpen FailurePolicy = iota
	// FailClosed blocks the request when a stage fails.
	FailClosed
)

func (p FailurePolicy) String() string {
	switch p {
	case FailOpen:
		return "fail_open"
	case FailClosed:
		return "fail_closed"
	default:
		return fmt.Sprintf("failure_policy(%d)", int(p))
	}
}

// ParseFailurePolicy accepts fail_open or fail_closed. The empty string is
// fail_open.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail_open", "open":
		return FailOpen, nil
	case "fail_closed", "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("%w: unknown failure policy %q", ErrConfigInvalid, s)
	}
}
