package core

import "fmt"

// FailurePolicy decides what an operation does when its backing store is unreachable
type FailurePolicy int

const (
	// FailOpen permits the operation
	FailOpen FailurePolicy = iota
	// FailClosed denies the operation
	FailClosed
)

func (p FailurePolicy) String() string {
	switch p {
	case FailOpen:
		return "fail-open"
	case FailClosed:
		return "fail-closed"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy parses "open"/"fail-open" or "closed"/"fail-closed".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "open", "fail-open", "FAIL_OPEN":
		return FailOpen, nil
	case "closed", "fail-closed", "FAIL_CLOSED":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown failure policy %q", s)
	}
}
