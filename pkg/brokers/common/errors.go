package common

import (
	"errors"
	"fmt"
)

// TerminalError is a brokerage rejection that must not be retried: invalid
// order, insufficient funds, closed market, malformed request. The broker's
// own message code and text are preserved for the audit trail.
type TerminalError struct {
	Code    string // broker message code, e.g. KIS msg_cd
	Message string
}

func (e *TerminalError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("broker rejection: %s", e.Message)
	}
	return fmt.Sprintf("broker rejection %s: %s", e.Code, e.Message)
}

// RetryExhaustedError wraps the last transient failure after the retry budget
// is spent. It is terminal for the call but the underlying cause was not.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// IsTerminal reports whether err is a brokerage rejection that retrying
// cannot fix. Retry exhaustion is not terminal in this sense: the same call
// may succeed on the next scheduled invocation.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
