package device

import "fmt"

// TransientError marks a delivery failure that may succeed on retry:
// timeouts, connection errors, 5xx and 429 responses. The upload path
// retries these a bounded number of times before giving up.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient device error (HTTP %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: transient device error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a delivery failure that retrying cannot fix (4xx
// responses). Callers skip the chunk instead of retrying.
type PermanentError struct {
	Op     string
	Status int
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent device error (HTTP %d): %v", e.Op, e.Status, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }
