package engine

import "fmt"

// ConnectionError means the connector gave up reconnecting. It is fatal to the listener.
type ConnectionError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: gave up after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// FetchError is a transient failure to read new events. The checkpoint is left as is.
type FetchError struct {
	From, To uint64
	Err      error
}

func (e *FetchError) Error() string {
	if e.To == 0 {
		return fmt.Sprintf("fetch events after %d: %v", e.From, e.Err)
	}
	return fmt.Sprintf("fetch events %d-%d: %v", e.From, e.To, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError rejects an event permanently.
type ValidationError struct {
	EventID string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event %s invalid: %s", e.EventID, e.Reason)
}

// SubmissionError is a transient downstream failure; the event is not recorded.
type SubmissionError struct {
	EventID string
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.EventID, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// PersistError is a ledger failure. Submitted reports whether the downstream
// action already happened, in which case only the ledger write may be retried.
type PersistError struct {
	EventID   string
	Submitted bool
	Err       error
}

func (e *PersistError) Error() string {
	if e.Submitted {
		return fmt.Sprintf("record %s after submission: %v", e.EventID, e.Err)
	}
	return fmt.Sprintf("ledger lookup %s: %v", e.EventID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
