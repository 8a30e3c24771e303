package cuda

import "fmt"

// Result is a status code returned by driver and activity API calls.
type Result int32

const (
	Success            Result = 0
	ErrInvalidValue    Result = 1
	ErrNotInitialized  Result = 3
	ErrInvalidContext  Result = 201
	ErrInvalidKind     Result = 1003
	ErrMaxLimitReached Result = 1005
	ErrQueueEmpty      Result = 1012
	ErrNotSupported    Result = 1015
	ErrUnknown         Result = 999
)

var resultMessages = map[Result]string{
	Success:            "no error",
	ErrInvalidValue:    "invalid argument",
	ErrNotInitialized:  "driver not initialized",
	ErrInvalidContext:  "invalid device context",
	ErrInvalidKind:     "invalid activity kind",
	ErrMaxLimitReached: "no more records in buffer",
	ErrQueueEmpty:      "activity queue is empty",
	ErrNotSupported:    "operation not supported",
	ErrUnknown:         "unknown error",
}

func (r Result) String() string {
	if msg, ok := resultMessages[r]; ok {
		return msg
	}
	return fmt.Sprintf("unknown result (%d)", int32(r))
}

// Err returns nil for Success and an error carrying the decoded message otherwise.
func (r Result) Err() error {
	if r == Success {
		return nil
	}
	return &ResultError{Result: r}
}

// ResultError wraps a non-success Result.
type ResultError struct {
	Result Result
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("cuda error %d: %s", int32(e.Result), e.Result)
}
