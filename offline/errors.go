package offline

import (
	"errors"
	"fmt"
	"time"
)

// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)
//   or errors.As for the typed errors

// transient. The entry stays pending until the queue resumes
var ErrNetworkUnavailable = errors.New("network unavailable")

// a side effect response without the fields needed to rotate the credential
var ErrSideEffectMissingCredential = errors.New("side effect response missing credential")

var (
	ErrAbandoned   = errors.New("entry abandoned before dispatch")
	ErrQueueClosed = errors.New("queue closed")
	// abandon of an entry that was already dispatched or resolved
	ErrNotPending = errors.New("entry is not pending")
)

// terminal rejection by the remote
type RemoteRejectedError struct {
	Code    int
	Message string
}

func (self *RemoteRejectedError) Error() string {
	return fmt.Sprintf("remote rejected (%d): %s", self.Code, self.Message)
}

// the response could not be understood. Raises an alert
type MalformedResponseError struct {
	Err error
}

func (self *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response: %s", self.Err)
}

func (self *MalformedResponseError) Unwrap() error {
	return self.Err
}

// no response within the invoke horizon
type TimeoutError struct {
	Timeout time.Duration
	// the calling action may re-enqueue. The queue never retries on its own
	Retryable bool
}

func (self *TimeoutError) Error() string {
	return fmt.Sprintf("no response after %s", self.Timeout)
}

func IsNetworkUnavailable(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}

func IsRetryable(err error) bool {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Retryable
	}
	return IsNetworkUnavailable(err)
}

// errors that surface a one time diagnostic alert in addition to the failure patches
func IsAlertError(err error) bool {
	var malformedErr *MalformedResponseError
	return errors.As(err, &malformedErr) || errors.Is(err, ErrSideEffectMissingCredential)
}
