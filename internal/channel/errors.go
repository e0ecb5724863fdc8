package channel

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when an operation requires a live connection.
var ErrNotConnected = errors.New("channel not connected")

// ConnectError reports a failed adapter connection attempt. The supervisor
// retries these with backoff; exhausting the attempt budget is fatal for the
// channel but never for the process.
type ConnectError struct {
	Channel ChannelType
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Channel, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SendError reports a failed delivery. Transient errors are retried by the
// dispatcher; permanent errors (invalid target, permission denied) terminate
// the message with a Failed outcome.
type SendError struct {
	Channel   ChannelType
	Permanent bool
	Err       error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("send %s (%s): %v", e.Channel, kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// NewPermanentSendError wraps err as a non-retryable delivery failure.
func NewPermanentSendError(channel ChannelType, err error) *SendError {
	return &SendError{Channel: channel, Permanent: true, Err: err}
}

// NewTransientSendError wraps err as a retryable delivery failure.
func NewTransientSendError(channel ChannelType, err error) *SendError {
	return &SendError{Channel: channel, Permanent: false, Err: err}
}

// IsPermanentSend reports whether err is a SendError marked permanent.
// Errors that are not SendErrors at all are treated as transient, matching
// the retry-by-default posture for unclassified network failures.
func IsPermanentSend(err error) bool {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Permanent
	}
	return false
}
