package client

import "fmt"

// ServerError reports a non-2xx HTTP status from the broker or a presigned
// endpoint. It is terminal for the call.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Message)
}

// TransportError reports a socket-level failure executing a request. The
// SDK never retries internally; callers may retry at their discretion.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BrokerError reports a decoded broker envelope whose code is non-zero, on
// paths where the envelope cannot be returned to the caller directly.
type BrokerError struct {
	Code    int
	Message string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker rejected request: code %d, msg %s", e.Code, e.Message)
}

// DecodeError reports a malformed or unexpected response body.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
