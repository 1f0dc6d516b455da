package binance

import "fmt"

// TransportError covers network failures, timeouts, and upstream 5xx/429
// responses. Retried by the REST client; surviving instances make the
// affected data item count as not fresh.
type TransportError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport error on %s: status %d: %v", e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("transport error on %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError marks a response whose shape did not match expectations.
// Treated like a TransportError for the affected item.
type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error on %s: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StreamError marks a failed WS session: disconnect, read deadline
// expiry, or a malformed frame. The source manager reacts by failing
// over to REST; the client itself never reconnects.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
