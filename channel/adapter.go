// Package channel defines the narrow message-oriented duplex channel
// the synchronization engine runs its protocol over. A Session
// neither knows nor cares whether the underlying transport is a
// WebSocket, an in-process pipe, or something else entirely.
package channel

import "time"

// CloseInfo carries the terminal close code/reason a channel reports,
// mirroring standard WebSocket close semantics: the engine passes
// these through transparently and defines no new codes of its own.
type CloseInfo struct {
	Code   int
	Reason string
}

// Protocol error / abnormal-close codes the engine itself may request
// on Close, matching the standard WebSocket close-code range.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	CloseAbnormal      = 1006
)

// Adapter is a bidirectional, message-oriented duplex channel. Send is
// non-blocking from the caller's point of view; any backpressure is
// the transport's concern.
type Adapter interface {
	// Send queues text for delivery. Frames sent on one Adapter are
	// delivered in send order (FIFO); the handshake frame is always
	// sent first by the caller, never reordered by the Adapter.
	Send(text string) error

	// Incoming returns the channel on which decoded text payloads
	// arrive, in receive order.
	Incoming() <-chan string

	// Errors delivers transport-level errors that are not
	// necessarily terminal; the caller decides whether to continue
	// or close.
	Errors() <-chan error

	// Closed is closed exactly once, when the channel has
	// terminated (whether by local Close or remote/transport
	// closure), after which CloseInfo() returns the terminal code
	// and reason.
	Closed() <-chan struct{}

	// CloseInfo returns the terminal close code/reason. Only valid
	// after Closed() has fired.
	CloseInfo() CloseInfo

	// Close initiates graceful closure with the given code/reason.
	// Idempotent; Closed() eventually fires regardless of how many
	// times Close is called.
	Close(code int, reason string) error

	// SetPingInterval configures (or disables, with 0) the
	// transport's heartbeat. A stale connection whose heartbeat
	// fails produces an abnormal Closed()/CloseInfo() rather than
	// hanging indefinitely.
	SetPingInterval(d time.Duration)
}
