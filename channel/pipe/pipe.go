// Package pipe provides an in-process channel.Adapter pair for tests,
// so session/registry/reconnect tests exercise the real protocol
// without a socket.
package pipe

import (
	"sync"
	"time"

	"github.com/syncnet/syncd/channel"
)

// New returns two connected channel.Adapter ends; text sent on one
// arrives on the other's Incoming().
func New() (a, b channel.Adapter) {
	ab := make(chan string, 64)
	ba := make(chan string, 64)

	left := &End{out: ab, in: ba, closed: make(chan struct{}), errs: make(chan error, 1)}
	right := &End{out: ba, in: ab, closed: make(chan struct{}), errs: make(chan error, 1)}
	left.peer = right
	right.peer = left
	return left, right
}

// End is one side of an in-process pipe.
type End struct {
	out  chan<- string
	in   <-chan string
	errs chan error
	peer *End

	mu       sync.Mutex
	closed   chan struct{}
	didClose bool
	info     channel.CloseInfo
}

var _ channel.Adapter = (*End)(nil)

func (e *End) Send(text string) error {
	e.mu.Lock()
	if e.didClose {
		e.mu.Unlock()
		return errClosed
	}
	e.mu.Unlock()

	select {
	case e.out <- text:
		return nil
	case <-e.closed:
		return errClosed
	}
}

func (e *End) Incoming() <-chan string       { return e.in }
func (e *End) Errors() <-chan error          { return e.errs }
func (e *End) Closed() <-chan struct{}       { return e.closed }
func (e *End) SetPingInterval(time.Duration) {}

func (e *End) CloseInfo() channel.CloseInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

func (e *End) Close(code int, reason string) error {
	e.mu.Lock()
	if e.didClose {
		e.mu.Unlock()
		return nil
	}
	e.didClose = true
	e.info = channel.CloseInfo{Code: code, Reason: reason}
	close(e.closed)
	e.mu.Unlock()

	e.peer.remoteClose(code, reason)
	return nil
}

// remoteClose is invoked on the peer End when the other side closes,
// so both halves observe a terminal Closed() without a live socket to
// detect EOF on.
func (e *End) remoteClose(code int, reason string) {
	e.mu.Lock()
	if e.didClose {
		e.mu.Unlock()
		return
	}
	e.didClose = true
	e.info = channel.CloseInfo{Code: code, Reason: reason}
	close(e.closed)
	e.mu.Unlock()
}

type pipeError string

func (e pipeError) Error() string { return string(e) }

const errClosed = pipeError("pipe: channel closed")
