// Package transport defines the multiplexed-transport boundary the HTTP/3 core
// runs on, and an in-memory implementation of it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// StreamID is a transport stream identifier. Bit 0 is the initiator
// (0 client, 1 server) and bit 1 the direction (0 bidirectional, 1 unidirectional).
type StreamID uint64

// IsClientInitiated reports whether the client opened the stream.
func (id StreamID) IsClientInitiated() bool { return id&0x1 == 0 }

// IsUnidirectional reports whether the stream carries data in one direction only.
func (id StreamID) IsUnidirectional() bool { return id&0x2 != 0 }

// ErrorCode is an application error code carried by stream resets and
// connection closes.
type ErrorCode uint64

// ReceiveStream is the receiving half of a stream.
type ReceiveStream interface {
	StreamID() StreamID
	Read(p []byte) (int, error)
	// CancelRead asks the peer to stop sending (STOP_SENDING).
	CancelRead(code ErrorCode)
}

// SendStream is the sending half of a stream.
type SendStream interface {
	StreamID() StreamID
	Write(p []byte) (int, error)
	// Close ends the stream cleanly (FIN).
	Close() error
	// CancelWrite resets the stream (RESET_STREAM).
	CancelWrite(code ErrorCode)
	// Context is canceled once the send side is closed, reset, or stopped by the peer.
	Context() context.Context
}

// Stream is a bidirectional stream.
type Stream interface {
	ReceiveStream
	SendStream
}

// Conn is one multiplexed transport connection.
type Conn interface {
	AcceptStream(ctx context.Context) (Stream, error)
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)
	OpenStreamSync(ctx context.Context) (Stream, error)
	OpenUniStreamSync(ctx context.Context) (SendStream, error)
	// CloseWithError closes the connection, aborting every stream.
	CloseWithError(code ErrorCode, reason string) error
	// Context is canceled when the connection closes. context.Cause returns
	// the *ConnectionError that closed it.
	Context() context.Context
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Listener accepts incoming connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

// ErrListenerClosed is returned by Accept after Close.
var ErrListenerClosed = errors.New("transport: listener closed")

// StreamError is returned by stream reads and writes after a reset or
// STOP_SENDING. Remote is false when the local side canceled.
type StreamError struct {
	StreamID StreamID
	Code     ErrorCode
	Remote   bool
}

func (e *StreamError) Error() string {
	who := "local"
	if e.Remote {
		who = "remote"
	}
	return fmt.Sprintf("transport: stream %d canceled by %s with error code 0x%x", e.StreamID, who, uint64(e.Code))
}

// ConnectionError is returned by every operation on a closed connection.
type ConnectionError struct {
	Code   ErrorCode
	Reason string
	Remote bool
}

func (e *ConnectionError) Error() string {
	who := "local"
	if e.Remote {
		who = "remote"
	}
	if e.Reason == "" {
		return fmt.Sprintf("transport: connection closed by %s with error code 0x%x", who, uint64(e.Code))
	}
	return fmt.Sprintf("transport: connection closed by %s with error code 0x%x: %s", who, uint64(e.Code), e.Reason)
}
