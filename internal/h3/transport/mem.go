package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
)

// DefaultWindow is the number of unread bytes an in-memory stream buffers
// before writes block.
const DefaultWindow = 1 << 20

var errWriteAfterClose = errors.New("transport: write on closed stream")

// pipe carries one direction of a stream.
type pipe struct {
	id     StreamID
	window int

	mu      sync.Mutex
	changed chan struct{}
	buf     []byte
	fin     bool
	eofSeen bool

	reset     bool
	resetCode ErrorCode
	stopped   bool
	stopCode  ErrorCode

	// set when the connection closes, as seen by each end
	readErr  error
	writeErr error

	sendCtx    context.Context
	sendCancel context.CancelCauseFunc
}

func newPipe(id StreamID, window int) *pipe {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &pipe{
		id:         id,
		window:     window,
		changed:    make(chan struct{}),
		sendCtx:    ctx,
		sendCancel: cancel,
	}
}

func (p *pipe) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *pipe) read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		// data already delivered stays readable after the connection closes
		switch {
		case p.stopped:
			p.mu.Unlock()
			return 0, &StreamError{StreamID: p.id, Code: p.stopCode}
		case p.reset:
			p.mu.Unlock()
			return 0, &StreamError{StreamID: p.id, Code: p.resetCode, Remote: true}
		case len(b) == 0 && p.readErr == nil:
			p.mu.Unlock()
			return 0, nil
		case len(b) > 0 && len(p.buf) > 0:
			n := copy(b, p.buf)
			p.buf = p.buf[n:]
			if len(p.buf) == 0 {
				p.buf = nil
			}
			p.notifyLocked()
			p.mu.Unlock()
			return n, nil
		case p.fin && len(p.buf) == 0:
			p.eofSeen = true
			p.mu.Unlock()
			return 0, io.EOF
		case p.readErr != nil:
			err := p.readErr
			p.mu.Unlock()
			return 0, err
		}
		ch := p.changed
		p.mu.Unlock()
		<-ch
	}
}

func (p *pipe) writeErrLocked() error {
	switch {
	case p.writeErr != nil:
		return p.writeErr
	case p.reset:
		return &StreamError{StreamID: p.id, Code: p.resetCode}
	case p.stopped:
		return &StreamError{StreamID: p.id, Code: p.stopCode, Remote: true}
	case p.fin:
		return errWriteAfterClose
	}
	return nil
}

func (p *pipe) write(b []byte) (int, error) {
	written := 0
	for {
		p.mu.Lock()
		if err := p.writeErrLocked(); err != nil {
			p.mu.Unlock()
			return written, err
		}
		if written == len(b) {
			p.mu.Unlock()
			return written, nil
		}
		if avail := p.window - len(p.buf); avail > 0 {
			n := min(avail, len(b)-written)
			p.buf = append(p.buf, b[written:written+n]...)
			written += n
			p.notifyLocked()
			p.mu.Unlock()
			continue
		}
		ch := p.changed
		p.mu.Unlock()
		<-ch
	}
}

func (p *pipe) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reset || p.fin {
		return nil
	}
	if p.writeErr != nil {
		return p.writeErr
	}
	p.fin = true
	p.notifyLocked()
	p.sendCancel(context.Canceled)
	return nil
}

func (p *pipe) cancelWrite(code ErrorCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Everything already consumed counts as acknowledged.
	if p.reset || p.stopped || (p.fin && len(p.buf) == 0) {
		return
	}
	p.reset = true
	p.resetCode = code
	p.buf = nil
	p.notifyLocked()
	p.sendCancel(&StreamError{StreamID: p.id, Code: code})
}

func (p *pipe) cancelRead(code ErrorCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eofSeen || p.stopped || p.reset {
		return
	}
	p.stopped = true
	p.stopCode = code
	p.buf = nil
	p.notifyLocked()
	p.sendCancel(&StreamError{StreamID: p.id, Code: code, Remote: true})
}

func (p *pipe) closeConn(readErr, writeErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr == nil {
		p.readErr = readErr
	}
	if p.writeErr == nil {
		p.writeErr = writeErr
	}
	p.notifyLocked()
	p.sendCancel(writeErr)
}

// memStream is a view of one stream from one end. Unidirectional streams
// leave the unused half nil and are only exposed through the matching interface.
type memStream struct {
	id   StreamID
	recv *pipe
	send *pipe
}

func (s *memStream) StreamID() StreamID          { return s.id }
func (s *memStream) Read(p []byte) (int, error)  { return s.recv.read(p) }
func (s *memStream) CancelRead(code ErrorCode)   { s.recv.cancelRead(code) }
func (s *memStream) Write(p []byte) (int, error) { return s.send.write(p) }
func (s *memStream) Close() error                { return s.send.close() }
func (s *memStream) CancelWrite(code ErrorCode)  { s.send.cancelWrite(code) }
func (s *memStream) Context() context.Context    { return s.send.sendCtx }

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type registeredPipe struct {
	p            *pipe
	clientWrites bool
}

// session is the state shared by both ends of an in-memory connection.
type session struct {
	window int

	mu        sync.Mutex
	closed    bool
	pipes     []registeredPipe
	clientErr error
	serverErr error
	client    *memConn
	server    *memConn
}

func (s *session) register(p *pipe, clientWrites bool) {
	s.mu.Lock()
	if !s.closed {
		s.pipes = append(s.pipes, registeredPipe{p: p, clientWrites: clientWrites})
		s.mu.Unlock()
		return
	}
	clientErr, serverErr := s.clientErr, s.serverErr
	s.mu.Unlock()
	closePipe(registeredPipe{p: p, clientWrites: clientWrites}, clientErr, serverErr)
}

func closePipe(rp registeredPipe, clientErr, serverErr error) {
	if rp.clientWrites {
		rp.p.closeConn(serverErr, clientErr)
	} else {
		rp.p.closeConn(clientErr, serverErr)
	}
}

func (s *session) close(by *memConn, code ErrorCode, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	local := &ConnectionError{Code: code, Reason: reason}
	remote := &ConnectionError{Code: code, Reason: reason, Remote: true}
	clientErr, serverErr := error(local), error(remote)
	if by == s.server {
		clientErr, serverErr = remote, local
	}
	s.closed = true
	s.clientErr, s.serverErr = clientErr, serverErr
	pipes := s.pipes
	s.pipes = nil
	s.mu.Unlock()

	s.client.cancel(clientErr)
	s.server.cancel(serverErr)
	for _, rp := range pipes {
		closePipe(rp, clientErr, serverErr)
	}
}

// memConn is one end of an in-memory connection.
type memConn struct {
	sess   *session
	client bool
	peer   *memConn
	local  net.Addr
	remote net.Addr

	bidi chan *memStream
	uni  chan *memStream

	openMu   sync.Mutex
	nextBidi StreamID
	nextUni  StreamID

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// acceptBacklog bounds streams opened by the peer but not yet accepted.
const acceptBacklog = 128

func newMemConn(sess *session, client bool) *memConn {
	c := &memConn{
		sess:   sess,
		client: client,
		bidi:   make(chan *memStream, acceptBacklog),
		uni:    make(chan *memStream, acceptBacklog),
	}
	c.ctx, c.cancel = context.WithCancelCause(context.Background())
	if client {
		c.nextBidi, c.nextUni = 0, 2
		c.local, c.remote = memAddr("client"), memAddr("server")
	} else {
		c.nextBidi, c.nextUni = 1, 3
		c.local, c.remote = memAddr("server"), memAddr("client")
	}
	return c
}

// NewPipe returns the two ends of a connected in-memory transport.
func NewPipe() (client, server Conn) {
	return NewPipeWindow(DefaultWindow)
}

// NewPipeWindow is NewPipe with a custom per-stream buffer window.
func NewPipeWindow(window int) (client, server Conn) {
	if window <= 0 {
		window = DefaultWindow
	}
	sess := &session{window: window}
	c := newMemConn(sess, true)
	s := newMemConn(sess, false)
	c.peer, s.peer = s, c
	sess.client, sess.server = c, s
	return c, s
}

func (c *memConn) closedErr() error {
	if c.ctx.Err() != nil {
		return context.Cause(c.ctx)
	}
	return nil
}

func (c *memConn) enqueue(ctx context.Context, q chan *memStream, s *memStream) error {
	select {
	case q <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return context.Cause(c.ctx)
	}
}

func (c *memConn) OpenStreamSync(ctx context.Context) (Stream, error) {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	if err := c.closedErr(); err != nil {
		return nil, err
	}

	id := c.nextBidi
	out := newPipe(id, c.sess.window)
	in := newPipe(id, c.sess.window)
	c.sess.register(out, c.client)
	c.sess.register(in, !c.client)

	if err := c.enqueue(ctx, c.peer.bidi, &memStream{id: id, recv: out, send: in}); err != nil {
		return nil, err
	}
	c.nextBidi += 4
	return &memStream{id: id, recv: in, send: out}, nil
}

func (c *memConn) OpenUniStreamSync(ctx context.Context) (SendStream, error) {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	if err := c.closedErr(); err != nil {
		return nil, err
	}

	id := c.nextUni
	out := newPipe(id, c.sess.window)
	c.sess.register(out, c.client)

	if err := c.enqueue(ctx, c.peer.uni, &memStream{id: id, recv: out}); err != nil {
		return nil, err
	}
	c.nextUni += 4
	return &memStream{id: id, send: out}, nil
}

func (c *memConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.bidi:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	}
}

func (c *memConn) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	select {
	case s := <-c.uni:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	}
}

func (c *memConn) CloseWithError(code ErrorCode, reason string) error {
	c.sess.close(c, code, reason)
	return nil
}

func (c *memConn) Context() context.Context { return c.ctx }
func (c *memConn) LocalAddr() net.Addr      { return c.local }
func (c *memConn) RemoteAddr() net.Addr     { return c.remote }

// MemListener hands out the server ends of in-memory connections created by Dial.
type MemListener struct {
	window int
	conns  chan Conn
	done   chan struct{}
	once   sync.Once
}

// NewMemListener creates an in-memory listener.
func NewMemListener() *MemListener {
	return &MemListener{
		window: DefaultWindow,
		conns:  make(chan Conn),
		done:   make(chan struct{}),
	}
}

// Dial connects to the listener and returns the client end once a server
// Accept has taken the other end.
func (l *MemListener) Dial(ctx context.Context) (Conn, error) {
	client, server := NewPipeWindow(l.window)
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *MemListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *MemListener) Addr() net.Addr { return memAddr("mem") }
