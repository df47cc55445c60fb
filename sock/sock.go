// Package sock layers a stream-style socket API over the hardware-socket
// driver in package wiznet5k. A [*Socket] owns one of the chip's eight
// hardware sockets; a [*Listener] owns one at a time, handing each
// accepted connection its socket and re-arming itself on a fresh one.
package sock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/spiethernet/wiznet5k-go/tslog"
	"github.com/spiethernet/wiznet5k-go/wiznet5k"
)

// stageSize is the capacity of a socket's staging buffer: enough to
// drain the hardware RX ring completely and keep one more ring's worth
// buffered while the application catches up.
const stageSize = 2*wiznet5k.BufferSize + 8

const defaultPollInterval = time.Millisecond

// Socket is one hardware socket with a software staging buffer for TCP
// reads. Not safe for concurrent use.
type Socket struct {
	dev    *wiznet5k.Device
	logger *tslog.Logger
	num    uint8
	mode   wiznet5k.Mode
	poll   time.Duration
	stage  *ringbuffer.RingBuffer
}

// New allocates a free hardware socket on dev. The socket is not open
// until one of [Socket.Connect], [Socket.Bind] or [Socket.ConnectUDP]
// is called.
func New(dev *wiznet5k.Device, logger *tslog.Logger) (*Socket, error) {
	if logger == nil {
		logger = tslog.Noop
	}
	num, err := dev.Socket()
	if err != nil {
		return nil, err
	}
	return &Socket{
		dev:    dev,
		logger: logger,
		num:    num,
		poll:   defaultPollInterval,
		stage:  ringbuffer.New(stageSize),
	}, nil
}

// adopt wraps an already-established hardware socket, as handed out by a
// [*Listener].
func adopt(dev *wiznet5k.Device, logger *tslog.Logger, num uint8) *Socket {
	return &Socket{
		dev:    dev,
		logger: logger,
		num:    num,
		mode:   wiznet5k.ModeTCP,
		poll:   defaultPollInterval,
		stage:  ringbuffer.New(stageSize),
	}
}

// Num returns the underlying hardware socket index.
func (s *Socket) Num() uint8 {
	return s.num
}

// Connect opens the socket in TCP mode on an ephemeral port and connects
// it to dest.
func (s *Socket) Connect(ctx context.Context, dest netip.AddrPort) error {
	if err := s.dev.SocketOpen(ctx, s.num, wiznet5k.ModeTCP, 0); err != nil {
		return err
	}
	s.mode = wiznet5k.ModeTCP
	return s.dev.SocketConnect(ctx, s.num, dest)
}

// Bind opens the socket in UDP mode on the given local port.
func (s *Socket) Bind(ctx context.Context, port uint16) error {
	if err := s.dev.SocketOpen(ctx, s.num, wiznet5k.ModeUDP, port); err != nil {
		return err
	}
	s.mode = wiznet5k.ModeUDP
	return nil
}

// ConnectUDP opens the socket in UDP mode on an ephemeral port and
// latches dest as the destination for subsequent writes.
func (s *Socket) ConnectUDP(ctx context.Context, dest netip.AddrPort) error {
	if err := s.dev.SocketOpen(ctx, s.num, wiznet5k.ModeUDP, 0); err != nil {
		return err
	}
	s.mode = wiznet5k.ModeUDP
	return s.dev.SocketConnect(ctx, s.num, dest)
}

// SetDestination re-points a bound UDP socket at dest without reopening it.
func (s *Socket) SetDestination(ctx context.Context, dest netip.AddrPort) error {
	return s.dev.SocketConnect(ctx, s.num, dest)
}

// Write sends p, splitting it into hardware-buffer-sized chunks. It
// blocks until the chip has acknowledged every chunk.
func (s *Socket) Write(ctx context.Context, p []byte) (int, error) {
	var total int
	for len(p) > 0 {
		n := len(p)
		if n > wiznet5k.BufferSize {
			n = wiznet5k.BufferSize
		}
		sent, err := s.dev.SocketSend(ctx, s.num, p[:n])
		total += sent
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}

// fill drains whatever the hardware RX ring holds into the staging
// buffer, up to the staging buffer's free space.
func (s *Socket) fill(ctx context.Context) error {
	avail, err := s.dev.SocketAvailable(ctx, s.num)
	if err != nil {
		return err
	}
	n := s.stage.Free()
	if n > avail {
		n = avail
	}
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	got, err := s.dev.SocketRead(ctx, s.num, buf)
	if err != nil {
		return err
	}
	if _, err = s.stage.Write(buf[:got]); err != nil {
		return err
	}
	return nil
}

// Read reads into p, blocking until at least one byte is available or
// the peer is gone. A drained connection whose peer has closed reads as
// [io.EOF].
func (s *Socket) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if s.stage.Length() > 0 {
			return s.stage.Read(p)
		}
		if err := s.fill(ctx); err != nil {
			return 0, err
		}
		if s.stage.Length() > 0 {
			continue
		}
		// Empty both in staging and on chip: dead peer means EOF,
		// live peer means wait.
		_, err := s.dev.SocketRead(ctx, s.num, p[:1])
		switch {
		case err == nil:
			return 1, nil
		case errors.Is(err, io.EOF):
			return 0, io.EOF
		case errors.Is(err, wiznet5k.ErrNoData):
		default:
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

// Recv reads whatever is immediately available into p without blocking.
// It returns 0 and no error when nothing is buffered on a live socket.
func (s *Socket) Recv(ctx context.Context, p []byte) (int, error) {
	if s.stage.Length() > 0 {
		return s.stage.Read(p)
	}
	n, err := s.dev.SocketRead(ctx, s.num, p)
	if errors.Is(err, wiznet5k.ErrNoData) {
		return 0, nil
	}
	return n, err
}

// RecvFrom reads one UDP datagram (or as much of it as fits p) and
// returns the sender's address. It blocks until a datagram arrives.
// Reads never cross a datagram boundary; call again for the remainder.
func (s *Socket) RecvFrom(ctx context.Context, p []byte) (int, netip.AddrPort, error) {
	if s.mode != wiznet5k.ModeUDP {
		return 0, netip.AddrPort{}, fmt.Errorf("recvfrom on socket %d: not a UDP socket", s.num)
	}
	for {
		avail, err := s.dev.SocketAvailable(ctx, s.num)
		if err != nil {
			return 0, netip.AddrPort{}, err
		}
		if avail > 0 {
			remote := s.dev.UDPRemote(s.num)
			n := len(p)
			if n > avail {
				n = avail
			}
			got, err := s.dev.SocketRead(ctx, s.num, p[:n])
			return got, remote, err
		}
		select {
		case <-ctx.Done():
			return 0, netip.AddrPort{}, ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

// ReadLine reads through the staging buffer until a LF and returns the
// line with the trailing CRLF or LF stripped.
func (s *Socket) ReadLine(ctx context.Context) ([]byte, error) {
	var line []byte
	b := make([]byte, 1)
	for {
		n, err := s.Read(ctx, b)
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return line, nil
			}
			return line, err
		}
		if n == 0 {
			continue
		}
		if b[0] == '\n' {
			return bytes.TrimSuffix(line, []byte{'\r'}), nil
		}
		line = append(line, b[0])
	}
}

// Available returns the number of bytes readable without blocking,
// counting both the staging buffer and the hardware ring.
func (s *Socket) Available(ctx context.Context) (int, error) {
	n, err := s.dev.SocketAvailable(ctx, s.num)
	if err != nil {
		return 0, err
	}
	return n + s.stage.Length(), nil
}

// Connected reports whether the connection is usable: established, or
// half-closed by the peer with data still undelivered.
func (s *Socket) Connected(ctx context.Context) (bool, error) {
	status, err := s.dev.SocketStatus(s.num)
	if err != nil {
		return false, err
	}
	switch status {
	case wiznet5k.StatusEstablished:
		return true, nil
	case wiznet5k.StatusCloseWait:
		avail, err := s.Available(ctx)
		if err != nil {
			return false, err
		}
		return avail > 0, nil
	default:
		return false, nil
	}
}

// Close shuts the socket down. TCP sockets get a graceful disconnect
// first, bounded by ctx; the hardware socket is closed regardless.
func (s *Socket) Close(ctx context.Context) error {
	if s.mode == wiznet5k.ModeTCP {
		status, err := s.dev.SocketStatus(s.num)
		if err == nil && status == wiznet5k.StatusEstablished {
			if err = s.dev.SocketDisconnect(ctx, s.num); err == nil {
				s.awaitClosed(ctx)
			}
		}
	}
	s.stage.Reset()
	return s.dev.SocketClose(ctx, s.num)
}

func (s *Socket) awaitClosed(ctx context.Context) {
	for {
		status, err := s.dev.SocketStatus(s.num)
		if err != nil || status.Reusable() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.poll):
		}
	}
}

// Listener accepts TCP connections on a fixed port. Each accepted
// connection keeps the hardware socket it arrived on; the listener
// re-arms itself on the next free socket.
type Listener struct {
	dev    *wiznet5k.Device
	logger *tslog.Logger
	port   uint16
	poll   time.Duration

	armed bool
	num   uint8
}

// Listen starts listening for TCP connections on port.
func Listen(ctx context.Context, dev *wiznet5k.Device, logger *tslog.Logger, port uint16) (*Listener, error) {
	if logger == nil {
		logger = tslog.Noop
	}
	l := &Listener{
		dev:    dev,
		logger: logger,
		port:   port,
		poll:   defaultPollInterval,
	}
	if err := l.arm(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Listener) arm(ctx context.Context) error {
	num, err := l.dev.Socket()
	if err != nil {
		return fmt.Errorf("arm listener on port %d: %w", l.port, err)
	}
	if err = l.dev.SocketListen(ctx, num, l.port); err != nil {
		return err
	}
	l.num = num
	l.armed = true
	return nil
}

// Accept blocks until a client connects, then hands the established
// hardware socket to the returned [*Socket] and re-arms the listener on
// the next free socket. When every socket is busy, re-arming is retried
// on the next Accept call.
func (l *Listener) Accept(ctx context.Context) (*Socket, netip.AddrPort, error) {
	if !l.armed {
		if err := l.arm(ctx); err != nil {
			return nil, netip.AddrPort{}, err
		}
	}
	for {
		status, err := l.dev.SocketStatus(l.num)
		if err != nil {
			return nil, netip.AddrPort{}, err
		}
		switch status {
		case wiznet5k.StatusEstablished, wiznet5k.StatusCloseWait:
			_, remote, err := l.dev.SocketAccept(l.num)
			conn := adopt(l.dev, l.logger, l.num)
			l.armed = false
			if err == nil {
				err = l.arm(ctx)
			}
			if err != nil && !errors.Is(err, wiznet5k.ErrNoFreeSocket) {
				return conn, remote, err
			}
			l.logger.Debug("Accepted connection",
				tslog.Uint("socket", conn.num),
				tslog.AddrPort("remote", remote),
			)
			return conn, remote, nil
		case wiznet5k.StatusClosed:
			// The pending connection fell through; listen again.
			l.armed = false
			if err = l.arm(ctx); err != nil {
				return nil, netip.AddrPort{}, err
			}
		}
		select {
		case <-ctx.Done():
			return nil, netip.AddrPort{}, ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

// Port returns the port the listener is bound to.
func (l *Listener) Port() uint16 {
	return l.port
}

// Close releases the listener's armed socket, if any.
func (l *Listener) Close(ctx context.Context) error {
	if !l.armed {
		return nil
	}
	l.armed = false
	return l.dev.SocketClose(ctx, l.num)
}
