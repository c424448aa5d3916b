package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// maxFrameSize bounds inbound frames so a corrupt length prefix cannot
// allocate unbounded memory.
const maxFrameSize = 16 << 20

// Channel names the three logical sockets against the remote.
type Channel string

const (
	ChannelREQ  Channel = "req"
	ChannelSUB  Channel = "sub"
	ChannelPUSH Channel = "push"
)

// Socket is one TCP connection carrying length-prefixed frames
// (4-byte big-endian length, then the frame). Writes are serialized;
// reads are single-consumer from the owning receive loop.
type Socket struct {
	channel Channel
	conn    net.Conn
	reader  *bufio.Reader

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// DialSocket connects one channel socket.
func DialSocket(channel Channel, addr string, timeout time.Duration) (*Socket, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s channel %s: %w", channel, addr, err)
	}
	return NewSocket(channel, conn), nil
}

// NewSocket wraps an established connection. Exposed for tests that use
// net.Pipe.
func NewSocket(channel Channel, conn net.Conn) *Socket {
	return &Socket{
		channel: channel,
		conn:    conn,
		reader:  bufio.NewReaderSize(conn, 64<<10),
	}
}

// Channel returns the logical channel name.
func (s *Socket) Channel() Channel { return s.channel }

// WriteFrame sends one frame. Safe for concurrent use.
func (s *Socket) WriteFrame(frame []byte) error {
	if len(frame) > maxFrameSize {
		return ErrFrameTooLarge
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.Write(header[:]); err != nil {
		return err
	}
	_, err := s.conn.Write(frame)
	return err
}

// ReadFrame blocks until a full frame arrives. Only the receive loop may
// call it.
func (s *Socket) ReadFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(s.reader, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(s.reader, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Close shuts the connection down. Idempotent.
func (s *Socket) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// Closed reports whether Close was called.
func (s *Socket) Closed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}
