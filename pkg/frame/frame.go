// Package frame implements the relay's wire format: an 8 byte little-endian length prefix followed by
// exactly that many payload bytes.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	prefixSize = 8

	// DefaultMaxFrameSize bounds the payload length accepted by Read so that a corrupt prefix cannot force a
	// huge allocation.
	DefaultMaxFrameSize uint64 = 64 << 20
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Transport carries opaque frames to and from one peer. Send and Receive may be used concurrently with each
// other but not with themselves.
type Transport interface {
	Send(payload []byte) error
	Receive() ([]byte, error)
	Close() error
	RemoteAddr() string
}

// Write writes the length prefix and then the payload. Both must complete or an error is returned.
func Write(w io.Writer, payload []byte) error {
	var prefix [prefixSize]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write frame prefix: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	return nil
}

// Read reads exactly one frame. A stream that ends before any prefix byte yields io.EOF, any other short read
// yields io.ErrUnexpectedEOF. A maxSize of zero means DefaultMaxFrameSize.
func Read(r io.Reader, maxSize uint64) ([]byte, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	var prefix [prefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame prefix: %w", err)
	}
	size := binary.LittleEndian.Uint64(prefix[:])
	if size > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	return payload, nil
}

type options struct {
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxFrameSize uint64
}

type Option func(*options)

// WithReadTimeout sets a deadline for each Receive. Zero waits forever.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.readTimeout = d }
}

// WithWriteTimeout sets a deadline for each Send. Zero waits forever.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithMaxFrameSize caps the payload length accepted by Receive. Zero means DefaultMaxFrameSize.
func WithMaxFrameSize(n uint64) Option {
	return func(o *options) { o.maxFrameSize = n }
}

func buildOptions(opts []Option) options {
	o := options{maxFrameSize: DefaultMaxFrameSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxFrameSize == 0 {
		o.maxFrameSize = DefaultMaxFrameSize
	}
	return o
}

// Conn is a Transport over a stream connection.
type Conn struct {
	conn net.Conn
	opts options
}

func NewConn(conn net.Conn, opts ...Option) *Conn {
	return &Conn{conn: conn, opts: buildOptions(opts)}
}

func (c *Conn) Send(payload []byte) error {
	if c.opts.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	return Write(c.conn, payload)
}

func (c *Conn) Receive() ([]byte, error) {
	if c.opts.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.readTimeout)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}
	return Read(c.conn, c.opts.maxFrameSize)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
