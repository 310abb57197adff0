package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// Defaults for engine connections.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultInactivityTimeout = 60 * time.Second
	DefaultMaxChunkSize      = 8 * 1024 * 1024
)

// DialOptions tune one engine connection.
type DialOptions struct {
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
	// InactivityTimeout bounds every single socket read and write.
	// Zero disables it.
	InactivityTimeout time.Duration
	// MaxChunkSize caps the size of a single audio write.
	MaxChunkSize int
	// MaxFrameSize caps a single inbound line.
	MaxFrameSize int
}

// DefaultDialOptions returns the engine defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		ConnectTimeout:    DefaultConnectTimeout,
		InactivityTimeout: DefaultInactivityTimeout,
		MaxChunkSize:      DefaultMaxChunkSize,
		MaxFrameSize:      DefaultMaxFrameSize,
	}
}

// Conn is one request/response exchange with the engine. Writes and reads
// may run on different goroutines; Close may be called from any goroutine.
type Conn struct {
	nc   net.Conn
	enc  *Encoder
	dec  *Decoder
	opts DialOptions

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Dial opens a TCP connection to the engine at addr.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Conn, error) {
	d := net.Dialer{Timeout: opts.ConnectTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, dialError(ctx, addr, err)
	}
	return NewConn(nc, opts), nil
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn, opts DialOptions) *Conn {
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultMaxChunkSize
	}
	return &Conn{
		nc:     nc,
		enc:    NewEncoder(nc),
		dec:    NewDecoder(nc, opts.MaxFrameSize),
		opts:   opts,
		closed: make(chan struct{}),
	}
}

// RemoteAddr returns the engine address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// SendCommand writes the options line. opts is usually an Options value.
func (c *Conn) SendCommand(opts any) error {
	c.armWrite()
	if err := c.enc.Encode(opts); err != nil {
		return writeError(err)
	}
	return nil
}

// SendRawCommand compacts a client supplied JSON object and writes it as
// the options line.
func (c *Conn) SendRawCommand(raw []byte) error {
	if !json.Valid(raw) {
		return ErrInvalidOptions
	}
	c.armWrite()
	if err := c.enc.EncodeRaw(raw); err != nil {
		return writeError(err)
	}
	return nil
}

// WriteAudio writes p, split into writes of at most MaxChunkSize bytes.
func (c *Conn) WriteAudio(p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > c.opts.MaxChunkSize {
			n = c.opts.MaxChunkSize
		}
		c.armWrite()
		if _, err := c.nc.Write(p[:n]); err != nil {
			return writeError(err)
		}
		p = p[n:]
	}
	return nil
}

// WriteEOF writes the end-of-audio sequence.
func (c *Conn) WriteEOF(seq string) error {
	if seq == "" {
		seq = DefaultEOF
	}
	return c.WriteAudio([]byte(seq))
}

// ReadRaw returns the next inbound line as it was received, without the
// trailing newline.
func (c *Conn) ReadRaw() ([]byte, error) {
	c.armRead()
	line, err := c.dec.Next()
	if err != nil {
		return nil, readError(err)
	}
	return line, nil
}

// ReadReply reads and decodes the next reply. A reply with status "failed"
// is returned together with an *EngineError. io.EOF means the engine closed
// the connection cleanly between frames.
func (c *Conn) ReadReply() (*Reply, error) {
	line, err := c.ReadRaw()
	if err != nil {
		return nil, err
	}
	var r Reply
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, fmt.Errorf("wire: %w: malformed frame: %v", ErrProtocol, err)
	}
	if r.Status == StatusFailed {
		msg := r.Error
		if msg == "" {
			msg = "unspecified failure"
		}
		return &r, &EngineError{Message: msg}
	}
	return &r, nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
		close(c.closed)
	})
	return c.closeErr
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) armRead() {
	if c.opts.InactivityTimeout > 0 {
		_ = c.nc.SetReadDeadline(time.Now().Add(c.opts.InactivityTimeout))
	}
}

func (c *Conn) armWrite() {
	if c.opts.InactivityTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.opts.InactivityTimeout))
	}
}
