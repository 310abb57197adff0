package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single inbound line.
const DefaultMaxFrameSize = 16 * 1024 * 1024

var errPartialFrame = errors.New("connection closed inside a frame")

// Encoder writes newline-terminated JSON frames.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes v as one compact JSON line. encoding/json escapes control
// characters inside strings, so the output never contains a bare newline.
func (e *Encoder) Encode(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	return e.write(b)
}

// EncodeRaw compacts an already serialized JSON object and writes it as one
// line. Whitespace in raw, including newlines, is removed.
func (e *Encoder) EncodeRaw(raw []byte) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	return e.write(buf.Bytes())
}

func (e *Encoder) write(line []byte) error {
	line = append(line, '\n')
	_, err := e.w.Write(line)
	return err
}

// Decoder reads newline-terminated JSON frames. Partial lines are buffered
// across reads, so frame boundaries never depend on how the stream was
// split by the network.
type Decoder struct {
	sc  *bufio.Scanner
	err error
}

// NewDecoder returns a decoder reading from r. maxFrame <= 0 selects
// DefaultMaxFrameSize.
func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	sc := bufio.NewScanner(r)
	initial := 64 * 1024
	if initial > maxFrame {
		initial = maxFrame
	}
	sc.Buffer(make([]byte, initial), maxFrame)
	sc.Split(scanFrames)
	return &Decoder{sc: sc}
}

// Next returns the next non-blank frame. It returns io.EOF when the stream
// ends cleanly between frames. A stream that ends in the middle of a frame
// yields ErrEngineDisconnected; an oversized frame yields ErrProtocol.
// Any error is sticky.
func (d *Decoder) Next() ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	err := d.sc.Err()
	switch {
	case err == nil:
		d.err = io.EOF
	case errors.Is(err, errPartialFrame):
		d.err = fmt.Errorf("wire: %w: %v", ErrEngineDisconnected, err)
	case errors.Is(err, bufio.ErrTooLong):
		d.err = fmt.Errorf("wire: %w: frame exceeds limit", ErrProtocol)
	default:
		d.err = err
	}
	return nil, d.err
}

// Decode reads the next frame into v. A line that is not valid JSON is a
// protocol error and poisons the decoder.
func (d *Decoder) Decode(v any) error {
	line, err := d.Next()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(line, v); err != nil {
		d.err = fmt.Errorf("wire: %w: malformed frame: %v", ErrProtocol, err)
		return d.err
	}
	return nil
}

func scanFrames(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(bytes.TrimSpace(data)) > 0 {
		return 0, nil, errPartialFrame
	}
	return 0, nil, nil
}
