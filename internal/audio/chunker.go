package audio

import (
	"context"
	"errors"
	"io"
)

// Chunks reads r in pieces of at most size bytes and delivers them on the
// returned channel, which is closed at end of input, on a read error, or
// when ctx is done. The returned function reports the read error, if any,
// and may only be called after the channel is closed.
func Chunks(ctx context.Context, r io.Reader, size int) (<-chan []byte, func() error) {
	if size <= 0 {
		size = DefaultChunkSize
	}
	out := make(chan []byte)
	var readErr error

	go func() {
		defer close(out)
		for {
			buf := make([]byte, size)
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				select {
				case out <- buf[:n]:
				case <-ctx.Done():
					readErr = ctx.Err()
					return
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			if err != nil {
				readErr = err
				return
			}
		}
	}()

	return out, func() error { return readErr }
}
