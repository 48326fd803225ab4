package codec

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// HeaderSize is the per-fragment [index][total] prefix.
	HeaderSize = 2
	// MaxFragments is the largest fragment count one message may use.
	MaxFragments = 256
	// MaxMessageSize bounds the decompressed size of one control message.
	MaxMessageSize = 4 * 1024 * 1024
	// DefaultPacing is the delay between consecutive fragment writes.
	DefaultPacing = 20 * time.Millisecond
)

var (
	// ErrMTUTooSmall indicates the write size cannot carry the fragment header plus payload.
	ErrMTUTooSmall = errors.New("codec: mtu must be larger than fragment header")
	// ErrTooManyFragments indicates the compressed message needs more than MaxFragments frames.
	ErrTooManyFragments = errors.New("codec: message exceeds fragment limit")
	// ErrInvalidFrame indicates a frame with a bad header.
	ErrInvalidFrame = errors.New("codec: invalid fragment frame")
	// ErrMessageTooLarge indicates a message larger than MaxMessageSize.
	ErrMessageTooLarge = errors.New("codec: message too large")
)

// WriteFunc writes one fragment to the link.
type WriteFunc func(ctx context.Context, frame []byte) error

// Compress deflates buf using the zlib container.
func Compress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w := zlib.NewWriter(&out)
	if _, err := w.Write(buf); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("compress message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish compressed message: %w", err)
	}
	return out.Bytes(), nil
}

// Decompress inflates a zlib buffer produced by Compress.
func Decompress(buf []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("open compressed message: %w", err)
	}
	defer func() {
		_ = r.Close()
	}()

	out, err := io.ReadAll(io.LimitReader(r, MaxMessageSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress message: %w", err)
	}
	if len(out) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return out, nil
}

// FragmentCount returns how many frames a compressed payload of length n needs at the given mtu.
func FragmentCount(n, mtu int) int {
	size := mtu - HeaderSize
	if size <= 0 {
		return 0
	}
	if n == 0 {
		return 1
	}
	return (n + size - 1) / size
}

// Encode compresses buf and splits it into frames no longer than mtu bytes.
func Encode(buf []byte, mtu int) ([][]byte, error) {
	if mtu <= HeaderSize {
		return nil, ErrMTUTooSmall
	}
	if len(buf) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(buf))
	}

	compressed, err := Compress(buf)
	if err != nil {
		return nil, err
	}

	total := FragmentCount(len(compressed), mtu)
	if total > MaxFragments {
		return nil, fmt.Errorf("%w: %d fragments at mtu %d", ErrTooManyFragments, total, mtu)
	}

	size := mtu - HeaderSize
	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(compressed) {
			end = len(compressed)
		}
		frame := make([]byte, HeaderSize+end-start)
		frame[0] = byte(i)
		frame[1] = encodeTotal(total)
		copy(frame[HeaderSize:], compressed[start:end])
		frames = append(frames, frame)
	}
	return frames, nil
}

// Send encodes buf and writes every frame in order, waiting pacing between writes.
// Nothing is written when encoding fails.
func Send(ctx context.Context, buf []byte, mtu int, pacing time.Duration, write WriteFunc) error {
	frames, err := Encode(buf, mtu)
	if err != nil {
		return err
	}

	for i, frame := range frames {
		if i > 0 && pacing > 0 {
			timer := time.NewTimer(pacing)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := write(ctx, frame); err != nil {
			return fmt.Errorf("write fragment %d/%d: %w", i+1, len(frames), err)
		}
	}
	return nil
}

// ParseHeader returns the fragment index and total fragment count of a frame.
func ParseHeader(frame []byte) (index, total int, err error) {
	if len(frame) < HeaderSize {
		return 0, 0, ErrInvalidFrame
	}
	index = int(frame[0])
	total = decodeTotal(frame[1])
	if index >= total {
		return 0, 0, fmt.Errorf("%w: index %d of %d", ErrInvalidFrame, index, total)
	}
	return index, total, nil
}

// A total of 256 does not fit in one byte and travels as 0.
func encodeTotal(total int) byte {
	return byte(total)
}

func decodeTotal(b byte) int {
	if b == 0 {
		return MaxFragments
	}
	return int(b)
}
