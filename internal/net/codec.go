package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// MaxFrame bounds a frame's payload on the wire.
const MaxFrame = 1 << 20

// Frame flag bytes. Every payload starts with one.
const (
	flagRaw  byte = 0
	flagZstd byte = 1
)

var errFrameTooLarge = errors.New("frame too large")

// ReadFrame reads one frame from r.
// Wire format: [4 bytes LE: payload length][payload].
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	n := binary.LittleEndian.Uint32(header[:])
	if n == 0 || n > MaxFrame {
		return nil, fmt.Errorf("invalid frame length: %d", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload (%d bytes): %w", n, err)
	}
	return payload, nil
}

// WriteFrame writes one frame to w in a single Write call.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrame {
		return fmt.Errorf("write frame (%d bytes): %w", len(data), errFrameTooLarge)
	}
	buf := make([]byte, 4, 4+len(data))
	binary.LittleEndian.PutUint32(buf, uint32(len(data)))
	buf = append(buf, data...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Codec adds the flag byte to outgoing packets, compressing those at or
// above the threshold with zstd. It is safe for concurrent use.
type Codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

// NewCodec returns a codec. A threshold of 0 disables compression.
func NewCodec(threshold int) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrame))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Codec{threshold: threshold, enc: enc, dec: dec}, nil
}

// Encode prefixes pkt with its flag byte.
func (c *Codec) Encode(pkt []byte) []byte {
	if c.threshold > 0 && len(pkt) >= c.threshold {
		out := make([]byte, 1, 1+len(pkt)/2)
		out[0] = flagZstd
		return c.enc.EncodeAll(pkt, out)
	}
	out := make([]byte, 1+len(pkt))
	out[0] = flagRaw
	copy(out[1:], pkt)
	return out
}

// Decode strips the flag byte and decompresses if needed.
func (c *Codec) Decode(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("decode frame: short frame (%d bytes)", len(frame))
	}
	switch frame[0] {
	case flagRaw:
		return frame[1:], nil
	case flagZstd:
		pkt, err := c.dec.DecodeAll(frame[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		return pkt, nil
	default:
		return nil, fmt.Errorf("decode frame: unknown flag 0x%02X", frame[0])
	}
}

func (c *Codec) Close() {
	c.enc.Close()
	c.dec.Close()
}
