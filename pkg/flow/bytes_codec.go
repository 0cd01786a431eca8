package flow

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxFrameSize bounds how much a single frame can allocate on
// the receiving side.
const DefaultMaxFrameSize = 1 << 20

// BytesCodec is a simple framing codec using varint length-prefixed
// frames to exchange []byte over a stream.
type BytesCodec struct {
	maxFrameSize uint64
}

func NewBytesCodec(maxFrameSize uint64) BytesCodec {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return BytesCodec{
		maxFrameSize: maxFrameSize,
	}
}

func (enc BytesCodec) Encode(w io.Writer, buf []byte) error {
	if uint64(len(buf)) > enc.max() {
		return fmt.Errorf("%w: %d bytes", ErrTooLargeFrame, len(buf))
	}

	varintBuf := protowire.AppendVarint(nil, uint64(len(buf)))
	prefixedBuf := make([]byte, len(varintBuf)+len(buf))
	copy(prefixedBuf, varintBuf)
	copy(prefixedBuf[len(varintBuf):], buf)
	_, err := w.Write(prefixedBuf)
	return err
}

func (enc BytesCodec) Decode(r io.Reader) ([]byte, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	terminated := false
	for n < len(buf) {
		m, err := r.Read(buf[n : n+1])
		if m != 0 {
			byteRead := buf[n]
			n = m + n
			if byteRead < 0x80 {
				terminated = true
				break
			}
		}
		if err != nil {
			if err == io.EOF && n > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	if !terminated {
		return nil, ErrMalformedFrame
	}

	prefix, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}

	if prefix > enc.max() {
		return nil, fmt.Errorf("%w: %d bytes announced", ErrTooLargeFrame, prefix)
	}

	buf = make([]byte, prefix)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (enc BytesCodec) max() uint64 {
	if enc.maxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return enc.maxFrameSize
}
