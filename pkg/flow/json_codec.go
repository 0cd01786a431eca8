package flow

import (
	"encoding/json"
	"io"
)

// JsonCodec frames JSON documents with a [BytesCodec].
type JsonCodec[Msg any] struct {
	inner BytesCodec
}

func NewJsonCodec[Msg any](maxFrameSize uint64) JsonCodec[Msg] {
	return JsonCodec[Msg]{
		inner: NewBytesCodec(maxFrameSize),
	}
}

func (c JsonCodec[Msg]) Encode(w io.Writer, msg Msg) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return c.inner.Encode(w, buf)
}

func (c JsonCodec[Msg]) Decode(r io.Reader) (result Msg, err error) {
	buf, err := c.inner.Decode(r)
	if err != nil {
		return result, err
	}

	err = json.Unmarshal(buf, &result)
	return result, err
}
