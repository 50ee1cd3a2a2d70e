package grpc

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"

	fwdenc "github.com/maxpert/forwarder/encoding"
	"github.com/maxpert/forwarder/protocol"
)

const codecName = "msgpack"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

// encoderPoolEntry pairs a buffer with the encoder writing into it.
type encoderPoolEntry struct {
	buf *bytes.Buffer
	enc *msgpack.Encoder
}

var encoderPool = sync.Pool{
	New: func() interface{} {
		buf := new(bytes.Buffer)
		enc := msgpack.NewEncoder(buf)
		enc.SetOmitEmpty(true)
		return &encoderPoolEntry{buf: buf, enc: enc}
	},
}

// msgpackCodec frames protocol actions on the Channel stream. Only *protocol.Action
// travels over it.
type msgpackCodec struct{}

func (msgpackCodec) Name() string {
	return codecName
}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	a, ok := v.(*protocol.Action)
	if !ok {
		return nil, fmt.Errorf("msgpack codec: unexpected message type %T", v)
	}

	entry := encoderPool.Get().(*encoderPoolEntry)
	entry.buf.Reset()
	if err := entry.enc.Encode(a); err != nil {
		encoderPool.Put(entry)
		return nil, err
	}

	// grpc may hold the slice after we return, so the pooled buffer is copied out
	out := make([]byte, entry.buf.Len())
	copy(out, entry.buf.Bytes())
	encoderPool.Put(entry)
	return out, nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	a, ok := v.(*protocol.Action)
	if !ok {
		return fmt.Errorf("msgpack codec: unexpected message type %T", v)
	}
	return fwdenc.Unmarshal(data, a)
}
