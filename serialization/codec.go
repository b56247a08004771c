package serialization

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
)

// DecodeFunc decodes a MessagePack body into a pointer to a fresh value.
type DecodeFunc func(ctx context.Context, data []byte) (any, error)

// PayloadCodec encodes typed payloads as MessagePack and hands out decoders
// that are built once per type.
type PayloadCodec struct {
	decoders sync.Map // reflect.Type -> DecodeFunc
	builds   atomic.Int64
}

// NewPayloadCodec creates a codec with an empty decoder cache.
func NewPayloadCodec() *PayloadCodec {
	return &PayloadCodec{}
}

// Encode serializes v as MessagePack.
func (c *PayloadCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("message cannot be nil")
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return data, nil
}

// DecodeFunction returns the cached decoder for mt, building it on first use.
func (c *PayloadCodec) DecodeFunction(mt *MessageType) DecodeFunc {
	if fn, ok := c.decoders.Load(mt.Type); ok {
		return fn.(DecodeFunc)
	}

	fn := mt.decode
	if fn == nil {
		fn = reflectDecoder(mt.Type)
	}
	actual, loaded := c.decoders.LoadOrStore(mt.Type, fn)
	if !loaded {
		c.builds.Add(1)
	}
	return actual.(DecodeFunc)
}

// Decode decodes data as mt. An empty body or a nil result is ErrEmptyPayload.
func (c *PayloadCodec) Decode(ctx context.Context, mt *MessageType, data []byte) (any, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	v, err := c.DecodeFunction(mt)(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", mt.Name, err)
	}
	if v == nil {
		return nil, ErrEmptyPayload
	}
	return v, nil
}

func reflectDecoder(t reflect.Type) DecodeFunc {
	return func(ctx context.Context, data []byte) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ptr := reflect.New(t)
		if err := unmarshal(data, ptr.Interface()); err != nil {
			return nil, err
		}
		return ptr.Interface(), nil
	}
}

func unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
