package cache

import (
	"fmt"
	"io"

	gojson "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

// Serializer converts typed keys and values to and from the byte streams
// the engine stores. SerializedSize is called before the entry chain is
// allocated; Serialize must then produce exactly that many bytes.
//
// Implementations must be safe for concurrent use.
type Serializer[T any] interface {
	SerializedSize(v T) int
	Serialize(v T, w io.Writer) error
	Deserialize(r io.Reader) (T, error)
}

// StringSerializer stores strings as their raw bytes.
type StringSerializer struct{}

func (StringSerializer) SerializedSize(v string) int { return len(v) }

func (StringSerializer) Serialize(v string, w io.Writer) error {
	_, err := io.WriteString(w, v)
	return err
}

func (StringSerializer) Deserialize(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// BytesSerializer stores byte slices verbatim.
type BytesSerializer struct{}

func (BytesSerializer) SerializedSize(v []byte) int { return len(v) }

func (BytesSerializer) Serialize(v []byte, w io.Writer) error {
	_, err := w.Write(v)
	return err
}

func (BytesSerializer) Deserialize(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}

// JSONSerializer stores any value as its JSON encoding.
//
// SerializedSize encodes the value to measure it, and Serialize encodes it
// again; keep values reasonably small or supply a hand-written serializer
// for hot types.
type JSONSerializer[T any] struct{}

func (JSONSerializer[T]) SerializedSize(v T) int {
	b, err := gojson.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

func (JSONSerializer[T]) Serialize(v T, w io.Writer) error {
	b, err := gojson.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: json serialize: %w", err)
	}
	_, err = w.Write(b)
	return err
}

func (JSONSerializer[T]) Deserialize(r io.Reader) (T, error) {
	var v T
	b, err := io.ReadAll(r)
	if err != nil {
		return v, err
	}
	if err := gojson.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("cache: json deserialize: %w", err)
	}
	return v, nil
}

// ZstdSerializer stores byte slices zstd-compressed. Worth it for large,
// compressible values: more entries fit in the same block pool.
//
// SerializedSize compresses the value to measure it and Serialize
// compresses it again. The same trade-off as JSONSerializer applies.
type ZstdSerializer struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdSerializer builds a serializer at the default compression level.
func NewZstdSerializer() (*ZstdSerializer, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("cache: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("cache: zstd decoder: %w", err)
	}
	return &ZstdSerializer{enc: enc, dec: dec}, nil
}

func (s *ZstdSerializer) SerializedSize(v []byte) int {
	return len(s.enc.EncodeAll(v, nil))
}

func (s *ZstdSerializer) Serialize(v []byte, w io.Writer) error {
	_, err := w.Write(s.enc.EncodeAll(v, nil))
	return err
}

func (s *ZstdSerializer) Deserialize(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	out, err := s.dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: zstd deserialize: %w", err)
	}
	return out, nil
}
