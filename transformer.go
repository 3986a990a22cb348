package procwire

import (
	"fmt"
	"sync"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/klauspost/compress/zstd"
)

// Transformer converts procedure values to and from their wire form. It is
// applied to inputs on the client and outputs on the server.
type Transformer interface {
	Serialize(v any) (jsontext.Value, error)
	Deserialize(data jsontext.Value, v any) error
}

// JSONTransformer is the default transformer. Optional struct fields tagged
// omitzero or omitempty are dropped rather than encoded as null, so a value
// that was absent stays absent after a round trip.
type JSONTransformer struct {
	// Options are passed to every marshal and unmarshal call.
	Options []json.Options
}

func (t JSONTransformer) Serialize(v any) (jsontext.Value, error) {
	data, err := json.Marshal(v, t.Options...)
	if err != nil {
		return nil, err
	}
	return jsontext.Value(data), nil
}

func (t JSONTransformer) Deserialize(data jsontext.Value, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v, t.Options...)
}

// DefaultTransformer is used when no transformer is configured.
var DefaultTransformer Transformer = JSONTransformer{}

// Encoder converts envelopes to and from WebSocket frames. An alternate
// encoding must keep the JSON semantics of the envelopes: fields left empty
// are absent after decoding.
type Encoder interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	// Binary reports whether frames are sent as binary messages.
	Binary() bool
}

// JSONEncoder encodes envelopes as JSON text frames.
type JSONEncoder struct{}

func (JSONEncoder) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (JSONEncoder) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONEncoder) Binary() bool                    { return false }

// ZstdEncoder encodes envelopes as zstd-compressed JSON in binary frames.
// The zero value is ready to use and safe for concurrent use.
type ZstdEncoder struct {
	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func (z *ZstdEncoder) init() error {
	z.once.Do(func() {
		z.enc, z.err = zstd.NewWriter(nil)
		if z.err != nil {
			return
		}
		z.dec, z.err = zstd.NewReader(nil)
	})
	return z.err
}

func (z *ZstdEncoder) Encode(v any) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return z.enc.EncodeAll(data, nil), nil
}

func (z *ZstdEncoder) Decode(data []byte, v any) error {
	if err := z.init(); err != nil {
		return err
	}
	plain, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("zstd: %w", err)
	}
	return json.Unmarshal(plain, v)
}

func (z *ZstdEncoder) Binary() bool { return true }
