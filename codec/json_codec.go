package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec reads and writes the host's JSON documents.
// Numbers are kept as json.Number so integers beyond 2^53 survive to the
// term encoder.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
