// Package codec converts between the generic value model used by the host
// (null, bool, number, string, sequence, string-keyed mapping) and the
// remote runtime's external term format.
//
// Two codecs share the Codec interface:
//   - TermCodec: generic value <-> external term format bytes
//   - JSONCodec: generic value <-> JSON text handed over by the host
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeTerm CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Term
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &TermCodec{}
}
