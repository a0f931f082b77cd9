package codec

import "errors"

// TermCodec maps generic values to and from the external term format.
type TermCodec struct{}

func (c *TermCodec) Encode(v any) ([]byte, error) {
	return Encode(v)
}

func (c *TermCodec) Decode(data []byte, v any) error {
	// v must be *any
	out, ok := v.(*any)
	if !ok {
		return errors.New("TermCodec: v must be *any")
	}
	val, err := Decode(data)
	if err != nil {
		return err
	}
	*out = val
	return nil
}

func (c *TermCodec) Type() CodecType {
	return CodecTypeTerm
}
