package codec

// SplitReply recognises the {Token, Payload} reply convention, where Token is
// an atom or a reference. It returns the token and the bytes of the payload term.
func SplitReply(data []byte) (token any, payload []byte, ok bool) {
	d := NewDecoder(data)
	rest := d.Rest()
	if len(rest) < 2 || rest[0] != SmallTupleTag || rest[1] != 2 {
		return nil, nil, false
	}
	d.pos += 2
	tok, err := d.Term()
	if err != nil {
		return nil, nil, false
	}
	switch tok.(type) {
	case Atom, Ref:
		return tok, d.Rest(), true
	default:
		return nil, nil, false
	}
}

// DecodeResponse decodes a reply, dropping the correlation token of a
// {Token, Payload} tuple. Any other shape is decoded as-is.
func DecodeResponse(data []byte) (any, error) {
	v, _, err := DecodeResponseReport(data)
	return v, err
}

// DecodeResponseReport is DecodeResponse that also returns the tags that
// degraded to placeholders.
func DecodeResponseReport(data []byte) (any, []byte, error) {
	if _, body, ok := SplitReply(data); ok {
		data = body
	}
	d := NewDecoder(data)
	v, err := d.Value()
	return v, d.Degraded(), err
}
