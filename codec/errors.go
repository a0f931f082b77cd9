package codec

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrUnsupportedValue = errors.New("codec: unsupported value")
	ErrEncodeOverflow   = errors.New("codec: encode buffer overflow")
	ErrDecodeDegraded   = errors.New("codec: decode degraded")
	ErrTruncated        = errors.New("codec: truncated term")
	ErrMalformed        = errors.New("codec: malformed term")
)

// CheckAtom reports ErrUnsupportedValue for names the remote runtime cannot
// hold as an atom: more than 255 characters.
func CheckAtom(name string) error {
	if n := utf8.RuneCountInString(name); n > maxAtomChars {
		return unsupported("atom too long (%d characters)", n)
	}
	return nil
}

// DegradedError wraps ErrDecodeDegraded for the tags a decode replaced with
// placeholders. It is nil when tags is empty.
func DegradedError(tags []byte) error {
	if len(tags) == 0 {
		return nil
	}
	return fmt.Errorf("%w: unrecognised tags %v", ErrDecodeDegraded, tags)
}

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedValue, fmt.Sprintf(format, args...))
}
