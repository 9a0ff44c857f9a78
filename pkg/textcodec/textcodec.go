// Package textcodec converts datagram payloads to and from text. Decoding is
// strict: a byte outside the codec's valid range is an error, never silently
// dropped or replaced.
package textcodec

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"udplistener/pkg/udperr"
)

const Default = "ascii"

type Codec interface {
	Name() string
	Decode(b []byte) (string, error)
	Encode(s string) ([]byte, error)
}

var codecs = map[string]Codec{
	"ascii":      asciiCodec{},
	"us-ascii":   asciiCodec{},
	"utf-8":      utf8Codec{},
	"utf8":       utf8Codec{},
	"latin-1":    latin1Codec{},
	"latin1":     latin1Codec{},
	"iso-8859-1": latin1Codec{},
}

// Lookup resolves a codec by name, case-insensitively. An empty name selects
// ascii.
func Lookup(name string) (Codec, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = Default
	}
	c, ok := codecs[key]
	if !ok {
		return nil, udperr.Validation("codec", "unknown encoding %q", name)
	}
	return c, nil
}

type asciiCodec struct{}

func (asciiCodec) Name() string { return "ascii" }

func (asciiCodec) Decode(b []byte) (string, error) {
	for i, c := range b {
		if c >= utf8.RuneSelf {
			return "", udperr.Decode("decode", "ascii", i)
		}
	}
	return string(b), nil
}

func (asciiCodec) Encode(s string) ([]byte, error) {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return nil, udperr.Validation("encode", "character at offset %d is not ascii", i)
		}
	}
	return []byte(s), nil
}

type utf8Codec struct{}

func (utf8Codec) Name() string { return "utf-8" }

func (utf8Codec) Decode(b []byte) (string, error) {
	if utf8.Valid(b) {
		return string(b), nil
	}
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			return "", udperr.Decode("decode", "utf-8", i)
		}
		i += size
	}
	return string(b), nil
}

func (utf8Codec) Encode(s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, udperr.Validation("encode", "string is not valid utf-8")
	}
	return []byte(s), nil
}

type latin1Codec struct{}

func (latin1Codec) Name() string { return "latin-1" }

// Every byte is a valid ISO 8859-1 code point, so decoding cannot fail.
func (latin1Codec) Decode(b []byte) (string, error) {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return "", udperr.Decode("decode", "latin-1", 0)
	}
	return string(out), nil
}

func (latin1Codec) Encode(s string) ([]byte, error) {
	out, err := charmap.ISO8859_1.NewEncoder().String(s)
	if err != nil {
		return nil, udperr.Validation("encode", "string not representable in latin-1: %v", err)
	}
	return []byte(out), nil
}
