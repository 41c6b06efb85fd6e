package xssfilter

import (
	"errors"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/keithlinneman/xssguard/internal/xerrors"
)

// ErrCharset is returned when a body declares a charset that cannot be
// decoded, or when filtered output cannot be encoded back into it.
var ErrCharset = errors.New("xssfilter: unsupported charset")

// bodyCodec converts between a declared body charset and UTF-8. The zero
// value is UTF-8 and does no conversion.
type bodyCodec struct {
	name string
	enc  encoding.Encoding
}

func lookupCodec(charset string) (bodyCodec, error) {
	if charset == "" {
		return bodyCodec{name: "utf-8"}, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return bodyCodec{}, xerrors.Wrapf(ErrCharset, "charset %q", charset)
	}
	name, err := htmlindex.Name(enc)
	if err != nil || name == "utf-8" {
		return bodyCodec{name: "utf-8"}, nil
	}
	return bodyCodec{name: name, enc: enc}, nil
}

func (c bodyCodec) decode(b []byte) ([]byte, error) {
	if c.enc == nil {
		return b, nil
	}
	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return nil, xerrors.Wrapf(ErrCharset, "decode %s: %v", c.name, err)
	}
	return out, nil
}

func (c bodyCodec) encode(b []byte) ([]byte, error) {
	if c.enc == nil {
		return b, nil
	}
	out, err := c.enc.NewEncoder().Bytes(b)
	if err != nil {
		return nil, xerrors.Wrapf(ErrCharset, "encode %s: %v", c.name, err)
	}
	return out, nil
}
