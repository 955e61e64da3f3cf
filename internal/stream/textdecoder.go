package stream

import (
	"errors"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// textDecoder turns arbitrarily split UTF-8 byte chunks into text. A multi-byte
// sequence cut by a chunk boundary is held back until the rest arrives, and a
// leading byte order mark is dropped.
type textDecoder struct {
	t       transform.Transformer
	pending []byte
	dst     []byte
}

func newTextDecoder() *textDecoder {
	return &textDecoder{
		t:   unicode.UTF8BOM.NewDecoder(),
		dst: make([]byte, 4096),
	}
}

// decode converts chunk, prefixed by any bytes held from the previous call.
// With atEOF set, incomplete sequences are emitted as U+FFFD.
func (d *textDecoder) decode(chunk []byte, atEOF bool) (string, error) {
	src := chunk
	if len(d.pending) > 0 {
		src = append(d.pending, chunk...)
		d.pending = nil
	}

	var out strings.Builder
	for {
		nDst, nSrc, err := d.t.Transform(d.dst, src, atEOF)
		out.Write(d.dst[:nDst])
		src = src[nSrc:]

		switch {
		case err == nil:
			return out.String(), nil
		case errors.Is(err, transform.ErrShortDst):
			if nDst == 0 && nSrc == 0 {
				d.dst = make([]byte, 2*len(d.dst))
			}
		case errors.Is(err, transform.ErrShortSrc):
			d.pending = append([]byte(nil), src...)
			return out.String(), nil
		default:
			return out.String(), err
		}
	}
}
