package body

import (
	"io"

	"github.com/andybalholm/brotli"
)

// NewBrotliReader installs a brotli content-decoding layer, selected by
// the construction rules alongside gzip on Content-Encoding: br.
func NewBrotliReader(r io.Reader) io.Reader {
	return brotli.NewReader(r)
}

// NewBrotliWriter installs a brotli content-encoding layer for requests
// that opt into it.
func NewBrotliWriter(w io.Writer) io.WriteCloser {
	return brotli.NewWriter(w)
}
