package body

import (
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/corehttp/agent/pkg/errors"
)

// NewGzipReader installs a gzip content-decoding layer, using
// klauspost/compress's drop-in, faster gzip.Reader.
func NewGzipReader(r io.Reader) (io.ReadCloser, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.NewProtocolError("invalid gzip content-encoding", err)
	}
	return gr, nil
}

// NewGzipWriter installs a gzip content-encoding layer on the request side.
func NewGzipWriter(w io.Writer) io.WriteCloser {
	return gzip.NewWriter(w)
}
