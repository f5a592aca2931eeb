package body

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/corehttp/agent/pkg/errors"
)

// chunkedReader decodes HTTP/1.1 chunked transfer-encoding as a streaming
// io.Reader.
type chunkedReader struct {
	r         *bufio.Reader
	remaining int64
	done      bool
	err       error
}

// NewChunkedReader wraps r, decoding chunked framing as bytes are read.
func NewChunkedReader(r io.Reader) io.Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &chunkedReader{r: br}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.done {
		return 0, io.EOF
	}
	if c.remaining == 0 {
		size, err := c.readChunkSize()
		if err != nil {
			c.err = err
			return 0, err
		}
		if size == 0 {
			// trailer section: read until the empty line that terminates it.
			if err := c.drainTrailer(); err != nil {
				c.err = err
				return 0, err
			}
			c.done = true
			return 0, io.EOF
		}
		c.remaining = size
	}

	n := len(p)
	if int64(n) > c.remaining {
		n = int(c.remaining)
	}
	read, err := c.r.Read(p[:n])
	c.remaining -= int64(read)
	if err != nil && err != io.EOF {
		c.err = errors.NewIOError("chunked read", err)
		return read, c.err
	}
	if c.remaining == 0 {
		// consume the CRLF that terminates this chunk's data.
		if _, err := c.r.Discard(2); err != nil {
			c.err = errors.NewProtocolError("malformed chunk terminator", err)
			return read, c.err
		}
	}
	return read, nil
}

func (c *chunkedReader) readChunkSize() (int64, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return 0, errors.NewProtocolError("truncated chunk size line", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i] // chunk extensions are ignored
	}
	size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
	if err != nil {
		return 0, errors.NewProtocolError(fmt.Sprintf("invalid chunk size %q", line), err)
	}
	if size < 0 {
		return 0, errors.NewProtocolError(fmt.Sprintf("negative chunk size %q", line), nil)
	}
	return size, nil
}

func (c *chunkedReader) drainTrailer() error {
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return errors.NewProtocolError("truncated chunk trailer", err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
	}
}

// chunkedWriter encodes an outgoing body as chunked transfer-encoding.
type chunkedWriter struct {
	w io.Writer
}

// NewChunkedWriter wraps w, emitting chunked framing around each Write.
func NewChunkedWriter(w io.Writer) io.WriteCloser {
	return &chunkedWriter{w: w}
}

func (c *chunkedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if _, err := fmt.Fprintf(c.w, "%x\r\n", len(p)); err != nil {
		return 0, err
	}
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	if _, err := io.WriteString(c.w, "\r\n"); err != nil {
		return n, err
	}
	return n, nil
}

// Close writes the terminating zero-length chunk and empty trailer.
func (c *chunkedWriter) Close() error {
	_, err := io.WriteString(c.w, "0\r\n\r\n")
	return err
}

// lengthLimitedReader stops at a declared Content-Length; if the stream
// ends before that many bytes arrive it returns an unexpected-EOF error.
type lengthLimitedReader struct {
	r         io.Reader
	remaining int64
}

// NewLengthLimitedReader returns a reader that yields at most n bytes from r.
func NewLengthLimitedReader(r io.Reader, n int64) io.Reader {
	return &lengthLimitedReader{r: r, remaining: n}
}

func (l *lengthLimitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if err == io.EOF && l.remaining > 0 {
		return n, errors.NewIOError("read", io.ErrUnexpectedEOF)
	}
	return n, err
}
