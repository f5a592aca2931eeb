package body

import (
	"bufio"
	"io"
	"mime"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/corehttp/agent/pkg/errors"
)

// NewCharsetReader installs the charset→UTF-8 transcoder layer. contentType
// is the raw Content-Type header value, if any; when
// it declares no charset the first bytes of body are probed with a
// detector and the detector's best guess is used.
func NewCharsetReader(body io.Reader, contentType string) (io.Reader, error) {
	if !strings.HasPrefix(strings.ToLower(contentType), "text/") {
		return body, nil
	}

	enc, name, err := charsetFromContentType(contentType)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		br := bufio.NewReader(body)
		peek, _ := br.Peek(1024)
		_, name, _ = charset.DetermineEncoding(peek, contentType)
		enc, _ = htmlindex.Get(name)
		body = br
	}
	if enc == nil || isUTF8(name) {
		return body, nil
	}
	return transform.NewReader(body, enc.NewDecoder()), nil
}

// NewCharsetWriter installs a UTF-8→charset transcoder for outgoing text
// bodies that declare a non-UTF-8 charset.
func NewCharsetWriter(w io.Writer, targetCharset string) (io.Writer, error) {
	if targetCharset == "" || isUTF8(targetCharset) {
		return w, nil
	}
	enc, err := htmlindex.Get(targetCharset)
	if err != nil {
		return nil, errors.NewValidationError("unknown charset: " + targetCharset)
	}
	return transform.NewWriter(w, enc.NewEncoder()), nil
}

func charsetFromContentType(contentType string) (encoding.Encoding, string, error) {
	if contentType == "" {
		return nil, "", nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, "", nil // malformed Content-Type: fall through to detection
	}
	cs := params["charset"]
	if cs == "" {
		return nil, "", nil
	}
	enc, err := htmlindex.Get(cs)
	if err != nil {
		return nil, "", errors.NewProtocolError("unrecognized charset: "+cs, err)
	}
	return enc, cs, nil
}

func isUTF8(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	return n == "" || n == "utf-8" || n == "utf8" || n == "us-ascii" || n == "ascii"
}
